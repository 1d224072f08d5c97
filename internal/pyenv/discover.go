package pyenv

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Stager/internal/parallel"
	"github.com/CZERTAINLY/Stager/internal/proc"
)

// Installation is a python interpreter found on the machine.
type Installation struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

const (
	probeLimit   = 4
	probeTimeout = 15 * time.Second
)

var (
	pythonVersionRx = regexp.MustCompile(`Python (\d+\.\d+(?:\.\d+)?)`)
	// launcherLineRx matches "py -0p" lines, both " -V:3.12 *   C:\..." and " -3.11-64   C:\..."
	launcherLineRx = regexp.MustCompile(`^\s*-\S+\s+(?:\*\s+)?(\S.*)$`)
	pythonNameRx   = regexp.MustCompile(`^python(3(\.\d+)?)?(\.exe)?$`)
	versionPartsRx = regexp.MustCompile(`\d+`)
)

// pathNames are looked up on PATH, newest first.
var pathNames = []string{
	"python3.13", "python3.12", "python3.11", "python3.10", "python3.9", "python3.8",
	"python3", "python",
}

func defaultPatterns(goos string) []string {
	if goos == "windows" {
		var ret []string
		for _, env := range []string{"LOCALAPPDATA", "ProgramFiles"} {
			if base := os.Getenv(env); base != "" {
				if env == "LOCALAPPDATA" {
					base = filepath.Join(base, "Programs", "Python")
				}
				ret = append(ret, filepath.Join(base, "Python3*", "python.exe"))
			}
		}
		return append(ret, `C:\Python3*\python.exe`)
	}
	ret := []string{
		"/usr/bin/python3*",
		"/usr/local/bin/python3*",
		"/opt/homebrew/bin/python3*",
	}
	if home, err := os.UserHomeDir(); err == nil {
		ret = append(ret, filepath.Join(home, ".pyenv", "versions", "*", "bin", "python3"))
	}
	return ret
}

// ListInstalledRuntimes returns python installations found by the py
// launcher, on PATH and in well-known directories, highest version first.
// Candidates are probed with --version concurrently, a candidate failing
// the probe is left out. The list is cached until Invalidate.
func (s *Service) ListInstalledRuntimes(ctx context.Context) []Installation {
	s.mx.Lock()
	if s.cached {
		ret := slices.Clone(s.cache)
		s.mx.Unlock()
		return ret
	}
	s.mx.Unlock()

	candidates := s.candidates(ctx)
	slog.DebugContext(ctx, "probing python candidates", "count", len(candidates))

	var ret []Installation
	probes := parallel.NewMap(ctx, probeLimit, s.probe)
	for inst, err := range probes.Iter(parallel.All(candidates)) {
		if err != nil {
			slog.DebugContext(ctx, "python probe failed", "error", err)
			continue
		}
		ret = append(ret, inst)
	}
	slices.SortFunc(ret, func(a, b Installation) int {
		if c := compareVersions(b.Version, a.Version); c != 0 {
			return c
		}
		return cmp.Compare(a.Path, b.Path)
	})

	if ctx.Err() == nil {
		s.mx.Lock()
		s.cache = slices.Clone(ret)
		s.cached = true
		s.mx.Unlock()
	}
	return ret
}

// Invalidate drops the cached discovery result.
func (s *Service) Invalidate() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.cache = nil
	s.cached = false
}

// FindVersion returns the highest installation matching the major.minor of
// requested. An empty request matches the highest installation.
func (s *Service) FindVersion(ctx context.Context, requested string) (Installation, bool) {
	want := NormalizeVersion(requested)
	for _, inst := range s.ListInstalledRuntimes(ctx) {
		if want == "" || NormalizeVersion(inst.Version) == want {
			return inst, true
		}
	}
	return Installation{}, false
}

// NormalizeVersion reduces a version string like "Python 3.10.4" or
// "v3.10" to "3.10".
func NormalizeVersion(v string) string {
	parts := versionPartsRx.FindAllString(v, 2)
	return strings.Join(parts, ".")
}

// candidates collects unique interpreter paths from all strategies. Paths
// resolving to the same file are kept once, in the order of discovery.
func (s *Service) candidates(ctx context.Context) []string {
	var found []string
	found = append(found, s.fromLauncher(ctx)...)
	for _, name := range pathNames {
		if path, ok := s.lookPath(name); ok {
			found = append(found, path)
		}
	}
	found = append(found, s.fromPatterns()...)

	seen := make(map[string]struct{}, len(found))
	var ret []string
	for _, path := range found {
		key := path
		if resolved, err := filepath.EvalSymlinks(path); err == nil {
			key = resolved
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ret = append(ret, path)
	}
	return ret
}

func (s *Service) fromLauncher(ctx context.Context) []string {
	py, ok := s.lookPath("py")
	if !ok {
		return nil
	}
	res, err := s.runner.Stream(ctx, proc.Command{
		Path:    py,
		Args:    []string{"-0p"},
		Timeout: probeTimeout,
	}, nil, nil)
	if err != nil || !res.Success() {
		slog.DebugContext(ctx, "py launcher failed", "error", err, "exit_code", res.ExitCode)
		return nil
	}
	var ret []string
	for line := range strings.Lines(res.Stdout) {
		m := launcherLineRx.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
		if m == nil {
			continue
		}
		ret = append(ret, strings.TrimSpace(m[1]))
	}
	return ret
}

func (s *Service) fromPatterns() []string {
	var ret []string
	for _, pattern := range s.patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if !pythonNameRx.MatchString(strings.ToLower(filepath.Base(m))) {
				continue
			}
			if info, err := os.Stat(m); err != nil || info.IsDir() {
				continue
			}
			ret = append(ret, m)
		}
	}
	return ret
}

func (s *Service) probe(ctx context.Context, path string) (Installation, error) {
	res, err := s.runner.Stream(ctx, proc.Command{
		Path:    path,
		Args:    []string{"--version"},
		Timeout: probeTimeout,
	}, nil, nil)
	if err != nil {
		return Installation{}, err
	}
	if !res.Success() {
		return Installation{}, fmt.Errorf("%s --version: exit code %d", path, res.ExitCode)
	}
	// python 2 prints the version on stderr
	m := pythonVersionRx.FindStringSubmatch(res.Stdout + res.Stderr)
	if m == nil {
		return Installation{}, fmt.Errorf("%s --version: unexpected output %q", path, res.Output())
	}
	return Installation{Path: path, Version: m[1]}, nil
}

// compareVersions compares dotted numeric versions.
func compareVersions(a, b string) int {
	pa, pb := versionPartsRx.FindAllString(a, -1), versionPartsRx.FindAllString(b, -1)
	for i := range max(len(pa), len(pb)) {
		var x, y int
		if i < len(pa) {
			x, _ = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			y, _ = strconv.Atoi(pb[i])
		}
		if c := cmp.Compare(x, y); c != 0 {
			return c
		}
	}
	return 0
}

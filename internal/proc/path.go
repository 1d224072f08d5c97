package proc

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
)

// ResolveExecutablePath finds name the way a shell would: names containing a
// path separator are checked directly, others are searched in PATH. On
// Windows the PATHEXT extensions are probed. Nothing is executed.
func ResolveExecutablePath(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if strings.ContainsAny(name, `/\`) {
		for _, candidate := range withExtensions(name) {
			if isExecutable(candidate) {
				abs, err := filepath.Abs(candidate)
				if err != nil {
					return candidate, true
				}
				return abs, true
			}
		}
		return "", false
	}

	path, err := exec.LookPath(name)
	if errors.Is(err, exec.ErrDot) {
		err = nil
		if abs, absErr := filepath.Abs(path); absErr == nil {
			path = abs
		}
	}
	if err != nil {
		return "", false
	}
	return path, true
}

func IsExecutableInPath(name string) bool {
	_, ok := ResolveExecutablePath(name)
	return ok
}

// RefreshPath reloads the persistent PATH of the system (Windows only) and
// prepends dirs which are not yet present, so executables installed by an
// earlier step are found by this process and its children.
func RefreshPath(dirs ...string) {
	current := filepath.SplitList(os.Getenv("PATH"))
	merged := mergePath(systemPath(), current)

	var prefix []string
	for _, d := range dirs {
		if d == "" || containsDir(merged, d) || containsDir(prefix, d) {
			continue
		}
		prefix = append(prefix, d)
	}
	merged = append(prefix, merged...)
	_ = os.Setenv("PATH", strings.Join(merged, string(os.PathListSeparator)))
}

func mergePath(lists ...[]string) []string {
	var ret []string
	for _, list := range lists {
		for _, d := range list {
			if d == "" || containsDir(ret, d) {
				continue
			}
			ret = append(ret, d)
		}
	}
	return ret
}

func containsDir(list []string, dir string) bool {
	clean := filepath.Clean(dir)
	return slices.ContainsFunc(list, func(d string) bool {
		if runtime.GOOS == "windows" {
			return strings.EqualFold(filepath.Clean(d), clean)
		}
		return filepath.Clean(d) == clean
	})
}

func withExtensions(name string) []string {
	if runtime.GOOS != "windows" || filepath.Ext(name) != "" {
		return []string{name}
	}
	exts := os.Getenv("PATHEXT")
	if exts == "" {
		exts = ".com;.exe;.bat;.cmd"
	}
	ret := []string{name}
	for _, ext := range strings.Split(exts, ";") {
		if ext == "" {
			continue
		}
		ret = append(ret, name+strings.ToLower(ext))
	}
	return ret
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0111 != 0
}

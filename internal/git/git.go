// Package git detects and installs the git client and clones, checks out
// and pulls repositories.
//
// Expected failures (a failing clone, a folder in the way) are reported as
// a model.OperationResult. A returned error means the operation was
// cancelled or was called with invalid arguments.
package git

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/CZERTAINLY/Stager/internal/model"
	"github.com/CZERTAINLY/Stager/internal/proc"
	"github.com/CZERTAINLY/Stager/internal/report"
)

// Executor runs external commands, *proc.Runner satisfies it.
type Executor interface {
	Stream(ctx context.Context, cmd proc.Command, onStdout, onStderr proc.LineFunc) (proc.Result, error)
}

// Fetcher downloads a single file into destDir and returns its path.
type Fetcher interface {
	FetchFile(ctx context.Context, url, destDir string, rep *report.Reporter) (string, error)
}

const (
	DefaultInstallerURL = "https://github.com/git-for-windows/git/releases/download/v2.47.1.windows.1/Git-2.47.1-64-bit.exe"
	windowsGitDir       = `C:\Program Files\Git\cmd`
)

var versionRx = regexp.MustCompile(`git version (\S+)`)

// installerArgs install Git for Windows without any user interaction.
var installerArgs = []string{
	"/VERYSILENT",
	"/NORESTART",
	"/NOCANCEL",
	"/SP-",
	"/CLOSEAPPLICATIONS",
	"/RESTARTAPPLICATIONS",
}

type Service struct {
	runner         Executor
	binary         string
	goos           string
	fetcher        Fetcher
	installerURL   string
	timeout        time.Duration
	installTimeout time.Duration
	lookPath       func(string) (string, bool)
	refreshPath    func(...string)
}

type Option func(*Service)

// WithBinary changes the git executable, "git" by default.
func WithBinary(binary string) Option {
	return func(s *Service) {
		s.binary = binary
	}
}

func WithFetcher(f Fetcher) Option {
	return func(s *Service) {
		s.fetcher = f
	}
}

func WithInstallerURL(url string) Option {
	return func(s *Service) {
		s.installerURL = url
	}
}

// WithTimeout limits every git invocation, zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

func WithInstallTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.installTimeout = d
	}
}

// WithPlatform overrides runtime.GOOS.
func WithPlatform(goos string) Option {
	return func(s *Service) {
		s.goos = goos
	}
}

// WithLookPath overrides how the git executable and PATH updates are
// resolved. Tests use it to avoid touching the process environment.
func WithLookPath(lookPath func(string) (string, bool), refreshPath func(...string)) Option {
	return func(s *Service) {
		s.lookPath = lookPath
		s.refreshPath = refreshPath
	}
}

func New(runner Executor, opts ...Option) *Service {
	s := &Service{
		runner:         runner,
		binary:         "git",
		goos:           runtime.GOOS,
		installerURL:   DefaultInstallerURL,
		installTimeout: 15 * time.Minute,
		lookPath:       proc.ResolveExecutablePath,
		refreshPath:    proc.RefreshPath,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IsInstalled is true when git is found and answers --version.
func (s *Service) IsInstalled(ctx context.Context) bool {
	_, ok := s.Version(ctx)
	return ok
}

// Version returns the version reported by git --version.
func (s *Service) Version(ctx context.Context) (string, bool) {
	path, ok := s.lookPath(s.binary)
	if !ok {
		return "", false
	}
	res, err := s.runner.Stream(ctx, proc.Command{
		Path:    path,
		Args:    []string{"--version"},
		Timeout: 30 * time.Second,
	}, nil, nil)
	if err != nil || !res.Success() {
		slog.DebugContext(ctx, "git --version failed", "path", path, "error", err)
		return "", false
	}
	m := versionRx.FindStringSubmatch(res.Stdout)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Install installs git on Windows from the Git for Windows installer. Other
// platforms get a failure asking for a manual installation.
func (s *Service) Install(ctx context.Context, rep *report.Reporter) (model.OperationResult, error) {
	if s.goos != "windows" {
		return model.Failed("Git is not installed. Please install it manually using your system package manager or from https://git-scm.com/downloads and try again."), nil
	}
	if s.fetcher == nil {
		return model.Failed("Git is not installed and no downloader is configured to install it."), nil
	}

	rep.Info(ctx, "Downloading Git installer from %s", s.installerURL)
	tmp, err := os.MkdirTemp("", "stager-git-")
	if err != nil {
		return model.Failed("Cannot create temporary directory for the Git installer: %v", err), nil
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			slog.WarnContext(ctx, "removing git installer", "dir", tmp, "error", err)
		}
	}()

	installer, err := s.fetcher.FetchFile(ctx, s.installerURL, tmp, rep)
	if err != nil {
		if model.IsCancelled(err) {
			return model.OperationResult{}, err
		}
		return model.Failed("Failed to download Git installer: %v", err), nil
	}

	rep.Info(ctx, "Running Git installer")
	res, err := s.runner.Stream(ctx, proc.Command{
		Path:    installer,
		Args:    installerArgs,
		Timeout: s.installTimeout,
	}, rep.Line, rep.Line)
	if err != nil {
		if model.IsCancelled(err) {
			return model.OperationResult{}, err
		}
		return model.Failed("Failed to run Git installer: %v", err), nil
	}
	if !res.Success() {
		return model.Failed("Git installer failed (exit code %d): %s", res.ExitCode, res.Output()), nil
	}

	s.refreshPath(windowsGitDir)
	version, ok := s.Version(ctx)
	if !ok {
		return model.Failed("Git installation finished but git is still not available on PATH."), nil
	}
	return model.OK("Git %s installed successfully.", version), nil
}

type CloneOptions struct {
	URL        string
	TargetDir  string // parent directory of the clone
	Branch     string
	Commit     string
	Shallow    bool
	FolderName string // derived from URL when empty
}

// Clone clones opts.URL into TargetDir/FolderName. An existing repository
// at the destination is reused, any other existing entry there fails the
// clone and is left untouched.
func (s *Service) Clone(ctx context.Context, opts CloneOptions, rep *report.Reporter) (model.OperationResult, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return model.OperationResult{}, errors.New("clone: url is empty")
	}
	if strings.TrimSpace(opts.TargetDir) == "" {
		return model.OperationResult{}, errors.New("clone: target directory is empty")
	}
	if err := ctx.Err(); err != nil {
		return model.OperationResult{}, model.Cancelled("clone", err)
	}

	folder := opts.FolderName
	if folder == "" {
		folder = model.RepoFolderName(opts.URL)
	}
	if folder == "" {
		return model.Failed("Cannot derive a folder name from repository URL %s", opts.URL), nil
	}
	repoPath := filepath.Join(opts.TargetDir, folder)

	switch isRepo, err := IsRepository(repoPath); {
	case isRepo:
		rep.Info(ctx, "Repository already exists at %s, skipping clone", repoPath)
		ret := model.OK("Repository already exists at %s, skipped.", repoPath)
		ret.RepoPath = repoPath
		return ret, nil
	case err == nil:
		return model.Failed("Destination %s already exists and is not a git repository", repoPath), nil
	case !errors.Is(err, fs.ErrNotExist):
		return model.Failed("Cannot inspect destination %s: %v", repoPath, err), nil
	}

	if err := os.MkdirAll(opts.TargetDir, 0o755); err != nil {
		return model.Failed("Cannot create directory %s: %v", opts.TargetDir, err), nil
	}

	args := []string{"clone"}
	if opts.Shallow {
		args = append(args, "--depth", "1")
	}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch)
	}
	args = append(args, opts.URL, folder)

	rep.Info(ctx, "Cloning %s into %s", opts.URL, repoPath)
	res, err := s.git(ctx, opts.TargetDir, args, rep)
	if err != nil {
		if model.IsCancelled(err) {
			return model.OperationResult{}, err
		}
		return model.Failed("git clone failed: %v", err), nil
	}
	if !res.Success() {
		return model.Failed("git clone failed (exit code %d): %s", res.ExitCode, res.Output()), nil
	}

	if opts.Commit != "" {
		rep.Info(ctx, "Checking out commit %s", opts.Commit)
		res, err := s.git(ctx, repoPath, []string{"checkout", opts.Commit}, rep)
		switch {
		case err != nil && model.IsCancelled(err):
			return model.OperationResult{}, err
		case err != nil:
			rep.Warn(ctx, "Checkout of commit %s failed: %v", opts.Commit, err)
		case !res.Success():
			rep.Warn(ctx, "Checkout of commit %s failed (exit code %d): %s", opts.Commit, res.ExitCode, res.Output())
		}
	}

	ret := model.OK("Cloned %s into %s", opts.URL, repoPath)
	ret.RepoPath = repoPath
	return ret, nil
}

// Pull fast-forwards an existing checkout.
func (s *Service) Pull(ctx context.Context, repoPath string, rep *report.Reporter) (model.OperationResult, error) {
	if strings.TrimSpace(repoPath) == "" {
		return model.OperationResult{}, errors.New("pull: repository path is empty")
	}
	if ok, _ := IsRepository(repoPath); !ok {
		return model.Failed("%s is not a git repository", repoPath), nil
	}

	rep.Info(ctx, "Updating repository %s", repoPath)
	res, err := s.git(ctx, repoPath, []string{"pull", "--ff-only"}, rep)
	if err != nil {
		if model.IsCancelled(err) {
			return model.OperationResult{}, err
		}
		return model.Failed("git pull failed: %v", err), nil
	}
	if !res.Success() {
		return model.Failed("git pull failed (exit code %d): %s", res.ExitCode, res.Output()), nil
	}
	ret := model.OK("Repository %s updated", repoPath)
	ret.RepoPath = repoPath
	return ret, nil
}

// Head returns the checked out commit of a repository.
func (s *Service) Head(ctx context.Context, repoPath string) (string, error) {
	res, err := s.git(ctx, repoPath, []string{"rev-parse", "HEAD"}, nil)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("git rev-parse failed (exit code %d): %s", res.ExitCode, res.Output())
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (s *Service) git(ctx context.Context, dir string, args []string, rep *report.Reporter) (proc.Result, error) {
	path, ok := s.lookPath(s.binary)
	if !ok {
		return proc.Result{}, &model.Error{Kind: model.ToolMissingError, Op: s.binary, Err: errors.New("executable not found")}
	}
	return s.runner.Stream(ctx, proc.Command{
		Path:    path,
		Args:    args,
		Dir:     dir,
		Timeout: s.timeout,
	}, rep.Line, rep.Line)
}

// IsRepository reports whether dir contains a .git marker. The error is
// fs.ErrNotExist when dir itself is missing.
func IsRepository(dir string) (bool, error) {
	if _, err := os.Stat(dir); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(dir, ".git"))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Package pyenv discovers python runtimes, creates virtual environments and
// installs packages with pip.
//
// Like package git, expected failures are returned as a
// model.OperationResult and errors are reserved for cancellation and
// invalid arguments.
package pyenv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Stager/internal/model"
	"github.com/CZERTAINLY/Stager/internal/proc"
	"github.com/CZERTAINLY/Stager/internal/report"
)

// Executor runs external commands, *proc.Runner satisfies it.
type Executor interface {
	Stream(ctx context.Context, cmd proc.Command, onStdout, onStderr proc.LineFunc) (proc.Result, error)
}

type Service struct {
	runner   Executor
	goos     string
	patterns []string
	lookPath func(string) (string, bool)
	timeout  time.Duration

	mx     sync.Mutex
	cached bool
	cache  []Installation
}

type Option func(*Service)

// WithSearchPatterns replaces the glob patterns of well-known python
// locations.
func WithSearchPatterns(patterns ...string) Option {
	return func(s *Service) {
		s.patterns = append([]string{}, patterns...)
	}
}

func WithLookPath(lookPath func(string) (string, bool)) Option {
	return func(s *Service) {
		s.lookPath = lookPath
	}
}

// WithPlatform overrides runtime.GOOS for venv layout and search patterns.
func WithPlatform(goos string) Option {
	return func(s *Service) {
		s.goos = goos
	}
}

// WithTimeout limits venv creation and pip invocations, zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

func New(runner Executor, opts ...Option) *Service {
	s := &Service{
		runner:   runner,
		goos:     runtime.GOOS,
		lookPath: proc.ResolveExecutablePath,
	}
	for _, o := range opts {
		o(s)
	}
	if s.patterns == nil {
		s.patterns = defaultPatterns(s.goos)
	}
	return s
}

// VenvInterpreter returns the python executable inside a virtual environment.
func VenvInterpreter(venvPath string) string {
	return venvExecutable(runtime.GOOS, venvPath, "python")
}

// VenvPip returns the pip executable inside a virtual environment.
func VenvPip(venvPath string) string {
	return venvExecutable(runtime.GOOS, venvPath, "pip")
}

func venvExecutable(goos, venvPath, name string) string {
	if goos == "windows" {
		return filepath.Join(venvPath, "Scripts", name+".exe")
	}
	return filepath.Join(venvPath, "bin", name)
}

// ResolveRuntime picks the interpreter for a run: override when it exists,
// otherwise the discovered installation matching required. A failure
// message lists the discovered versions.
func (s *Service) ResolveRuntime(ctx context.Context, required, override string, rep *report.Reporter) (model.OperationResult, error) {
	if err := ctx.Err(); err != nil {
		return model.OperationResult{}, model.Cancelled("resolve runtime", err)
	}
	if override != "" {
		if _, err := os.Stat(override); err == nil {
			ret := model.OK("Using python interpreter %s", override)
			ret.InterpreterPath = override
			return ret, nil
		}
		rep.Warn(ctx, "Python interpreter %s does not exist, falling back to discovery", override)
	}

	inst, ok := s.FindVersion(ctx, required)
	if err := ctx.Err(); err != nil {
		return model.OperationResult{}, model.Cancelled("resolve runtime", err)
	}
	if !ok {
		return model.Failed("Python %s not found. %s", required, s.describeInstalled(ctx)), nil
	}
	ret := model.OK("Found Python %s at %s", inst.Version, inst.Path)
	ret.InterpreterPath = inst.Path
	return ret, nil
}

func (s *Service) describeInstalled(ctx context.Context) string {
	installed := s.ListInstalledRuntimes(ctx)
	if len(installed) == 0 {
		return "No python installations were found."
	}
	versions := make([]string, 0, len(installed))
	for _, i := range installed {
		versions = append(versions, i.Version+" ("+i.Path+")")
	}
	return "Installed versions: " + strings.Join(versions, ", ")
}

type VenvOptions struct {
	BaseDir               string
	Name                  string // "venv" when empty
	RequiredVersion       string
	InterpreterOverride   string
	UpgradePackageManager bool
}

// CreateVirtualEnv creates BaseDir/Name. An existing environment with a
// working interpreter is reused.
func (s *Service) CreateVirtualEnv(ctx context.Context, opts VenvOptions, rep *report.Reporter) (model.OperationResult, error) {
	if strings.TrimSpace(opts.BaseDir) == "" {
		return model.OperationResult{}, errors.New("create virtual env: base directory is empty")
	}
	name := opts.Name
	if name == "" {
		name = "venv"
	}
	venvPath := filepath.Join(opts.BaseDir, name)
	python := venvExecutable(s.goos, venvPath, "python")

	if _, err := os.Stat(python); err == nil {
		res, err := s.run(ctx, python, []string{"--version"}, "", nil)
		if err != nil && model.IsCancelled(err) {
			return model.OperationResult{}, err
		}
		if err == nil && res.Success() {
			rep.Info(ctx, "Virtual environment already exists at %s, skipping creation", venvPath)
			return venvResult(model.OK("Virtual environment already exists at %s, skipped.", venvPath), venvPath, python), nil
		}
		rep.Warn(ctx, "Virtual environment at %s is broken, recreating it", venvPath)
	}

	runtimeRes, err := s.ResolveRuntime(ctx, opts.RequiredVersion, opts.InterpreterOverride, rep)
	if err != nil || !runtimeRes.Success {
		return runtimeRes, err
	}

	if err := os.MkdirAll(opts.BaseDir, 0o755); err != nil {
		return model.Failed("Cannot create directory %s: %v", opts.BaseDir, err), nil
	}

	rep.Info(ctx, "Creating virtual environment at %s", venvPath)
	res, err := s.run(ctx, runtimeRes.InterpreterPath, []string{"-m", "venv", venvPath}, opts.BaseDir, rep)
	if failed, err := failure("venv creation", res, err); failed != nil || err != nil {
		return *failed, err
	}
	if _, err := os.Stat(python); err != nil {
		return model.Failed("Virtual environment was created but %s does not exist", python), nil
	}

	if opts.UpgradePackageManager {
		rep.Info(ctx, "Upgrading pip")
		res, err := s.run(ctx, python, []string{"-m", "pip", "install", "--upgrade", "pip"}, "", rep)
		switch {
		case err != nil && model.IsCancelled(err):
			return model.OperationResult{}, err
		case err != nil:
			rep.Warn(ctx, "pip upgrade failed: %v", err)
		case !res.Success():
			rep.Warn(ctx, "pip upgrade failed (exit code %d): %s", res.ExitCode, res.Output())
		}
	}

	return venvResult(model.OK("Virtual environment created at %s", venvPath), venvPath, python), nil
}

func venvResult(r model.OperationResult, venvPath, python string) model.OperationResult {
	r.VenvPath = venvPath
	r.InterpreterPath = python
	return r
}

// InstallPackages runs pip install for packages, with an optional index URL.
func (s *Service) InstallPackages(ctx context.Context, pip string, packages []string, indexURL string, rep *report.Reporter) (model.OperationResult, error) {
	if pip == "" {
		return model.OperationResult{}, errors.New("install packages: pip executable is empty")
	}
	if len(packages) == 0 {
		return model.OK("No packages to install."), nil
	}
	args := append([]string{"install"}, packages...)
	if indexURL != "" {
		args = append(args, "--index-url", indexURL)
	}
	rep.Info(ctx, "Installing %s", strings.Join(packages, " "))
	res, err := s.run(ctx, pip, args, "", rep)
	if failed, err := failure("pip install", res, err); failed != nil || err != nil {
		return *failed, err
	}
	return model.OK("Installed %s", strings.Join(packages, ", ")), nil
}

// InstallFromManifest runs pip install -r manifest.
func (s *Service) InstallFromManifest(ctx context.Context, pip, manifest string, rep *report.Reporter) (model.OperationResult, error) {
	if pip == "" {
		return model.OperationResult{}, errors.New("install manifest: pip executable is empty")
	}
	if _, err := os.Stat(manifest); err != nil {
		return model.Failed("Requirements file not found: %s", manifest), nil
	}
	rep.Info(ctx, "Installing requirements from %s", manifest)
	res, err := s.run(ctx, pip, []string{"install", "-r", manifest}, filepath.Dir(manifest), rep)
	if failed, err := failure("pip install -r", res, err); failed != nil || err != nil {
		return *failed, err
	}
	return model.OK("Installed requirements from %s", manifest), nil
}

// UninstallPackages removes packages one by one and ignores failures, a
// package that is not installed is not an error.
func (s *Service) UninstallPackages(ctx context.Context, pip string, packages []string, rep *report.Reporter) (model.OperationResult, error) {
	if pip == "" {
		return model.OperationResult{}, errors.New("uninstall packages: pip executable is empty")
	}
	for _, pkg := range packages {
		res, err := s.run(ctx, pip, []string{"uninstall", "-y", pkg}, "", nil)
		if err != nil && model.IsCancelled(err) {
			return model.OperationResult{}, err
		}
		slog.DebugContext(ctx, "pip uninstall", "package", pkg, "exit_code", res.ExitCode, "error", err)
	}
	return model.OK("Uninstalled %s", strings.Join(packages, ", ")), nil
}

// RunInlineScript runs python -c script. The Message of a successful result
// is the trimmed standard output.
func (s *Service) RunInlineScript(ctx context.Context, python, script string, rep *report.Reporter) (model.OperationResult, error) {
	if python == "" {
		return model.OperationResult{}, errors.New("run script: python executable is empty")
	}
	res, err := s.run(ctx, python, []string{"-c", script}, "", nil)
	if failed, err := failure("python -c", res, err); failed != nil || err != nil {
		return *failed, err
	}
	out := strings.TrimSpace(res.Stdout)
	rep.Info(ctx, "%s", out)
	return model.OK("%s", out), nil
}

func (s *Service) run(ctx context.Context, path string, args []string, dir string, rep *report.Reporter) (proc.Result, error) {
	return s.runner.Stream(ctx, proc.Command{
		Path:    path,
		Args:    args,
		Dir:     dir,
		Timeout: s.timeout,
	}, rep.Line, rep.Line)
}

// failure maps a command outcome to a failed result. Both return values
// are nil on success; cancellation is returned as an error.
func failure(what string, res proc.Result, err error) (*model.OperationResult, error) {
	if err != nil {
		if model.IsCancelled(err) {
			return &model.OperationResult{}, err
		}
		r := model.Failed("%s failed: %v", what, err)
		return &r, nil
	}
	if !res.Success() {
		r := model.Failed("%s failed (exit code %d): %s", what, res.ExitCode, res.Output())
		return &r, nil
	}
	return nil, nil
}

// String is used by the CLI runtimes command.
func (i Installation) String() string {
	return fmt.Sprintf("Python %s\t%s", i.Version, i.Path)
}

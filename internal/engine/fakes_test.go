package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Stager/internal/download"
	"github.com/CZERTAINLY/Stager/internal/git"
	"github.com/CZERTAINLY/Stager/internal/model"
	"github.com/CZERTAINLY/Stager/internal/pyenv"
	"github.com/CZERTAINLY/Stager/internal/report"
)

// calls records worker invocations in order, shared by all fakes of a test.
type calls struct {
	mx   sync.Mutex
	list []string
}

func (c *calls) add(format string, args ...string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.list = append(c.list, strings.TrimSpace(format+" "+strings.Join(args, " ")))
}

func (c *calls) all() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]string(nil), c.list...)
}

func (c *calls) has(prefix string) bool {
	for _, s := range c.all() {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

type fakeGit struct {
	calls     *calls
	installed bool
	install   model.OperationResult
	// clone results by URL, success creating <target>/<folder>/.git by default
	clone     map[string]model.OperationResult
	cloneErr  error
	onClone   func()
	repoPaths map[string]string // URL to returned RepoPath
}

func (g *fakeGit) Version(context.Context) (string, bool) {
	g.calls.add("git version")
	return "2.47.1", g.installed
}

func (g *fakeGit) Install(context.Context, *report.Reporter) (model.OperationResult, error) {
	g.calls.add("git install")
	return g.install, nil
}

func (g *fakeGit) Clone(_ context.Context, opts git.CloneOptions, _ *report.Reporter) (model.OperationResult, error) {
	g.calls.add("git clone", opts.URL, opts.TargetDir)
	if g.onClone != nil {
		g.onClone()
	}
	if g.cloneErr != nil {
		return model.OperationResult{}, g.cloneErr
	}
	if res, ok := g.clone[opts.URL]; ok {
		return res, nil
	}
	folder := opts.FolderName
	if folder == "" {
		folder = model.RepoFolderName(opts.URL)
	}
	path := filepath.Join(opts.TargetDir, folder)
	if p, ok := g.repoPaths[opts.URL]; ok {
		path = p
	}
	if err := os.MkdirAll(filepath.Join(path, ".git"), 0o755); err != nil {
		return model.Failed("%v", err), nil
	}
	ret := model.OK("cloned")
	ret.RepoPath = path
	return ret, nil
}

func (g *fakeGit) Head(context.Context, string) (string, error) {
	return "0123456789abcdef0123456789abcdef01234567", nil
}

type fakeRuntime struct {
	calls   *calls
	resolve model.OperationResult
	venv    *model.OperationResult
	// failing install results by the first package name
	failInstall map[string]model.OperationResult
	manifest    *model.OperationResult
	scripts     map[string]string // script substring to output
	failScript  bool
}

func (r *fakeRuntime) ResolveRuntime(_ context.Context, required, override string, _ *report.Reporter) (model.OperationResult, error) {
	r.calls.add("runtime resolve", required, override)
	if r.resolve.Message == "" {
		ret := model.OK("found")
		ret.InterpreterPath = "/usr/bin/python3.10"
		return ret, nil
	}
	return r.resolve, nil
}

func (r *fakeRuntime) CreateVirtualEnv(_ context.Context, opts pyenv.VenvOptions, _ *report.Reporter) (model.OperationResult, error) {
	r.calls.add("venv create", opts.BaseDir, opts.Name)
	if r.venv != nil {
		return *r.venv, nil
	}
	path := filepath.Join(opts.BaseDir, opts.Name)
	ret := model.OK("created")
	ret.VenvPath = path
	ret.InterpreterPath = pyenv.VenvInterpreter(path)
	return ret, nil
}

func (r *fakeRuntime) InstallPackages(_ context.Context, pip string, packages []string, indexURL string, _ *report.Reporter) (model.OperationResult, error) {
	args := append([]string{pip}, packages...)
	if indexURL != "" {
		args = append(args, "--index-url", indexURL)
	}
	r.calls.add("pip install", args...)
	if res, ok := r.failInstall[packages[0]]; ok {
		return res, nil
	}
	return model.OK("installed"), nil
}

func (r *fakeRuntime) InstallFromManifest(_ context.Context, pip, manifest string, _ *report.Reporter) (model.OperationResult, error) {
	r.calls.add("pip install -r", pip, manifest)
	if r.manifest != nil {
		return *r.manifest, nil
	}
	return model.OK("installed"), nil
}

func (r *fakeRuntime) UninstallPackages(_ context.Context, pip string, packages []string, _ *report.Reporter) (model.OperationResult, error) {
	r.calls.add("pip uninstall", append([]string{pip}, packages...)...)
	return model.OK("uninstalled"), nil
}

func (r *fakeRuntime) RunInlineScript(_ context.Context, python, script string, _ *report.Reporter) (model.OperationResult, error) {
	r.calls.add("python -c", python, script)
	if r.failScript {
		return model.Failed("ModuleNotFoundError"), nil
	}
	for k, v := range r.scripts {
		if strings.Contains(script, k) {
			return model.OK("%s", v), nil
		}
	}
	return model.OK("3.10.12"), nil
}

type fakeDownloader struct {
	calls *calls
	sum   download.Summary
	err   error
	dest  download.Destinations
}

func (d *fakeDownloader) DownloadModels(_ context.Context, models []model.ModelSpec, dest download.Destinations, _ *report.Reporter) (download.Summary, error) {
	d.calls.add("download models")
	d.dest = dest
	return d.sum, d.err
}

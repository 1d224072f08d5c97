package engine

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Stager/internal/bom"
	"github.com/CZERTAINLY/Stager/internal/download"
	"github.com/CZERTAINLY/Stager/internal/git"
	"github.com/CZERTAINLY/Stager/internal/model"
	"github.com/CZERTAINLY/Stager/internal/plan"
	"github.com/CZERTAINLY/Stager/internal/pyenv"
)

const (
	tritonScript     = "import triton; print(triton.__version__)"
	sageScript       = "import importlib.metadata as m; import sageattention; print(m.version('sageattention'))"
	pythonScript     = "import sys; print(sys.version.split()[0])"
	defaultNodesDir  = "custom_nodes"
	defaultManifest  = "requirements.txt"
	dependenciesFile = "requirements.txt"
)

// conflictingTriton are removed before a pinned triton is installed, only
// one of them may be present.
var conflictingTriton = []string{"triton", "triton-windows"}

func (e *Engine) gitSetup(ctx context.Context, _ *RunState) (model.OperationResult, error) {
	if v, ok := e.deps.Git.Version(ctx); ok {
		return model.OK("Git %s is installed.", v), nil
	}
	if err := ctx.Err(); err != nil {
		return model.OperationResult{}, model.Cancelled("git setup", err)
	}
	e.rep.Warn(ctx, "Git is not installed, trying to install it")
	return e.deps.Git.Install(ctx, e.rep)
}

func (e *Engine) runtimeCheck(ctx context.Context, st *RunState) (model.OperationResult, error) {
	res, err := e.deps.Runtime.ResolveRuntime(ctx, st.cfg.Runtime.Version, st.cfg.Runtime.Interpreter, e.rep)
	if err == nil && res.Success {
		st.interpreter = res.InterpreterPath
	}
	return res, err
}

func (e *Engine) cloneMain(ctx context.Context, st *RunState) (model.OperationResult, error) {
	repo := st.cfg.Repository
	return e.deps.Git.Clone(ctx, git.CloneOptions{
		URL:        repo.URL,
		TargetDir:  st.target,
		Branch:     repo.Branch,
		Commit:     repo.Commit,
		Shallow:    repo.Shallow,
		FolderName: repo.FolderName,
	}, e.rep)
}

func (e *Engine) createVirtualEnv(ctx context.Context, st *RunState) (model.OperationResult, error) {
	override := st.interpreter
	if override == "" {
		override = st.cfg.Runtime.Interpreter
	}
	return e.deps.Runtime.CreateVirtualEnv(ctx, pyenv.VenvOptions{
		BaseDir:               st.repoPath(),
		Name:                  st.cfg.VenvName(),
		RequiredVersion:       st.cfg.Runtime.Version,
		InterpreterOverride:   override,
		UpgradePackageManager: true,
	}, e.rep)
}

func (e *Engine) installAccelerator(ctx context.Context, st *RunState) (model.OperationResult, error) {
	acc := st.cfg.Accelerator
	if !plan.AcceleratorRequested(st.cfg) {
		return model.OK("Triton was not requested, skipped."), nil
	}
	if !acc.Triton {
		e.rep.Info(ctx, "SageAttention requires Triton, installing it")
	}

	name := "triton"
	if e.goos == "windows" {
		name = "triton-windows"
	}
	pkg := pin(name, acc.TritonVersion)
	pip := st.pip()

	if _, err := e.deps.Runtime.UninstallPackages(ctx, pip, conflictingTriton, e.rep); err != nil {
		return model.OperationResult{}, err
	}
	res, err := e.deps.Runtime.InstallPackages(ctx, pip, []string{pkg}, acc.TritonIndexURL, e.rep)
	if err != nil || !res.Success {
		return res, err
	}
	return e.verify(ctx, st, pkg, "Triton", tritonScript)
}

func (e *Engine) installAcceleratorExtra(ctx context.Context, st *RunState) (model.OperationResult, error) {
	acc := st.cfg.Accelerator
	pkg := pin("sageattention", acc.SageVersion)
	res, err := e.deps.Runtime.InstallPackages(ctx, st.pip(), []string{pkg}, acc.SageIndexURL, e.rep)
	if err != nil || !res.Success {
		return res, err
	}
	return e.verify(ctx, st, pkg, "SageAttention", sageScript)
}

// verify imports an installed package and records it for the inventory.
func (e *Engine) verify(ctx context.Context, st *RunState, pkg, display, script string) (model.OperationResult, error) {
	res, err := e.deps.Runtime.RunInlineScript(ctx, st.python(), script, e.rep)
	if err != nil {
		return res, err
	}
	if !res.Success {
		return model.Failed("%s was installed but can't be imported: %s", display, res.Message), nil
	}
	name, _, _ := strings.Cut(pkg, "==")
	st.packages = append(st.packages, pin(name, res.Message))
	return model.OK("%s %s installed.", display, res.Message), nil
}

func (e *Engine) installExtra2(ctx context.Context, st *RunState) (model.OperationResult, error) {
	acc := st.cfg.Accelerator
	if len(acc.ExtraPackages) == 0 {
		return model.OK("No extra accelerator packages configured, skipped."), nil
	}
	res, err := e.deps.Runtime.InstallPackages(ctx, st.pip(), acc.ExtraPackages, acc.ExtraIndexURL, e.rep)
	if err == nil && res.Success {
		st.packages = append(st.packages, acc.ExtraPackages...)
	}
	return res, err
}

func (e *Engine) installMainRequirements(ctx context.Context, st *RunState) (model.OperationResult, error) {
	pkgs := st.cfg.Packages
	pip := st.pip()
	if len(pkgs.Torch) > 0 {
		res, err := e.deps.Runtime.InstallPackages(ctx, pip, pkgs.Torch, pkgs.TorchIndexURL, e.rep)
		if err != nil || !res.Success {
			return res, err
		}
		st.packages = append(st.packages, pkgs.Torch...)
	}
	manifest := cmp.Or(pkgs.Requirements, defaultManifest)
	if !filepath.IsAbs(manifest) {
		manifest = filepath.Join(st.repoPath(), manifest)
	}
	return e.deps.Runtime.InstallFromManifest(ctx, pip, manifest, e.rep)
}

// cloneAdditionalRepos clones every repository, lowest priority first.
// A failing clone fails the step after the remaining ones were tried, a
// failing dependency install is only a warning.
func (e *Engine) cloneAdditionalRepos(ctx context.Context, st *RunState) (model.OperationResult, error) {
	repos := slices.Clone(st.cfg.AdditionalRepos)
	slices.SortStableFunc(repos, func(a, b model.AdditionalRepo) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	dir := cmp.Or(st.cfg.AdditionalReposDir, defaultNodesDir)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(st.repoPath(), dir)
	}

	var failed []string
	for _, r := range repos {
		name := cmp.Or(r.Name, model.RepoFolderName(r.URL), r.URL)
		e.rep.Info(ctx, "Cloning %s", name)
		res, err := e.deps.Git.Clone(ctx, git.CloneOptions{URL: r.URL, TargetDir: dir, Shallow: true}, e.rep)
		if err != nil {
			if model.IsCancelled(err) {
				return model.OperationResult{}, err
			}
			res = model.Failed("%v", err)
		}
		if !res.Success {
			e.rep.Error(ctx, "Failed to clone %s: %s", name, res.Message)
			failed = append(failed, name)
			continue
		}
		st.repos = append(st.repos, bom.Repo{Name: name, URL: r.URL, Path: res.RepoPath})

		if !r.InstallDependencies {
			continue
		}
		manifest := filepath.Join(res.RepoPath, dependenciesFile)
		if _, err := os.Stat(manifest); err != nil {
			continue
		}
		dep, err := e.deps.Runtime.InstallFromManifest(ctx, st.pip(), manifest, e.rep)
		if err != nil {
			if model.IsCancelled(err) {
				return model.OperationResult{}, err
			}
			dep = model.Failed("%v", err)
		}
		if !dep.Success {
			e.rep.Warn(ctx, "Dependencies of %s were not installed: %s", name, dep.Message)
		}
	}

	if len(failed) > 0 {
		return model.Failed("Failed to clone %d of %d additional repositories: %s", len(failed), len(repos), strings.Join(failed, ", ")), nil
	}
	return model.OK("Cloned %d additional repositories.", len(repos)), nil
}

func (e *Engine) downloadModels(ctx context.Context, st *RunState) (model.OperationResult, error) {
	sum, err := e.deps.Downloader.DownloadModels(ctx, st.cfg.Models, st.destinations(), e.rep)
	if err != nil {
		return model.OperationResult{}, err
	}
	return model.OperationResult{Success: sum.Success(), Message: sum.Message()}, nil
}

func (s *RunState) destinations() download.Destinations {
	return download.Destinations{RepoPath: s.repoPath(), DefaultDir: s.cfg.DownloadDir}
}

// postInstall verifies the interpreter and writes the inventory. The
// inventory is auxiliary, failing to write it is a warning.
func (e *Engine) postInstall(ctx context.Context, st *RunState) (model.OperationResult, error) {
	res, err := e.deps.Runtime.RunInlineScript(ctx, st.python(), pythonScript, e.rep)
	if err != nil {
		return res, err
	}
	if !res.Success {
		return model.Failed("Python verification failed: %s", res.Message), nil
	}
	version := res.Message

	if e.inventory {
		path := filepath.Join(st.repoPath(), bom.FileName)
		if err := e.writeInventory(ctx, st, version, path); err != nil {
			e.rep.Warn(ctx, "Installation inventory was not written: %v", err)
		} else {
			e.rep.Info(ctx, "Installation inventory written to %s", path)
		}
	}
	return model.OK("Installation verified with Python %s.", version), nil
}

func (e *Engine) writeInventory(ctx context.Context, st *RunState, version, path string) error {
	repo := st.cfg.Repository
	main := bom.Repo{
		Name:   st.cfg.RepoFolderName(),
		URL:    repo.URL,
		Path:   st.repoPath(),
		Branch: repo.Branch,
		Commit: repo.Commit,
	}
	if head, err := e.deps.Git.Head(ctx, main.Path); err == nil {
		main.Commit = head
	}
	inv := bom.Inventory{
		Main:            main,
		AdditionalRepos: st.repos,
		Interpreter:     version,
		Packages:        st.packages,
		ModelDirs:       download.ModelDirs(st.cfg.Models, st.destinations()),
	}
	if st.cfg.VirtualEnv.Enabled {
		inv.VenvPath = st.venvPath()
	}
	err := bom.NewBuilder().WithClock(e.now).Build(ctx, inv).WriteFile(path)
	if err != nil {
		return &model.Error{Kind: model.FilesystemError, Op: path, Err: err}
	}
	return nil
}

func (e *Engine) validateExisting(_ context.Context, st *RunState) (model.OperationResult, error) {
	info, err := os.Stat(st.target)
	if err != nil {
		return model.Failed("Target directory %s does not exist.", st.target), nil
	}
	if !info.IsDir() {
		return model.Failed("Target %s is not a directory.", st.target), nil
	}
	repoPath := st.target
	if name := st.cfg.RepoFolderName(); name != "" {
		candidate := filepath.Join(st.target, name)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			repoPath = candidate
		}
	}
	ret := model.OK("Found existing installation at %s.", repoPath)
	ret.RepoPath = repoPath
	return ret, nil
}

func pin(name, version string) string {
	if version == "" {
		return name
	}
	return fmt.Sprintf("%s==%s", name, version)
}

package engine_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/CZERTAINLY/Stager/internal/bom"
	"github.com/CZERTAINLY/Stager/internal/download"
	"github.com/CZERTAINLY/Stager/internal/engine"
	"github.com/CZERTAINLY/Stager/internal/model"
	"github.com/CZERTAINLY/Stager/internal/pyenv"
	"github.com/CZERTAINLY/Stager/internal/report"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	calls *calls
	git   *fakeGit
	rt    *fakeRuntime
	dl    *fakeDownloader
	rec   *report.Recorder
	opts  []engine.Option
}

func newFixture() *fixture {
	c := &calls{}
	return &fixture{
		calls: c,
		git:   &fakeGit{calls: c, installed: true},
		rt:    &fakeRuntime{calls: c},
		dl:    &fakeDownloader{calls: c, sum: download.Summary{Total: 1, Succeeded: 1}},
		rec:   report.NewRecorder(),
	}
}

func (f *fixture) engine(opts ...engine.Option) *engine.Engine {
	all := append([]engine.Option{
		engine.WithReporter(report.New(f.rec)),
		engine.WithInventory(false),
		engine.WithPlatform("linux"),
	}, f.opts...)
	return engine.New(engine.Deps{Git: f.git, Runtime: f.rt, Downloader: f.dl}, append(all, opts...)...)
}

func (f *fixture) progress() []int {
	var ret []int
	for _, p := range f.rec.Progress() {
		ret = append(ret, p.Index)
	}
	return ret
}

func fullInstall() model.InstallConfig {
	return model.InstallConfig{
		Repository: model.Repository{URL: "https://example.com/x.git", Shallow: true},
		Runtime:    model.Runtime{Version: "3.10"},
		VirtualEnv: model.VirtualEnv{Enabled: true, Name: "venv"},
	}
}

func steps(res model.RunResult) []model.Step {
	var ret []model.Step
	for _, s := range res.Steps {
		ret = append(ret, s.Step)
	}
	return ret
}

func TestRunFullInstallVenv(t *testing.T) {
	t.Parallel()
	f := newFixture()
	target := t.TempDir()

	res := f.engine().Run(t.Context(), fullInstall(), target, model.ModeFull)
	require.True(t, res.Success, res.Message)
	require.False(t, res.Cancelled)
	repo := filepath.Join(target, "x")
	venv := filepath.Join(repo, "venv")
	require.Equal(t, repo, res.RepoPath)
	require.Equal(t, venv, res.VenvPath)
	require.Equal(t, []model.Step{
		model.StepGitSetup,
		model.StepRuntimeCheck,
		model.StepCloneMain,
		model.StepCreateVirtualEnv,
		model.StepInstallAccelerator,
		model.StepInstallMainRequirements,
		model.StepPostInstall,
	}, steps(res))

	require.Equal(t, []string{
		"git version",
		"runtime resolve 3.10",
		"git clone https://example.com/x.git " + target,
		"venv create " + repo + " venv",
		"pip install -r " + pyenv.VenvPip(venv) + " " + filepath.Join(repo, "requirements.txt"),
		"python -c " + pyenv.VenvInterpreter(venv) + " import sys; print(sys.version.split()[0])",
	}, f.calls.all())

	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, f.progress())
	last := f.rec.Progress()[7]
	require.Equal(t, 7, last.Total)
	require.InDelta(t, 100.0, last.Percent(), 0.001)
	require.Equal(t, []string{"Installation completed successfully."}, lastN(f.rec.Messages(model.LevelSuccess), 1))
}

func TestRunTwice(t *testing.T) {
	t.Parallel()
	f := newFixture()
	e := f.engine()

	first := e.Run(t.Context(), fullInstall(), t.TempDir(), model.ModeFull)
	require.True(t, first.Success, first.Message)
	second := e.Run(t.Context(), fullInstall(), t.TempDir(), model.ModeFull)
	require.True(t, second.Success, second.Message)

	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 0, 1, 2, 3, 4, 5, 6, 7}, f.progress())
}

func lastN(s []string, n int) []string {
	return s[len(s)-n:]
}

func TestRunConfigurationError(t *testing.T) {
	t.Parallel()
	f := newFixture()
	cfg := fullInstall()
	cfg.Repository.URL = ""

	res := f.engine().Run(t.Context(), cfg, t.TempDir(), model.ModeFull)
	require.False(t, res.Success)
	require.False(t, res.Cancelled)
	require.Contains(t, res.Message, "repository URL is required")
	require.Empty(t, f.calls.all())
	require.Empty(t, res.Steps)

	res = f.engine().Run(t.Context(), fullInstall(), "", model.ModeFull)
	require.False(t, res.Success)
	require.Contains(t, res.Message, "target")
}

func TestRunAbort(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.git.clone = map[string]model.OperationResult{
		"https://example.com/x.git": model.Failed("git clone failed (exit code 128): fatal: repository not found"),
	}

	res := f.engine().Run(t.Context(), fullInstall(), t.TempDir(), model.ModeFull)
	require.False(t, res.Success)
	require.False(t, res.Cancelled)
	require.Contains(t, res.Message, "CloneMain")
	require.Contains(t, res.Message, "repository not found")
	require.Empty(t, res.RepoPath)
	require.Equal(t, model.StepCloneMain, res.Steps[len(res.Steps)-1].Step)
	require.False(t, res.Steps[len(res.Steps)-1].ContinueOnFailure)
	require.False(t, f.calls.has("venv create"))
	require.False(t, f.calls.has("pip"))
	require.Len(t, f.rec.Messages(model.LevelError), 1)
}

func TestRunGitMissing(t *testing.T) {
	t.Parallel()

	t.Run("installed", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.git.installed = false
		f.git.install = model.OK("Git installed")
		res := f.engine().Run(t.Context(), fullInstall(), t.TempDir(), model.ModeFull)
		require.True(t, res.Success, res.Message)
		require.True(t, f.calls.has("git install"))
	})

	t.Run("install fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.git.installed = false
		f.git.install = model.Failed("Git is not installed. Please install it manually.")
		res := f.engine().Run(t.Context(), fullInstall(), t.TempDir(), model.ModeFull)
		require.False(t, res.Success)
		require.Contains(t, res.Message, "GitSetup")
		require.Contains(t, res.Message, "install it manually")
		require.False(t, f.calls.has("runtime resolve"))
	})
}

func TestRunRuntimeMissing(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.rt.resolve = model.Failed("Python 3.10 not found. Installed versions: 3.12.3 (/usr/bin/python3)")

	res := f.engine().Run(t.Context(), fullInstall(), t.TempDir(), model.ModeFull)
	require.False(t, res.Success)
	require.Contains(t, res.Message, "RuntimeCheck")
	require.Contains(t, res.Message, "3.12.3")
	require.False(t, f.calls.has("git clone"))
}

func TestRunContinuation(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.dl.sum = download.Summary{Total: 2, Failed: 2}
	f.rt.failInstall = map[string]model.OperationResult{
		"triton":        model.Failed("No matching distribution found for triton"),
		"sageattention": model.Failed("No matching distribution found for sageattention"),
		"xformers":      model.Failed("No matching distribution found for xformers"),
	}
	cfg := fullInstall()
	cfg.Accelerator = model.Accelerator{Triton: true, SageAttention: true, ExtraPackages: []string{"xformers"}}
	cfg.Models = []model.ModelSpec{{Name: "m", Enabled: true, URL: "https://host/m.bin"}}

	res := f.engine().Run(t.Context(), cfg, t.TempDir(), model.ModeFull)
	require.True(t, res.Success, res.Message)
	require.Equal(t, model.StepPostInstall, res.Steps[len(res.Steps)-1].Step)
	require.True(t, res.Steps[len(res.Steps)-1].Success)

	failed := map[model.Step]model.StepResult{}
	for _, s := range res.Steps {
		if !s.Success {
			failed[s.Step] = s
		}
	}
	require.Len(t, failed, 4)
	for _, step := range []model.Step{
		model.StepInstallAccelerator,
		model.StepInstallAcceleratorExtra,
		model.StepInstallExtra2,
		model.StepDownloadModels,
	} {
		require.True(t, failed[step].ContinueOnFailure, step.String())
	}
	require.Equal(t, "All 2 model downloads failed.", failed[model.StepDownloadModels].Message)
	require.Len(t, f.rec.Messages(model.LevelWarning), 4)
}

func TestFatalOnFailure(t *testing.T) {
	t.Parallel()
	e := newFixture().engine()
	nonFatal := []model.Step{
		model.StepInstallAccelerator,
		model.StepInstallAcceleratorExtra,
		model.StepInstallExtra2,
		model.StepDownloadModels,
	}
	for _, step := range model.Steps {
		require.Equal(t, !slices.Contains(nonFatal, step), e.FatalOnFailure(step), step.String())
	}
}

func TestRunAccelerator(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		goos     string
		acc      model.Accelerator
		then     []string
	}{
		{
			scenario: "not requested",
			goos:     "linux",
			acc:      model.Accelerator{},
			then:     nil,
		},
		{
			scenario: "triton pinned on windows",
			goos:     "windows",
			acc:      model.Accelerator{Triton: true, TritonVersion: "3.2.0.post11", TritonIndexURL: "https://example.com/simple"},
			then: []string{
				"pip uninstall PIP triton triton-windows",
				"pip install PIP triton-windows==3.2.0.post11 --index-url https://example.com/simple",
				"python -c PYTHON import triton; print(triton.__version__)",
			},
		},
		{
			scenario: "sage attention forces triton",
			goos:     "linux",
			acc:      model.Accelerator{SageAttention: true, SageVersion: "2.1.1"},
			then: []string{
				"pip uninstall PIP triton triton-windows",
				"pip install PIP triton",
				"python -c PYTHON import triton; print(triton.__version__)",
				"pip install PIP sageattention==2.1.1",
				"python -c PYTHON import importlib.metadata as m; import sageattention; print(m.version('sageattention'))",
			},
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			f.opts = []engine.Option{engine.WithPlatform(tt.goos)}
			cfg := fullInstall()
			cfg.Accelerator = tt.acc
			target := t.TempDir()

			res := f.engine().Run(t.Context(), cfg, target, model.ModeFull)
			require.True(t, res.Success, res.Message)

			venv := filepath.Join(target, "x", "venv")
			var got []string
			for _, c := range f.calls.all() {
				c = strings.ReplaceAll(c, pyenv.VenvPip(venv), "PIP")
				c = strings.ReplaceAll(c, pyenv.VenvInterpreter(venv), "PYTHON")
				if (strings.HasPrefix(c, "pip") && !strings.HasPrefix(c, "pip install -r")) || (strings.HasPrefix(c, "python -c") && !strings.Contains(c, "sys.version")) {
					got = append(got, c)
				}
			}
			require.Equal(t, tt.then, got)
		})
	}
}

func TestRunAcceleratorImportFails(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.rt.failScript = true
	cfg := fullInstall()
	cfg.Accelerator.Triton = true

	res := f.engine().Run(t.Context(), cfg, t.TempDir(), model.ModeFull)
	// PostInstall verification fails too and is fatal
	require.False(t, res.Success)
	require.Contains(t, res.Message, "PostInstall")
	for _, s := range res.Steps {
		if s.Step == model.StepInstallAccelerator {
			require.False(t, s.Success)
			require.Contains(t, s.Message, "can't be imported")
		}
	}
}

func TestRunStateThreading(t *testing.T) {
	t.Parallel()
	f := newFixture()
	target := t.TempDir()
	custom := filepath.Join(target, "elsewhere")
	f.git.repoPaths = map[string]string{"https://example.com/x.git": custom}
	cfg := fullInstall()
	cfg.VirtualEnv.Name = ".venv"
	cfg.AdditionalRepos = []model.AdditionalRepo{
		{URL: "https://example.com/late.git", Priority: 10},
		{URL: "https://example.com/early.git", Priority: 1, InstallDependencies: true},
		{URL: "https://example.com/middle.git", Priority: 5},
	}
	cfg.Models = []model.ModelSpec{{Name: "m", Enabled: true, URL: "https://host/m.bin"}}

	res := f.engine().Run(t.Context(), cfg, target, model.ModeFull)
	require.True(t, res.Success, res.Message)
	require.Equal(t, custom, res.RepoPath)
	require.Equal(t, filepath.Join(custom, ".venv"), res.VenvPath)
	require.True(t, f.calls.has("venv create "+custom+" .venv"))

	nodes := filepath.Join(custom, "custom_nodes")
	var clones []string
	for _, c := range f.calls.all() {
		if strings.HasPrefix(c, "git clone https://example.com/") && strings.Contains(c, nodes) {
			clones = append(clones, c)
		}
	}
	require.Equal(t, []string{
		"git clone https://example.com/early.git " + nodes,
		"git clone https://example.com/middle.git " + nodes,
		"git clone https://example.com/late.git " + nodes,
	}, clones)
	require.Equal(t, custom, f.dl.dest.RepoPath)
}

func TestRunAdditionalRepos(t *testing.T) {
	t.Parallel()

	t.Run("clone failure fails the step", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.git.clone = map[string]model.OperationResult{"https://example.com/bad.git": model.Failed("fatal: not found")}
		cfg := fullInstall()
		cfg.AdditionalRepos = []model.AdditionalRepo{
			{URL: "https://example.com/bad.git", Name: "Bad"},
			{URL: "https://example.com/good.git"},
		}
		cfg.Models = []model.ModelSpec{{Name: "m", Enabled: true, URL: "https://host/m.bin"}}

		res := f.engine().Run(t.Context(), cfg, t.TempDir(), model.ModeFull)
		require.False(t, res.Success)
		require.Contains(t, res.Message, "CloneAdditionalRepos")
		require.Contains(t, res.Message, "Bad")
		require.True(t, f.calls.has("git clone https://example.com/good.git"))
		require.False(t, f.calls.has("download models"))
	})

	t.Run("dependency failure is a warning", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		target := t.TempDir()
		nodes := filepath.Join(target, "x", "custom_nodes")
		manifest := filepath.Join(nodes, "node", "requirements.txt")
		f.git.onClone = func() {
			// the node carries a requirements file once cloned
			_ = os.MkdirAll(filepath.Dir(manifest), 0o755)
			_ = os.WriteFile(manifest, []byte("numpy\n"), 0o644)
		}
		failing := model.Failed("pip failed")
		cfg := fullInstall()
		cfg.AdditionalRepos = []model.AdditionalRepo{{URL: "https://example.com/node.git", InstallDependencies: true}}

		// fail only the node manifest, the main one is installed before
		rt := &manifestFailingRuntime{fakeRuntime: f.rt, fail: manifest, res: failing}
		e := engine.New(engine.Deps{Git: f.git, Runtime: rt, Downloader: f.dl},
			engine.WithReporter(report.New(f.rec)),
			engine.WithInventory(false),
		)

		res := e.Run(t.Context(), cfg, target, model.ModeFull)
		require.True(t, res.Success, res.Message)
		require.True(t, f.calls.has("pip install -r "+pyenv.VenvPip(filepath.Join(target, "x", "venv"))+" "+manifest))
		require.True(t, f.rec.Contains("Dependencies of node were not installed"))
	})
}

type manifestFailingRuntime struct {
	*fakeRuntime
	fail string
	res  model.OperationResult
}

func (r *manifestFailingRuntime) InstallFromManifest(ctx context.Context, pip, manifest string, rep *report.Reporter) (model.OperationResult, error) {
	ret, err := r.fakeRuntime.InstallFromManifest(ctx, pip, manifest, rep)
	if manifest == r.fail {
		return r.res, nil
	}
	return ret, err
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	t.Run("before start", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		res := f.engine().Run(ctx, fullInstall(), t.TempDir(), model.ModeFull)
		require.False(t, res.Success)
		require.True(t, res.Cancelled)
		require.Empty(t, f.calls.all())
		require.Contains(t, res.Message, "GitSetup")
	})

	t.Run("during clone", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		f.git.onClone = cancel
		f.git.cloneErr = model.Cancelled("git clone", context.Canceled)

		res := f.engine().Run(ctx, fullInstall(), t.TempDir(), model.ModeFull)
		require.False(t, res.Success)
		require.True(t, res.Cancelled)
		require.Contains(t, res.Message, "CloneMain")
		require.False(t, f.calls.has("venv create"))
		require.Len(t, res.Steps, 2)
	})

	t.Run("between steps", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		// the clone succeeds, the cancellation is noticed before the next step
		f.git.onClone = cancel

		res := f.engine().Run(ctx, fullInstall(), t.TempDir(), model.ModeFull)
		require.True(t, res.Cancelled)
		require.Contains(t, res.Message, "CreateVirtualEnv")
		require.NotEmpty(t, res.RepoPath)
		require.False(t, f.calls.has("venv create"))
	})
}

func TestRunModelsOnly(t *testing.T) {
	t.Parallel()

	t.Run("missing target", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		missing := filepath.Join(t.TempDir(), "nothing-here")
		res := f.engine().Run(t.Context(), model.InstallConfig{
			Models: []model.ModelSpec{{Name: "m", Enabled: true, URL: "https://host/m.bin"}},
		}, missing, model.ModeModelsOnly)
		require.False(t, res.Success)
		require.Contains(t, res.Message, "ValidateExisting")
		require.Contains(t, res.Message, missing)
		require.False(t, f.calls.has("download models"))
		require.Equal(t, []model.Step{model.StepValidateExisting}, steps(res))
	})

	t.Run("existing installation", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		target := t.TempDir()
		repo := filepath.Join(target, "ComfyUI")
		require.NoError(t, os.Mkdir(repo, 0o755))
		res := f.engine().Run(t.Context(), model.InstallConfig{
			Repository: model.Repository{URL: "https://github.com/comfyanonymous/ComfyUI.git"},
			Models:     []model.ModelSpec{{Name: "m", Enabled: true, URL: "https://host/m.bin"}},
		}, target, model.ModeModelsOnly)
		require.True(t, res.Success, res.Message)
		require.Equal(t, repo, res.RepoPath)
		require.Equal(t, repo, f.dl.dest.RepoPath)
		require.Equal(t, []string{"download models"}, f.calls.all())
		require.Equal(t, []int{0, 1, 2}, f.progress())
	})

	t.Run("download failure does not fail the run", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.dl.sum = download.Summary{Total: 1, Failed: 1}
		res := f.engine().Run(t.Context(), model.InstallConfig{}, t.TempDir(), model.ModeModelsOnly)
		require.True(t, res.Success, res.Message)
	})
}

func TestRunDownloadsAndWritesInventory(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/m.bin", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "model weights")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := newFixture()
	target := t.TempDir()
	cfg := fullInstall()
	cfg.Models = []model.ModelSpec{{Name: "m", Enabled: true, URL: srv.URL + "/m.bin"}}

	e := engine.New(engine.Deps{
		Git:        f.git,
		Runtime:    f.rt,
		Downloader: download.New(download.WithClient(srv.Client())),
	}, engine.WithReporter(report.New(f.rec)))

	res := e.Run(t.Context(), cfg, target, model.ModeFull)
	require.True(t, res.Success, res.Message)

	var dl model.StepResult
	for _, s := range res.Steps {
		if s.Step == model.StepDownloadModels {
			dl = s
		}
	}
	require.True(t, dl.Success)
	require.Equal(t, "Successfully downloaded 1 models.", dl.Message)
	require.Equal(t, model.StepDownloadModels, res.Steps[len(res.Steps)-2].Step)
	require.Equal(t, model.StepPostInstall, res.Steps[len(res.Steps)-1].Step)

	modelFile := filepath.Join(target, "x", "models", "m.bin")
	require.FileExists(t, modelFile)
	require.FileExists(t, filepath.Join(target, "x", bom.FileName))
	b, err := os.ReadFile(filepath.Join(target, "x", bom.FileName))
	require.NoError(t, err)
	require.Contains(t, string(b), "m.bin")
	require.Contains(t, string(b), "0123456789abcdef0123456789abcdef01234567")
}

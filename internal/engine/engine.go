// Package engine runs an installation: it plans the steps of a
// configuration, dispatches each step to its handler and threads the
// resolved repository and virtual environment paths between them.
//
// Steps run strictly one after another. Whether a failed step aborts the
// run is a property of the step in the registry, handlers only report
// success or failure.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/CZERTAINLY/Stager/internal/download"
	"github.com/CZERTAINLY/Stager/internal/git"
	"github.com/CZERTAINLY/Stager/internal/log"
	"github.com/CZERTAINLY/Stager/internal/model"
	"github.com/CZERTAINLY/Stager/internal/plan"
	"github.com/CZERTAINLY/Stager/internal/pyenv"
	"github.com/CZERTAINLY/Stager/internal/report"

	"github.com/google/uuid"
)

// SourceControl is implemented by *git.Service.
type SourceControl interface {
	Version(ctx context.Context) (string, bool)
	Install(ctx context.Context, rep *report.Reporter) (model.OperationResult, error)
	Clone(ctx context.Context, opts git.CloneOptions, rep *report.Reporter) (model.OperationResult, error)
	Head(ctx context.Context, repoPath string) (string, error)
}

// Runtime is implemented by *pyenv.Service.
type Runtime interface {
	ResolveRuntime(ctx context.Context, required, override string, rep *report.Reporter) (model.OperationResult, error)
	CreateVirtualEnv(ctx context.Context, opts pyenv.VenvOptions, rep *report.Reporter) (model.OperationResult, error)
	InstallPackages(ctx context.Context, pip string, packages []string, indexURL string, rep *report.Reporter) (model.OperationResult, error)
	InstallFromManifest(ctx context.Context, pip, manifest string, rep *report.Reporter) (model.OperationResult, error)
	UninstallPackages(ctx context.Context, pip string, packages []string, rep *report.Reporter) (model.OperationResult, error)
	RunInlineScript(ctx context.Context, python, script string, rep *report.Reporter) (model.OperationResult, error)
}

// ModelDownloader is implemented by *download.Manager.
type ModelDownloader interface {
	DownloadModels(ctx context.Context, models []model.ModelSpec, dest download.Destinations, rep *report.Reporter) (download.Summary, error)
}

type Deps struct {
	Git        SourceControl
	Runtime    Runtime
	Downloader ModelDownloader
}

type handlerFunc func(ctx context.Context, st *RunState) (model.OperationResult, error)

type entry struct {
	handler        handlerFunc
	fatalOnFailure bool
}

type Engine struct {
	deps      Deps
	rep       *report.Reporter
	now       func() time.Time
	goos      string
	inventory bool
	registry  map[model.Step]entry
}

type Option func(*Engine)

// WithReporter sets the reporter receiving every event of a run.
func WithReporter(rep *report.Reporter) Option {
	return func(e *Engine) {
		e.rep = rep
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithPlatform overrides runtime.GOOS, it selects the accelerator package.
func WithPlatform(goos string) Option {
	return func(e *Engine) {
		e.goos = goos
	}
}

// WithInventory turns writing of the CycloneDX inventory in PostInstall on
// or off. It is on by default.
func WithInventory(enabled bool) Option {
	return func(e *Engine) {
		e.inventory = enabled
	}
}

func New(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		deps:      deps,
		now:       time.Now,
		goos:      runtime.GOOS,
		inventory: true,
	}
	for _, o := range opts {
		o(e)
	}
	e.registry = map[model.Step]entry{
		model.StepGitSetup:                {handler: e.gitSetup, fatalOnFailure: true},
		model.StepRuntimeCheck:            {handler: e.runtimeCheck, fatalOnFailure: true},
		model.StepCloneMain:               {handler: e.cloneMain, fatalOnFailure: true},
		model.StepCreateVirtualEnv:        {handler: e.createVirtualEnv, fatalOnFailure: true},
		model.StepInstallAccelerator:      {handler: e.installAccelerator, fatalOnFailure: false},
		model.StepInstallAcceleratorExtra: {handler: e.installAcceleratorExtra, fatalOnFailure: false},
		model.StepInstallExtra2:           {handler: e.installExtra2, fatalOnFailure: false},
		model.StepInstallMainRequirements: {handler: e.installMainRequirements, fatalOnFailure: true},
		model.StepCloneAdditionalRepos:    {handler: e.cloneAdditionalRepos, fatalOnFailure: true},
		model.StepDownloadModels:          {handler: e.downloadModels, fatalOnFailure: false},
		model.StepPostInstall:             {handler: e.postInstall, fatalOnFailure: true},
		model.StepValidateExisting:        {handler: e.validateExisting, fatalOnFailure: true},
	}
	return e
}

// FatalOnFailure reports whether a failure of step aborts the run.
func (e *Engine) FatalOnFailure(step model.Step) bool {
	ent, ok := e.registry[step]
	return !ok || ent.fatalOnFailure
}

// Run executes the plan of cfg for target. The returned result is never
// successful when a fatal step failed or ctx was cancelled; the latter is
// marked as Cancelled.
func (e *Engine) Run(ctx context.Context, cfg model.InstallConfig, target string, mode model.Mode) model.RunResult {
	ctx = log.ContextAttrs(ctx, slog.Group("stager",
		slog.String("run_id", uuid.NewString()),
		slog.String("mode", mode.String()),
		slog.String("target", target),
	))
	rep := e.rep
	rep.Begin()

	if err := cfg.Validate(mode); err != nil {
		return e.configError(ctx, err)
	}
	if target == "" {
		return e.configError(ctx, &model.Error{Kind: model.ConfigurationError, Op: "target", Err: fmt.Errorf("target directory is required")})
	}

	steps := plan.Plan(cfg, mode)
	st := newRunState(cfg, target, e.goos)
	results := make([]model.StepResult, 0, len(steps))
	total := len(steps)
	slog.DebugContext(ctx, "run planned", "steps", fmt.Sprint(steps))

	for i, step := range steps {
		rep.Progress(ctx, step, i, total, step.Description())
		if err := ctx.Err(); err != nil {
			return e.cancelled(ctx, st, results, step)
		}

		ent, ok := e.registry[step]
		if !ok {
			panic(fmt.Sprintf("no handler registered for step %s", step))
		}

		start := e.now()
		res, err := ent.handler(ctx, st)
		elapsed := e.now().Sub(start)
		hardFault := false
		if err != nil {
			if model.IsCancelled(err) {
				return e.cancelled(ctx, st, results, step)
			}
			slog.ErrorContext(ctx, "step handler failed", "step", step.String(), "error", err)
			res = model.Failed("%v", err)
			hardFault = true
		}

		sr := model.StepResult{
			Step:              step,
			Success:           res.Success,
			Message:           res.Message,
			ContinueOnFailure: !ent.fatalOnFailure && !hardFault,
			Duration:          elapsed,
		}
		results = append(results, sr)

		if sr.Success {
			st.apply(res)
			rep.Success(ctx, "%s: %s", step.Description(), sr.Message)
			continue
		}
		if !sr.ContinueOnFailure {
			msg := fmt.Sprintf("Step %s failed: %s", step, sr.Message)
			rep.Error(ctx, "%s", msg)
			return model.RunResult{
				Success:  false,
				Message:  msg,
				RepoPath: st.RepoPath,
				VenvPath: st.VenvPath,
				Steps:    results,
			}
		}
		rep.Warn(ctx, "Step %s failed, continuing: %s", step, sr.Message)
	}

	last := model.StepPostInstall
	msg := "Installation completed successfully."
	if mode == model.ModeModelsOnly {
		last = model.StepDownloadModels
		msg = "Model download completed."
	}
	rep.Progress(ctx, last, total, total, "Completed")
	rep.Success(ctx, "%s", msg)
	return model.RunResult{
		Success:  true,
		Message:  msg,
		RepoPath: st.RepoPath,
		VenvPath: st.VenvPath,
		Steps:    results,
	}
}

func (e *Engine) configError(ctx context.Context, err error) model.RunResult {
	msg := fmt.Sprintf("Configuration error: %v", err)
	e.rep.Error(ctx, "%s", msg)
	return model.RunResult{Message: msg}
}

func (e *Engine) cancelled(ctx context.Context, st *RunState, results []model.StepResult, step model.Step) model.RunResult {
	msg := fmt.Sprintf("Installation cancelled during %s.", step)
	e.rep.Warn(ctx, "%s", msg)
	return model.RunResult{
		Success:   false,
		Cancelled: true,
		Message:   msg,
		RepoPath:  st.RepoPath,
		VenvPath:  st.VenvPath,
		Steps:     results,
	}
}

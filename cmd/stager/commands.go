package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/CZERTAINLY/Stager/internal/download"
	"github.com/CZERTAINLY/Stager/internal/engine"
	"github.com/CZERTAINLY/Stager/internal/git"
	"github.com/CZERTAINLY/Stager/internal/log"
	"github.com/CZERTAINLY/Stager/internal/model"
	"github.com/CZERTAINLY/Stager/internal/plan"
	"github.com/CZERTAINLY/Stager/internal/proc"
	"github.com/CZERTAINLY/Stager/internal/pyenv"
	"github.com/CZERTAINLY/Stager/internal/report"

	"github.com/spf13/cobra"
)

var (
	flagTarget     string // value of --target flag
	flagModelsOnly bool   // value of --models-only flag
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "install clones the repository, prepares its runtime and downloads models",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return doRun(cmd, model.ModeFull)
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "models downloads configured models into an existing installation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return doRun(cmd, model.ModeModelsOnly)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "update fast-forwards the main repository of an existing installation",
	RunE:  doUpdate,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "plan prints the steps the configuration results in",
	RunE: func(cmd *cobra.Command, _ []string) error {
		mode := model.ModeFull
		if flagModelsOnly {
			mode = model.ModeModelsOnly
		}
		if err := config.Validate(mode); err != nil {
			return err
		}
		_, err := fmt.Fprint(cmd.OutOrStdout(), plan.Describe(plan.Plan(config, mode)))
		return err
	},
}

var runtimesCmd = &cobra.Command{
	Use:   "runtimes",
	Short: "runtimes lists Python installations found on this machine",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := log.ContextAttrs(cmd.Context(), slog.Group("stager", slog.String("cmd", "runtimes")))
		runtimes := pyenv.New(proc.NewRunner()).ListInstalledRuntimes(ctx)
		if len(runtimes) == 0 {
			return fmt.Errorf("no Python installation found")
		}
		for _, r := range runtimes {
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), r); err != nil {
				return err
			}
		}
		return nil
	},
}

// services wires the worker services from tool settings.
type services struct {
	git        *git.Service
	runtime    *pyenv.Service
	downloader *download.Manager
}

func newServices() services {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = toolSettings.Download.HeaderTimeout
	downloader := download.New(
		download.WithClient(&http.Client{Transport: transport}),
		download.WithChunkSize(toolSettings.Download.ChunkSize),
		download.WithProgressInterval(toolSettings.Download.ProgressInterval),
	)

	runner := proc.NewRunner()
	return services{
		git: git.New(runner,
			git.WithFetcher(downloader),
			git.WithInstallerURL(toolSettings.Git.InstallerURL),
			git.WithTimeout(toolSettings.Git.Timeout),
			git.WithInstallTimeout(toolSettings.Git.InstallTimeout),
		),
		runtime:    pyenv.New(runner, pyenv.WithTimeout(toolSettings.Pip.Timeout)),
		downloader: downloader,
	}
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func doRun(cmd *cobra.Command, mode model.Mode) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	attrs := slog.Group("stager",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	target, err := filepath.Abs(flagTarget)
	if err != nil {
		return fmt.Errorf("resolving target %s: %w", flagTarget, err)
	}

	cfg := config
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = toolSettings.Download.Dir
	}

	svc := newServices()
	recorder := report.NewRecorder()
	rep := report.New(report.Multi(newConsole(cmd.OutOrStdout()), recorder))
	eng := engine.New(engine.Deps{
		Git:        svc.git,
		Runtime:    svc.runtime,
		Downloader: svc.downloader,
	}, engine.WithReporter(rep))

	res := eng.Run(ctx, cfg, target, mode)
	printSummary(cmd.OutOrStdout(), res)
	slog.DebugContext(ctx, "run finished",
		"success", res.Success,
		"cancelled", res.Cancelled,
		"warnings", len(recorder.Messages(model.LevelWarning)),
		"errors", len(recorder.Messages(model.LevelError)),
	)

	switch {
	case res.Cancelled:
		return exitError{code: exitCancelled, msg: res.Message}
	case !res.Success:
		return exitError{code: exitFailure, msg: res.Message}
	}
	return nil
}

func doUpdate(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	ctx = log.ContextAttrs(ctx, slog.Group("stager", slog.String("cmd", "update")))

	repoPath := filepath.Join(flagTarget, config.RepoFolderName())
	rep := report.New(newConsole(cmd.OutOrStdout()))
	res, err := newServices().git.Pull(ctx, repoPath, rep)
	if err != nil {
		if model.IsCancelled(err) {
			return exitError{code: exitCancelled, msg: err.Error()}
		}
		return err
	}
	if !res.Success {
		rep.Error(ctx, "%s", res.Message)
		return exitError{code: exitFailure, msg: res.Message}
	}
	rep.Success(ctx, "%s", res.Message)
	return nil
}

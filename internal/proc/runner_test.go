package proc_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Stager/internal/model"
	"github.com/CZERTAINLY/Stager/internal/proc"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func shell(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipped, tests use a posix shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func TestRun(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	runner := proc.NewRunner()

	t.Run("stdout and stderr", func(t *testing.T) {
		res, err := runner.Run(t.Context(), proc.Command{
			Path: sh,
			Args: []string{"-c", "echo one; echo two; echo err 1>&2"},
		})
		require.NoError(t, err)
		require.True(t, res.Success())
		require.Equal(t, "one\ntwo\n", res.Stdout)
		require.Equal(t, "err\n", res.Stderr)
		require.Equal(t, "err", res.Output())
		require.NotZero(t, res.Started)
		require.False(t, res.Stopped.Before(res.Started))
	})

	t.Run("exit code is not an error", func(t *testing.T) {
		res, err := runner.Run(t.Context(), proc.Command{
			Path: sh,
			Args: []string{"-c", "echo nope; exit 3"},
		})
		require.NoError(t, err)
		require.False(t, res.Success())
		require.Equal(t, 3, res.ExitCode)
		require.Equal(t, "nope", res.Output())
	})

	t.Run("working directory", func(t *testing.T) {
		dir := t.TempDir()
		res, err := runner.Run(t.Context(), proc.Command{
			Path: sh,
			Args: []string{"-c", "pwd"},
			Dir:  dir,
		})
		require.NoError(t, err)
		want, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)
		got, err := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("environment", func(t *testing.T) {
		res, err := runner.Run(t.Context(), proc.Command{
			Path: sh,
			Args: []string{"-c", "echo $STAGER_TEST"},
			Env:  []string{"STAGER_TEST=42"},
		})
		require.NoError(t, err)
		require.Equal(t, "42\n", res.Stdout)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := runner.Run(t.Context(), proc.Command{Path: "stager-does-not-exist"})
		require.Error(t, err)
		require.Equal(t, model.ToolMissingError, model.KindOf(err))
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := runner.Run(t.Context(), proc.Command{})
		require.Error(t, err)
	})
}

func TestStream(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	var mx sync.Mutex
	var stdout, stderr []string
	onStdout := func(_ context.Context, line string) {
		mx.Lock()
		defer mx.Unlock()
		stdout = append(stdout, line)
	}
	onStderr := func(_ context.Context, line string) {
		mx.Lock()
		defer mx.Unlock()
		stderr = append(stderr, line)
	}

	res, err := proc.NewRunner().Stream(t.Context(), proc.Command{
		Path: sh,
		Args: []string{"-c", `printf 'a\nb\r\nprogress 10%%\rprogress 100%%\n'; printf 'e1\ne2\n' 1>&2`},
	}, onStdout, onStderr)
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Equal(t, []string{"a", "b", "progress 10%", "progress 100%"}, stdout)
	require.Equal(t, []string{"e1", "e2"}, stderr)
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	start := time.Now()
	// the background sleep inherits the pipes; only a process group kill
	// lets the readers finish early
	_, err := proc.NewRunner().Run(t.Context(), proc.Command{
		Path:    sh,
		Args:    []string{"-c", "sleep 30 & sleep 30; wait"},
		Timeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	require.True(t, model.IsCancelled(err))
	require.ErrorIs(t, err, model.ErrTimeout)
	require.Equal(t, model.CancellationError, model.KindOf(err))
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestOrphanedDescendant(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	start := time.Now()
	// the shell exits at once, the background sleep keeps stdout open
	res, err := proc.NewRunner(proc.WithWaitDelay(300*time.Millisecond)).Run(t.Context(), proc.Command{
		Path: sh,
		Args: []string{"-c", "sleep 30 & echo done"},
	})
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Equal(t, "done\n", res.Stdout)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestUnterminatedLine(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	var lines []string
	res, err := proc.NewRunner().Stream(t.Context(), proc.Command{
		Path: sh,
		Args: []string{"-c", "printf 'one\\ntwo'"},
	}, func(_ context.Context, line string) {
		lines = append(lines, line)
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, lines)
	require.Equal(t, "one\ntwo\n", res.Stdout)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	ctx, cancel := context.WithCancel(t.Context())
	started := make(chan struct{})
	var once sync.Once
	onStdout := func(context.Context, string) {
		once.Do(func() { close(started) })
	}
	go func() {
		<-started
		cancel()
	}()

	_, err := proc.NewRunner().Stream(ctx, proc.Command{
		Path: sh,
		Args: []string{"-c", "echo started; sleep 30"},
	}, onStdout, nil)
	require.Error(t, err)
	require.True(t, model.IsCancelled(err))
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, model.ErrTimeout))

	t.Run("already cancelled", func(t *testing.T) {
		_, err := proc.NewRunner().Run(ctx, proc.Command{Path: sh, Args: []string{"-c", "true"}})
		require.True(t, model.IsCancelled(err))
	})
}

func TestResolveExecutablePath(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	path, ok := proc.ResolveExecutablePath("sh")
	require.True(t, ok)
	require.True(t, filepath.IsAbs(path))
	require.True(t, proc.IsExecutableInPath("sh"))

	path, ok = proc.ResolveExecutablePath(sh)
	require.True(t, ok)
	require.Equal(t, sh, path)

	_, ok = proc.ResolveExecutablePath("stager-does-not-exist")
	require.False(t, ok)
	_, ok = proc.ResolveExecutablePath("")
	require.False(t, ok)

	dir := t.TempDir()
	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	_, ok = proc.ResolveExecutablePath(plain)
	require.False(t, ok, "not executable")
}

func TestRefreshPath(t *testing.T) {
	// modifies the process environment
	if runtime.GOOS == "windows" {
		t.Skip("skipped, PATH is reloaded from the registry on windows")
	}
	dir := t.TempDir()
	t.Setenv("PATH", "/usr/bin")
	tool := filepath.Join(dir, "stager-tool")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\n"), 0o755))

	require.False(t, proc.IsExecutableInPath("stager-tool"))
	proc.RefreshPath(dir, dir)
	require.True(t, proc.IsExecutableInPath("stager-tool"))
	require.Equal(t, dir+string(os.PathListSeparator)+"/usr/bin", os.Getenv("PATH"))
}

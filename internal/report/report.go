// Package report carries log and progress events from the engine and its
// workers to an observer.
//
// A single *Reporter is created per run and passed by reference to every
// worker call. All Reporter methods are safe on a nil receiver, so workers
// used outside of a run (tests, the CLI runtimes command) can pass nil.
// Every event is mirrored into slog with the context attributes of the call.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/Stager/internal/model"
)

// Observer receives events. Calls are fire-and-forget and must not block
// for long: they happen on the goroutine doing the work.
type Observer interface {
	OnLog(model.LogEntry)
	OnProgress(model.ProgressEvent)
}

type Reporter struct {
	obs    Observer
	logger *slog.Logger
	now    func() time.Time

	mx        sync.Mutex
	lastIndex int
}

type Option func(*Reporter)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reporter) {
		r.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		r.now = now
	}
}

// New creates a Reporter. A nil observer discards events, they still reach slog.
func New(obs Observer, opts ...Option) *Reporter {
	r := &Reporter{
		obs:    obs,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Reporter) Info(ctx context.Context, format string, args ...any) {
	r.log(ctx, model.LevelInfo, format, args...)
}

func (r *Reporter) Warn(ctx context.Context, format string, args ...any) {
	r.log(ctx, model.LevelWarning, format, args...)
}

func (r *Reporter) Error(ctx context.Context, format string, args ...any) {
	r.log(ctx, model.LevelError, format, args...)
}

func (r *Reporter) Success(ctx context.Context, format string, args ...any) {
	r.log(ctx, model.LevelSuccess, format, args...)
}

// Line reports a line of output of an external tool.
func (r *Reporter) Line(ctx context.Context, line string) {
	if line == "" {
		return
	}
	r.log(ctx, model.LevelInfo, "%s", line)
}

// Begin starts a new run: the progress index may start from zero again.
func (r *Reporter) Begin() {
	if r == nil {
		return
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	r.lastIndex = 0
}

// Progress reports the start of step index of total. Indexes lower than the
// last reported one are raised to it, observers see a non-decreasing index.
func (r *Reporter) Progress(ctx context.Context, step model.Step, index, total int, msg string) {
	if r == nil {
		return
	}
	r.mx.Lock()
	if index < r.lastIndex {
		index = r.lastIndex
	}
	r.lastIndex = index
	r.mx.Unlock()

	ev := model.ProgressEvent{
		Step:    step,
		Index:   index,
		Total:   total,
		Message: msg,
	}
	r.logger.DebugContext(ctx, "progress",
		slog.String("step", step.String()),
		slog.Int("index", index),
		slog.Int("total", total),
		slog.String("message", msg),
	)
	if r.obs != nil {
		r.obs.OnProgress(ev)
	}
}

func (r *Reporter) log(ctx context.Context, level model.Level, format string, args ...any) {
	if r == nil {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	var slevel slog.Level
	switch level {
	case model.LevelWarning:
		slevel = slog.LevelWarn
	case model.LevelError:
		slevel = slog.LevelError
	default:
		slevel = slog.LevelInfo
	}
	r.logger.Log(ctx, slevel, msg, slog.String("event", level.String()))

	if r.obs != nil {
		r.obs.OnLog(model.LogEntry{
			Time:    r.now(),
			Level:   level,
			Message: msg,
		})
	}
}

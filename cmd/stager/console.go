package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/CZERTAINLY/Stager/internal/model"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorMuted   = lipgloss.Color("241")
	colorPrimary = lipgloss.Color("6")
	colorSuccess = lipgloss.Color("42")
	colorWarning = lipgloss.Color("214")
	colorError   = lipgloss.Color("196")

	timeStyle     = lipgloss.NewStyle().Foreground(colorMuted)
	progressStyle = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	levelStyles   = map[model.Level]lipgloss.Style{
		model.LevelInfo:    lipgloss.NewStyle(),
		model.LevelWarning: lipgloss.NewStyle().Foreground(colorWarning),
		model.LevelError:   lipgloss.NewStyle().Foreground(colorError).Bold(true),
		model.LevelSuccess: lipgloss.NewStyle().Foreground(colorSuccess),
	}
	levelMarks = map[model.Level]string{
		model.LevelInfo:    " ",
		model.LevelWarning: "!",
		model.LevelError:   "x",
		model.LevelSuccess: "+",
	}
)

// console prints events for a human on a terminal.
type console struct {
	mx sync.Mutex
	w  io.Writer
}

func newConsole(w io.Writer) *console {
	return &console{w: w}
}

func (c *console) OnLog(e model.LogEntry) {
	c.mx.Lock()
	defer c.mx.Unlock()
	style := levelStyles[e.Level]
	_, _ = fmt.Fprintf(c.w, "%s %s %s\n",
		timeStyle.Render(e.Time.Format("15:04:05")),
		style.Render(levelMarks[e.Level]),
		style.Render(e.Message),
	)
}

func (c *console) OnProgress(e model.ProgressEvent) {
	c.mx.Lock()
	defer c.mx.Unlock()
	_, _ = fmt.Fprintln(c.w, progressStyle.Render(fmt.Sprintf("[%d/%d] %s", e.Index, e.Total, e.Message)))
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(colorMuted)
	okStyle   = lipgloss.NewStyle().Foreground(colorSuccess)
	warnStyle = lipgloss.NewStyle().Foreground(colorWarning)
	failStyle = lipgloss.NewStyle().Foreground(colorError).Bold(true)
)

// printSummary renders the per step results of a run.
func printSummary(w io.Writer, res model.RunResult) {
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, headerStyle.Render("Summary"))
	for _, s := range res.Steps {
		mark, style := "ok  ", okStyle
		switch {
		case !s.Success && s.ContinueOnFailure:
			mark, style = "warn", warnStyle
		case !s.Success:
			mark, style = "fail", failStyle
		}
		_, _ = fmt.Fprintf(w, "%s %-24s %8s  %s\n",
			style.Render(mark),
			s.Step,
			s.Duration.Round(100*time.Millisecond).String(),
			s.Message,
		)
	}
	if res.RepoPath != "" {
		_, _ = fmt.Fprintf(w, "\nrepository: %s\n", res.RepoPath)
	}
	if res.VenvPath != "" {
		_, _ = fmt.Fprintf(w, "venv:       %s\n", res.VenvPath)
	}

	style := okStyle
	switch {
	case res.Cancelled:
		style = warnStyle
	case !res.Success:
		style = failStyle
	}
	_, _ = fmt.Fprintln(w, style.Render(res.Message))
}

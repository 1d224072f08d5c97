package model

import (
	"fmt"
	"time"
)

// OperationResult is returned by worker services for expected outcomes,
// failures included. Path fields are set only by operations producing them.
type OperationResult struct {
	Success         bool
	Message         string
	RepoPath        string
	VenvPath        string
	InterpreterPath string
}

func OK(format string, args ...any) OperationResult {
	return OperationResult{Success: true, Message: fmt.Sprintf(format, args...)}
}

func Failed(format string, args ...any) OperationResult {
	return OperationResult{Success: false, Message: fmt.Sprintf(format, args...)}
}

// StepResult is the immutable outcome of one step invocation.
type StepResult struct {
	Step              Step          `json:"step"`
	Success           bool          `json:"success"`
	Message           string        `json:"message"`
	ContinueOnFailure bool          `json:"continue_on_failure"`
	Duration          time.Duration `json:"duration"`
}

// RunResult is the final aggregate of a run. Cancelled runs are never
// successful.
type RunResult struct {
	Success   bool         `json:"success"`
	Cancelled bool         `json:"cancelled"`
	Message   string       `json:"message"`
	RepoPath  string       `json:"repo_path,omitempty"`
	VenvPath  string       `json:"venv_path,omitempty"`
	Steps     []StepResult `json:"steps"`
}

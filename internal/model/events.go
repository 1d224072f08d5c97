package model

import "time"

type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
	LevelSuccess
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelSuccess:
		return "success"
	default:
		return "unknown"
	}
}

type LogEntry struct {
	Time    time.Time
	Level   Level
	Message string
}

// ProgressEvent reports that step Index of Total has started. The final
// event of a completed run has Index == Total.
type ProgressEvent struct {
	Step    Step
	Index   int
	Total   int
	Message string
}

func (p ProgressEvent) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Index) / float64(p.Total) * 100
}

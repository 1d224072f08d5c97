package report

import (
	"slices"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Stager/internal/model"
)

// Recorder keeps every event in memory.
type Recorder struct {
	mx       sync.Mutex
	logs     []model.LogEntry
	progress []model.ProgressEvent
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) OnLog(e model.LogEntry) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.logs = append(r.logs, e)
}

func (r *Recorder) OnProgress(e model.ProgressEvent) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.progress = append(r.progress, e)
}

func (r *Recorder) Logs() []model.LogEntry {
	r.mx.Lock()
	defer r.mx.Unlock()
	return slices.Clone(r.logs)
}

func (r *Recorder) Progress() []model.ProgressEvent {
	r.mx.Lock()
	defer r.mx.Unlock()
	return slices.Clone(r.progress)
}

// Messages returns messages of the given level, all levels if none is given.
func (r *Recorder) Messages(levels ...model.Level) []string {
	var ret []string
	for _, e := range r.Logs() {
		if len(levels) > 0 && !slices.Contains(levels, e.Level) {
			continue
		}
		ret = append(ret, e.Message)
	}
	return ret
}

// Contains is true if a log message of any level contains substr.
func (r *Recorder) Contains(substr string) bool {
	for _, m := range r.Messages() {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

type multi []Observer

// Multi fans events out to all observers in order.
func Multi(observers ...Observer) Observer {
	var m multi
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

func (m multi) OnLog(e model.LogEntry) {
	for _, o := range m {
		o.OnLog(e)
	}
}

func (m multi) OnProgress(e model.ProgressEvent) {
	for _, o := range m {
		o.OnProgress(e)
	}
}

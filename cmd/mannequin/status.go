package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/normanking/mannequin/internal/ik"
	"github.com/normanking/mannequin/internal/logging"
)

// statusWarnings is how many recent warnings /status returns.
const statusWarnings = 20

// StatusReport is the /status payload.
type StatusReport struct {
	Modifier   string          `json:"modifier"`
	Method     string          `json:"method"`
	Ticks      int             `json:"ticks"`
	Outcome    ik.Outcome      `json:"outcome,omitempty"`
	Distance   float64         `json:"effector_distance"`
	TookMicros int64           `json:"took_us"`
	OverBudget int             `json:"over_budget"`
	Warnings   []logging.Entry `json:"warnings"`
}

// runStatus tracks the run loop for the status log and /status.
type runStatus struct {
	mu         sync.Mutex
	ticks      int
	last       ik.TickReport
	overBudget int
}

func (s *runStatus) record(report ik.TickReport, budget time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	s.last = report
	if report.Took > budget {
		s.overBudget++
	}
	return s.ticks
}

func (s *runStatus) report(r *rig, history func(int) []logging.Entry) StatusReport {
	s.mu.Lock()
	rep := StatusReport{
		Ticks:      s.ticks,
		Outcome:    s.last.Outcome,
		TookMicros: s.last.Took.Microseconds(),
		OverBudget: s.overBudget,
	}
	s.mu.Unlock()

	rep.Modifier = r.mod.ID()
	rep.Method = r.mod.Config().Method.String()
	rep.Distance = r.effectorDistance()
	rep.Warnings = history(statusWarnings)
	if rep.Warnings == nil {
		rep.Warnings = []logging.Entry{}
	}
	return rep
}

func statusHandler(r *rig, s *runStatus, history func(int) []logging.Entry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.report(r, history)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// logHistory reads the runtime logger's warning history.
func logHistory(limit int) []logging.Entry {
	if log == nil {
		return nil
	}
	return log.History(limit)
}

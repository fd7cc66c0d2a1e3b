// Package loading models loading sessions: an ordered registry of weighted
// tasks and the pure aggregation of their progress.
package loading

import (
	"math"
	"time"
)

// State is the lifecycle phase of a loading session.
type State string

const (
	// StateIdle means no session is outstanding.
	StateIdle State = "idle"
	// StateRunning means tasks are in flight.
	StateRunning State = "running"
	// StateCompleting means work finished and the session is held for the floor or linger.
	StateCompleting State = "completing"
)

// Task is a unit of tracked work within a session.
type Task struct {
	ID        string
	Progress  float64
	Completed bool
	Weight    float64
}

// Status is the observable view of the orchestrator.
type Status struct {
	SessionID string
	State     State
	Progress  float64
	Tasks     []Task
	StartedAt time.Time
}

// Active reports whether a session is outstanding.
func (s Status) Active() bool { return s.State != StateIdle }

// ClampProgress bounds p to [0,100]. NaN becomes 0.
func ClampProgress(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// NormalizeWeight maps non-positive or invalid weights to 1.
func NormalizeWeight(w float64) float64 {
	if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
		return 1
	}
	return w
}

// Aggregate returns the weighted mean progress of tasks. An empty set is 0.
func Aggregate(tasks []Task) float64 {
	var weighted, total float64
	for _, task := range tasks {
		w := NormalizeWeight(task.Weight)
		weighted += ClampProgress(task.Progress) * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return ClampProgress(weighted / total)
}

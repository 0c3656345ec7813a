package pipeline

import "time"

// Stage is a conversational worker with an owned goroutine lifecycle.
type Stage interface {
	Name() string
	// Start launches the stage's loop. Mandatory-stage failures abort
	// orchestrator startup.
	Start() error
	// Stop asks the loop to exit and waits up to timeout. A stage that
	// refuses to stop is abandoned, never blocking shutdown.
	Stop(timeout time.Duration) error
	Status() StageStatus
}

// StageStatus is a point-in-time snapshot of a stage's counters.
type StageStatus struct {
	Name      string `json:"name"`
	Running   bool   `json:"running"`
	Paused    bool   `json:"paused,omitempty"`
	Processed int64  `json:"processed"`
	Dropped   int64  `json:"dropped"`
	Errors    int64  `json:"errors"`
}

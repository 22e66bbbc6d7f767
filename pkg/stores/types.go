package stores

import (
	"time"
)

// RunRow is the persisted header of one restore run.
type RunRow struct {
	ID            string     `json:"id"`
	InstanceID    string     `json:"instance_id"`
	Kind          string     `json:"kind"`
	Status        string     `json:"status"`
	NonReversible bool       `json:"non_reversible"`
	ReportPath    *string    `json:"report_path,omitempty"`
	Error         *string    `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// StepRow is the persisted trace of one completed forward step. Undo holds
// the JSON-encoded compensating action, if the step has one.
type StepRow struct {
	RunID       string    `json:"run_id"`
	Seq         int       `json:"seq"`
	Name        string    `json:"name"`
	Device      *string   `json:"device,omitempty"`
	Resource    *string   `json:"resource,omitempty"`
	Undo        *string   `json:"undo,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// RollbackActionRow is one executed compensating action of an unwind.
type RollbackActionRow struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Position    int       `json:"position"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	Succeeded   bool      `json:"succeeded"`
	Error       *string   `json:"error,omitempty"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// RunStatusInProgress marks a run that has begun but not yet ended. Terminal
// statuses come from the restore package.
const RunStatusInProgress = "in_progress"

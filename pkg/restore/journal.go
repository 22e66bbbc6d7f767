package restore

import (
	"context"
	"time"
)

// RunRecord is the durable header for one restore run.
type RunRecord struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Kind       Kind      `json:"kind"`
	StartedAt  time.Time `json:"started_at"`
}

// StepRecord is the durable trace of one completed forward step and the
// compensating action (if any) that covers it. Steps are appended in
// completion order; together with the InstanceSnapshotRecord they are
// sufficient for an operator to resume or clean up a run that died before
// rollback finished.
type StepRecord struct {
	RunID       string              `json:"run_id"`
	Seq         int                 `json:"seq"`
	Name        string              `json:"name"`
	Device      string              `json:"device,omitempty"`
	Resource    string              `json:"resource,omitempty"`
	Undo        *CompensatingAction `json:"undo,omitempty"`
	CompletedAt time.Time           `json:"completed_at"`
}

// Journal persists run progress as it happens. Implementations must make each
// record durable before returning; the engines call it between a forward
// step's success and the next forward step. Journal failures are logged and
// surfaced to the operator but never abort the restore itself.
type Journal interface {
	// BeginRun records the run header.
	BeginRun(ctx context.Context, run *RunRecord) error

	// AppendStep records a completed forward step with its undo.
	AppendStep(ctx context.Context, step *StepRecord) error

	// MarkNonReversible records that the run crossed the irreversibility
	// boundary.
	MarkNonReversible(ctx context.Context, runID string) error

	// RecordRollback records the outcome of unwinding the plan.
	RecordRollback(ctx context.Context, runID string, outcome *RollbackOutcome) error

	// EndRun records the terminal status and report location of the run.
	EndRun(ctx context.Context, runID string, status RunStatus, reportPath string, runErr error) error
}

// NopJournal discards all records. Used when no run-state store is configured
// and in tests that do not assert on persistence.
type NopJournal struct{}

func (NopJournal) BeginRun(context.Context, *RunRecord) error                       { return nil }
func (NopJournal) AppendStep(context.Context, *StepRecord) error                    { return nil }
func (NopJournal) MarkNonReversible(context.Context, string) error                  { return nil }
func (NopJournal) RecordRollback(context.Context, string, *RollbackOutcome) error   { return nil }
func (NopJournal) EndRun(context.Context, string, RunStatus, string, error) error   { return nil }

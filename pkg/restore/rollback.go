package restore

import (
	"context"
	"fmt"
	"time"

	"github.com/openrestore/openrestore/pkg/telemetry"
)

// ActionKind tags a compensating action variant. Actions are plain data, not
// closures, so the recorded plan can be persisted and replayed after a crash.
type ActionKind string

const (
	// ActionDeleteVolume deletes a volume created during the run.
	ActionDeleteVolume ActionKind = "delete_volume"

	// ActionReattachVolume reattaches the previously attached volume at its
	// original device name, waiting for it to become attachable first.
	ActionReattachVolume ActionKind = "reattach_volume"

	// ActionRestoreInterfaceAttribute restores the captured
	// delete-on-termination flag on a network interface attachment.
	ActionRestoreInterfaceAttribute ActionKind = "restore_interface_attribute"

	// ActionRestoreInstanceState returns the instance to its captured run
	// state (running or stopped).
	ActionRestoreInstanceState ActionKind = "restore_instance_state"
)

// CompensatingAction is one unit of rollback work, bound to the forward step
// it undoes. Ownership transfers to the RollbackManager the instant the
// forward step succeeds.
type CompensatingAction struct {
	// Kind selects the undo variant.
	Kind ActionKind `json:"kind"`

	// Description names the action for logs and the rollback outcome.
	Description string `json:"description"`

	// InstanceID is the instance acted on, where applicable.
	InstanceID string `json:"instance_id,omitempty"`

	// VolumeID is the volume acted on, where applicable.
	VolumeID string `json:"volume_id,omitempty"`

	// Device is the device name for reattachment.
	Device string `json:"device,omitempty"`

	// InterfaceID and AttachmentID identify the ENI attachment for
	// restore_interface_attribute.
	InterfaceID  string `json:"interface_id,omitempty"`
	AttachmentID string `json:"attachment_id,omitempty"`

	// DeleteOnTermination is the flag value to restore.
	DeleteOnTermination bool `json:"delete_on_termination,omitempty"`

	// TargetState is the instance state to restore for
	// restore_instance_state.
	TargetState string `json:"target_state,omitempty"`

	// RecordedAt is when the action was pushed.
	RecordedAt time.Time `json:"recorded_at"`
}

// ActionOutcome reports the result of executing one compensating action.
type ActionOutcome struct {
	Kind        ActionKind `json:"kind"`
	Description string     `json:"description"`
	Succeeded   bool       `json:"succeeded"`
	Error       string     `json:"error,omitempty"`
}

// Rollback statuses attached to the restore report.
const (
	RollbackStatusCompleted = "completed"
	RollbackStatusPartial   = "partial"
)

// RollbackOutcome is the structured result of unwinding a plan.
type RollbackOutcome struct {
	// Status is "completed" when every action succeeded, "partial" otherwise.
	Status string `json:"status"`

	// NonReversible marks a plan that crossed the irreversibility boundary:
	// the remaining actions ran best-effort, but the pre-restore instance
	// cannot be recreated.
	NonReversible bool `json:"non_reversible,omitempty"`

	// Actions lists per-action results in execution (reverse-completion)
	// order.
	Actions []ActionOutcome `json:"actions"`
}

// RollbackManager owns the LIFO stack of compensating actions for one restore
// plan. Each instance of a fan-out restore gets its own manager; there is no
// shared state between plans.
type RollbackManager struct {
	client  CloudResourceClient
	journal Journal
	metrics *telemetry.Metrics
	log     *telemetry.Logger
	waits   WaitSettings

	runID         string
	seq           int
	actions       []CompensatingAction
	nonReversible bool
}

// NewRollbackManager creates a rollback manager for one run.
func NewRollbackManager(client CloudResourceClient, journal Journal, metrics *telemetry.Metrics, log *telemetry.Logger, waits WaitSettings, runID string) *RollbackManager {
	if journal == nil {
		journal = NopJournal{}
	}
	if log == nil {
		log = telemetry.Nop()
	}
	return &RollbackManager{
		client:  client,
		journal: journal,
		metrics: metrics,
		log:     log.Component("rollback"),
		waits:   waits.withDefaults(),
		runID:   runID,
	}
}

// Push records a compensating action for a forward step that just succeeded.
// The action is journaled before Push returns, so no completed mutation is
// ever untracked on disk.
func (m *RollbackManager) Push(ctx context.Context, stepName string, action CompensatingAction) {
	action.RecordedAt = time.Now()
	m.actions = append(m.actions, action)
	m.seq++

	step := &StepRecord{
		RunID:       m.runID,
		Seq:         m.seq,
		Name:        stepName,
		Device:      action.Device,
		Resource:    action.resource(),
		Undo:        &action,
		CompletedAt: action.RecordedAt,
	}
	if err := m.journal.AppendStep(ctx, step); err != nil {
		m.log.WithError(err).Warnf("failed to journal step %q", stepName)
	}
}

// RecordStep journals a completed forward step that needs no undo (for
// example a non-destructive snapshot).
func (m *RollbackManager) RecordStep(ctx context.Context, stepName, resource string) {
	m.seq++
	step := &StepRecord{
		RunID:       m.runID,
		Seq:         m.seq,
		Name:        stepName,
		Resource:    resource,
		CompletedAt: time.Now(),
	}
	if err := m.journal.AppendStep(ctx, step); err != nil {
		m.log.WithError(err).Warnf("failed to journal step %q", stepName)
	}
}

// MarkNonReversible flags the plan as past the irreversibility boundary.
// Remaining actions still execute on unwind, but the outcome reports that the
// original instance cannot be recovered.
func (m *RollbackManager) MarkNonReversible(ctx context.Context) {
	m.nonReversible = true
	if err := m.journal.MarkNonReversible(ctx, m.runID); err != nil {
		m.log.WithError(err).Warn("failed to journal irreversibility boundary")
	}
}

// NonReversible reports whether the plan crossed the irreversibility boundary.
func (m *RollbackManager) NonReversible() bool { return m.nonReversible }

// Depth returns the number of recorded compensating actions.
func (m *RollbackManager) Depth() int { return len(m.actions) }

// UnwindAll executes the recorded actions in strict reverse order of their
// forward steps' completion. Each action's failure is captured in the outcome
// and does not abort the unwind of the remaining actions; rollback maximizes
// partial recovery rather than failing fast. Returns nil when nothing was
// recorded.
func (m *RollbackManager) UnwindAll(ctx context.Context) *RollbackOutcome {
	if len(m.actions) == 0 && !m.nonReversible {
		return nil
	}

	outcome := &RollbackOutcome{
		Status:        RollbackStatusCompleted,
		NonReversible: m.nonReversible,
		Actions:       make([]ActionOutcome, 0, len(m.actions)),
	}

	for i := len(m.actions) - 1; i >= 0; i-- {
		action := m.actions[i]
		m.log.Infof("rolling back: %s", action.Description)

		result := ActionOutcome{
			Kind:        action.Kind,
			Description: action.Description,
			Succeeded:   true,
		}
		if err := m.execute(ctx, action); err != nil {
			m.log.WithError(err).Errorf("compensating action failed: %s", action.Description)
			result.Succeeded = false
			result.Error = err.Error()
			outcome.Status = RollbackStatusPartial
		}
		outcome.Actions = append(outcome.Actions, result)
	}

	m.actions = m.actions[:0]

	if err := m.journal.RecordRollback(ctx, m.runID, outcome); err != nil {
		m.log.WithError(err).Warn("failed to journal rollback outcome")
	}
	return outcome
}

// execute dispatches one compensating action by kind.
func (m *RollbackManager) execute(ctx context.Context, action CompensatingAction) error {
	switch action.Kind {
	case ActionDeleteVolume:
		return retryThrottled(ctx, m.metrics, m.waits.ThrottleRetries, func(ctx context.Context) error {
			return m.client.DeleteVolume(ctx, action.VolumeID)
		})

	case ActionReattachVolume:
		// The previous volume must be detached and settled before it can be
		// reattached at its original device name.
		err := waitFor(ctx, m.metrics, fmt.Sprintf("volume %s availability", action.VolumeID),
			m.waits.PollInterval, m.waits.VolumeTimeout,
			func(ctx context.Context) (bool, error) {
				vol, err := m.client.DescribeVolume(ctx, action.VolumeID)
				if err != nil {
					return false, err
				}
				return vol.State == VolumeStateAvailable, nil
			})
		if err != nil {
			return err
		}
		if err := m.client.AttachVolume(ctx, action.VolumeID, action.InstanceID, action.Device); err != nil {
			return err
		}
		return waitFor(ctx, m.metrics, fmt.Sprintf("volume %s attachment", action.VolumeID),
			m.waits.PollInterval, m.waits.VolumeTimeout,
			func(ctx context.Context) (bool, error) {
				vol, err := m.client.DescribeVolume(ctx, action.VolumeID)
				if err != nil {
					return false, err
				}
				return vol.State == VolumeStateInUse, nil
			})

	case ActionRestoreInterfaceAttribute:
		return retryThrottled(ctx, m.metrics, m.waits.ThrottleRetries, func(ctx context.Context) error {
			return m.client.ModifyInterfaceDeleteOnTermination(ctx,
				action.InterfaceID, action.AttachmentID, action.DeleteOnTermination)
		})

	case ActionRestoreInstanceState:
		return m.restoreInstanceState(ctx, action)

	default:
		return NewInternalError(fmt.Sprintf("unknown compensating action kind %q", action.Kind), nil)
	}
}

func (m *RollbackManager) restoreInstanceState(ctx context.Context, action CompensatingAction) error {
	inst, err := m.client.DescribeInstance(ctx, action.InstanceID)
	if err != nil {
		return err
	}
	if inst.State == action.TargetState {
		return nil
	}

	switch action.TargetState {
	case InstanceStateRunning:
		if err := m.client.StartInstance(ctx, action.InstanceID); err != nil {
			return err
		}
	case InstanceStateStopped:
		if err := m.client.StopInstance(ctx, action.InstanceID); err != nil {
			return err
		}
	default:
		return NewInternalError(fmt.Sprintf("cannot restore instance to state %q", action.TargetState), nil)
	}

	return waitFor(ctx, m.metrics, fmt.Sprintf("instance %s state %s", action.InstanceID, action.TargetState),
		m.waits.PollInterval, m.waits.InstanceTimeout,
		func(ctx context.Context) (bool, error) {
			inst, err := m.client.DescribeInstance(ctx, action.InstanceID)
			if err != nil {
				return false, err
			}
			return inst.State == action.TargetState, nil
		})
}

// resource names the primary resource an action touches, for the journal.
func (a *CompensatingAction) resource() string {
	switch {
	case a.VolumeID != "":
		return a.VolumeID
	case a.InterfaceID != "":
		return a.InterfaceID
	default:
		return a.InstanceID
	}
}

package restore

import (
	"context"
	"fmt"
	"time"

	"github.com/openrestore/openrestore/pkg/telemetry"
)

// PostActionConfig configures post-restore remote command execution.
type PostActionConfig struct {
	// Enabled turns post-restore command execution on.
	Enabled bool

	// DocumentName is the remote-command document identifier.
	DocumentName string

	// Commands are executed in order against the restored instance.
	Commands []CommandSpec

	// Output optionally routes command output to object storage.
	Output CommandOutput
}

// CommandOutcome records the result of one post-restore command. Command
// failures live in their own failure domain: they are reported, never raised,
// and never trigger rollback of the completed restore.
type CommandOutcome struct {
	Name      string `json:"name"`
	CommandID string `json:"command_id,omitempty"`
	Status    string `json:"status"`
	ExitCode  int    `json:"exit_code,omitempty"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
}

// PostActionRunner dispatches the configured remote commands after a
// successful restore and optionally awaits their completion.
type PostActionRunner struct {
	client  CloudResourceClient
	cfg     PostActionConfig
	waits   WaitSettings
	metrics *telemetry.Metrics
	log     *telemetry.Logger
}

// NewPostActionRunner creates a post action runner.
func NewPostActionRunner(client CloudResourceClient, cfg PostActionConfig, waits WaitSettings, metrics *telemetry.Metrics, log *telemetry.Logger) *PostActionRunner {
	if log == nil {
		log = telemetry.Nop()
	}
	return &PostActionRunner{
		client:  client,
		cfg:     cfg,
		waits:   waits.withDefaults(),
		metrics: metrics,
		log:     log.Component("post-actions"),
	}
}

// Run executes the configured commands against the instance, in order,
// stopping after the first failed awaited command. It never returns an error;
// per-command outcomes carry the failures.
func (r *PostActionRunner) Run(ctx context.Context, instanceID string) []CommandOutcome {
	if !r.cfg.Enabled || len(r.cfg.Commands) == 0 {
		return nil
	}

	log := r.log.WithInstanceID(instanceID)
	outcomes := make([]CommandOutcome, 0, len(r.cfg.Commands))

	for _, spec := range r.cfg.Commands {
		outcome := r.runCommand(ctx, instanceID, spec)
		outcomes = append(outcomes, outcome)
		if !outcome.Succeeded {
			log.Warnf("command %q failed (%s); skipping remaining commands", spec.Name, outcome.Status)
			break
		}
		log.Infof("command %q completed", spec.Name)
	}
	return outcomes
}

func (r *PostActionRunner) runCommand(ctx context.Context, instanceID string, spec CommandSpec) CommandOutcome {
	outcome := CommandOutcome{Name: spec.Name}

	var commandID string
	err := retryThrottled(ctx, r.metrics, r.waits.ThrottleRetries, func(ctx context.Context) error {
		var err error
		commandID, err = r.client.SendCommand(ctx, instanceID, r.cfg.DocumentName, spec, r.cfg.Output)
		return err
	})
	if err != nil {
		outcome.Status = CommandStatusFailed
		outcome.Error = err.Error()
		return outcome
	}
	outcome.CommandID = commandID

	if !spec.WaitForCompletion {
		outcome.Status = "Dispatched"
		outcome.Succeeded = true
		return outcome
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.waits.CommandTimeout
	}

	var last *CommandInvocation
	err = waitFor(ctx, r.metrics, fmt.Sprintf("command %s completion", commandID),
		r.waits.PollInterval, timeout+pollGrace,
		func(ctx context.Context) (bool, error) {
			inv, err := r.client.GetCommandInvocation(ctx, commandID, instanceID)
			if err != nil {
				return false, err
			}
			last = inv
			return inv.Terminal(), nil
		})
	if err != nil {
		outcome.Status = CommandStatusTimedOut
		outcome.Error = err.Error()
		return outcome
	}

	outcome.Status = last.Status
	outcome.ExitCode = last.ExitCode
	outcome.Succeeded = last.Status == CommandStatusSuccess
	if !outcome.Succeeded && last.Stderr != "" {
		outcome.Error = last.Stderr
	}
	return outcome
}

// pollGrace pads the invocation wait past the command's own timeout so the
// remote side gets to report TimedOut itself.
const pollGrace = 15 * time.Second

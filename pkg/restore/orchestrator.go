package restore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openrestore/openrestore/pkg/telemetry"
)

// RunStatusCancelled marks a run the caller cancelled during selection,
// before any mutation.
const RunStatusCancelled RunStatus = "cancelled"

// Options configures an Orchestrator. There is no process-wide configuration;
// every knob is passed in explicitly.
type Options struct {
	// MaxImageCandidates bounds how many candidate images are offered.
	MaxImageCandidates int

	// BackupDir receives instance snapshot records and restore reports.
	BackupDir string

	// Waits bounds all polling waits and retries.
	Waits WaitSettings

	// PostActions configures post-restore remote commands.
	PostActions PostActionConfig
}

// Orchestrator drives one restore workflow per target instance. Each call to
// Restore owns its own plan, rollback stack, and snapshot record; failures on
// one instance of a fan-out never affect another.
type Orchestrator struct {
	client   CloudResourceClient
	selector Selector
	journal  Journal
	metrics  *telemetry.Metrics
	log      *telemetry.Logger
	opts     Options
}

// NewOrchestrator creates an orchestrator. journal, metrics, and log may be
// nil; nil values disable the respective concern.
func NewOrchestrator(client CloudResourceClient, selector Selector, journal Journal, metrics *telemetry.Metrics, log *telemetry.Logger, opts Options) *Orchestrator {
	if journal == nil {
		journal = NopJournal{}
	}
	if log == nil {
		log = telemetry.Nop()
	}
	if opts.MaxImageCandidates <= 0 {
		opts.MaxImageCandidates = 5
	}
	opts.Waits = opts.Waits.withDefaults()
	return &Orchestrator{
		client:   client,
		selector: selector,
		journal:  journal,
		metrics:  metrics,
		log:      log.Component("orchestrator"),
		opts:     opts,
	}
}

// RestoreAll runs one isolated restore per request, sequentially. A failed
// instance does not stop the remaining ones.
func (o *Orchestrator) RestoreAll(ctx context.Context, reqs []RestoreRequest) []Result {
	results := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		result := o.Restore(ctx, req)
		results = append(results, result)
		if errors.Is(result.Err, ErrSelectionCancelled) {
			// The operator backed out; do not keep prompting for the rest.
			break
		}
	}
	return results
}

// Restore executes one restore request end to end and always produces a
// report once the pre-restore state has been captured, whatever the outcome.
func (o *Orchestrator) Restore(ctx context.Context, req RestoreRequest) Result {
	result := Result{InstanceID: req.InstanceID}

	if !req.Kind.Valid() {
		result.Err = NewValidationError(fmt.Sprintf("unknown restore kind %q", req.Kind), nil)
		return result
	}

	runID := uuid.New().String()
	started := time.Now()
	log := o.log.WithRunID(runID).WithInstanceID(req.InstanceID)
	log.Infof("starting %s restore", req.Kind)

	if err := o.journal.BeginRun(ctx, &RunRecord{
		ID:         runID,
		InstanceID: req.InstanceID,
		Kind:       req.Kind,
		StartedAt:  started,
	}); err != nil {
		log.WithError(err).Warn("failed to journal run start")
	}
	o.metrics.RestoreStarted(string(req.Kind))

	status, err := o.run(ctx, runID, req, &result, log)

	o.metrics.RestoreCompleted(string(req.Kind), string(status), time.Since(started))
	if jerr := o.journal.EndRun(ctx, runID, status, result.ReportPath, err); jerr != nil {
		log.WithError(jerr).Warn("failed to journal run end")
	}

	result.Err = err
	switch status {
	case RunStatusSucceeded:
		log.Infof("restore succeeded in %s", time.Since(started).Round(time.Second))
	case RunStatusCancelled:
		log.Info("restore cancelled before any mutation")
	default:
		log.WithError(err).Errorf("restore ended with status %s", status)
	}
	return result
}

// run performs the restore proper and returns the terminal status. Once the
// pre-restore capture succeeds, every outcome other than cancellation writes
// a report: a run that fails during image or device resolution still leaves
// the captured record and the failure on disk.
func (o *Orchestrator) run(ctx context.Context, runID string, req RestoreRequest, result *Result, log *telemetry.Logger) (RunStatus, error) {
	// Capture before the first mutating call. Resolution failures surface
	// here as not-found.
	backup := NewBackupManager(o.client, o.opts.BackupDir, o.opts.Waits, o.metrics, o.log)
	record, err := backup.Capture(ctx, req.InstanceID)
	if err != nil {
		return RunStatusRolledBack, err
	}

	status, exec := o.execute(ctx, runID, req, record, log)
	if status == RunStatusCancelled {
		// Nothing was mutated; there is no change record to write.
		return status, exec.err
	}

	// A successful restore runs the configured post actions. Their failures
	// live in a separate domain and never change the restore outcome.
	if exec.err == nil {
		runner := NewPostActionRunner(o.client, o.opts.PostActions, o.opts.Waits, o.metrics, o.log)
		result.PostActions = runner.Run(ctx, exec.currentID)
	}

	reports := NewReportGenerator(o.client, o.opts.BackupDir, o.opts.Waits, o.metrics, o.log)
	report, path, reportErr := reports.Generate(ctx, record, exec.currentID, req.Kind, exec.newInstanceID, exec.outcome, exec.err)
	if reportErr != nil {
		log.WithError(reportErr).Error("failed to persist restore report")
	}
	result.Report = report
	result.ReportPath = path

	return status, exec.err
}

// execOutcome carries the state execute accumulated for the report.
type execOutcome struct {
	currentID     string
	newInstanceID string
	outcome       *RollbackOutcome
	err           error
}

// execute resolves the image and devices, confirms, and drives the engine for
// one run, unwinding the plan on failure.
func (o *Orchestrator) execute(ctx context.Context, runID string, req RestoreRequest, record *InstanceSnapshotRecord, log *telemetry.Logger) (RunStatus, execOutcome) {
	exec := execOutcome{currentID: record.InstanceID}

	image, err := o.resolveImage(ctx, req)
	if err != nil {
		exec.err = err
		if errors.Is(err, ErrSelectionCancelled) {
			return RunStatusCancelled, exec
		}
		return RunStatusRolledBack, exec
	}
	log.Infof("restoring from image %s", image.ID)

	var devices []ImageBlockDevice
	if req.Kind == KindVolume {
		devices, err = o.resolveDevices(ctx, req, image)
		if err != nil {
			exec.err = err
			if errors.Is(err, ErrSelectionCancelled) {
				return RunStatusCancelled, exec
			}
			return RunStatusRolledBack, exec
		}
	}

	approved, err := o.selector.Confirm(ctx, confirmPrompt(req.Kind, record.InstanceID))
	if err != nil {
		exec.err = err
		return RunStatusRolledBack, exec
	}
	if !approved {
		exec.err = ErrSelectionCancelled
		return RunStatusCancelled, exec
	}

	rollback := NewRollbackManager(o.client, o.journal, o.metrics, o.log, o.opts.Waits, runID)

	switch req.Kind {
	case KindVolume:
		engine := NewVolumeRestoreEngine(o.client, rollback, o.opts.Waits, o.metrics, o.log)
		_, exec.err = engine.Run(ctx, record, image, devices)
	case KindFull:
		engine := NewFullInstanceRestoreEngine(o.client, rollback, o.opts.Waits, o.metrics, o.log)
		exec.newInstanceID, exec.err = engine.Run(ctx, record, image)
		if exec.newInstanceID != "" {
			exec.currentID = exec.newInstanceID
		}
	}

	status := RunStatusSucceeded
	if exec.err != nil {
		log.WithError(exec.err).Error("restore step failed, unwinding plan")
		exec.outcome = rollback.UnwindAll(ctx)
		status = RunStatusRolledBack
		if exec.outcome != nil {
			for _, action := range exec.outcome.Actions {
				o.metrics.RollbackAction(action.Succeeded)
			}
			if exec.outcome.NonReversible {
				status = RunStatusForwardOnly
			}
			if exec.outcome.Status == RollbackStatusPartial {
				log.Error(NewPartialFailureError("some compensating actions failed during unwind", exec.err).Error())
			}
		}
	}

	return status, exec
}

// resolveImage returns the source image: the explicitly requested one, or the
// selector's choice among the bounded, most-recent-first candidates.
func (o *Orchestrator) resolveImage(ctx context.Context, req RestoreRequest) (*Image, error) {
	if req.ImageID != "" {
		var image *Image
		err := retryThrottled(ctx, o.metrics, o.opts.Waits.ThrottleRetries, func(ctx context.Context) error {
			var err error
			image, err = o.client.DescribeImage(ctx, req.ImageID)
			return err
		})
		return image, err
	}

	var images []Image
	err := retryThrottled(ctx, o.metrics, o.opts.Waits.ThrottleRetries, func(ctx context.Context) error {
		var err error
		images, err = o.client.ListImagesForInstance(ctx, req.InstanceID, o.opts.MaxImageCandidates)
		return err
	})
	if err != nil {
		return nil, err
	}
	candidates := SortImages(images, o.opts.MaxImageCandidates)
	if len(candidates) == 0 {
		return nil, NewNotFoundError(
			fmt.Sprintf("no candidate images found for instance %s", req.InstanceID), nil).
			WithResource(req.InstanceID)
	}

	chosen, err := o.selector.SelectImage(ctx, candidates)
	if err != nil {
		return nil, err
	}
	return &chosen, nil
}

// resolveDevices returns the devices to restore: the explicitly requested
// ones validated against the image mapping, or the selector's choice.
func (o *Orchestrator) resolveDevices(ctx context.Context, req RestoreRequest, image *Image) ([]ImageBlockDevice, error) {
	if len(image.BlockDevices) == 0 {
		return nil, NewNotFoundError(
			fmt.Sprintf("image %s has no block-device mapping", image.ID), nil).
			WithResource(image.ID)
	}
	if len(req.Devices) > 0 {
		pinned := &StaticSelector{Devices: req.Devices}
		return pinned.SelectDevices(ctx, image.BlockDevices)
	}
	return o.selector.SelectDevices(ctx, image.BlockDevices)
}

func confirmPrompt(kind Kind, instanceID string) string {
	if kind == KindFull {
		return fmt.Sprintf("This will terminate %s and launch a replacement. Continue?", instanceID)
	}
	return fmt.Sprintf("This will swap volumes on %s. Continue?", instanceID)
}

package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openrestore/openrestore/pkg/telemetry"
)

// ReportGenerator diffs pre/post instance state and emits the structured
// restore report. Reports are written exactly once per run and never mutated
// afterwards.
type ReportGenerator struct {
	client  CloudResourceClient
	dir     string
	waits   WaitSettings
	metrics *telemetry.Metrics
	log     *telemetry.Logger
}

// NewReportGenerator creates a report generator writing into dir.
func NewReportGenerator(client CloudResourceClient, dir string, waits WaitSettings, metrics *telemetry.Metrics, log *telemetry.Logger) *ReportGenerator {
	if log == nil {
		log = telemetry.Nop()
	}
	return &ReportGenerator{
		client:  client,
		dir:     dir,
		waits:   waits.withDefaults(),
		metrics: metrics,
		log:     log.Component("report"),
	}
}

// Generate builds the report for a run. record is the pre-restore capture;
// currentID is the instance to read the "after" state from (the replacement
// instance for a full restore, the original otherwise). rollback is non-nil
// when the plan was unwound; runErr is the failure that ended the run, if
// any. The report is always produced, even when the "after" state cannot be
// read.
func (g *ReportGenerator) Generate(ctx context.Context, record *InstanceSnapshotRecord, currentID string, kind Kind, newInstanceID string, rollback *RollbackOutcome, runErr error) (*RestoreReport, string, error) {
	report := &RestoreReport{
		Timestamp:     time.Now(),
		RestoreType:   kind,
		InstanceName:  record.InstanceName,
		InstanceID:    record.InstanceID,
		NewInstanceID: newInstanceID,
		Rollback:      rollback,
		Changes: ReportChanges{
			State: StateChange{Previous: record.State, Current: "unknown"},
		},
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}

	var current *Instance
	err := retryThrottled(ctx, g.metrics, g.waits.ThrottleRetries, func(ctx context.Context) error {
		var err error
		current, err = g.client.DescribeInstance(ctx, currentID)
		return err
	})
	if err != nil {
		g.log.WithError(err).Warnf("could not read post-restore state of %s", currentID)
	} else {
		report.Changes.State.Current = current.State
		report.Changes.Volumes = diffVolumes(record, current)
	}

	path, err := g.persist(report)
	if err != nil {
		return report, "", err
	}
	g.log.WithInstanceID(record.InstanceID).Infof("restore report written to %s", path)
	return report, path, nil
}

// diffVolumes returns the devices whose attached volume changed. Devices with
// identical previous and current volume IDs are omitted.
func diffVolumes(record *InstanceSnapshotRecord, current *Instance) map[string]VolumeChange {
	previous := make(map[string]string, len(record.BlockDevices))
	for _, bd := range record.BlockDevices {
		previous[bd.DeviceName] = bd.VolumeID
	}

	changes := make(map[string]VolumeChange)
	for _, bd := range current.BlockDevices {
		if prev, ok := previous[bd.DeviceName]; !ok || prev != bd.VolumeID {
			changes[bd.DeviceName] = VolumeChange{Previous: previous[bd.DeviceName], Current: bd.VolumeID}
		}
	}
	// Devices that disappeared entirely still count as changes.
	for device, prev := range previous {
		if _, ok := current.BlockDevice(device); !ok {
			changes[device] = VolumeChange{Previous: prev}
		}
	}
	if len(changes) == 0 {
		return nil
	}
	return changes
}

func (g *ReportGenerator) persist(report *RestoreReport) (string, error) {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return "", NewInternalError("failed to create report directory", err)
	}

	name := fmt.Sprintf("restore_report_%s_%s.json", report.InstanceID, report.Timestamp.Format("20060102_150405"))
	path := filepath.Join(g.dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", NewInternalError("failed to encode restore report", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", NewInternalError("failed to write restore report", err)
	}
	return path, nil
}

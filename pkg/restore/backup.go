package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openrestore/openrestore/pkg/telemetry"
)

// BackupManager captures the pre-restore state of an instance and persists it
// to the backup directory before any mutating call runs. One manager serves
// one run; a second capture of the same instance within the run returns the
// already-captured record without re-querying the cloud API.
type BackupManager struct {
	client  CloudResourceClient
	dir     string
	waits   WaitSettings
	metrics *telemetry.Metrics
	log     *telemetry.Logger

	mu      sync.Mutex
	records map[string]*InstanceSnapshotRecord
	files   map[string]string
}

// NewBackupManager creates a backup manager writing into dir.
func NewBackupManager(client CloudResourceClient, dir string, waits WaitSettings, metrics *telemetry.Metrics, log *telemetry.Logger) *BackupManager {
	if log == nil {
		log = telemetry.Nop()
	}
	return &BackupManager{
		client:  client,
		dir:     dir,
		waits:   waits.withDefaults(),
		metrics: metrics,
		log:     log.Component("backup"),
		records: make(map[string]*InstanceSnapshotRecord),
		files:   make(map[string]string),
	}
}

// Capture returns the instance snapshot record, querying the cloud API and
// persisting the record on first call. The file is written before Capture
// returns, so a crash after capture still leaves forensic state on disk.
func (b *BackupManager) Capture(ctx context.Context, instanceID string) (*InstanceSnapshotRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if record, ok := b.records[instanceID]; ok {
		return record, nil
	}

	var inst *Instance
	err := retryThrottled(ctx, b.metrics, b.waits.ThrottleRetries, func(ctx context.Context) error {
		var err error
		inst, err = b.client.DescribeInstance(ctx, instanceID)
		return err
	})
	if err != nil {
		return nil, err
	}

	record := snapshotFromInstance(inst)
	path, err := b.persist(record)
	if err != nil {
		return nil, err
	}

	b.records[instanceID] = record
	b.files[instanceID] = path
	b.log.WithInstanceID(instanceID).Infof("instance metadata backed up to %s", path)
	return record, nil
}

// FilePath returns the backup file written for the instance, if captured.
func (b *BackupManager) FilePath(instanceID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	path, ok := b.files[instanceID]
	return path, ok
}

func (b *BackupManager) persist(record *InstanceSnapshotRecord) (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", NewInternalError("failed to create backup directory", err)
	}

	name := fmt.Sprintf("instance_%s_%s.json", record.InstanceID, record.CapturedAt.Format("20060102_150405"))
	path := filepath.Join(b.dir, name)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", NewInternalError("failed to encode snapshot record", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", NewInternalError("failed to write backup file", err)
	}
	return path, nil
}

// snapshotFromInstance builds the immutable capture from a typed instance.
func snapshotFromInstance(inst *Instance) *InstanceSnapshotRecord {
	return &InstanceSnapshotRecord{
		InstanceID:         inst.ID,
		InstanceName:       inst.Name,
		CapturedAt:         time.Now(),
		State:              inst.State,
		InstanceType:       inst.InstanceType,
		AvailabilityZone:   inst.AvailabilityZone,
		Tenancy:            inst.Tenancy,
		IAMInstanceProfile: inst.IAMInstanceProfile,
		KeyName:            inst.KeyName,
		SecurityGroupIDs:   append([]string(nil), inst.SecurityGroupIDs...),
		Tags:               append([]Tag(nil), inst.Tags...),
		NetworkInterfaces:  append([]NetworkInterface(nil), inst.NetworkInterfaces...),
		BlockDevices:       append([]BlockDevice(nil), inst.BlockDevices...),
	}
}

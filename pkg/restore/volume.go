package restore

import (
	"context"
	"fmt"

	"github.com/openrestore/openrestore/pkg/telemetry"
)

// VolumeRestoreEngine executes the in-place volume swap sequence for one or
// more devices of a single instance. Every mutating step that succeeds pushes
// its compensating action before the next step begins, so the rollback stack
// is complete at all times.
type VolumeRestoreEngine struct {
	client   CloudResourceClient
	rollback *RollbackManager
	waits    WaitSettings
	metrics  *telemetry.Metrics
	log      *telemetry.Logger
}

// NewVolumeRestoreEngine creates a volume restore engine bound to one run's
// rollback manager.
func NewVolumeRestoreEngine(client CloudResourceClient, rollback *RollbackManager, waits WaitSettings, metrics *telemetry.Metrics, log *telemetry.Logger) *VolumeRestoreEngine {
	if log == nil {
		log = telemetry.Nop()
	}
	return &VolumeRestoreEngine{
		client:   client,
		rollback: rollback,
		waits:    waits.withDefaults(),
		metrics:  metrics,
		log:      log.Component("volume-restore"),
	}
}

// Run swaps the selected devices of the instance described by record with
// volumes created from the source image's block-device mapping. The instance
// is stopped for the swap if it was running, and returned to its original
// state afterwards. Returns one VolumeMapping per restored device.
func (e *VolumeRestoreEngine) Run(ctx context.Context, record *InstanceSnapshotRecord, image *Image, devices []ImageBlockDevice) ([]VolumeMapping, error) {
	if len(devices) == 0 {
		return nil, NewValidationError("no devices selected for volume restore", nil)
	}
	if record.State != InstanceStateRunning && record.State != InstanceStateStopped {
		return nil, NewValidationError(
			fmt.Sprintf("instance %s is %s; it must be running or stopped", record.InstanceID, record.State), nil).
			WithResource(record.InstanceID)
	}

	// A selected device must exist on the live instance: there is nothing to
	// snapshot or detach otherwise. Failing up front beats silently skipping
	// a device the operator asked to restore.
	for _, dev := range devices {
		if _, ok := record.BlockDevice(dev.DeviceName); !ok {
			return nil, NewValidationError(
				fmt.Sprintf("device %s from image %s is not attached to instance %s",
					dev.DeviceName, image.ID, record.InstanceID), nil).
				WithResource(record.InstanceID)
		}
	}

	// The swap happens against a stopped instance. The original run state is
	// restored on success and by rollback alike.
	if record.State == InstanceStateRunning {
		if err := e.stopInstance(ctx, record.InstanceID); err != nil {
			return nil, err
		}
	}

	mappings := make([]VolumeMapping, 0, len(devices))
	for _, dev := range devices {
		mapping, err := e.restoreDevice(ctx, record, image, dev)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, mapping)
	}

	if record.State == InstanceStateRunning {
		if err := e.startInstance(ctx, record.InstanceID); err != nil {
			return nil, err
		}
	}

	return mappings, nil
}

// restoreDevice runs the five-step swap for one device.
func (e *VolumeRestoreEngine) restoreDevice(ctx context.Context, record *InstanceSnapshotRecord, image *Image, dev ImageBlockDevice) (VolumeMapping, error) {
	prev, _ := record.BlockDevice(dev.DeviceName)
	log := e.log.WithInstanceID(record.InstanceID).WithField("device", dev.DeviceName)

	// Step 1: safety-net snapshot of the currently attached volume. The
	// snapshot is non-destructive and is retained even after success.
	snapshotID, err := e.snapshotVolume(ctx, prev.VolumeID)
	if err != nil {
		return VolumeMapping{}, err
	}
	e.rollback.RecordStep(ctx, "snapshot_previous_volume", snapshotID)
	log.Infof("created safety snapshot %s of volume %s", snapshotID, prev.VolumeID)

	// Step 2: provision the replacement volume from the image's snapshot in
	// the instance's availability zone.
	newVolumeID, err := e.createVolume(ctx, dev, record.AvailabilityZone)
	if err != nil {
		return VolumeMapping{}, err
	}
	e.rollback.Push(ctx, "create_replacement_volume", CompensatingAction{
		Kind:        ActionDeleteVolume,
		Description: fmt.Sprintf("delete replacement volume %s", newVolumeID),
		VolumeID:    newVolumeID,
	})
	log.Infof("created replacement volume %s from snapshot %s", newVolumeID, dev.SnapshotID)

	// Step 3: detach the old volume, forcing if the attachment is busy.
	if err := e.detachVolume(ctx, prev.VolumeID); err != nil {
		return VolumeMapping{}, err
	}
	e.rollback.Push(ctx, "detach_previous_volume", CompensatingAction{
		Kind:        ActionReattachVolume,
		Description: fmt.Sprintf("reattach previous volume %s at %s", prev.VolumeID, dev.DeviceName),
		VolumeID:    prev.VolumeID,
		InstanceID:  record.InstanceID,
		Device:      dev.DeviceName,
	})
	log.Infof("detached previous volume %s", prev.VolumeID)

	// Step 4: attach the replacement at the same device name. On failure the
	// reattach undo pushed above already covers recovery; the error still
	// propagates to unwind this and all earlier steps.
	if err := e.attachVolume(ctx, newVolumeID, record.InstanceID, dev.DeviceName); err != nil {
		return VolumeMapping{}, err
	}
	log.Infof("attached replacement volume %s", newVolumeID)

	return VolumeMapping{
		Device:           dev.DeviceName,
		PreviousVolumeID: prev.VolumeID,
		CurrentVolumeID:  newVolumeID,
		SnapshotID:       snapshotID,
	}, nil
}

func (e *VolumeRestoreEngine) snapshotVolume(ctx context.Context, volumeID string) (string, error) {
	var snapshotID string
	err := retryThrottled(ctx, e.metrics, e.waits.ThrottleRetries, func(ctx context.Context) error {
		var err error
		snapshotID, err = e.client.CreateSnapshot(ctx, volumeID,
			fmt.Sprintf("Pre-restore backup of %s", volumeID))
		return err
	})
	if err != nil {
		return "", err
	}

	err = waitFor(ctx, e.metrics, fmt.Sprintf("snapshot %s completion", snapshotID),
		e.waits.PollInterval, e.waits.SnapshotTimeout,
		func(ctx context.Context) (bool, error) {
			state, err := e.client.DescribeSnapshotState(ctx, snapshotID)
			if err != nil {
				return false, err
			}
			if state == SnapshotStateError {
				return false, NewInternalError(
					fmt.Sprintf("snapshot %s entered error state", snapshotID), nil).
					WithResource(snapshotID)
			}
			return state == SnapshotStateCompleted, nil
		})
	if err != nil {
		return "", err
	}
	return snapshotID, nil
}

func (e *VolumeRestoreEngine) createVolume(ctx context.Context, dev ImageBlockDevice, az string) (string, error) {
	var volumeID string
	err := retryThrottled(ctx, e.metrics, e.waits.ThrottleRetries, func(ctx context.Context) error {
		var err error
		volumeID, err = e.client.CreateVolume(ctx, dev.SnapshotID, az, dev.VolumeType)
		return err
	})
	if err != nil {
		return "", err
	}

	err = waitFor(ctx, e.metrics, fmt.Sprintf("volume %s availability", volumeID),
		e.waits.PollInterval, e.waits.VolumeTimeout,
		func(ctx context.Context) (bool, error) {
			vol, err := e.client.DescribeVolume(ctx, volumeID)
			if err != nil {
				return false, err
			}
			if vol.State == VolumeStateError {
				return false, NewInternalError(
					fmt.Sprintf("volume %s entered error state", volumeID), nil).
					WithResource(volumeID)
			}
			return vol.State == VolumeStateAvailable, nil
		})
	if err != nil {
		return "", err
	}
	return volumeID, nil
}

// detachVolume detaches and waits for the volume to settle. A busy attachment
// point is retried with forced detachment up to the configured retry count
// before failing with a resource-busy error.
func (e *VolumeRestoreEngine) detachVolume(ctx context.Context, volumeID string) error {
	err := retryThrottled(ctx, e.metrics, e.waits.ThrottleRetries, func(ctx context.Context) error {
		return e.client.DetachVolume(ctx, volumeID, false)
	})

	for attempt := 0; err != nil && IsResourceBusy(err); attempt++ {
		if attempt >= e.waits.DetachRetries {
			return NewResourceBusyError(
				fmt.Sprintf("volume %s still busy after %d forced detach attempts", volumeID, attempt), err).
				WithResource(volumeID).WithOperation("detach")
		}
		e.log.Warnf("volume %s busy, forcing detachment (attempt %d)", volumeID, attempt+1)
		err = retryThrottled(ctx, e.metrics, e.waits.ThrottleRetries, func(ctx context.Context) error {
			return e.client.DetachVolume(ctx, volumeID, true)
		})
	}
	if err != nil {
		return err
	}

	return waitFor(ctx, e.metrics, fmt.Sprintf("volume %s detachment", volumeID),
		e.waits.PollInterval, e.waits.VolumeTimeout,
		func(ctx context.Context) (bool, error) {
			vol, err := e.client.DescribeVolume(ctx, volumeID)
			if err != nil {
				return false, err
			}
			return vol.State == VolumeStateAvailable, nil
		})
}

func (e *VolumeRestoreEngine) attachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	err := retryThrottled(ctx, e.metrics, e.waits.ThrottleRetries, func(ctx context.Context) error {
		return e.client.AttachVolume(ctx, volumeID, instanceID, device)
	})
	if err != nil {
		return err
	}

	return waitFor(ctx, e.metrics, fmt.Sprintf("volume %s attachment", volumeID),
		e.waits.PollInterval, e.waits.VolumeTimeout,
		func(ctx context.Context) (bool, error) {
			vol, err := e.client.DescribeVolume(ctx, volumeID)
			if err != nil {
				return false, err
			}
			return vol.State == VolumeStateInUse, nil
		})
}

// stopInstance stops the instance for the swap and records the compensating
// restart.
func (e *VolumeRestoreEngine) stopInstance(ctx context.Context, instanceID string) error {
	err := retryThrottled(ctx, e.metrics, e.waits.ThrottleRetries, func(ctx context.Context) error {
		return e.client.StopInstance(ctx, instanceID)
	})
	if err != nil {
		return err
	}

	err = waitFor(ctx, e.metrics, fmt.Sprintf("instance %s stop", instanceID),
		e.waits.PollInterval, e.waits.InstanceTimeout,
		func(ctx context.Context) (bool, error) {
			inst, err := e.client.DescribeInstance(ctx, instanceID)
			if err != nil {
				return false, err
			}
			return inst.State == InstanceStateStopped, nil
		})
	if err != nil {
		return err
	}

	e.rollback.Push(ctx, "stop_instance", CompensatingAction{
		Kind:        ActionRestoreInstanceState,
		Description: fmt.Sprintf("return instance %s to running state", instanceID),
		InstanceID:  instanceID,
		TargetState: InstanceStateRunning,
	})
	return nil
}

func (e *VolumeRestoreEngine) startInstance(ctx context.Context, instanceID string) error {
	err := retryThrottled(ctx, e.metrics, e.waits.ThrottleRetries, func(ctx context.Context) error {
		return e.client.StartInstance(ctx, instanceID)
	})
	if err != nil {
		return err
	}

	return waitFor(ctx, e.metrics, fmt.Sprintf("instance %s start", instanceID),
		e.waits.PollInterval, e.waits.InstanceTimeout,
		func(ctx context.Context) (bool, error) {
			inst, err := e.client.DescribeInstance(ctx, instanceID)
			if err != nil {
				return false, err
			}
			return inst.State == InstanceStateRunning, nil
		})
}

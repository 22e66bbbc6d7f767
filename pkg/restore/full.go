package restore

import (
	"context"
	"fmt"

	"github.com/openrestore/openrestore/pkg/telemetry"
)

// FullInstanceRestoreEngine executes the whole-instance replace sequence:
// persist the network interfaces, stop and terminate the original instance,
// launch a replacement from the source image with the preserved identity, and
// reapply the captured tags.
//
// Termination is the irreversibility boundary. Steps before it are
// rollback-safe; once the terminate call succeeds the plan is marked
// non-reversible and later failures are handled forward-only.
type FullInstanceRestoreEngine struct {
	client   CloudResourceClient
	rollback *RollbackManager
	waits    WaitSettings
	metrics  *telemetry.Metrics
	log      *telemetry.Logger
}

// NewFullInstanceRestoreEngine creates a full restore engine bound to one
// run's rollback manager.
func NewFullInstanceRestoreEngine(client CloudResourceClient, rollback *RollbackManager, waits WaitSettings, metrics *telemetry.Metrics, log *telemetry.Logger) *FullInstanceRestoreEngine {
	if log == nil {
		log = telemetry.Nop()
	}
	return &FullInstanceRestoreEngine{
		client:   client,
		rollback: rollback,
		waits:    waits.withDefaults(),
		metrics:  metrics,
		log:      log.Component("full-restore"),
	}
}

// Run replaces the instance described by record with a new instance launched
// from image, and returns the new instance ID.
func (e *FullInstanceRestoreEngine) Run(ctx context.Context, record *InstanceSnapshotRecord, image *Image) (string, error) {
	if len(record.NetworkInterfaces) == 0 {
		return "", NewValidationError(
			fmt.Sprintf("instance %s has no network interface to preserve", record.InstanceID), nil).
			WithResource(record.InstanceID)
	}

	log := e.log.WithInstanceID(record.InstanceID)

	// Step 1: the ENIs must survive termination to preserve network identity.
	for _, eni := range record.NetworkInterfaces {
		eni := eni
		err := retryThrottled(ctx, e.metrics, e.waits.ThrottleRetries, func(ctx context.Context) error {
			return e.client.ModifyInterfaceDeleteOnTermination(ctx, eni.ID, eni.AttachmentID, false)
		})
		if err != nil {
			return "", err
		}
		e.rollback.Push(ctx, "persist_network_interface", CompensatingAction{
			Kind:                ActionRestoreInterfaceAttribute,
			Description:         fmt.Sprintf("restore delete-on-termination=%t on %s", eni.DeleteOnTermination, eni.ID),
			InterfaceID:         eni.ID,
			AttachmentID:        eni.AttachmentID,
			DeleteOnTermination: eni.DeleteOnTermination,
		})
		log.Infof("network interface %s set to persist after termination", eni.ID)
	}

	// Step 2: stop before terminating so in-flight writes settle.
	if err := e.stopInstance(ctx, record); err != nil {
		return "", err
	}

	// Step 3: terminate. Past this point no compensating action can
	// resurrect the original instance.
	if err := e.terminateInstance(ctx, record.InstanceID); err != nil {
		return "", err
	}
	e.rollback.MarkNonReversible(ctx)
	log.Warn("original instance terminated; restore is now forward-only")

	// Step 4: launch the replacement with the preserved identity.
	newInstanceID, err := e.launchReplacement(ctx, record, image)
	if err != nil {
		return "", err
	}
	log.Infof("replacement instance %s is running", newInstanceID)

	// Step 5: reapply the captured tags. Additive; tags added externally
	// during the run are untouched.
	if len(record.Tags) > 0 {
		err := retryThrottled(ctx, e.metrics, e.waits.ThrottleRetries, func(ctx context.Context) error {
			return e.client.CreateTags(ctx, newInstanceID, record.Tags)
		})
		if err != nil {
			return "", err
		}
	}

	// The original volumes survived termination only to be replaced; delete
	// them best-effort. Failures are logged, never fatal.
	e.cleanupOldVolumes(ctx, record)

	return newInstanceID, nil
}

func (e *FullInstanceRestoreEngine) stopInstance(ctx context.Context, record *InstanceSnapshotRecord) error {
	if record.State == InstanceStateStopped {
		return nil
	}

	err := retryThrottled(ctx, e.metrics, e.waits.ThrottleRetries, func(ctx context.Context) error {
		return e.client.StopInstance(ctx, record.InstanceID)
	})
	if err != nil {
		return err
	}

	err = waitFor(ctx, e.metrics, fmt.Sprintf("instance %s stop", record.InstanceID),
		e.waits.PollInterval, e.waits.InstanceTimeout,
		func(ctx context.Context) (bool, error) {
			inst, err := e.client.DescribeInstance(ctx, record.InstanceID)
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
		Description: fmt.Sprintf("return instance %s to %s state", record.InstanceID, record.State),
		InstanceID:  record.InstanceID,
		TargetState: record.State,
	})
	return nil
}

func (e *FullInstanceRestoreEngine) terminateInstance(ctx context.Context, instanceID string) error {
	err := retryThrottled(ctx, e.metrics, e.waits.ThrottleRetries, func(ctx context.Context) error {
		return e.client.TerminateInstance(ctx, instanceID)
	})
	if err != nil {
		return err
	}

	return waitFor(ctx, e.metrics, fmt.Sprintf("instance %s termination", instanceID),
		e.waits.PollInterval, e.waits.InstanceTimeout,
		func(ctx context.Context) (bool, error) {
			inst, err := e.client.DescribeInstance(ctx, instanceID)
			if err != nil {
				// The instance record disappears once termination finishes
				// propagating.
				if IsNotFound(err) {
					return true, nil
				}
				return false, err
			}
			return inst.State == InstanceStateTerminated, nil
		})
}

func (e *FullInstanceRestoreEngine) launchReplacement(ctx context.Context, record *InstanceSnapshotRecord, image *Image) (string, error) {
	spec := LaunchSpec{
		ImageID:            image.ID,
		InstanceType:       record.InstanceType,
		IAMInstanceProfile: record.IAMInstanceProfile,
		KeyName:            record.KeyName,
		AvailabilityZone:   record.AvailabilityZone,
		Tenancy:            record.Tenancy,
	}
	for _, eni := range record.NetworkInterfaces {
		spec.NetworkInterfaces = append(spec.NetworkInterfaces, LaunchNetworkInterface{
			ID:          eni.ID,
			DeviceIndex: eni.DeviceIndex,
		})
	}

	var newInstanceID string
	err := retryThrottled(ctx, e.metrics, e.waits.ThrottleRetries, func(ctx context.Context) error {
		var err error
		newInstanceID, err = e.client.RunInstance(ctx, spec)
		return err
	})
	if err != nil {
		return "", err
	}
	e.rollback.RecordStep(ctx, "launch_replacement_instance", newInstanceID)

	err = waitFor(ctx, e.metrics, fmt.Sprintf("instance %s running", newInstanceID),
		e.waits.PollInterval, e.waits.InstanceTimeout,
		func(ctx context.Context) (bool, error) {
			inst, err := e.client.DescribeInstance(ctx, newInstanceID)
			if err != nil {
				// Freshly launched instances can briefly be invisible to
				// describe calls.
				if IsNotFound(err) {
					return false, nil
				}
				return false, err
			}
			return inst.State == InstanceStateRunning, nil
		})
	if err != nil {
		return "", err
	}
	return newInstanceID, nil
}

// cleanupOldVolumes deletes the original instance's volumes after a
// successful replacement. Best-effort: a volume that cannot be deleted is
// logged and left for the operator.
func (e *FullInstanceRestoreEngine) cleanupOldVolumes(ctx context.Context, record *InstanceSnapshotRecord) {
	for _, bd := range record.BlockDevices {
		if bd.DeleteOnTermination {
			// Gone with the instance.
			continue
		}
		err := retryThrottled(ctx, e.metrics, e.waits.ThrottleRetries, func(ctx context.Context) error {
			return e.client.DeleteVolume(ctx, bd.VolumeID)
		})
		if err != nil {
			e.log.WithError(err).Warnf("failed to delete old volume %s", bd.VolumeID)
			continue
		}
		e.log.Infof("deleted old volume %s (%s)", bd.VolumeID, bd.DeviceName)
	}
}

package restore

import (
	"time"
)

// Kind selects the restore workflow.
type Kind string

const (
	// KindFull replaces the whole instance from the source image.
	KindFull Kind = "full"

	// KindVolume swaps selected block devices in place.
	KindVolume Kind = "volume"
)

// Valid reports whether the kind is a recognized restore kind.
func (k Kind) Valid() bool {
	return k == KindFull || k == KindVolume
}

// RestoreRequest describes one restore of one target instance.
// Immutable once created.
// nolint:revive // RestoreRequest keeps the domain prefix for parity with RestoreReport
type RestoreRequest struct {
	// InstanceID is the target instance.
	InstanceID string `json:"instance_id"`

	// Kind is the restore workflow to run.
	Kind Kind `json:"kind"`

	// ImageID optionally pins the source AMI, bypassing selection.
	ImageID string `json:"image_id,omitempty"`

	// Devices optionally pins the device names to restore (volume kind only),
	// bypassing selection.
	Devices []string `json:"devices,omitempty"`
}

// InstanceSnapshotRecord is the immutable capture of pre-restore instance
// state. It is written to the backup store exactly once per run, before the
// first mutating call, and reused wherever the "before" view is needed.
type InstanceSnapshotRecord struct {
	// InstanceID is the captured instance.
	InstanceID string `json:"instance_id"`

	// InstanceName is the value of the Name tag, if present.
	InstanceName string `json:"instance_name,omitempty"`

	// CapturedAt is when the capture ran.
	CapturedAt time.Time `json:"captured_at"`

	// State is the instance state at capture time.
	State string `json:"state"`

	// InstanceType is the instance type at capture time.
	InstanceType string `json:"instance_type"`

	// AvailabilityZone is the instance placement.
	AvailabilityZone string `json:"availability_zone"`

	// Tenancy is the placement tenancy, if set.
	Tenancy string `json:"tenancy,omitempty"`

	// IAMInstanceProfile is the instance profile name, if any.
	IAMInstanceProfile string `json:"iam_instance_profile,omitempty"`

	// KeyName is the SSH key pair name, if any.
	KeyName string `json:"key_name,omitempty"`

	// SecurityGroupIDs are the instance's security groups.
	SecurityGroupIDs []string `json:"security_group_ids,omitempty"`

	// Tags are the instance tags in the order the provider returned them.
	Tags []Tag `json:"tags,omitempty"`

	// NetworkInterfaces are the attached ENIs with their
	// delete-on-termination flags as captured.
	NetworkInterfaces []NetworkInterface `json:"network_interfaces,omitempty"`

	// BlockDevices maps attached volumes by device name.
	BlockDevices []BlockDevice `json:"block_devices,omitempty"`
}

// BlockDevice returns the captured block device at the given device name.
func (r *InstanceSnapshotRecord) BlockDevice(deviceName string) (BlockDevice, bool) {
	for _, bd := range r.BlockDevices {
		if bd.DeviceName == deviceName {
			return bd, true
		}
	}
	return BlockDevice{}, false
}

// VolumeMapping records the volume swap for one device.
type VolumeMapping struct {
	// Device is the device name, e.g. /dev/sda1.
	Device string `json:"device"`

	// PreviousVolumeID is the volume attached before the restore.
	PreviousVolumeID string `json:"previous"`

	// CurrentVolumeID is the replacement volume. Empty until provisioned.
	CurrentVolumeID string `json:"current,omitempty"`

	// SnapshotID is the safety-net snapshot taken of the previous volume.
	// Retained even after a successful restore.
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// VolumeChange is the previous/current pair reported for a changed device.
type VolumeChange struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// StateChange is the previous/current instance state pair.
type StateChange struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// ReportChanges holds the diffed portion of a restore report. The volumes map
// contains only devices whose previous and current volume IDs differ; state is
// always present.
type ReportChanges struct {
	Volumes map[string]VolumeChange `json:"volumes,omitempty"`
	State   StateChange             `json:"state"`
}

// RestoreReport is the structured change record emitted once per run.
// Append-only; never mutated after emission.
// nolint:revive // RestoreReport is part of the persisted artifact vocabulary
type RestoreReport struct {
	Timestamp     time.Time        `json:"timestamp"`
	RestoreType   Kind             `json:"restore_type"`
	InstanceName  string           `json:"instance_name"`
	InstanceID    string           `json:"instance_id"`
	NewInstanceID string           `json:"new_instance_id,omitempty"`
	Changes       ReportChanges    `json:"changes"`
	Rollback      *RollbackOutcome `json:"rollback,omitempty"`

	// Error is the failure that ended the run, if any.
	Error string `json:"error,omitempty"`
}

// RunStatus is the terminal outcome of a restore run.
type RunStatus string

const (
	// RunStatusSucceeded indicates the restore completed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusRolledBack indicates the restore failed and the plan was
	// unwound.
	RunStatusRolledBack RunStatus = "rolled_back"

	// RunStatusForwardOnly indicates the restore failed past the
	// irreversibility boundary; remaining compensations ran best-effort but
	// the original instance cannot be recovered.
	RunStatusForwardOnly RunStatus = "forward_only"
)

// Result pairs a report with the error (if any) for one target instance of a
// fan-out restore.
type Result struct {
	InstanceID  string
	Report      *RestoreReport
	ReportPath  string
	PostActions []CommandOutcome
	Err         error
}

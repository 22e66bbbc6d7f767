package restore

import (
	"context"
	"time"
)

// Tag is an ordered key/value pair attached to a cloud resource.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// NetworkInterface describes an ENI attached to an instance.
type NetworkInterface struct {
	// ID is the network interface ID (eni-...).
	ID string `json:"id"`

	// AttachmentID is the current attachment ID (eni-attach-...).
	AttachmentID string `json:"attachment_id"`

	// DeviceIndex is the attachment device index; 0 is the primary interface.
	DeviceIndex int `json:"device_index"`

	// SubnetID is the subnet the interface lives in.
	SubnetID string `json:"subnet_id"`

	// PrivateIP is the primary private IP address.
	PrivateIP string `json:"private_ip"`

	// SecurityGroupIDs are the groups associated with the interface.
	SecurityGroupIDs []string `json:"security_group_ids,omitempty"`

	// DeleteOnTermination reports whether the interface is destroyed with the
	// instance.
	DeleteOnTermination bool `json:"delete_on_termination"`
}

// BlockDevice describes a volume attached to an instance at a device name.
type BlockDevice struct {
	// DeviceName is the device path, e.g. /dev/sda1.
	DeviceName string `json:"device_name"`

	// VolumeID is the attached volume ID.
	VolumeID string `json:"volume_id"`

	// VolumeType is the volume type, e.g. gp3.
	VolumeType string `json:"volume_type"`

	// SizeGiB is the volume size in GiB.
	SizeGiB int `json:"size_gib"`

	// DeleteOnTermination reports whether the volume is destroyed with the
	// instance.
	DeleteOnTermination bool `json:"delete_on_termination"`
}

// ImageBlockDevice describes one entry of an AMI's block-device mapping.
// The snapshot ID is the restore source for that device.
type ImageBlockDevice struct {
	DeviceName          string `json:"device_name"`
	SnapshotID          string `json:"snapshot_id"`
	VolumeType          string `json:"volume_type"`
	SizeGiB             int    `json:"size_gib"`
	DeleteOnTermination bool   `json:"delete_on_termination"`
}

// Instance is the typed view of an EC2 instance consumed by the engines.
// It is translated from the provider response at the client boundary.
type Instance struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name,omitempty"`
	State              string             `json:"state"`
	InstanceType       string             `json:"instance_type"`
	AvailabilityZone   string             `json:"availability_zone"`
	Tenancy            string             `json:"tenancy,omitempty"`
	IAMInstanceProfile string             `json:"iam_instance_profile,omitempty"`
	KeyName            string             `json:"key_name,omitempty"`
	SecurityGroupIDs   []string           `json:"security_group_ids,omitempty"`
	Tags               []Tag              `json:"tags,omitempty"`
	NetworkInterfaces  []NetworkInterface `json:"network_interfaces,omitempty"`
	BlockDevices       []BlockDevice      `json:"block_devices,omitempty"`
}

// BlockDevice returns the block device attached at the given device name.
func (i *Instance) BlockDevice(deviceName string) (BlockDevice, bool) {
	for _, bd := range i.BlockDevices {
		if bd.DeviceName == deviceName {
			return bd, true
		}
	}
	return BlockDevice{}, false
}

// Image is the typed view of an AMI.
type Image struct {
	ID           string             `json:"id"`
	Name         string             `json:"name,omitempty"`
	Description  string             `json:"description,omitempty"`
	State        string             `json:"state"`
	CreatedAt    time.Time          `json:"created_at"`
	BlockDevices []ImageBlockDevice `json:"block_devices,omitempty"`
}

// BlockDevice returns the image mapping entry for the given device name.
func (img *Image) BlockDevice(deviceName string) (ImageBlockDevice, bool) {
	for _, bd := range img.BlockDevices {
		if bd.DeviceName == deviceName {
			return bd, true
		}
	}
	return ImageBlockDevice{}, false
}

// VolumeAttachment describes where a volume is attached.
type VolumeAttachment struct {
	InstanceID string `json:"instance_id"`
	Device     string `json:"device"`
}

// Volume is the typed view of a block storage volume.
type Volume struct {
	ID               string             `json:"id"`
	State            string             `json:"state"`
	AvailabilityZone string             `json:"availability_zone"`
	Attachments      []VolumeAttachment `json:"attachments,omitempty"`
}

// Terminal volume and instance states observed through polling.
const (
	VolumeStateAvailable = "available"
	VolumeStateInUse     = "in-use"
	VolumeStateError     = "error"

	SnapshotStateCompleted = "completed"
	SnapshotStateError     = "error"

	InstanceStateRunning    = "running"
	InstanceStateStopped    = "stopped"
	InstanceStateTerminated = "terminated"
)

// LaunchNetworkInterface binds an existing ENI to a launch request.
type LaunchNetworkInterface struct {
	ID          string `json:"id"`
	DeviceIndex int    `json:"device_index"`
}

// LaunchSpec carries the preserved configuration for launching a replacement
// instance from a source image.
type LaunchSpec struct {
	ImageID            string                   `json:"image_id"`
	InstanceType       string                   `json:"instance_type"`
	NetworkInterfaces  []LaunchNetworkInterface `json:"network_interfaces"`
	IAMInstanceProfile string                   `json:"iam_instance_profile,omitempty"`
	KeyName            string                   `json:"key_name,omitempty"`
	AvailabilityZone   string                   `json:"availability_zone,omitempty"`
	Tenancy            string                   `json:"tenancy,omitempty"`
}

// CommandSpec describes one post-restore remote command.
type CommandSpec struct {
	// Name is a human-readable label for the command.
	Name string `json:"name"`

	// Command is the command text executed on the instance.
	Command string `json:"command"`

	// Timeout bounds command execution.
	Timeout time.Duration `json:"timeout"`

	// WaitForCompletion selects whether the runner polls the invocation until
	// it reaches a terminal status.
	WaitForCompletion bool `json:"wait_for_completion"`
}

// CommandOutput selects an optional destination for remote command output.
type CommandOutput struct {
	S3Bucket string `json:"s3_bucket,omitempty"`
	S3Prefix string `json:"s3_prefix,omitempty"`
}

// Terminal remote command statuses.
const (
	CommandStatusSuccess   = "Success"
	CommandStatusFailed    = "Failed"
	CommandStatusCancelled = "Cancelled"
	CommandStatusTimedOut  = "TimedOut"
)

// CommandInvocation is the observed state of a dispatched remote command.
type CommandInvocation struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
}

// Terminal reports whether the invocation reached a final status.
func (c *CommandInvocation) Terminal() bool {
	switch c.Status {
	case CommandStatusSuccess, CommandStatusFailed, CommandStatusCancelled, CommandStatusTimedOut:
		return true
	}
	return false
}

// CloudResourceClient is the capability surface the restore engines consume.
// Implementations translate provider responses into the typed records above
// and classify provider errors into RestoreError classes; throttling responses
// must map to ErrorClassThrottled so the engines can retry them.
type CloudResourceClient interface {
	// DescribeInstance returns the instance, or a not-found error.
	DescribeInstance(ctx context.Context, instanceID string) (*Instance, error)

	// FindInstanceByName resolves an instance by its Name tag.
	FindInstanceByName(ctx context.Context, name string) (*Instance, error)

	// ListImagesForInstance returns up to limit candidate images for the
	// instance, most recent first by creation time, ties broken by image ID
	// descending.
	ListImagesForInstance(ctx context.Context, instanceID string, limit int) ([]Image, error)

	// DescribeImage returns the image, or a not-found error.
	DescribeImage(ctx context.Context, imageID string) (*Image, error)

	// DescribeVolume returns the volume, or a not-found error.
	DescribeVolume(ctx context.Context, volumeID string) (*Volume, error)

	// CreateSnapshot starts a snapshot of the volume and returns its ID.
	CreateSnapshot(ctx context.Context, volumeID, description string) (string, error)

	// DescribeSnapshotState returns the snapshot's current state.
	DescribeSnapshotState(ctx context.Context, snapshotID string) (string, error)

	// CreateVolume creates a volume from a snapshot in the given availability
	// zone and returns its ID.
	CreateVolume(ctx context.Context, snapshotID, availabilityZone, volumeType string) (string, error)

	// DeleteVolume deletes a detached volume.
	DeleteVolume(ctx context.Context, volumeID string) error

	// AttachVolume attaches the volume to the instance at the device name.
	AttachVolume(ctx context.Context, volumeID, instanceID, device string) error

	// DetachVolume detaches the volume, optionally forcing the detachment.
	DetachVolume(ctx context.Context, volumeID string, force bool) error

	// ModifyInterfaceDeleteOnTermination sets the delete-on-termination flag
	// on a network interface attachment.
	ModifyInterfaceDeleteOnTermination(ctx context.Context, interfaceID, attachmentID string, deleteOnTermination bool) error

	// StopInstance requests an instance stop.
	StopInstance(ctx context.Context, instanceID string) error

	// StartInstance requests an instance start.
	StartInstance(ctx context.Context, instanceID string) error

	// TerminateInstance requests instance termination. Termination is the
	// irreversibility boundary: the original instance cannot be recovered
	// once this call succeeds.
	TerminateInstance(ctx context.Context, instanceID string) error

	// RunInstance launches a replacement instance and returns its ID.
	RunInstance(ctx context.Context, spec LaunchSpec) (string, error)

	// CreateTags attaches tags to a resource. Additive; existing tags with
	// other keys are untouched.
	CreateTags(ctx context.Context, resourceID string, tags []Tag) error

	// SendCommand dispatches a remote command via the management channel and
	// returns the command ID.
	SendCommand(ctx context.Context, instanceID, documentName string, spec CommandSpec, output CommandOutput) (string, error)

	// GetCommandInvocation returns the current state of a dispatched command.
	GetCommandInvocation(ctx context.Context, commandID, instanceID string) (*CommandInvocation, error)
}

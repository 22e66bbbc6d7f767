// Package awsec2 implements the restore.CloudResourceClient capability
// surface on aws-sdk-go-v2, translating EC2 and SSM responses into the typed
// records the engines consume and AWS error codes into the restore error
// taxonomy.
package awsec2

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/openrestore/openrestore/pkg/restore"
)

// Options selects the AWS credentials and region.
type Options struct {
	// Profile is the shared-credentials profile; empty uses the default chain.
	Profile string

	// Region overrides the region from the profile or environment.
	Region string
}

// Client implements restore.CloudResourceClient against EC2 and SSM.
type Client struct {
	ec2 *ec2.Client
	ssm *ssm.Client
}

var _ restore.CloudResourceClient = (*Client)(nil)

// New builds a client from the default AWS configuration chain.
func New(ctx context.Context, opts Options) (*Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws configuration: %w", err)
	}
	return &Client{
		ec2: ec2.NewFromConfig(cfg),
		ssm: ssm.NewFromConfig(cfg),
	}, nil
}

// DescribeInstance returns the typed view of one instance.
func (c *Client) DescribeInstance(ctx context.Context, instanceID string) (*restore.Instance, error) {
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, classify("describe_instance", err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return c.translateInstance(ctx, inst)
		}
	}
	return nil, restore.NewNotFoundError(
		fmt.Sprintf("instance %s not found", instanceID), nil).WithResource(instanceID)
}

// FindInstanceByName resolves a live instance by its Name tag.
func (c *Client) FindInstanceByName(ctx context.Context, name string) (*restore.Instance, error) {
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return nil, classify("find_instance_by_name", err)
	}

	var matches []ec2types.Instance
	for _, res := range out.Reservations {
		matches = append(matches, res.Instances...)
	}
	if len(matches) == 0 {
		return nil, restore.NewNotFoundError(fmt.Sprintf("no instance named %q", name), nil)
	}
	if len(matches) > 1 {
		return nil, restore.NewValidationError(
			fmt.Sprintf("name %q matches %d instances; use an instance ID", name, len(matches)), nil)
	}
	return c.translateInstance(ctx, matches[0])
}

// ListImagesForInstance returns up to limit owned images whose Name tag
// matches the instance's Name tag, most recent first.
func (c *Client) ListImagesForInstance(ctx context.Context, instanceID string, limit int) ([]restore.Image, error) {
	inst, err := c.DescribeInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Name == "" {
		return nil, restore.NewNotFoundError(
			fmt.Sprintf("instance %s has no Name tag to match images against", instanceID), nil).
			WithResource(instanceID)
	}

	out, err := c.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"self"},
		Filters: []ec2types.Filter{
			// Backups tag the image with the instance name, sometimes suffixed
			// with a timestamp.
			{Name: aws.String("tag:Name"), Values: []string{inst.Name, inst.Name + "-*"}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return nil, classify("list_images", err)
	}

	images := make([]restore.Image, 0, len(out.Images))
	for _, img := range out.Images {
		images = append(images, translateImage(img))
	}
	return restore.SortImages(images, limit), nil
}

// DescribeImage returns the typed view of one image.
func (c *Client) DescribeImage(ctx context.Context, imageID string) (*restore.Image, error) {
	out, err := c.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	})
	if err != nil {
		return nil, classify("describe_image", err)
	}
	if len(out.Images) == 0 {
		return nil, restore.NewNotFoundError(
			fmt.Sprintf("image %s not found", imageID), nil).WithResource(imageID)
	}
	img := translateImage(out.Images[0])
	return &img, nil
}

// DescribeVolume returns the typed view of one volume.
func (c *Client) DescribeVolume(ctx context.Context, volumeID string) (*restore.Volume, error) {
	out, err := c.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{volumeID},
	})
	if err != nil {
		return nil, classify("describe_volume", err)
	}
	if len(out.Volumes) == 0 {
		return nil, restore.NewNotFoundError(
			fmt.Sprintf("volume %s not found", volumeID), nil).WithResource(volumeID)
	}

	vol := out.Volumes[0]
	translated := &restore.Volume{
		ID:               aws.ToString(vol.VolumeId),
		State:            string(vol.State),
		AvailabilityZone: aws.ToString(vol.AvailabilityZone),
	}
	for _, att := range vol.Attachments {
		translated.Attachments = append(translated.Attachments, restore.VolumeAttachment{
			InstanceID: aws.ToString(att.InstanceId),
			Device:     aws.ToString(att.Device),
		})
	}
	return translated, nil
}

// CreateSnapshot starts a snapshot of the volume.
func (c *Client) CreateSnapshot(ctx context.Context, volumeID, description string) (string, error) {
	out, err := c.ec2.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:    aws.String(volumeID),
		Description: aws.String(description),
	})
	if err != nil {
		return "", classify("create_snapshot", err)
	}
	return aws.ToString(out.SnapshotId), nil
}

// DescribeSnapshotState returns the snapshot's current state.
func (c *Client) DescribeSnapshotState(ctx context.Context, snapshotID string) (string, error) {
	out, err := c.ec2.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		SnapshotIds: []string{snapshotID},
	})
	if err != nil {
		return "", classify("describe_snapshot", err)
	}
	if len(out.Snapshots) == 0 {
		return "", restore.NewNotFoundError(
			fmt.Sprintf("snapshot %s not found", snapshotID), nil).WithResource(snapshotID)
	}
	return string(out.Snapshots[0].State), nil
}

// CreateVolume creates a volume from a snapshot in the given zone.
func (c *Client) CreateVolume(ctx context.Context, snapshotID, availabilityZone, volumeType string) (string, error) {
	input := &ec2.CreateVolumeInput{
		SnapshotId:       aws.String(snapshotID),
		AvailabilityZone: aws.String(availabilityZone),
	}
	if volumeType != "" {
		input.VolumeType = ec2types.VolumeType(volumeType)
	}
	out, err := c.ec2.CreateVolume(ctx, input)
	if err != nil {
		return "", classify("create_volume", err)
	}
	return aws.ToString(out.VolumeId), nil
}

// DeleteVolume deletes a detached volume.
func (c *Client) DeleteVolume(ctx context.Context, volumeID string) error {
	_, err := c.ec2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{
		VolumeId: aws.String(volumeID),
	})
	return classify("delete_volume", err)
}

// AttachVolume attaches the volume at the device name.
func (c *Client) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	_, err := c.ec2.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
	})
	return classify("attach_volume", err)
}

// DetachVolume detaches the volume, optionally forcing.
func (c *Client) DetachVolume(ctx context.Context, volumeID string, force bool) error {
	_, err := c.ec2.DetachVolume(ctx, &ec2.DetachVolumeInput{
		VolumeId: aws.String(volumeID),
		Force:    aws.Bool(force),
	})
	return classify("detach_volume", err)
}

// ModifyInterfaceDeleteOnTermination sets the attachment's
// delete-on-termination flag.
func (c *Client) ModifyInterfaceDeleteOnTermination(ctx context.Context, interfaceID, attachmentID string, deleteOnTermination bool) error {
	_, err := c.ec2.ModifyNetworkInterfaceAttribute(ctx, &ec2.ModifyNetworkInterfaceAttributeInput{
		NetworkInterfaceId: aws.String(interfaceID),
		Attachment: &ec2types.NetworkInterfaceAttachmentChanges{
			AttachmentId:        aws.String(attachmentID),
			DeleteOnTermination: aws.Bool(deleteOnTermination),
		},
	})
	return classify("modify_network_interface", err)
}

// StopInstance requests an instance stop.
func (c *Client) StopInstance(ctx context.Context, instanceID string) error {
	_, err := c.ec2.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
	})
	return classify("stop_instance", err)
}

// StartInstance requests an instance start.
func (c *Client) StartInstance(ctx context.Context, instanceID string) error {
	_, err := c.ec2.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	})
	return classify("start_instance", err)
}

// TerminateInstance requests instance termination.
func (c *Client) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	return classify("terminate_instance", err)
}

// RunInstance launches a replacement instance bound to the preserved network
// interfaces. Subnet and security groups come from the interfaces themselves.
func (c *Client) RunInstance(ctx context.Context, spec restore.LaunchSpec) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: ec2types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
	}
	for _, eni := range spec.NetworkInterfaces {
		input.NetworkInterfaces = append(input.NetworkInterfaces, ec2types.InstanceNetworkInterfaceSpecification{
			NetworkInterfaceId: aws.String(eni.ID),
			DeviceIndex:        aws.Int32(int32(eni.DeviceIndex)),
		})
	}
	if spec.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{
			Name: aws.String(spec.IAMInstanceProfile),
		}
	}
	if spec.KeyName != "" {
		input.KeyName = aws.String(spec.KeyName)
	}
	if spec.AvailabilityZone != "" || spec.Tenancy != "" {
		placement := &ec2types.Placement{}
		if spec.AvailabilityZone != "" {
			placement.AvailabilityZone = aws.String(spec.AvailabilityZone)
		}
		if spec.Tenancy != "" {
			placement.Tenancy = ec2types.Tenancy(spec.Tenancy)
		}
		input.Placement = placement
	}

	out, err := c.ec2.RunInstances(ctx, input)
	if err != nil {
		return "", classify("run_instance", err)
	}
	if len(out.Instances) == 0 {
		return "", restore.NewInternalError("launch returned no instance", nil).WithOperation("run_instance")
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

// CreateTags attaches tags to a resource.
func (c *Client) CreateTags(ctx context.Context, resourceID string, tags []restore.Tag) error {
	ec2Tags := make([]ec2types.Tag, 0, len(tags))
	for _, tag := range tags {
		ec2Tags = append(ec2Tags, ec2types.Tag{
			Key:   aws.String(tag.Key),
			Value: aws.String(tag.Value),
		})
	}
	_, err := c.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{resourceID},
		Tags:      ec2Tags,
	})
	return classify("create_tags", err)
}

// SendCommand dispatches a shell command through SSM.
func (c *Client) SendCommand(ctx context.Context, instanceID, documentName string, spec restore.CommandSpec, output restore.CommandOutput) (string, error) {
	input := &ssm.SendCommandInput{
		InstanceIds:  []string{instanceID},
		DocumentName: aws.String(documentName),
		Comment:      aws.String(spec.Name),
		Parameters: map[string][]string{
			"commands": {spec.Command},
		},
	}
	if spec.Timeout > 0 {
		input.TimeoutSeconds = aws.Int32(int32(spec.Timeout / time.Second))
	}
	if output.S3Bucket != "" {
		input.OutputS3BucketName = aws.String(output.S3Bucket)
		if output.S3Prefix != "" {
			input.OutputS3KeyPrefix = aws.String(output.S3Prefix)
		}
	}

	out, err := c.ssm.SendCommand(ctx, input)
	if err != nil {
		return "", classify("send_command", err)
	}
	return aws.ToString(out.Command.CommandId), nil
}

// GetCommandInvocation returns the current state of a dispatched command.
// An invocation the service has not registered yet reads as pending rather
// than missing; registration lags SendCommand by a few seconds.
func (c *Client) GetCommandInvocation(ctx context.Context, commandID, instanceID string) (*restore.CommandInvocation, error) {
	out, err := c.ssm.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	})
	if err != nil {
		classified := classify("get_command_invocation", err)
		if restore.IsNotFound(classified) {
			return &restore.CommandInvocation{CommandID: commandID, Status: "Pending"}, nil
		}
		return nil, classified
	}
	return &restore.CommandInvocation{
		CommandID: commandID,
		Status:    string(out.Status),
		ExitCode:  int(out.ResponseCode),
		Stdout:    aws.ToString(out.StandardOutputContent),
		Stderr:    aws.ToString(out.StandardErrorContent),
	}, nil
}

// translateInstance builds the typed instance view, filling volume type and
// size from a follow-up volume lookup.
func (c *Client) translateInstance(ctx context.Context, inst ec2types.Instance) (*restore.Instance, error) {
	translated := &restore.Instance{
		ID:           aws.ToString(inst.InstanceId),
		State:        string(inst.State.Name),
		InstanceType: string(inst.InstanceType),
		KeyName:      aws.ToString(inst.KeyName),
	}
	if inst.Placement != nil {
		translated.AvailabilityZone = aws.ToString(inst.Placement.AvailabilityZone)
		translated.Tenancy = string(inst.Placement.Tenancy)
	}
	if inst.IamInstanceProfile != nil {
		translated.IAMInstanceProfile = profileNameFromARN(aws.ToString(inst.IamInstanceProfile.Arn))
	}
	for _, group := range inst.SecurityGroups {
		translated.SecurityGroupIDs = append(translated.SecurityGroupIDs, aws.ToString(group.GroupId))
	}
	for _, tag := range inst.Tags {
		translated.Tags = append(translated.Tags, restore.Tag{
			Key:   aws.ToString(tag.Key),
			Value: aws.ToString(tag.Value),
		})
		if aws.ToString(tag.Key) == "Name" {
			translated.Name = aws.ToString(tag.Value)
		}
	}
	for _, eni := range inst.NetworkInterfaces {
		translatedENI := restore.NetworkInterface{
			ID:        aws.ToString(eni.NetworkInterfaceId),
			SubnetID:  aws.ToString(eni.SubnetId),
			PrivateIP: aws.ToString(eni.PrivateIpAddress),
		}
		if eni.Attachment != nil {
			translatedENI.AttachmentID = aws.ToString(eni.Attachment.AttachmentId)
			translatedENI.DeviceIndex = int(aws.ToInt32(eni.Attachment.DeviceIndex))
			translatedENI.DeleteOnTermination = aws.ToBool(eni.Attachment.DeleteOnTermination)
		}
		for _, group := range eni.Groups {
			translatedENI.SecurityGroupIDs = append(translatedENI.SecurityGroupIDs, aws.ToString(group.GroupId))
		}
		translated.NetworkInterfaces = append(translated.NetworkInterfaces, translatedENI)
	}

	volumeIDs := make([]string, 0, len(inst.BlockDeviceMappings))
	for _, bdm := range inst.BlockDeviceMappings {
		if bdm.Ebs == nil {
			continue
		}
		translated.BlockDevices = append(translated.BlockDevices, restore.BlockDevice{
			DeviceName:          aws.ToString(bdm.DeviceName),
			VolumeID:            aws.ToString(bdm.Ebs.VolumeId),
			DeleteOnTermination: aws.ToBool(bdm.Ebs.DeleteOnTermination),
		})
		volumeIDs = append(volumeIDs, aws.ToString(bdm.Ebs.VolumeId))
	}
	if err := c.fillVolumeDetails(ctx, translated, volumeIDs); err != nil {
		return nil, err
	}
	return translated, nil
}

// fillVolumeDetails adds type and size to the instance's block devices.
func (c *Client) fillVolumeDetails(ctx context.Context, inst *restore.Instance, volumeIDs []string) error {
	if len(volumeIDs) == 0 {
		return nil
	}
	out, err := c.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: volumeIDs,
	})
	if err != nil {
		return classify("describe_volumes", err)
	}

	details := make(map[string]ec2types.Volume, len(out.Volumes))
	for _, vol := range out.Volumes {
		details[aws.ToString(vol.VolumeId)] = vol
	}
	for i := range inst.BlockDevices {
		if vol, ok := details[inst.BlockDevices[i].VolumeID]; ok {
			inst.BlockDevices[i].VolumeType = string(vol.VolumeType)
			inst.BlockDevices[i].SizeGiB = int(aws.ToInt32(vol.Size))
		}
	}
	return nil
}

func translateImage(img ec2types.Image) restore.Image {
	translated := restore.Image{
		ID:          aws.ToString(img.ImageId),
		Name:        aws.ToString(img.Name),
		Description: aws.ToString(img.Description),
		State:       string(img.State),
	}
	if created, err := time.Parse(time.RFC3339, aws.ToString(img.CreationDate)); err == nil {
		translated.CreatedAt = created
	}
	for _, bdm := range img.BlockDeviceMappings {
		if bdm.Ebs == nil || aws.ToString(bdm.Ebs.SnapshotId) == "" {
			continue
		}
		translated.BlockDevices = append(translated.BlockDevices, restore.ImageBlockDevice{
			DeviceName:          aws.ToString(bdm.DeviceName),
			SnapshotID:          aws.ToString(bdm.Ebs.SnapshotId),
			VolumeType:          string(bdm.Ebs.VolumeType),
			SizeGiB:             int(aws.ToInt32(bdm.Ebs.VolumeSize)),
			DeleteOnTermination: aws.ToBool(bdm.Ebs.DeleteOnTermination),
		})
	}
	return translated
}

// profileNameFromARN extracts the instance profile name from its ARN.
func profileNameFromARN(arn string) string {
	if idx := strings.LastIndex(arn, "/"); idx >= 0 {
		return arn[idx+1:]
	}
	return arn
}

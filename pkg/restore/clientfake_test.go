package restore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// fakeCloud is an in-memory CloudResourceClient with instant state
// transitions. Failures are scripted per operation, optionally scoped to a
// resource ID, either persistent (fail) or consumed on first use (failOnce).
type fakeCloud struct {
	mu    sync.Mutex
	calls []string

	fail     map[string]error
	failOnce map[string]error

	instances      map[string]*Instance
	volumes        map[string]*Volume
	images         map[string]*Image
	instanceImages map[string][]Image
	snapshots      map[string]string

	launched []LaunchSpec
	tags     map[string][]Tag

	commandResults map[string]*CommandInvocation
	sent           []CommandSpec
	invocations    map[string]*CommandInvocation

	snapSeq int
	volSeq  int
	instSeq int
	cmdSeq  int
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		fail:           make(map[string]error),
		failOnce:       make(map[string]error),
		instances:      make(map[string]*Instance),
		volumes:        make(map[string]*Volume),
		images:         make(map[string]*Image),
		instanceImages: make(map[string][]Image),
		snapshots:      make(map[string]string),
		tags:           make(map[string][]Tag),
		commandResults: make(map[string]*CommandInvocation),
		invocations:    make(map[string]*CommandInvocation),
	}
}

// addInstance registers an instance and an in-use volume for each of its
// block devices.
func (f *fakeCloud) addInstance(inst Instance) {
	f.instances[inst.ID] = &inst
	for _, bd := range inst.BlockDevices {
		f.volumes[bd.VolumeID] = &Volume{
			ID:               bd.VolumeID,
			State:            VolumeStateInUse,
			AvailabilityZone: inst.AvailabilityZone,
			Attachments:      []VolumeAttachment{{InstanceID: inst.ID, Device: bd.DeviceName}},
		}
	}
}

// addImage registers an image, its mapping snapshots, and optionally binds it
// to an instance's candidate list.
func (f *fakeCloud) addImage(img Image, forInstance string) {
	f.images[img.ID] = &img
	for _, bd := range img.BlockDevices {
		f.snapshots[bd.SnapshotID] = SnapshotStateCompleted
	}
	if forInstance != "" {
		f.instanceImages[forInstance] = append(f.instanceImages[forInstance], img)
	}
}

// noteCall logs the call and returns any scripted failure. Caller holds the
// lock.
func (f *fakeCloud) noteCall(op, resource string) error {
	f.calls = append(f.calls, op+" "+resource)
	keyed := op + ":" + resource
	if err, ok := f.failOnce[keyed]; ok {
		delete(f.failOnce, keyed)
		return err
	}
	if err, ok := f.failOnce[op]; ok {
		delete(f.failOnce, op)
		return err
	}
	if err, ok := f.fail[keyed]; ok {
		return err
	}
	if err, ok := f.fail[op]; ok {
		return err
	}
	return nil
}

func (f *fakeCloud) called(op string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, op+" ") {
			return true
		}
	}
	return false
}

func (f *fakeCloud) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

func (f *fakeCloud) DescribeInstance(_ context.Context, instanceID string) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("DescribeInstance", instanceID); err != nil {
		return nil, err
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("instance %s not found", instanceID), nil).WithResource(instanceID)
	}
	copied := *inst
	return &copied, nil
}

func (f *fakeCloud) FindInstanceByName(_ context.Context, name string) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("FindInstanceByName", name); err != nil {
		return nil, err
	}
	for _, inst := range f.instances {
		if inst.Name == name {
			copied := *inst
			return &copied, nil
		}
	}
	return nil, NewNotFoundError(fmt.Sprintf("no instance named %q", name), nil)
}

func (f *fakeCloud) ListImagesForInstance(_ context.Context, instanceID string, limit int) ([]Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("ListImagesForInstance", instanceID); err != nil {
		return nil, err
	}
	images := append([]Image(nil), f.instanceImages[instanceID]...)
	if limit > 0 && len(images) > limit {
		images = images[:limit]
	}
	return images, nil
}

func (f *fakeCloud) DescribeImage(_ context.Context, imageID string) (*Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("DescribeImage", imageID); err != nil {
		return nil, err
	}
	img, ok := f.images[imageID]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("image %s not found", imageID), nil).WithResource(imageID)
	}
	copied := *img
	return &copied, nil
}

func (f *fakeCloud) DescribeVolume(_ context.Context, volumeID string) (*Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("DescribeVolume", volumeID); err != nil {
		return nil, err
	}
	vol, ok := f.volumes[volumeID]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("volume %s not found", volumeID), nil).WithResource(volumeID)
	}
	copied := *vol
	return &copied, nil
}

func (f *fakeCloud) CreateSnapshot(_ context.Context, volumeID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("CreateSnapshot", volumeID); err != nil {
		return "", err
	}
	f.snapSeq++
	id := fmt.Sprintf("snap-new-%d", f.snapSeq)
	f.snapshots[id] = SnapshotStateCompleted
	return id, nil
}

func (f *fakeCloud) DescribeSnapshotState(_ context.Context, snapshotID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("DescribeSnapshotState", snapshotID); err != nil {
		return "", err
	}
	state, ok := f.snapshots[snapshotID]
	if !ok {
		return "", NewNotFoundError(fmt.Sprintf("snapshot %s not found", snapshotID), nil).WithResource(snapshotID)
	}
	return state, nil
}

func (f *fakeCloud) CreateVolume(_ context.Context, snapshotID, availabilityZone, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("CreateVolume", snapshotID); err != nil {
		return "", err
	}
	f.volSeq++
	id := fmt.Sprintf("vol-new-%d", f.volSeq)
	f.volumes[id] = &Volume{ID: id, State: VolumeStateAvailable, AvailabilityZone: availabilityZone}
	return id, nil
}

func (f *fakeCloud) DeleteVolume(_ context.Context, volumeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("DeleteVolume", volumeID); err != nil {
		return err
	}
	if _, ok := f.volumes[volumeID]; !ok {
		return NewNotFoundError(fmt.Sprintf("volume %s not found", volumeID), nil).WithResource(volumeID)
	}
	delete(f.volumes, volumeID)
	return nil
}

func (f *fakeCloud) AttachVolume(_ context.Context, volumeID, instanceID, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("AttachVolume", volumeID); err != nil {
		return err
	}
	vol, ok := f.volumes[volumeID]
	if !ok {
		return NewNotFoundError(fmt.Sprintf("volume %s not found", volumeID), nil).WithResource(volumeID)
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return NewNotFoundError(fmt.Sprintf("instance %s not found", instanceID), nil).WithResource(instanceID)
	}
	vol.State = VolumeStateInUse
	vol.Attachments = []VolumeAttachment{{InstanceID: instanceID, Device: device}}

	devices := make([]BlockDevice, 0, len(inst.BlockDevices)+1)
	for _, bd := range inst.BlockDevices {
		if bd.DeviceName != device {
			devices = append(devices, bd)
		}
	}
	devices = append(devices, BlockDevice{DeviceName: device, VolumeID: volumeID})
	inst.BlockDevices = devices
	return nil
}

func (f *fakeCloud) DetachVolume(_ context.Context, volumeID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := "DetachVolume"
	if force {
		op = "ForceDetachVolume"
	}
	if err := f.noteCall(op, volumeID); err != nil {
		return err
	}
	vol, ok := f.volumes[volumeID]
	if !ok {
		return NewNotFoundError(fmt.Sprintf("volume %s not found", volumeID), nil).WithResource(volumeID)
	}
	for _, att := range vol.Attachments {
		if inst, ok := f.instances[att.InstanceID]; ok {
			devices := make([]BlockDevice, 0, len(inst.BlockDevices))
			for _, bd := range inst.BlockDevices {
				if bd.VolumeID != volumeID {
					devices = append(devices, bd)
				}
			}
			inst.BlockDevices = devices
		}
	}
	vol.State = VolumeStateAvailable
	vol.Attachments = nil
	return nil
}

func (f *fakeCloud) ModifyInterfaceDeleteOnTermination(_ context.Context, interfaceID, _ string, deleteOnTermination bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("ModifyInterfaceDeleteOnTermination", interfaceID); err != nil {
		return err
	}
	for _, inst := range f.instances {
		for i := range inst.NetworkInterfaces {
			if inst.NetworkInterfaces[i].ID == interfaceID {
				inst.NetworkInterfaces[i].DeleteOnTermination = deleteOnTermination
				return nil
			}
		}
	}
	return NewNotFoundError(fmt.Sprintf("network interface %s not found", interfaceID), nil).WithResource(interfaceID)
}

func (f *fakeCloud) StopInstance(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("StopInstance", instanceID); err != nil {
		return err
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return NewNotFoundError(fmt.Sprintf("instance %s not found", instanceID), nil).WithResource(instanceID)
	}
	inst.State = InstanceStateStopped
	return nil
}

func (f *fakeCloud) StartInstance(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("StartInstance", instanceID); err != nil {
		return err
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return NewNotFoundError(fmt.Sprintf("instance %s not found", instanceID), nil).WithResource(instanceID)
	}
	if inst.State == InstanceStateTerminated {
		return NewResourceBusyError(fmt.Sprintf("instance %s is terminated", instanceID), nil).WithResource(instanceID)
	}
	inst.State = InstanceStateRunning
	return nil
}

func (f *fakeCloud) TerminateInstance(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("TerminateInstance", instanceID); err != nil {
		return err
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return NewNotFoundError(fmt.Sprintf("instance %s not found", instanceID), nil).WithResource(instanceID)
	}
	inst.State = InstanceStateTerminated
	// Volumes marked delete-on-termination go with the instance.
	for _, bd := range inst.BlockDevices {
		if bd.DeleteOnTermination {
			delete(f.volumes, bd.VolumeID)
		}
	}
	return nil
}

func (f *fakeCloud) RunInstance(_ context.Context, spec LaunchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("RunInstance", spec.ImageID); err != nil {
		return "", err
	}
	f.instSeq++
	id := fmt.Sprintf("i-new-%d", f.instSeq)
	inst := &Instance{
		ID:               id,
		State:            InstanceStateRunning,
		InstanceType:     spec.InstanceType,
		AvailabilityZone: spec.AvailabilityZone,
	}
	for _, eni := range spec.NetworkInterfaces {
		inst.NetworkInterfaces = append(inst.NetworkInterfaces, NetworkInterface{
			ID:          eni.ID,
			DeviceIndex: eni.DeviceIndex,
		})
	}
	f.instances[id] = inst
	f.launched = append(f.launched, spec)
	return id, nil
}

func (f *fakeCloud) CreateTags(_ context.Context, resourceID string, tags []Tag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("CreateTags", resourceID); err != nil {
		return err
	}
	f.tags[resourceID] = append(f.tags[resourceID], tags...)
	if inst, ok := f.instances[resourceID]; ok {
		inst.Tags = append(inst.Tags, tags...)
	}
	return nil
}

func (f *fakeCloud) SendCommand(_ context.Context, instanceID, _ string, spec CommandSpec, _ CommandOutput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("SendCommand", instanceID); err != nil {
		return "", err
	}
	f.cmdSeq++
	id := fmt.Sprintf("cmd-%d", f.cmdSeq)
	f.sent = append(f.sent, spec)

	inv := &CommandInvocation{CommandID: id, Status: CommandStatusSuccess}
	if scripted, ok := f.commandResults[spec.Name]; ok {
		copied := *scripted
		copied.CommandID = id
		inv = &copied
	}
	f.invocations[id] = inv
	return id, nil
}

func (f *fakeCloud) GetCommandInvocation(_ context.Context, commandID, _ string) (*CommandInvocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.noteCall("GetCommandInvocation", commandID); err != nil {
		return nil, err
	}
	inv, ok := f.invocations[commandID]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("command %s not found", commandID), nil).WithResource(commandID)
	}
	copied := *inv
	return &copied, nil
}

// testWaits returns wait budgets small enough for instant fake transitions.
func testWaits() WaitSettings {
	return WaitSettings{
		PollInterval:    time.Millisecond,
		SnapshotTimeout: time.Second,
		VolumeTimeout:   time.Second,
		InstanceTimeout: time.Second,
		CommandTimeout:  time.Second,
		DetachRetries:   2,
		ThrottleRetries: 1,
	}
}

type journalEnd struct {
	runID      string
	status     RunStatus
	reportPath string
	err        error
}

// memJournal records journal calls for assertions.
type memJournal struct {
	mu            sync.Mutex
	runs          []*RunRecord
	steps         []*StepRecord
	nonReversible []string
	rollbacks     map[string]*RollbackOutcome
	ends          []journalEnd
}

func newMemJournal() *memJournal {
	return &memJournal{rollbacks: make(map[string]*RollbackOutcome)}
}

func (j *memJournal) BeginRun(_ context.Context, run *RunRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs = append(j.runs, run)
	return nil
}

func (j *memJournal) AppendStep(_ context.Context, step *StepRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps = append(j.steps, step)
	return nil
}

func (j *memJournal) MarkNonReversible(_ context.Context, runID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nonReversible = append(j.nonReversible, runID)
	return nil
}

func (j *memJournal) RecordRollback(_ context.Context, runID string, outcome *RollbackOutcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rollbacks[runID] = outcome
	return nil
}

func (j *memJournal) EndRun(_ context.Context, runID string, status RunStatus, reportPath string, runErr error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ends = append(j.ends, journalEnd{runID: runID, status: status, reportPath: reportPath, err: runErr})
	return nil
}

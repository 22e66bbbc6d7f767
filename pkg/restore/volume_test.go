package restore

import (
	"context"
	"testing"
	"time"
)

func testImage() Image {
	return Image{
		ID:        "ami-1",
		Name:      "web-01-backup",
		State:     "available",
		CreatedAt: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
		BlockDevices: []ImageBlockDevice{
			{DeviceName: "/dev/sda1", SnapshotID: "snap-root", VolumeType: "gp3", SizeGiB: 50},
			{DeviceName: "/dev/sdf", SnapshotID: "snap-data", VolumeType: "gp3", SizeGiB: 200},
		},
	}
}

func volumeTestSetup(t *testing.T) (*fakeCloud, *InstanceSnapshotRecord, *Image, *RollbackManager, *VolumeRestoreEngine) {
	t.Helper()
	cloud := newFakeCloud()
	cloud.addInstance(testInstance())
	cloud.addImage(testImage(), "i-0abc")

	record, err := NewBackupManager(cloud, t.TempDir(), testWaits(), nil, nil).Capture(context.Background(), "i-0abc")
	if err != nil {
		t.Fatalf("Capture error = %v", err)
	}
	image, err := cloud.DescribeImage(context.Background(), "ami-1")
	if err != nil {
		t.Fatalf("DescribeImage error = %v", err)
	}

	rollback := NewRollbackManager(cloud, nil, nil, nil, testWaits(), "run-1")
	engine := NewVolumeRestoreEngine(cloud, rollback, testWaits(), nil, nil)
	return cloud, record, image, rollback, engine
}

func TestVolumeRestoreSwapsSelectedDevice(t *testing.T) {
	cloud, record, image, _, engine := volumeTestSetup(t)
	dev, _ := image.BlockDevice("/dev/sdf")

	mappings, err := engine.Run(context.Background(), record, image, []ImageBlockDevice{dev})
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if len(mappings) != 1 {
		t.Fatalf("mappings = %v, want 1", mappings)
	}

	m := mappings[0]
	if m.Device != "/dev/sdf" || m.PreviousVolumeID != "vol-data" {
		t.Fatalf("mapping = %+v", m)
	}
	if m.CurrentVolumeID == "" || m.CurrentVolumeID == m.PreviousVolumeID {
		t.Fatalf("mapping current volume = %q", m.CurrentVolumeID)
	}
	if m.SnapshotID == "" {
		t.Fatal("mapping missing safety snapshot")
	}

	inst := cloud.instances["i-0abc"]
	bd, ok := inst.BlockDevice("/dev/sdf")
	if !ok || bd.VolumeID != m.CurrentVolumeID {
		t.Fatalf("instance devices = %+v, replacement not attached", inst.BlockDevices)
	}
	// The previous volume is detached but kept.
	if cloud.volumes["vol-data"].State != VolumeStateAvailable {
		t.Fatalf("previous volume state = %s", cloud.volumes["vol-data"].State)
	}
	// The untouched device stays as it was.
	if bd, _ := inst.BlockDevice("/dev/sda1"); bd.VolumeID != "vol-root" {
		t.Fatalf("untouched device changed: %+v", bd)
	}
	// A running instance is stopped for the swap and restarted after.
	if inst.State != InstanceStateRunning {
		t.Fatalf("instance state = %s, want running", inst.State)
	}
	if !cloud.called("StopInstance") || !cloud.called("StartInstance") {
		t.Fatal("swap did not cycle the running instance")
	}
}

func TestVolumeRestoreStoppedInstanceStaysStopped(t *testing.T) {
	cloud, record, image, _, engine := volumeTestSetup(t)
	cloud.instances["i-0abc"].State = InstanceStateStopped
	record.State = InstanceStateStopped
	dev, _ := image.BlockDevice("/dev/sdf")

	if _, err := engine.Run(context.Background(), record, image, []ImageBlockDevice{dev}); err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if cloud.called("StartInstance") {
		t.Fatal("stopped instance was started")
	}
	if cloud.instances["i-0abc"].State != InstanceStateStopped {
		t.Fatalf("instance state = %s, want stopped", cloud.instances["i-0abc"].State)
	}
}

func TestVolumeRestoreRejectsUnknownDevice(t *testing.T) {
	cloud, record, image, _, engine := volumeTestSetup(t)
	ghost := ImageBlockDevice{DeviceName: "/dev/xvdz", SnapshotID: "snap-ghost"}

	_, err := engine.Run(context.Background(), record, image, []ImageBlockDevice{ghost})
	if !IsValidation(err) {
		t.Fatalf("Run error = %v, want validation", err)
	}
	// Validation happens before any mutation.
	if cloud.called("StopInstance") || cloud.called("CreateSnapshot") {
		t.Fatal("engine mutated state before validation failed")
	}
}

func TestVolumeRestoreRejectsEmptySelection(t *testing.T) {
	_, record, image, _, engine := volumeTestSetup(t)
	if _, err := engine.Run(context.Background(), record, image, nil); !IsValidation(err) {
		t.Fatalf("Run error = %v, want validation", err)
	}
}

func TestVolumeRestoreAttachFailureUnwindsCleanly(t *testing.T) {
	cloud, record, image, rollback, engine := volumeTestSetup(t)
	dev, _ := image.BlockDevice("/dev/sdf")
	// The replacement volume is the first one the fake mints.
	cloud.failOnce["AttachVolume:vol-new-1"] = NewInternalError("attachment rejected", nil)

	_, err := engine.Run(context.Background(), record, image, []ImageBlockDevice{dev})
	if err == nil {
		t.Fatal("Run succeeded despite attach failure")
	}

	outcome := rollback.UnwindAll(context.Background())
	if outcome == nil || outcome.Status != RollbackStatusCompleted {
		t.Fatalf("rollback outcome = %+v, want completed", outcome)
	}

	inst := cloud.instances["i-0abc"]
	// The previous volume is back at its device.
	bd, ok := inst.BlockDevice("/dev/sdf")
	if !ok || bd.VolumeID != "vol-data" {
		t.Fatalf("previous volume not reattached: %+v", inst.BlockDevices)
	}
	// The replacement volume is deleted.
	if _, ok := cloud.volumes["vol-new-1"]; ok {
		t.Fatal("replacement volume survived rollback")
	}
	// The safety snapshot is non-destructive and retained.
	if _, ok := cloud.snapshots["snap-new-1"]; !ok {
		t.Fatal("safety snapshot deleted during rollback")
	}
	// The instance is returned to its original running state.
	if inst.State != InstanceStateRunning {
		t.Fatalf("instance state = %s, want running", inst.State)
	}
}

func TestVolumeRestoreForcesBusyDetach(t *testing.T) {
	cloud, record, image, _, engine := volumeTestSetup(t)
	dev, _ := image.BlockDevice("/dev/sdf")
	// First regular detach is rejected; the forced retry succeeds.
	cloud.failOnce["DetachVolume:vol-data"] = NewResourceBusyError("attachment busy", nil)

	if _, err := engine.Run(context.Background(), record, image, []ImageBlockDevice{dev}); err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if !cloud.called("ForceDetachVolume") {
		t.Fatal("busy detach was not forced")
	}
}

func TestVolumeRestoreBusyDetachExhaustsRetries(t *testing.T) {
	cloud, record, image, _, engine := volumeTestSetup(t)
	dev, _ := image.BlockDevice("/dev/sdf")
	busy := NewResourceBusyError("attachment busy", nil)
	cloud.fail["DetachVolume:vol-data"] = busy
	cloud.fail["ForceDetachVolume:vol-data"] = busy

	_, err := engine.Run(context.Background(), record, image, []ImageBlockDevice{dev})
	if !IsResourceBusy(err) {
		t.Fatalf("Run error = %v, want resource-busy", err)
	}
	if n := cloud.callCount("ForceDetachVolume"); n != testWaits().DetachRetries {
		t.Fatalf("forced detach attempts = %d, want %d", n, testWaits().DetachRetries)
	}
}

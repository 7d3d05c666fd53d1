package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-hub/internal/audit"
	"github.com/benmeehan/iot-hub/internal/bus"
	"github.com/benmeehan/iot-hub/internal/constants"
	"github.com/benmeehan/iot-hub/internal/models"
)

func decodeUpdates(t *testing.T, f *fixture) []models.UpdatePayload {
	t.Helper()
	var out []models.UpdatePayload
	for _, raw := range f.link.all(constants.MsgOutUpdate) {
		var p models.UpdatePayload
		require.NoError(t, json.Unmarshal(raw, &p))
		out = append(out, p)
	}
	return out
}

func availableCount(f *fixture) int {
	n := 0
	for _, raw := range f.link.all(constants.MsgOutUpdate) {
		var p models.UpdatePayload
		if json.Unmarshal(raw, &p) == nil && p.UpdateAvailable {
			n++
		}
	}
	return n
}

// The canonical rollout: a device on 0.0.1 sits on a deployment pinning its
// own firmware, a newer deployment supersedes it, and exactly one update
// push follows no matter how many check instructions arrive.
func TestSession_UpdateRollout(t *testing.T) {
	f := newFixture()
	dev := f.seedDevice()
	f.memory.SeedDeployment(testDeployment("dep-a", "fw-001", func(d *models.Deployment) {
		d.Conditions.Version = "< 0.0.2"
		d.FirmwareVersion = "0.0.1"
	}))

	s := f.startSession(t)
	s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, ""))
	info := waitRegistered(t, f, testDeviceID)
	require.NotNil(t, info.DeploymentID)
	require.Equal(t, "dep-a", *info.DeploymentID)

	// The device already runs the deployment's firmware.
	s.enqueueMsg(constants.MsgCheckUpdate, []byte(`{}`))
	require.Eventually(t, func() bool {
		return f.link.count(constants.MsgOutUpdate) == 1
	}, 2*time.Second, 2*time.Millisecond)
	assert.False(t, decodeUpdates(t, f)[0].UpdateAvailable)

	// A newer deployment supersedes dep-a.
	f.memory.SeedDeployment(testDeployment("dep-a", "fw-001", func(d *models.Deployment) {
		d.Conditions.Version = "< 0.0.2"
		d.FirmwareVersion = "0.0.1"
		d.Active = false
	}))
	f.memory.SeedFirmware(models.Firmware{
		UUID:         "fw-003",
		ProductID:    "prod-1",
		Platform:     "rpi4",
		Architecture: "arm64",
		Version:      "0.0.3",
		Size:         4096,
		ObjectKey:    "firmware/prod-1/0.0.3.fw",
	})
	depB := testDeployment("dep-b", "fw-003", func(d *models.Deployment) {
		d.FirmwareVersion = "0.0.3"
	})
	f.memory.SeedDeployment(depB)
	require.NoError(t, f.bus.Publish(bus.DeviceTopic(testDeviceID), bus.Event{
		Type:       bus.TypeDeploymentChanged,
		Deployment: &depB,
	}))
	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(testDeviceID)
		return ok && got.DeploymentID != nil && *got.DeploymentID == "dep-b"
	}, 2*time.Second, 2*time.Millisecond)

	// Two check instructions, one firmware push.
	inflight := &models.InflightUpdate{ID: "evt-123", DeviceID: testDeviceID, FirmwareUUID: "fw-003"}
	require.NoError(t, f.bus.Publish(bus.DeviceTopic(testDeviceID), bus.Event{
		Type: bus.TypeCheckForUpdate, DeviceID: testDeviceID, Inflight: inflight,
	}))
	require.NoError(t, f.bus.Publish(bus.DeviceTopic(testDeviceID), bus.Event{
		Type: bus.TypeCheckForUpdate, DeviceID: testDeviceID, Inflight: inflight,
	}))
	s.enqueueMsg(constants.MsgCheckUpdate, []byte(`{}`))

	require.Eventually(t, func() bool {
		return f.link.count(constants.MsgOutUpdate) == 3
	}, 2*time.Second, 2*time.Millisecond)

	pushes := decodeUpdates(t, f)
	assert.Equal(t, 1, availableCount(f), "the update must be pushed exactly once")
	offered := pushes[1]
	require.True(t, offered.UpdateAvailable)
	assert.Equal(t, "http://artifacts.local/firmware/prod-1/0.0.3.fw", offered.FirmwareURL)
	require.NotNil(t, offered.FirmwareMeta)
	assert.Equal(t, "fw-003", offered.FirmwareMeta.UUID)
	assert.Equal(t, "0.0.3", offered.FirmwareMeta.Version)

	rows := f.memory.InflightForDevice(testDeviceID)
	require.Len(t, rows, 1)
	assert.Equal(t, "evt-123", rows[0].ID, "dispatch reuses the instruction's token")
	assert.Equal(t, "fw-003", rows[0].FirmwareUUID)
	assert.True(t, rows[0].StartedAt.IsZero(), "no progress reported yet")

	got, ok := f.registry.Get(testDeviceID)
	require.True(t, ok)
	assert.True(t, got.Updating)

	dispatched := f.audit.ByAction(audit.ActionUpdateDispatched)
	require.Len(t, dispatched, 1)
	assert.Contains(t, dispatched[0].Description, "fw-003")
}

func TestSession_PenaltyBlocksDispatch(t *testing.T) {
	f := newFixture()
	blocked := time.Now().Add(time.Hour)
	dev := f.seedDevice(func(d *models.Device) {
		d.UpdatesBlockedUntil = &blocked
	})
	f.memory.SeedFirmware(models.Firmware{
		UUID: "fw-003", ProductID: "prod-1", Platform: "rpi4",
		Architecture: "arm64", Version: "0.0.3", ObjectKey: "firmware/x.fw",
	})
	f.memory.SeedDeployment(testDeployment("dep-b", "fw-003"))

	s := f.startSession(t)
	s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, ""))
	info := waitRegistered(t, f, testDeviceID)

	// Penalty gates dispatch, not assignment.
	require.NotNil(t, info.DeploymentID)
	assert.False(t, info.UpdatesEnabled)

	s.enqueueMsg(constants.MsgCheckUpdate, []byte(`{}`))
	require.Eventually(t, func() bool {
		return f.link.count(constants.MsgOutUpdate) == 1
	}, 2*time.Second, 2*time.Millisecond)
	assert.False(t, decodeUpdates(t, f)[0].UpdateAvailable)
	assert.Empty(t, f.memory.InflightForDevice(testDeviceID))
}

func TestSession_FwupProgressTracksApply(t *testing.T) {
	f := newFixture()
	dev := f.seedDevice()
	f.memory.SeedFirmware(models.Firmware{
		UUID: "fw-003", ProductID: "prod-1", Platform: "rpi4",
		Architecture: "arm64", Version: "0.0.3", ObjectKey: "firmware/x.fw",
	})
	f.memory.SeedDeployment(testDeployment("dep-b", "fw-003"))

	s := f.startSession(t)
	s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, ""))
	waitRegistered(t, f, testDeviceID)

	sink := &eventSink{}
	sub, err := f.bus.Subscribe(bus.DeviceTopic(testDeviceID), sink.handler())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	s.enqueueMsg(constants.MsgCheckUpdate, []byte(`{}`))
	require.Eventually(t, func() bool {
		return availableCount(f) == 1
	}, 2*time.Second, 2*time.Millisecond)

	s.enqueueMsg(constants.MsgFwupProgress, []byte(`{"value": 5}`))
	require.Eventually(t, func() bool {
		rows := f.memory.InflightForDevice(testDeviceID)
		return len(rows) == 1 && !rows[0].StartedAt.IsZero()
	}, 2*time.Second, 2*time.Millisecond)

	s.enqueueMsg(constants.MsgFwupProgress, []byte(`{"value": 100}`))
	require.Eventually(t, func() bool {
		return len(f.audit.ByAction(audit.ActionUpdateApplied)) == 1
	}, 2*time.Second, 2*time.Millisecond)

	reports := sink.byKind(constants.MsgFwupProgress)
	require.Len(t, reports, 2)
	assert.Equal(t, bus.TypeDeviceReport, reports[0].Type)
	assert.JSONEq(t, `{"value": 5}`, string(reports[0].Payload))
}

func TestSession_DeploymentChangeResetsDispatchLatch(t *testing.T) {
	f := newFixture()
	dev := f.seedDevice()
	f.memory.SeedFirmware(models.Firmware{
		UUID: "fw-003", ProductID: "prod-1", Platform: "rpi4",
		Architecture: "arm64", Version: "0.0.3", ObjectKey: "firmware/3.fw",
	})
	f.memory.SeedDeployment(testDeployment("dep-b", "fw-003"))

	s := f.startSession(t)
	s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, ""))
	waitRegistered(t, f, testDeviceID)

	s.enqueueMsg(constants.MsgCheckUpdate, []byte(`{}`))
	require.Eventually(t, func() bool {
		return availableCount(f) == 1
	}, 2*time.Second, 2*time.Millisecond)

	// A different deployment takes over; the per-assignment latch resets
	// and a new dispatch goes out.
	f.memory.SeedFirmware(models.Firmware{
		UUID: "fw-004", ProductID: "prod-1", Platform: "rpi4",
		Architecture: "arm64", Version: "0.0.4", ObjectKey: "firmware/4.fw",
	})
	f.memory.SeedDeployment(testDeployment("dep-b", "fw-003", func(d *models.Deployment) {
		d.Active = false
	}))
	depC := testDeployment("dep-c", "fw-004", func(d *models.Deployment) {
		d.FirmwareVersion = "0.0.4"
	})
	f.memory.SeedDeployment(depC)
	require.NoError(t, f.bus.Publish(bus.DeviceTopic(testDeviceID), bus.Event{
		Type:       bus.TypeDeploymentChanged,
		Deployment: &depC,
	}))
	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(testDeviceID)
		return ok && got.DeploymentID != nil && *got.DeploymentID == "dep-c"
	}, 2*time.Second, 2*time.Millisecond)

	s.enqueueMsg(constants.MsgCheckUpdate, []byte(`{}`))
	require.Eventually(t, func() bool {
		return availableCount(f) == 2
	}, 2*time.Second, 2*time.Millisecond)

	pushes := decodeUpdates(t, f)
	last := pushes[len(pushes)-1]
	require.NotNil(t, last.FirmwareMeta)
	assert.Equal(t, "fw-004", last.FirmwareMeta.UUID)
}

func TestSession_ArchivePushGatedByAPIVersion(t *testing.T) {
	seed := func(f *fixture) models.Device {
		archID := "arch-1"
		f.memory.SeedArchive(models.Archive{
			ID: archID, UUID: "au-1", Version: "1.0.0", Platform: "rpi4",
			Architecture: "arm64", Size: 2048, ObjectKey: "archives/bundle.tgz",
		})
		f.memory.SeedDeployment(testDeployment("dep-a", "fw-001", func(d *models.Deployment) {
			d.ArchiveID = &archID
		}))
		return f.seedDevice()
	}

	t.Run("new enough", func(t *testing.T) {
		f := newFixture()
		dev := seed(f)

		s := f.startSession(t)
		s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, "2.2.0"))
		waitRegistered(t, f, testDeviceID)

		require.Equal(t, 1, f.link.count(constants.MsgOutArchive))
		raw, _ := f.link.last(constants.MsgOutArchive)
		var desc models.ArchiveDescriptor
		require.NoError(t, json.Unmarshal(raw, &desc))
		assert.Equal(t, "au-1", desc.UUID)
		assert.Equal(t, "http://artifacts.local/archives/bundle.tgz", desc.URL)
	})

	t.Run("too old", func(t *testing.T) {
		f := newFixture()
		dev := seed(f)

		s := f.startSession(t)
		s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, "2.1.0"))
		waitRegistered(t, f, testDeviceID)

		assert.Zero(t, f.link.count(constants.MsgOutArchive))
	})
}

func TestSession_ArchivePushDeduped(t *testing.T) {
	f := newFixture()
	archID := "arch-1"
	f.memory.SeedArchive(models.Archive{
		ID: archID, UUID: "au-1", Version: "1.0.0", Platform: "rpi4",
		Architecture: "arm64", ObjectKey: "archives/bundle.tgz",
	})
	f.memory.SeedDeployment(testDeployment("dep-a", "fw-001", func(d *models.Deployment) {
		d.ArchiveID = &archID
	}))
	dev := f.seedDevice()

	s := f.startSession(t)
	s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, "2.2.0"))
	waitRegistered(t, f, testDeviceID)
	require.Equal(t, 1, f.link.count(constants.MsgOutArchive))

	// A reload that lands on the same archive must not push it again. The
	// firmware uuid change makes the reload observable.
	dev.Firmware.UUID = "fw-zzz"
	f.memory.SeedDevice(dev)
	require.NoError(t, f.bus.Publish(bus.DeviceTopic(testDeviceID), bus.Event{
		Type:     bus.TypeDeviceChanged,
		DeviceID: testDeviceID,
	}))
	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(testDeviceID)
		return ok && got.FirmwareUUID == "fw-zzz"
	}, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, 1, f.link.count(constants.MsgOutArchive))
}

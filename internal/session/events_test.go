package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-hub/internal/audit"
	"github.com/benmeehan/iot-hub/internal/bus"
	"github.com/benmeehan/iot-hub/internal/constants"
	"github.com/benmeehan/iot-hub/internal/models"
)

func testDeployment(id, firmwareUUID string, mutate ...func(*models.Deployment)) models.Deployment {
	dep := models.Deployment{
		ID:        id,
		ProductID: "prod-1",
		Conditions: models.DeploymentConditions{
			Platform:     "rpi4",
			Architecture: "arm64",
		},
		Active:          true,
		FirmwareUUID:    firmwareUUID,
		FirmwareVersion: "0.0.2",
	}
	for _, m := range mutate {
		m(&dep)
	}
	return dep
}

func TestSession_AdoptsAnnouncedDeployment(t *testing.T) {
	f := newFixture()
	dev := f.seedDevice()

	s := f.startSession(t)
	s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, ""))
	info := waitRegistered(t, f, testDeviceID)
	require.Nil(t, info.DeploymentID)

	dep := testDeployment("dep-1", "fw-100")
	f.memory.SeedDeployment(dep)
	require.NoError(t, f.bus.Publish(bus.DeploymentTopic(nil), bus.Event{
		Type:       bus.TypeDeploymentChanged,
		Deployment: &dep,
	}))

	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(testDeviceID)
		return ok && got.DeploymentID != nil && *got.DeploymentID == "dep-1"
	}, 2*time.Second, 2*time.Millisecond)

	stored, err := f.stores.Devices.Get(s.ctx, testDeviceID)
	require.NoError(t, err)
	require.NotNil(t, stored.DeploymentID)
	assert.Equal(t, "dep-1", *stored.DeploymentID)

	events := f.audit.ByAction(audit.ActionDeviceAssigned)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Description, "assigned to deployment dep-1")
}

func TestSession_DeploymentDeactivationUnassigns(t *testing.T) {
	f := newFixture()
	dep := testDeployment("dep-1", "fw-100")
	f.memory.SeedDeployment(dep)
	dev := f.seedDevice()

	s := f.startSession(t)
	s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, ""))
	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(testDeviceID)
		return ok && got.DeploymentID != nil
	}, 2*time.Second, 2*time.Millisecond)

	dep.Active = false
	f.memory.SeedDeployment(dep)
	depID := dep.ID
	require.NoError(t, f.bus.Publish(bus.DeploymentTopic(&depID), bus.Event{
		Type:       bus.TypeDeploymentChanged,
		Deployment: &dep,
	}))

	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(testDeviceID)
		return ok && got.DeploymentID == nil
	}, 2*time.Second, 2*time.Millisecond)

	stored, err := f.stores.Devices.Get(s.ctx, testDeviceID)
	require.NoError(t, err)
	assert.Nil(t, stored.DeploymentID)

	var unassigned bool
	for _, evt := range f.audit.ByAction(audit.ActionDeviceAssigned) {
		if evt.Description == "unassigned from deployment" {
			unassigned = true
		}
	}
	assert.True(t, unassigned)
}

func TestSession_DeviceChangeTriggersReload(t *testing.T) {
	f := newFixture()
	f.memory.SeedDeployment(testDeployment("dep-canary", "fw-100", func(d *models.Deployment) {
		d.Conditions.Tags = []string{"canary"}
	}))
	dev := f.seedDevice()

	s := f.startSession(t)
	s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, ""))
	info := waitRegistered(t, f, testDeviceID)
	require.Nil(t, info.DeploymentID, "tag condition must not match yet")

	dev.Tags = []string{"field", "canary"}
	f.memory.SeedDevice(dev)
	require.NoError(t, f.bus.Publish(bus.DeviceTopic(testDeviceID), bus.Event{
		Type:     bus.TypeDeviceChanged,
		DeviceID: testDeviceID,
	}))

	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(testDeviceID)
		return ok && got.DeploymentID != nil && *got.DeploymentID == "dep-canary"
	}, 2*time.Second, 2*time.Millisecond)
}

func TestSession_IgnoresDeploymentChangeForOthers(t *testing.T) {
	f := newFixture()
	f.memory.SeedDeployment(testDeployment("dep-1", "fw-100"))
	dev := f.seedDevice()

	s := f.startSession(t)
	s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, ""))
	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(testDeviceID)
		return ok && got.DeploymentID != nil
	}, 2*time.Second, 2*time.Millisecond)

	// An announcement that neither matches the device nor names its current
	// deployment must schedule nothing.
	other := testDeployment("dep-9", "fw-900", func(d *models.Deployment) {
		d.Conditions.Platform = "bbb"
	})
	f.memory.SeedDeployment(other)
	require.NoError(t, f.bus.Publish(bus.DeviceTopic(testDeviceID), bus.Event{
		Type:       bus.TypeDeploymentChanged,
		Deployment: &other,
	}))

	// A matching follow-up proves the ignored event was fully processed.
	next := testDeployment("dep-2", "fw-200")
	f.memory.SeedDeployment(next)
	require.NoError(t, f.bus.Publish(bus.DeviceTopic(testDeviceID), bus.Event{
		Type:       bus.TypeDeploymentChanged,
		Deployment: &next,
	}))

	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(testDeviceID)
		return ok && got.DeploymentID != nil && *got.DeploymentID == "dep-2"
	}, 2*time.Second, 2*time.Millisecond)

	for _, evt := range f.audit.ByAction(audit.ActionDeviceAssigned) {
		assert.NotContains(t, evt.Description, "dep-9")
	}
}

func TestSession_PenaltyExpiryRestoresEligibility(t *testing.T) {
	f := newFixture()
	blocked := time.Now().Add(40 * time.Millisecond)
	dev := f.seedDevice(func(d *models.Device) {
		d.UpdatesBlockedUntil = &blocked
	})

	s := f.startSession(t)
	s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, ""))
	info := waitRegistered(t, f, testDeviceID)
	assert.False(t, info.UpdatesEnabled, "registration snapshots penalty-box state")

	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(testDeviceID)
		return ok && got.UpdatesEnabled
	}, 2*time.Second, 2*time.Millisecond)
}

func TestSession_PenaltyExtensionRearms(t *testing.T) {
	f := newFixture()
	blocked := time.Now().Add(30 * time.Millisecond)
	dev := f.seedDevice(func(d *models.Device) {
		d.UpdatesBlockedUntil = &blocked
	})

	s := f.startSession(t)
	s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, ""))
	waitRegistered(t, f, testDeviceID)

	// Extend the window before the first recheck fires; the session must
	// re-arm rather than flip eligibility early.
	extended := time.Now().Add(80 * time.Millisecond)
	dev.UpdatesBlockedUntil = &extended
	f.memory.SeedDevice(dev)

	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(testDeviceID)
		return ok && got.UpdatesEnabled
	}, 2*time.Second, 2*time.Millisecond)
}

// The slot tests below drive a session synchronously, without its run
// goroutine, to pin down the single-timer bookkeeping.

func unstartedSession(f *fixture, jitter JitterFn) *Session {
	deps := f.deps()
	deps.Jitter = jitter
	return newSession(testDeviceID, f.cfg, f.link, deps, nil)
}

func farJitter(time.Duration) time.Duration { return time.Hour }

func TestScheduleRecompute_FullReloadNeverDowngraded(t *testing.T) {
	f := newFixture()
	dev := f.seedDevice()

	s := unstartedSession(f, farJitter)
	s.device = &dev

	s.scheduleRecompute(nil)
	require.NotNil(t, s.recomputeSlot)
	assert.True(t, s.recomputeSlot.full)
	firstSeq := s.recomputeSlot.seq

	dep := testDeployment("dep-1", "fw-100")
	s.scheduleRecompute(&dep)
	assert.Equal(t, firstSeq, s.recomputeSlot.seq, "pending full reload must stay put")
	assert.True(t, s.recomputeSlot.full)
}

func TestScheduleRecompute_TargetedEscalatesAndRearms(t *testing.T) {
	f := newFixture()
	dev := f.seedDevice()

	s := unstartedSession(f, farJitter)
	s.device = &dev

	depA := testDeployment("dep-a", "fw-a")
	s.scheduleRecompute(&depA)
	require.NotNil(t, s.recomputeSlot)
	assert.False(t, s.recomputeSlot.full)
	firstSeq := s.recomputeSlot.seq

	depB := testDeployment("dep-b", "fw-b")
	s.scheduleRecompute(&depB)
	assert.Greater(t, s.recomputeSlot.seq, firstSeq, "targeted recompute re-arms")
	assert.False(t, s.recomputeSlot.full)

	s.scheduleRecompute(nil)
	assert.True(t, s.recomputeSlot.full, "full reload replaces a pending targeted recompute")
}

func TestHandleTimerFire_StaleSeqIgnored(t *testing.T) {
	f := newFixture()
	blocked := time.Now().Add(time.Hour)
	dev := f.seedDevice(func(d *models.Device) {
		d.UpdatesBlockedUntil = &blocked
	})

	s := unstartedSession(f, farJitter)
	s.device = &dev

	s.schedulePenaltyCheck()
	require.NotNil(t, s.penaltySlot)
	staleSeq := s.penaltySlot.seq

	s.schedulePenaltyCheck()
	liveSeq := s.penaltySlot.seq
	require.Greater(t, liveSeq, staleSeq)

	s.handleTimerFire(timerFire{kind: timerPenalty, seq: staleSeq})
	require.NotNil(t, s.penaltySlot, "stale fire must not consume the live slot")
	assert.Equal(t, liveSeq, s.penaltySlot.seq)
}

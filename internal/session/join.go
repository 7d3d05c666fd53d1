package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/benmeehan/iot-hub/internal/audit"
	"github.com/benmeehan/iot-hub/internal/bus"
	"github.com/benmeehan/iot-hub/internal/constants"
	"github.com/benmeehan/iot-hub/internal/models"
	"github.com/benmeehan/iot-hub/internal/registry"
	"github.com/benmeehan/iot-hub/internal/resolver"
	"github.com/benmeehan/iot-hub/internal/store"
	"github.com/benmeehan/iot-hub/internal/telemetry"
)

// handleJoin processes the device's first message: validate the reported
// firmware identity, persist it when it changed, then bring the session up.
func (s *Session) handleJoin(raw []byte) {
	if s.state != stateConnecting {
		s.logger.Warn().Msg("Duplicate join ignored")
		return
	}

	var payload models.JoinPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.refuseJoin("malformed join payload")
		return
	}

	device, err := s.stores.Devices.Get(s.ctx, s.deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.refuseJoin("unknown device")
			return
		}
		s.logger.Error().Err(err).Msg("Failed to load device record")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		s.refuseJoin("device lookup failed")
		return
	}
	s.device = device
	s.apiVersion = parseAPIVersion(payload.DeviceAPIVersion, s.logger)

	if len(payload.Metadata) > 0 {
		if err := s.stores.Devices.MergeMetadata(s.ctx, s.deviceID, payload.Metadata); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to merge join metadata")
			s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		} else {
			s.mergeCachedMetadata(payload.Metadata)
		}
	}

	if payload.Firmware.UUID != device.Firmware.UUID {
		if !s.adoptFirmware(payload.Firmware) {
			return
		}
	}

	s.state = stateJoined
	s.logger.Info().
		Str("firmware_uuid", s.device.Firmware.UUID).
		Str("api_version", s.apiVersion.String()).
		Msg("Device joined")
	s.postJoin()
}

// adoptFirmware persists a newly reported firmware identity. A device that
// shows up running different firmware has, by definition, completed an
// update, so its penalty state is wiped too.
func (s *Session) adoptFirmware(reported models.FirmwareMetadata) bool {
	if reason, ok := validFirmware(reported); !ok {
		s.refuseJoin(reason)
		return false
	}

	previous := s.device.Firmware.UUID
	if err := s.stores.Devices.UpdateFirmware(s.ctx, s.deviceID, reported); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist firmware identity")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		s.refuseJoin("firmware update failed")
		return false
	}
	s.device.Firmware = reported

	if err := s.stores.Devices.ClearPenalty(s.ctx, s.deviceID); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to clear penalty state")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
	} else {
		s.device.UpdatesBlockedUntil = nil
		s.device.UpdateAttempts = 0
	}

	if err := s.audit.Append(s.ctx, audit.Event{
		DeviceID:    s.deviceID,
		Action:      audit.ActionFirmwareUpdated,
		Description: fmt.Sprintf("firmware changed from %s to %s", previous, reported.UUID),
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to append audit event")
	}
	return true
}

func validFirmware(fw models.FirmwareMetadata) (string, bool) {
	switch {
	case fw.UUID == "":
		return "firmware uuid missing", false
	case fw.Platform == "":
		return "firmware platform missing", false
	case fw.Architecture == "":
		return "firmware architecture missing", false
	}
	if _, err := semver.NewVersion(fw.Version); err != nil {
		return "firmware version is not a semantic version", false
	}
	return "", true
}

func (s *Session) refuseJoin(reason string) {
	if err := s.link.Push(constants.MsgOutJoinError, models.JoinError{Reason: reason}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to push join rejection")
	}
	s.logger.Warn().Str("reason", reason).Msg("Join refused")
	s.Close()
}

// postJoin brings the joined session up: resolve the deployment, drop stale
// inflight records, wire bus subscriptions, push join-time artifacts and
// start registration.
func (s *Session) postJoin() {
	s.resolveDeployment()

	if err := s.stores.InflightUpdates.ClearForDevice(s.ctx, s.deviceID); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to clear stale inflight updates")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
	}

	if !s.subscribeTopics() {
		s.Close()
		return
	}

	s.pushSigningKeys()
	s.maybePushArchive()
	s.schedulePenaltyCheck()

	s.state = stateRegistering
	s.attemptRegistration()
}

// resolveDeployment recomputes the device's deployment from scratch.
func (s *Session) resolveDeployment() {
	candidates, err := s.stores.Deployments.ListForProduct(s.ctx, s.device.ProductID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list deployments")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return
	}
	s.setDeployment(resolver.Resolve(s.device, candidates))
}

// setDeployment adopts the resolved deployment, persisting the assignment
// when it changed.
func (s *Session) setDeployment(dep *models.Deployment) {
	var newID *string
	if dep != nil {
		id := dep.ID
		newID = &id
	}

	if !sameID(s.device.DeploymentID, newID) {
		if err := s.stores.Devices.SetDeployment(s.ctx, s.deviceID, newID); err != nil {
			s.logger.Error().Err(err).Msg("Failed to persist deployment assignment")
			s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		} else {
			s.device.DeploymentID = newID
			desc := "unassigned from deployment"
			if dep != nil {
				desc = fmt.Sprintf("assigned to deployment %s", dep.ID)
			}
			if err := s.audit.Append(s.ctx, audit.Event{
				DeviceID:    s.deviceID,
				Action:      audit.ActionDeviceAssigned,
				Description: desc,
			}); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to append audit event")
			}
		}
	}
	s.deployment = dep
}

func (s *Session) currentDeploymentID() *string {
	if s.deployment == nil {
		return nil
	}
	id := s.deployment.ID
	return &id
}

func sameID(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Session) subscribeTopics() bool {
	devSub, err := s.bus.Subscribe(bus.DeviceTopic(s.deviceID), s.onBusEvent)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to subscribe device topic")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return false
	}
	s.deviceSub = devSub

	depSub, err := s.bus.Subscribe(bus.DeploymentTopic(s.currentDeploymentID()), s.onBusEvent)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to subscribe deployment topic")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return false
	}
	s.deploySub = depSub
	return true
}

// resubscribeDeployment moves the deployment subscription after the
// resolved deployment changed.
func (s *Session) resubscribeDeployment() {
	if s.deploySub != nil {
		if err := s.deploySub.Unsubscribe(); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to unsubscribe old deployment topic")
		}
		s.deploySub = nil
	}
	sub, err := s.bus.Subscribe(bus.DeploymentTopic(s.currentDeploymentID()), s.onBusEvent)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to resubscribe deployment topic")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return
	}
	s.deploySub = sub
}

// pushSigningKeys sends the org's trusted firmware signing keys so the
// device can verify artifact signatures locally.
func (s *Session) pushSigningKeys() {
	keys, err := s.stores.SigningKeys.ListForOrg(s.ctx, s.device.OrgID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load signing keys")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := s.link.Push(constants.MsgOutKeys, models.KeyListing{Keys: keys}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to push signing keys")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
	}
}

// attemptRegistration claims the device's registry slot. Conflicts mean
// another session still holds it; retry a bounded number of times, then
// give up and terminate.
func (s *Session) attemptRegistration() {
	s.regAttempts++
	err := s.registry.Register(registry.DeviceInfo{
		DeviceID:       s.deviceID,
		DeploymentID:   s.currentDeploymentID(),
		FirmwareUUID:   s.device.Firmware.UUID,
		UpdatesEnabled: s.device.UpdatesEligible(time.Now()),
	})
	if err == nil {
		s.registered = true
		s.state = stateRegistered
		s.logger.Info().Msg("Device registered")
		return
	}

	telemetry.RecordRegistrationConflict()
	s.logger.Warn().
		Int("attempt", s.regAttempts).
		Int("max_attempts", s.cfg.RegistrationAttempts).
		Msg("Registration conflict, another session holds the device")

	if s.regAttempts >= s.cfg.RegistrationAttempts {
		telemetry.RecordRegistrationExceeded()
		exceeded := fmt.Errorf("registration retries exceeded for device %s", s.deviceID)
		s.logger.Error().Err(exceeded).Msg("Terminating session")
		s.reporter.CaptureException(exceeded, map[string]string{"device_id": s.deviceID})
		s.Close()
		return
	}

	cancelSlot(s.registerSlot)
	s.registerSlot = s.armTimer(timerRegister, s.cfg.RegistrationDelay, timerFire{})
}

func (s *Session) mergeCachedMetadata(meta map[string]any) {
	if s.device.ConnectionMetadata == nil {
		s.device.ConnectionMetadata = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		s.device.ConnectionMetadata[k] = v
	}
}

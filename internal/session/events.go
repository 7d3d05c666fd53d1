package session

import (
	"errors"
	"time"

	"github.com/benmeehan/iot-hub/internal/bus"
	"github.com/benmeehan/iot-hub/internal/models"
	"github.com/benmeehan/iot-hub/internal/registry"
	"github.com/benmeehan/iot-hub/internal/resolver"
	"github.com/benmeehan/iot-hub/internal/store"
)

func (s *Session) handleBusEvent(evt bus.Event) {
	if s.state == stateConnecting {
		return
	}
	switch evt.Type {
	case bus.TypeDeploymentChanged:
		s.onDeploymentChanged(evt.Deployment)
	case bus.TypeDeviceChanged:
		s.scheduleRecompute(nil)
	case bus.TypeCheckForUpdate:
		s.handleCheckForUpdate(evt.Inflight)
	}
}

// onDeploymentChanged reacts to a deployment definition broadcast. The
// event carries the new definition, so matching is local. A definition
// that matches this device schedules a jittered adoption; one that stopped
// matching the device's current deployment schedules a full reload.
func (s *Session) onDeploymentChanged(dep *models.Deployment) {
	if dep == nil {
		s.logger.Warn().Msg("Deployment change event without deployment, ignoring")
		return
	}
	if resolver.Matches(s.device, dep) {
		s.scheduleRecompute(dep)
		return
	}
	if s.deployment != nil && s.deployment.ID == dep.ID {
		s.scheduleRecompute(nil)
	}
}

// scheduleRecompute arms the one pending recompute timer with fresh jitter.
// A nil deployment means a full reload-and-recompute; a pending full reload
// already covers any targeted change, so it is never downgraded.
func (s *Session) scheduleRecompute(dep *models.Deployment) {
	if s.recomputeSlot != nil {
		if s.recomputeSlot.full {
			return
		}
		cancelSlot(s.recomputeSlot)
		s.recomputeSlot = nil
	}

	delay := s.jitter(s.cfg.ReassignmentJitterMax)
	slot := s.armTimer(timerRecompute, delay, timerFire{deployment: dep})
	slot.full = dep == nil
	s.recomputeSlot = slot
	s.logger.Debug().Dur("delay", delay).Bool("full", slot.full).Msg("Recompute scheduled")
}

// applyDeployment runs when a targeted recompute fires. The announced
// definition may be stale by now, so the deployment is re-fetched and
// re-matched before adoption.
func (s *Session) applyDeployment(announced *models.Deployment) {
	fresh, err := s.stores.Deployments.Get(s.ctx, announced.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if s.deployment != nil && s.deployment.ID == announced.ID {
				s.reloadAndRecompute()
			}
			return
		}
		s.logger.Error().Err(err).Str("deployment_id", announced.ID).Msg("Failed to fetch deployment")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return
	}

	if !resolver.Matches(s.device, fresh) {
		if s.deployment != nil && s.deployment.ID == fresh.ID {
			s.reloadAndRecompute()
		}
		return
	}

	prevID := s.currentDeploymentID()
	s.setDeployment(fresh)
	s.afterDeploymentChange(prevID)
}

// reloadAndRecompute refetches the device record and re-resolves its
// deployment from scratch, converging on whatever changed.
func (s *Session) reloadAndRecompute() {
	device, err := s.stores.Devices.Get(s.ctx, s.deviceID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to reload device record")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return
	}
	s.device = device

	prevID := s.currentDeploymentID()
	s.resolveDeployment()
	s.afterDeploymentChange(prevID)
	s.registryUpdate(registry.DeviceInfoUpdate{FirmwareUUID: &device.Firmware.UUID})
	s.schedulePenaltyCheck()
}

// afterDeploymentChange settles shared post-adoption state: topic
// subscription, per-assignment dispatch flags, the registry snapshot and a
// possible archive push.
func (s *Session) afterDeploymentChange(prevID *string) {
	if !sameID(prevID, s.currentDeploymentID()) {
		s.resubscribeDeployment()
		s.updatePushed = false
		s.progressSeen = false
		s.inflightID = ""
	}

	up := registry.DeviceInfoUpdate{
		UpdatesEnabled: boolPtr(s.device.UpdatesEligible(time.Now())),
	}
	if id := s.currentDeploymentID(); id != nil {
		up.DeploymentID = id
	} else {
		up.ClearDeployment = true
	}
	s.registryUpdate(up)

	s.maybePushArchive()
}

// schedulePenaltyCheck arms a one-shot recheck just past the device's
// blocked-until timestamp. Re-arming always cancels the predecessor, so at
// most one penalty timer is live.
func (s *Session) schedulePenaltyCheck() {
	cancelSlot(s.penaltySlot)
	s.penaltySlot = nil

	until := s.device.UpdatesBlockedUntil
	if until == nil || !until.After(time.Now()) {
		return
	}

	delay := time.Until(*until) + s.cfg.PenaltySlack
	s.penaltySlot = s.armTimer(timerPenalty, delay, timerFire{})
	s.logger.Debug().Time("blocked_until", *until).Dur("delay", delay).Msg("Penalty recheck scheduled")
}

// handlePenaltyExpiry rechecks eligibility after the penalty window should
// have passed. The window may have been extended meanwhile; re-arm then.
func (s *Session) handlePenaltyExpiry() {
	if device, err := s.stores.Devices.Get(s.ctx, s.deviceID); err == nil {
		s.device = device
	} else {
		s.logger.Warn().Err(err).Msg("Penalty recheck proceeding on cached device record")
	}

	eligible := s.device.UpdatesEligible(time.Now())
	s.registryUpdate(registry.DeviceInfoUpdate{UpdatesEnabled: &eligible})

	if !eligible && s.device.UpdatesBlockedUntil != nil && s.device.UpdatesBlockedUntil.After(time.Now()) {
		s.schedulePenaltyCheck()
		return
	}
	s.logger.Info().Bool("eligible", eligible).Msg("Penalty window ended")
}

package session

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/benmeehan/iot-hub/internal/audit"
	"github.com/benmeehan/iot-hub/internal/constants"
	"github.com/benmeehan/iot-hub/internal/models"
	"github.com/benmeehan/iot-hub/internal/registry"
	"github.com/benmeehan/iot-hub/internal/resolver"
	"github.com/benmeehan/iot-hub/internal/telemetry"
)

var minArchiveVersion = semver.MustParse(constants.MinArchiveAPIVersion)

// updateAvailable reports whether a firmware push applies right now: the
// resolved deployment still matches, the device may take updates, the
// target firmware differs from what the device runs, and no update attempt
// has been observed on this assignment yet.
func (s *Session) updateAvailable() bool {
	if s.deployment == nil || s.updatePushed {
		return false
	}
	if !resolver.Matches(s.device, s.deployment) {
		return false
	}
	if !s.device.UpdatesEligible(time.Now()) {
		return false
	}
	return s.deployment.FirmwareUUID != s.device.Firmware.UUID
}

// handleCheckForUpdate reacts to the fleet update instruction: dispatch
// when available, stay silent otherwise. The instruction may carry a
// pre-minted inflight token to correlate the rollout.
func (s *Session) handleCheckForUpdate(inflight *models.InflightUpdate) {
	if !s.updateAvailable() {
		s.logger.Debug().Msg("Update instruction ignored, no update available")
		return
	}
	token := ""
	if inflight != nil {
		token = inflight.ID
	}
	s.dispatchUpdate(token)
}

// answerUpdateCheck serves a device-initiated availability ask. Unlike the
// fleet instruction it always answers, pushing an explicit "nothing for
// you" when no update applies.
func (s *Session) answerUpdateCheck() {
	if !s.updateAvailable() {
		if err := s.link.Push(constants.MsgOutUpdate, models.UpdatePayload{UpdateAvailable: false}); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to answer update check")
		}
		return
	}
	s.dispatchUpdate("")
}

// dispatchUpdate records the inflight update and pushes the firmware
// descriptor. An empty token mints a fresh one.
func (s *Session) dispatchUpdate(token string) {
	fw, err := s.stores.Firmwares.Get(s.ctx, s.deployment.FirmwareUUID)
	if err != nil {
		s.logger.Error().Err(err).Str("firmware_uuid", s.deployment.FirmwareUUID).Msg("Failed to load firmware")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return
	}

	url, err := s.blob.FirmwareURL(s.ctx, fw)
	if err != nil {
		s.logger.Error().Err(err).Str("firmware_uuid", fw.UUID).Msg("Failed to resolve firmware URL")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return
	}

	if token == "" {
		token = uuid.New().String()
	}
	record := models.InflightUpdate{
		ID:           token,
		DeviceID:     s.deviceID,
		FirmwareUUID: fw.UUID,
	}
	if err := s.stores.InflightUpdates.Create(s.ctx, record); err != nil {
		s.logger.Error().Err(err).Msg("Failed to create inflight update record")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return
	}

	if err := s.audit.Append(s.ctx, audit.Event{
		DeviceID:    s.deviceID,
		Action:      audit.ActionUpdateDispatched,
		Description: fmt.Sprintf("dispatched firmware %s (%s)", fw.UUID, fw.Version),
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to append audit event")
	}

	payload := models.UpdatePayload{
		UpdateAvailable: true,
		FirmwareURL:     url,
		FirmwareMeta: &models.FirmwareMetadata{
			UUID:         fw.UUID,
			Platform:     fw.Platform,
			Architecture: fw.Architecture,
			Version:      fw.Version,
		},
	}
	if err := s.link.Push(constants.MsgOutUpdate, payload); err != nil {
		s.logger.Error().Err(err).Msg("Failed to push update")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return
	}

	s.updatePushed = true
	s.progressSeen = false
	s.inflightID = token
	s.registryUpdate(registry.DeviceInfoUpdate{Updating: boolPtr(true)})
	telemetry.RecordUpdateDispatched()
	s.logger.Info().
		Str("firmware_uuid", fw.UUID).
		Str("inflight_id", token).
		Msg("Update dispatched")
}

// maybePushArchive pushes the resolved deployment's auxiliary artifact to
// devices new enough to handle it. Recomputed on every state change; the
// last-pushed uuid keeps unchanged recomputes quiet.
func (s *Session) maybePushArchive() {
	if s.deployment == nil || s.deployment.ArchiveID == nil {
		return
	}
	if !s.device.UpdatesEnabled {
		return
	}
	if s.apiVersion == nil || s.apiVersion.LessThan(minArchiveVersion) {
		return
	}

	archive, err := s.stores.Archives.Get(s.ctx, *s.deployment.ArchiveID)
	if err != nil {
		s.logger.Error().Err(err).Str("archive_id", *s.deployment.ArchiveID).Msg("Failed to load archive")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return
	}
	if archive.UUID == s.lastArchivePushed {
		return
	}

	url, err := s.blob.ArchiveURL(s.ctx, archive)
	if err != nil {
		s.logger.Error().Err(err).Str("archive_id", archive.ID).Msg("Failed to resolve archive URL")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return
	}

	desc := models.ArchiveDescriptor{
		UUID:         archive.UUID,
		Version:      archive.Version,
		Platform:     archive.Platform,
		Architecture: archive.Architecture,
		Size:         archive.Size,
		URL:          url,
	}
	if err := s.link.Push(constants.MsgOutArchive, desc); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to push archive")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return
	}
	s.lastArchivePushed = archive.UUID
	s.logger.Info().Str("archive_uuid", archive.UUID).Msg("Archive pushed")
}

package session

import (
	"encoding/json"
	"time"

	"github.com/benmeehan/iot-hub/internal/audit"
	"github.com/benmeehan/iot-hub/internal/bus"
	"github.com/benmeehan/iot-hub/internal/constants"
	"github.com/benmeehan/iot-hub/internal/models"
	"github.com/benmeehan/iot-hub/internal/registry"
	"github.com/benmeehan/iot-hub/internal/telemetry"
)

func (s *Session) handleMessage(msg *inboundMsg) {
	telemetry.RecordMessage(msg.Type)

	if msg.Type == constants.MsgJoin {
		s.handleJoin(msg.Payload)
		return
	}
	if s.state == stateConnecting {
		s.logger.Warn().Str("type", msg.Type).Msg("Message before join, dropping")
		return
	}

	switch msg.Type {
	case constants.MsgFwupProgress:
		s.handleFwupProgress(msg.Payload)
	case constants.MsgLocationUpdate:
		s.handleLocationUpdate(msg.Payload)
	case constants.MsgConnectionTypes:
		s.handleConnectionTypes(msg.Payload)
	case constants.MsgStatusUpdate:
		s.handleStatusUpdate(msg.Payload)
	case constants.MsgCheckUpdate:
		s.answerUpdateCheck()
	case constants.MsgRebooting:
		s.handleRebooting(msg.Payload)
	case constants.MsgScriptRun:
		s.handleScriptResult(msg.Payload)
	case constants.MsgHealthReport:
		s.handleHealthReport(msg.Payload)
	default:
		s.logger.Warn().Str("type", msg.Type).Msg("Unhandled message type")
		s.reporter.CaptureMessage("unhandled device message", map[string]string{
			"device_id": s.deviceID,
			"type":      msg.Type,
		})
		telemetry.RecordUnhandledMessage(msg.Type)
	}
}

// handleFwupProgress tracks an update attempt the device is actually
// performing. Progress also counts as "update observed" so the session
// never pushes the same update into a running apply.
func (s *Session) handleFwupProgress(raw []byte) {
	var progress models.FwupProgress
	if err := json.Unmarshal(raw, &progress); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed fwup progress payload")
		return
	}

	s.updatePushed = true
	if !s.progressSeen {
		s.progressSeen = true
		if s.inflightID != "" {
			if err := s.stores.InflightUpdates.MarkStarted(s.ctx, s.inflightID); err != nil {
				s.logger.Warn().Err(err).Str("inflight_id", s.inflightID).Msg("Failed to mark inflight update started")
			}
		}
		s.registryUpdate(registry.DeviceInfoUpdate{Updating: boolPtr(true)})
	}

	if progress.Value >= 100 {
		if err := s.audit.Append(s.ctx, audit.Event{
			DeviceID:    s.deviceID,
			Action:      audit.ActionUpdateApplied,
			Description: "firmware apply reached 100%",
		}); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to append audit event")
		}
	}

	s.rebroadcast(constants.MsgFwupProgress, raw)
}

func (s *Session) handleLocationUpdate(raw []byte) {
	var loc models.LocationUpdate
	if err := json.Unmarshal(raw, &loc); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed location payload")
		return
	}

	meta := map[string]any{
		"location": map[string]any{
			"latitude":  loc.Latitude,
			"longitude": loc.Longitude,
			"accuracy":  loc.Accuracy,
			"source":    loc.Source,
		},
	}
	if err := s.stores.Devices.MergeMetadata(s.ctx, s.deviceID, meta); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist location")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
	} else {
		s.mergeCachedMetadata(meta)
	}

	if err := s.link.Push(constants.MsgOutLocationUpdated, loc); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to acknowledge location update")
	}
}

func (s *Session) handleConnectionTypes(raw []byte) {
	var ct models.ConnectionTypes
	if err := json.Unmarshal(raw, &ct); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed connection types payload")
		return
	}

	meta := map[string]any{"connection_types": ct.Values}
	if err := s.stores.Devices.MergeMetadata(s.ctx, s.deviceID, meta); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist connection types")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		return
	}
	s.mergeCachedMetadata(meta)
}

func (s *Session) handleStatusUpdate(raw []byte) {
	var status models.StatusUpdate
	if err := json.Unmarshal(raw, &status); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed status payload")
		return
	}
	s.logger.Debug().Str("status", status.Status).Msg("Device status update")
	s.rebroadcast(constants.MsgStatusUpdate, raw)
}

func (s *Session) handleRebooting(raw []byte) {
	if err := s.audit.Append(s.ctx, audit.Event{
		DeviceID:    s.deviceID,
		Action:      audit.ActionDeviceRebooting,
		Description: "device announced reboot",
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to append audit event")
	}
	s.rebroadcast(constants.MsgRebooting, raw)
}

// handleHealthReport persists the report as two independent writes: the
// health snapshot and the raw metric points. Either failing never takes
// the session down.
func (s *Session) handleHealthReport(raw []byte) {
	var report models.HealthReport
	if err := json.Unmarshal(raw, &report); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed health report payload")
		return
	}
	now := time.Now()

	health := models.DeviceHealth{
		DeviceID:   s.deviceID,
		Firmware:   s.device.Firmware,
		Metadata:   report.Value.Metadata,
		ReportedAt: now,
	}
	if err := s.stores.Devices.SaveHealth(s.ctx, health); err != nil {
		s.logger.Error().Err(err).Msg("Failed to save device health")
		s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
	}

	for key, value := range report.Value.Metrics {
		err := s.stores.Metrics.Insert(s.ctx, models.Metric{
			DeviceID:  s.deviceID,
			Key:       key,
			Value:     value,
			Timestamp: now,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("Failed to insert metric")
			s.reporter.CaptureException(err, map[string]string{"device_id": s.deviceID})
		}
	}

	telemetry.RecordHealthReport()
}

// pushHealthCheck asks the device for a fresh health report.
func (s *Session) pushHealthCheck() {
	if s.state == stateConnecting {
		return
	}
	if err := s.link.Push(constants.MsgOutCheckHealth, struct{}{}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to push health check")
	}
}

// rebroadcast mirrors device activity onto the device's bus topic so
// consoles watching it see live traffic. Sessions ignore report events,
// including their own.
func (s *Session) rebroadcast(kind string, raw []byte) {
	evt := bus.Event{
		Type:     bus.TypeDeviceReport,
		DeviceID: s.deviceID,
		Kind:     kind,
		Payload:  json.RawMessage(raw),
	}
	if err := s.bus.Publish(bus.DeviceTopic(s.deviceID), evt); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to re-broadcast device report")
	}
}

// registryUpdate merges into this session's registry entry. Sessions that
// have not won registration yet must not touch the entry: it still belongs
// to whichever session holds it.
func (s *Session) registryUpdate(up registry.DeviceInfoUpdate) {
	if !s.registered {
		return
	}
	if !s.registry.Update(s.deviceID, up) {
		s.logger.Debug().Msg("Registry update skipped, entry missing")
	}
}

func boolPtr(b bool) *bool { return &b }

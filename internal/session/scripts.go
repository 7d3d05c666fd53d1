package session

import (
	"encoding/json"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/benmeehan/iot-hub/internal/constants"
	"github.com/benmeehan/iot-hub/internal/models"
	"github.com/benmeehan/iot-hub/internal/telemetry"
)

var minScriptVersion = semver.MustParse(constants.MinScriptAPIVersion)

// handleScriptRequest pushes script text to the device and registers a
// waiter keyed by a fresh correlation ref. The caller's done channel is
// answered exactly once: by the device's reply, by the timeout, or by
// teardown.
func (s *Session) handleScriptRequest(req *scriptRequest) {
	if s.apiVersion == nil || s.apiVersion.LessThan(minScriptVersion) {
		telemetry.RecordScript(telemetry.ScriptResultUnsupported)
		req.done <- scriptOutcome{err: ErrUnsupportedVersion}
		return
	}

	token := uuid.New().String()[:8]
	push := models.ScriptRequest{Text: req.text, Ref: token}
	if err := s.link.Push(constants.MsgScriptRun, push); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to push script")
		req.done <- scriptOutcome{err: err}
		return
	}

	fire := timerFire{kind: timerScript, token: token}
	timer := time.AfterFunc(s.cfg.ScriptTimeout, func() {
		s.enqueue(item{timer: &fire})
	})
	s.waiters[token] = &scriptWaiter{done: req.done, timer: timer}
	s.logger.Debug().Str("ref", token).Msg("Script pushed")
}

// handleScriptResult routes a device's script answer to its waiter.
// Answers for unknown refs (late, duplicated, or from before a reconnect)
// are dropped.
func (s *Session) handleScriptResult(payload json.RawMessage) {
	var result models.ScriptResult
	if err := json.Unmarshal(payload, &result); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed script result")
		return
	}

	w, ok := s.waiters[result.Ref]
	if !ok {
		s.logger.Debug().Str("ref", result.Ref).Msg("Script result for unknown ref, dropping")
		return
	}
	delete(s.waiters, result.Ref)
	w.timer.Stop()
	w.done <- scriptOutcome{result: &result}
	telemetry.RecordScript(telemetry.ScriptResultCompleted)
}

// handleScriptTimeout fails a waiter whose device never answered. A fire
// whose ref already left the map lost the race to a real result.
func (s *Session) handleScriptTimeout(token string) {
	w, ok := s.waiters[token]
	if !ok {
		return
	}
	delete(s.waiters, token)
	w.done <- scriptOutcome{err: ErrScriptTimeout}
	telemetry.RecordScript(telemetry.ScriptResultTimeout)
	s.logger.Warn().Str("ref", token).Msg("Script timed out")
}

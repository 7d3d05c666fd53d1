package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-hub/internal/constants"
	"github.com/benmeehan/iot-hub/internal/models"
	"github.com/benmeehan/iot-hub/internal/telemetry"
	"github.com/benmeehan/iot-hub/pkg/mqtt"
)

// Manager owns the gateway subscription and the table of live sessions.
// Sessions spawn on join and die with their connection; every other device
// message is routed to the existing session or dropped.
type Manager struct {
	cfg        Config
	deps       Deps
	mqttClient mqtt.MQTTClient
	sessions   cmap.ConcurrentMap[string, *Session]
	logger     zerolog.Logger
	started    bool
}

// NewManager wires the gateway against a connected MQTT client.
func NewManager(cfg Config, deps Deps, mqttClient mqtt.MQTTClient) *Manager {
	return &Manager{
		cfg:        cfg,
		deps:       deps,
		mqttClient: mqttClient,
		sessions:   cmap.New[*Session](),
		logger:     deps.Logger.With().Str("component", "session-manager").Logger(),
	}
}

// Start subscribes to the device gateway topic and begins routing.
func (m *Manager) Start() error {
	if m.started {
		return errors.New("session manager is already running")
	}

	topic := m.gatewayTopic()
	token := m.mqttClient.Subscribe(topic, m.cfg.QOS, m.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	m.started = true
	m.logger.Info().Str("topic", topic).Msg("Session manager started")
	return nil
}

// Stop unsubscribes the gateway and tears down every live session, waiting
// for each to finish.
func (m *Manager) Stop() error {
	if !m.started {
		return errors.New("session manager is not running")
	}

	if token := m.mqttClient.Unsubscribe(m.gatewayTopic()); token.Wait() && token.Error() != nil {
		m.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe gateway topic")
	}

	snapshot := m.sessions.Items()
	for _, sess := range snapshot {
		sess.Close()
	}
	for _, sess := range snapshot {
		<-sess.Done()
	}

	m.started = false
	m.logger.Info().Msg("Session manager stopped")
	return nil
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	return m.sessions.Count()
}

// RunScript pushes script text to a connected device and waits for its
// output.
func (m *Manager) RunScript(ctx context.Context, deviceID, text string) (*models.ScriptResult, error) {
	sess, ok := m.sessions.Get(deviceID)
	if !ok {
		telemetry.RecordScript(telemetry.ScriptResultNotConnected)
		return nil, ErrNotConnected
	}

	req := &scriptRequest{text: text, done: make(chan scriptOutcome, 1)}
	if err := sess.submitScript(req); err != nil {
		telemetry.RecordScript(telemetry.ScriptResultNotConnected)
		return nil, err
	}

	select {
	case out := <-req.done:
		return out.result, out.err
	case <-sess.Done():
		// The session died before answering. An answer that raced the
		// teardown still wins.
		select {
		case out := <-req.done:
			return out.result, out.err
		default:
		}
		telemetry.RecordScript(telemetry.ScriptResultNotConnected)
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) gatewayTopic() string {
	return fmt.Sprintf("%s/devices/+/in/#", m.cfg.TopicPrefix)
}

// splitTopic extracts the device id and message type from an inbound topic
// <prefix>/devices/<id>/in/<type>. The type may itself contain slashes.
func (m *Manager) splitTopic(topic string) (deviceID, msgType string, ok bool) {
	rest, found := strings.CutPrefix(topic, m.cfg.TopicPrefix+"/devices/")
	if !found {
		return "", "", false
	}
	deviceID, msgType, found = strings.Cut(rest, "/in/")
	if !found || deviceID == "" || msgType == "" {
		return "", "", false
	}
	return deviceID, msgType, true
}

// onMessage runs on the MQTT client's delivery goroutine. It only parses
// the topic and hands the payload to the owning session.
func (m *Manager) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	deviceID, msgType, ok := m.splitTopic(msg.Topic())
	if !ok {
		m.logger.Warn().Str("topic", msg.Topic()).Msg("Message on unexpected topic, dropping")
		return
	}

	switch msgType {
	case constants.MsgDisconnect:
		// The broker's last-will publish, or the device saying goodbye. The
		// connection is already gone, so skip the mailbox and tear down
		// directly.
		if sess, ok := m.sessions.Get(deviceID); ok {
			sess.Close()
		}
	case constants.MsgJoin:
		m.sessionForJoin(deviceID).enqueueMsg(msgType, msg.Payload())
	default:
		sess, ok := m.sessions.Get(deviceID)
		if !ok {
			m.logger.Warn().
				Str("device_id", deviceID).
				Str("type", msgType).
				Msg("Message from device without session, dropping")
			return
		}
		sess.enqueueMsg(msgType, msg.Payload())
	}
}

// sessionForJoin returns the device's session, spawning one when absent.
// Concurrent joins race on the insert; losers are discarded before start.
func (m *Manager) sessionForJoin(deviceID string) *Session {
	for {
		if sess, ok := m.sessions.Get(deviceID); ok {
			return sess
		}
		sess := newSession(deviceID, m.cfg, m.linkFor(deviceID), m.deps, m.onSessionClose)
		if m.sessions.SetIfAbsent(deviceID, sess) {
			sess.start()
			return sess
		}
		sess.cancel()
	}
}

// onSessionClose removes the session from the table, but only if it still
// owns its slot. A replacement spawned after a Close must not be evicted.
func (m *Manager) onSessionClose(s *Session) {
	m.sessions.RemoveCb(s.deviceID, func(_ string, cur *Session, exists bool) bool {
		return exists && cur == s
	})
}

func (m *Manager) linkFor(deviceID string) DeviceLink {
	return &mqttLink{
		client: m.mqttClient,
		topic:  fmt.Sprintf("%s/devices/%s/out", m.cfg.TopicPrefix, deviceID),
		qos:    m.cfg.QOS,
	}
}

// mqttLink pushes session output over the shared MQTT connection.
type mqttLink struct {
	client mqtt.MQTTClient
	topic  string
	qos    byte
}

func (l *mqttLink) Push(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	token := l.client.Publish(l.topic+"/"+msgType, l.qos, false, data)
	token.Wait()
	return token.Error()
}

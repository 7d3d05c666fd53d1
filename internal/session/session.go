// Package session holds the per-device coordinators and the gateway that
// feeds them. Each connected device gets one Session running one goroutine;
// everything a session reacts to (inbound messages, fleet broadcasts, timer
// fires, script requests) arrives as an item in its bounded mailbox, so
// session state needs no locks.
package session

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-hub/internal/audit"
	"github.com/benmeehan/iot-hub/internal/bus"
	"github.com/benmeehan/iot-hub/internal/constants"
	"github.com/benmeehan/iot-hub/internal/models"
	"github.com/benmeehan/iot-hub/internal/registry"
	"github.com/benmeehan/iot-hub/internal/reporting"
	"github.com/benmeehan/iot-hub/internal/store"
	"github.com/benmeehan/iot-hub/internal/telemetry"
	"github.com/benmeehan/iot-hub/pkg/blob"
)

var (
	// ErrNotConnected is returned when the target device has no live session.
	ErrNotConnected = errors.New("device not connected")

	// ErrUnsupportedVersion is returned when the device's negotiated API
	// version is too old for the requested feature.
	ErrUnsupportedVersion = errors.New("device API version too old")

	// ErrScriptTimeout is returned when a device never answers a script push.
	ErrScriptTimeout = errors.New("script execution timed out")
)

// DeviceLink pushes outbound messages to one device.
type DeviceLink interface {
	Push(msgType string, payload any) error
}

// JitterFn draws the random delay applied before reacting to fleet
// broadcasts. The default is uniform in [0, max).
type JitterFn func(max time.Duration) time.Duration

func defaultJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Config carries the session tunables.
type Config struct {
	TopicPrefix           string
	QOS                   byte
	MailboxSize           int
	RegistrationAttempts  int
	RegistrationDelay     time.Duration
	ReassignmentJitterMax time.Duration
	PenaltySlack          time.Duration
	ScriptTimeout         time.Duration
	HealthInterval        time.Duration
}

// Deps bundles the collaborators sessions work against.
type Deps struct {
	Stores   store.Stores
	Registry *registry.Registry
	Bus      bus.Bus
	Audit    audit.Log
	Reporter reporting.Reporter
	Blob     blob.Resolver
	Logger   zerolog.Logger
	Jitter   JitterFn
}

type state int

const (
	stateConnecting state = iota
	stateJoined
	stateRegistering
	stateRegistered
)

// inboundMsg is one device publish, already stripped to type + payload.
type inboundMsg struct {
	Type    string
	Payload []byte
}

type timerKind int

const (
	timerRecompute timerKind = iota
	timerPenalty
	timerRegister
	timerScript
)

type timerFire struct {
	kind       timerKind
	seq        uint64
	deployment *models.Deployment
	token      string
}

// timerSlot tracks the one pending timer of a kind. seq guards against
// fires from a timer that was cancelled after it already went off.
type timerSlot struct {
	timer *time.Timer
	seq   uint64
	full  bool
}

type scriptOutcome struct {
	result *models.ScriptResult
	err    error
}

type scriptRequest struct {
	text string
	done chan scriptOutcome
}

type scriptWaiter struct {
	done  chan scriptOutcome
	timer *time.Timer
}

// item is the mailbox union; exactly one field is set.
type item struct {
	msg    *inboundMsg
	event  *bus.Event
	timer  *timerFire
	script *scriptRequest
}

// Session coordinates one connected device. All fields below the mailbox
// are owned by the run goroutine.
type Session struct {
	deviceID string
	cfg      Config
	link     DeviceLink
	stores   store.Stores
	registry *registry.Registry
	bus      bus.Bus
	audit    audit.Log
	reporter reporting.Reporter
	blob     blob.Resolver
	logger   zerolog.Logger
	jitter   JitterFn

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan item
	done    chan struct{}
	onClose func(*Session)

	state             state
	device            *models.Device
	deployment        *models.Deployment
	apiVersion        *semver.Version
	registered        bool
	regAttempts       int
	updatePushed      bool
	progressSeen      bool
	inflightID        string
	lastArchivePushed string

	deviceSub bus.Subscription
	deploySub bus.Subscription

	timerSeq      uint64
	recomputeSlot *timerSlot
	penaltySlot   *timerSlot
	registerSlot  *timerSlot

	waiters map[string]*scriptWaiter
}

func newSession(deviceID string, cfg Config, link DeviceLink, deps Deps, onClose func(*Session)) *Session {
	jitter := deps.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		deviceID: deviceID,
		cfg:      cfg,
		link:     link,
		stores:   deps.Stores,
		registry: deps.Registry,
		bus:      deps.Bus,
		audit:    deps.Audit,
		reporter: deps.Reporter,
		blob:     deps.Blob,
		logger:   deps.Logger.With().Str("component", "session").Str("device_id", deviceID).Logger(),
		jitter:   jitter,
		ctx:      ctx,
		cancel:   cancel,
		mailbox:  make(chan item, cfg.MailboxSize),
		done:     make(chan struct{}),
		onClose:  onClose,
		waiters:  make(map[string]*scriptWaiter),
	}
}

func (s *Session) start() {
	telemetry.SessionStarted()
	s.logger.Info().Msg("Session started")
	go s.run()
}

func (s *Session) run() {
	defer s.teardown()

	var healthC <-chan time.Time
	if s.cfg.HealthInterval > 0 {
		ticker := time.NewTicker(s.cfg.HealthInterval)
		defer ticker.Stop()
		healthC = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case it := <-s.mailbox:
			s.handle(it)
		case <-healthC:
			s.pushHealthCheck()
		}
	}
}

func (s *Session) handle(it item) {
	switch {
	case it.msg != nil:
		s.handleMessage(it.msg)
	case it.event != nil:
		s.handleBusEvent(*it.event)
	case it.timer != nil:
		s.handleTimerFire(*it.timer)
	case it.script != nil:
		s.handleScriptRequest(it.script)
	}
}

// Close requests teardown. Safe to call from any goroutine, repeatedly.
func (s *Session) Close() {
	s.cancel()
}

// Done closes once the session has fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// DeviceID returns the device this session serves.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// enqueue hands an item to the run goroutine without blocking. Items for a
// closed session, or arriving on a full mailbox, are dropped.
func (s *Session) enqueue(it item) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.mailbox <- it:
		return true
	default:
		telemetry.RecordMailboxDrop()
		s.logger.Warn().Msg("Session mailbox full, dropping item")
		return false
	}
}

func (s *Session) enqueueMsg(msgType string, payload []byte) {
	s.enqueue(item{msg: &inboundMsg{Type: msgType, Payload: payload}})
}

// onBusEvent runs on the bus delivery goroutine; it filters and hands off.
func (s *Session) onBusEvent(evt bus.Event) {
	if evt.Type == bus.TypeDeviceReport {
		return
	}
	s.enqueue(item{event: &evt})
}

// armTimer starts the one pending timer for a slot. The caller cancels any
// predecessor first.
func (s *Session) armTimer(kind timerKind, delay time.Duration, fire timerFire) *timerSlot {
	s.timerSeq++
	fire.kind = kind
	fire.seq = s.timerSeq
	slot := &timerSlot{seq: s.timerSeq}
	slot.timer = time.AfterFunc(delay, func() {
		s.enqueue(item{timer: &fire})
	})
	return slot
}

func cancelSlot(slot *timerSlot) {
	if slot != nil {
		slot.timer.Stop()
	}
}

// current reports whether a fire belongs to the slot's live timer.
func (slot *timerSlot) current(fire timerFire) bool {
	return slot != nil && slot.seq == fire.seq
}

func (s *Session) handleTimerFire(fire timerFire) {
	switch fire.kind {
	case timerRecompute:
		if !s.recomputeSlot.current(fire) {
			return
		}
		s.recomputeSlot = nil
		if fire.deployment != nil {
			s.applyDeployment(fire.deployment)
		} else {
			s.reloadAndRecompute()
		}
	case timerPenalty:
		if !s.penaltySlot.current(fire) {
			return
		}
		s.penaltySlot = nil
		s.handlePenaltyExpiry()
	case timerRegister:
		if !s.registerSlot.current(fire) {
			return
		}
		s.registerSlot = nil
		s.attemptRegistration()
	case timerScript:
		s.handleScriptTimeout(fire.token)
	}
}

func (s *Session) teardown() {
	cancelSlot(s.recomputeSlot)
	cancelSlot(s.penaltySlot)
	cancelSlot(s.registerSlot)

	for token, w := range s.waiters {
		w.timer.Stop()
		delete(s.waiters, token)
		w.done <- scriptOutcome{err: ErrNotConnected}
		telemetry.RecordScript(telemetry.ScriptResultNotConnected)
	}

	if s.deviceSub != nil {
		if err := s.deviceSub.Unsubscribe(); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to unsubscribe device topic")
		}
	}
	if s.deploySub != nil {
		if err := s.deploySub.Unsubscribe(); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to unsubscribe deployment topic")
		}
	}

	if s.registered {
		s.registry.Remove(s.deviceID)
	}

	telemetry.SessionClosed()
	s.logger.Info().Msg("Session closed")
	if s.onClose != nil {
		s.onClose(s)
	}
	close(s.done)
}

// submitScript hands a script request to the run goroutine.
func (s *Session) submitScript(req *scriptRequest) error {
	if !s.enqueue(item{script: req}) {
		return ErrNotConnected
	}
	return nil
}

// parseAPIVersion negotiates the device API version at join, falling back
// to the default for devices that predate version reporting.
func parseAPIVersion(raw string, logger zerolog.Logger) *semver.Version {
	if raw == "" {
		raw = constants.DefaultDeviceAPIVersion
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		logger.Warn().Str("version", raw).Msg("Unparseable device API version, assuming default")
		v = semver.MustParse(constants.DefaultDeviceAPIVersion)
	}
	return v
}

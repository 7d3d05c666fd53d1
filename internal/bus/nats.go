package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS implements Bus over a core NATS connection. Delivery is
// at-most-once; handlers are written to tolerate duplicates and drops, so
// no JetStream persistence is involved.
type NATS struct {
	conn     *nats.Conn
	ownsConn bool
	logger   zerolog.Logger
}

// NewNATS connects to the given NATS URL and returns a Bus backed by it.
// The connection is owned by the returned bus and closed by Close.
func NewNATS(url string, logger zerolog.Logger, extraOpts ...nats.Option) (*NATS, error) {
	logger = logger.With().Str("component", "bus").Logger()

	opts := []nats.Option{
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS async error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	opts = append(opts, extraOpts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")

	return &NATS{conn: nc, ownsConn: true, logger: logger}, nil
}

// NewNATSWithConn wraps an existing connection. Close leaves the
// connection open for its real owner.
func NewNATSWithConn(nc *nats.Conn, logger zerolog.Logger) *NATS {
	return &NATS{
		conn:   nc,
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

// Publish marshals the event as JSON and publishes it on the topic.
func (b *NATS) Publish(topic string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for the topic. Malformed payloads are
// logged and dropped rather than crashing the subscriber.
func (b *NATS) Subscribe(topic string, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(topic, func(m *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(m.Data, &evt); err != nil {
			b.logger.Warn().Err(err).Str("topic", m.Subject).Msg("Dropping undecodable bus event")
			return
		}
		h(evt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains in-flight messages and closes the connection if this bus
// owns it.
func (b *NATS) Close() {
	if !b.ownsConn {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("NATS drain failed, closing hard")
		b.conn.Close()
	}
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

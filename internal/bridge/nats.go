package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/quickio/quickio/internal/monitoring"
)

// Broadcaster is the piece of the broker the bridge feeds.
type Broadcaster interface {
	Broadcast(path, json string) error
}

// Bridge republishes NATS subjects into the broadcast pipeline, so
// backend services can push to subscribed clients without speaking any
// of the broker's client dialects.
//
// Subject mapping: "<prefix>.a.b" becomes the event path "/a/b".
type Bridge struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	prefix string
	target Broadcaster
	logger zerolog.Logger
}

// New connects to NATS. The connection reconnects forever; the broker
// keeps serving its own clients while the bus is away.
func New(url, prefix string, target Broadcaster, logger zerolog.Logger) (*Bridge, error) {
	log := logger.With().Str("component", "bridge").Logger()

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	return &Bridge{
		conn:   conn,
		prefix: prefix,
		target: target,
		logger: log,
	}, nil
}

// Start subscribes to the bridged subject space.
func (b *Bridge) Start() error {
	sub, err := b.conn.Subscribe(b.prefix+".>", b.handle)
	if err != nil {
		b.conn.Close()
		return fmt.Errorf("subscribe %s.>: %w", b.prefix, err)
	}
	b.sub = sub
	b.logger.Info().Str("subject", b.prefix+".>").Msg("Bridge subscribed")
	return nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	suffix := strings.TrimPrefix(msg.Subject, b.prefix+".")
	path := "/" + strings.ReplaceAll(suffix, ".", "/")

	monitoring.BridgeMessages.WithLabelValues("nats").Inc()
	if err := b.target.Broadcast(path, string(msg.Data)); err != nil {
		b.logger.Debug().
			Str("subject", msg.Subject).
			Str("path", path).
			Err(err).
			Msg("Bridge message dropped")
	}
}

// Close drains the subscription so in-flight messages are delivered
// before the connection goes away.
func (b *Bridge) Close() {
	if b.sub != nil {
		b.sub.Drain()
	}
	b.conn.Drain()
	b.conn.Close()
}

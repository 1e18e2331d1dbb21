package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSPublisher publishes lifecycle events on a NATS connection, one subject
// per event type under a configurable prefix.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// NewNATSPublisher wires a connected NATS client into a Publisher.
func NewNATSPublisher(conn *nats.Conn, prefix string, logger zerolog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "paymatch"
	}
	return &NATSPublisher{
		conn:   conn,
		prefix: strings.TrimRight(prefix, "."),
		logger: logger.With().Str("component", "events_nats").Logger(),
	}
}

// Publish implements Publisher. The subject is "<prefix>.<event type>", e.g.
// "paymatch.order.settled".
func (p *NATSPublisher) Publish(_ context.Context, event OrderEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	subject := p.prefix + "." + event.Type
	if err := p.conn.Publish(subject, body); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.logger.Debug().
		Str("subject", subject).
		Stringer("order_id", event.OrderID).
		Str("status", string(event.Status)).
		Msg("event published")
	return nil
}

var _ Publisher = (*NATSPublisher)(nil)

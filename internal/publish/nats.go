package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"gridmix/internal/refresh"
)

// DefaultSubject is the subject refresh events are published on.
const DefaultSubject = "gridmix.refresh.completed"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string
	Subject        string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// EventPublisher publishes one Event per successful cycle.
type EventPublisher struct {
	conn    *nats.Conn
	subject string
	now     func() time.Time
}

// NewEventPublisher connects to NATS.
func NewEventPublisher(cfg NATSConfig) (*EventPublisher, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Name == "" {
		cfg.Name = "gridmix"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &EventPublisher{conn: conn, subject: cfg.Subject, now: time.Now}, nil
}

// Name implements refresh.Sink.
func (p *EventPublisher) Name() string {
	return "nats"
}

// Subject returns the subject events are published on.
func (p *EventPublisher) Subject() string {
	return p.subject
}

// Publish sends the event for u and waits for the server to acknowledge the flush.
func (p *EventPublisher) Publish(ctx context.Context, u *refresh.Update) error {
	payload, err := json.Marshal(NewEvent(u, p.now()))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.conn.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *EventPublisher) Close() error {
	return p.conn.Drain()
}

var _ refresh.Sink = (*EventPublisher)(nil)

// Package events publishes request lifecycle changes for other services.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is followed by the request status, e.g. piguard.requests.completed.
const SubjectPrefix = "piguard.requests."

// Event describes one lifecycle change.
type Event struct {
	Type      string    `json:"type"` // submitted, approved, completed, failed, amended
	RequestID string    `json:"requestId"`
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	Actor     string    `json:"actor,omitempty"`
	PaymentID string    `json:"paymentId,omitempty"`
	At        time.Time `json:"at"`
}

// Subject returns the NATS subject for ev.
func (ev Event) Subject() string {
	return SubjectPrefix + ev.Status
}

// Publisher sends lifecycle events. Publishing is best effort: callers log
// failures and carry on, the stored request is the source of truth.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Multi publishes every event to each publisher in turn.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NATSPublisher publishes JSON events to NATS core subjects.
type NATSPublisher struct {
	conn *nats.Conn
}

// Connect dials url with unlimited reconnects.
func Connect(url string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("piguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(ev.Subject(), data)
}

// PingContext flushes the connection, for the readiness check.
func (p *NATSPublisher) PingContext(ctx context.Context) error {
	if p.conn.Status() != nats.CONNECTED {
		return errors.New("nats: " + p.conn.Status().String())
	}
	return p.conn.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// Recorder keeps events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns what has been published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Package webhooks posts request lifecycle events to an external endpoint,
// such as a staff chat bridge. Deliveries are signed with HMAC-SHA256 so
// the receiver can check they came from us.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/piguard/internal/events"
	"github.com/mbd888/piguard/internal/retry"
)

// Header names set on every delivery.
const (
	HeaderEvent     = "X-PiGuard-Event"
	HeaderTimestamp = "X-PiGuard-Timestamp"
	HeaderSignature = "X-PiGuard-Signature"
)

const deliveryTimeout = 30 * time.Second

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("webhooks: dispatcher closed")

// Dispatcher delivers events to one URL. It implements events.Publisher;
// Publish returns at once and delivery happens in the background.
type Dispatcher struct {
	url    string
	secret string
	client *http.Client
	policy retry.Policy
	logger *slog.Logger

	mu     sync.Mutex // guards closed against wg.Add racing Close
	closed bool
	wg     sync.WaitGroup
	failed atomic.Int64
}

// NewDispatcher creates a dispatcher for url. An empty secret sends
// deliveries unsigned.
func NewDispatcher(url, secret string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy: retry.Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		logger: logger,
	}
}

// Publish queues ev for delivery.
func (d *Dispatcher) Publish(_ context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	webhookEmitTotal.WithLabelValues(ev.Type).Inc()
	go func() {
		defer d.wg.Done()
		d.deliver(ev, payload)
	}()
	return nil
}

// Close waits for in-flight deliveries.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

// Failed reports how many deliveries gave up.
func (d *Dispatcher) Failed() int64 {
	return d.failed.Load()
}

func (d *Dispatcher) deliver(ev events.Event, payload []byte) {
	// Detached from the request that caused the event.
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return d.send(ctx, ev, payload)
	})
	if err != nil {
		d.failed.Add(1)
		webhookEmitErrors.WithLabelValues(ev.Type).Inc()
		d.logger.Warn("webhook delivery failed", "event", ev.Type, "request", ev.RequestID, "error", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, ev events.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}

	ts := strconv.FormatInt(ev.At.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderTimestamp, ts)
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(d.secret, ts, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("webhook: status %d", resp.StatusCode))
	}
}

// Sign returns the signature header value for payload sent at ts:
// "sha256=" followed by the hex HMAC of "<ts>.<payload>".
func Sign(secret, ts string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ts))
	h.Write([]byte{'.'})
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret, ts string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, ts, payload)), []byte(signature))
}

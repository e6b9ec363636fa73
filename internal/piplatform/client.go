// Package piplatform calls the wallet network platform API on behalf of the
// backend: verifying user access tokens and approving, completing or
// cancelling payments.
//
// User calls authenticate with the user's access token ("Bearer"); payment
// calls authenticate with the app's server API key ("Key").
package piplatform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/piguard/internal/circuitbreaker"
	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/metrics"
	"github.com/mbd888/piguard/internal/retry"
	"github.com/mbd888/piguard/internal/traces"
	"github.com/mbd888/piguard/internal/walletsdk"
)

// Error codes the platform answers when a payment already moved on.
const (
	CodeAlreadyApproved  = "already_approved"
	CodeAlreadyCompleted = "already_completed"
	CodeAlreadyCancelled = "already_cancelled"
)

// APIError is a non-2xx platform answer. It matches the failure sentinel
// for its status class.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("platform %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("platform %d %s", e.Status, e.Code)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return failure.ErrBackendRejected
	case e.Status == http.StatusNotFound:
		return failure.ErrNotFound
	case e.Status == http.StatusTooManyRequests || e.Status >= 500:
		return failure.ErrNetwork
	case strings.HasPrefix(e.Code, "already_"):
		return failure.ErrInvalidTransition
	default:
		return failure.ErrValidation
	}
}

// IsAlreadyDone reports whether err says the payment had already reached
// the state a call asked for.
func IsAlreadyDone(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case CodeAlreadyApproved, CodeAlreadyCompleted, CodeAlreadyCancelled:
		return true
	}
	return false
}

// Client talks to the platform API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
}

// NewClient creates a platform client. timeout bounds each attempt.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	b := circuitbreaker.New(5, 30*time.Second)
	b.IsFailure = func(err error) bool {
		return failure.Retryable(err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		breaker: b,
		policy:  retry.Default,
		logger:  logger,
	}
}

// Me resolves a user access token to its owner.
func (c *Client) Me(ctx context.Context, accessToken string) (walletsdk.User, error) {
	var u walletsdk.User
	err := c.call(ctx, "me", http.MethodGet, "/v2/me", "Bearer "+accessToken, nil, &u)
	if err != nil {
		return walletsdk.User{}, err
	}
	if u.UID == "" {
		return walletsdk.User{}, fmt.Errorf("%w: platform returned no uid", failure.ErrBackendRejected)
	}
	return u, nil
}

// GetPayment fetches a payment.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*walletsdk.Payment, error) {
	var p walletsdk.Payment
	if err := c.call(ctx, "get_payment", http.MethodGet, paymentPath(paymentID, ""), c.keyAuth(), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ApprovePayment marks the payment approved by the app.
func (c *Client) ApprovePayment(ctx context.Context, paymentID string) (*walletsdk.Payment, error) {
	var p walletsdk.Payment
	if err := c.call(ctx, "approve", http.MethodPost, paymentPath(paymentID, "/approve"), c.keyAuth(), struct{}{}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CompletePayment acknowledges the on-network transaction txid.
func (c *Client) CompletePayment(ctx context.Context, paymentID, txid string) (*walletsdk.Payment, error) {
	var p walletsdk.Payment
	body := map[string]string{"txid": txid}
	if err := c.call(ctx, "complete", http.MethodPost, paymentPath(paymentID, "/complete"), c.keyAuth(), body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CancelPayment cancels a payment the app will not complete.
func (c *Client) CancelPayment(ctx context.Context, paymentID string) (*walletsdk.Payment, error) {
	var p walletsdk.Payment
	if err := c.call(ctx, "cancel", http.MethodPost, paymentPath(paymentID, "/cancel"), c.keyAuth(), struct{}{}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PingContext checks that the platform answers at all.
func (c *Client) PingContext(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/v2", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: platform status %d", failure.ErrNetwork, resp.StatusCode)
	}
	return nil
}

func (c *Client) keyAuth() string { return "Key " + c.apiKey }

func paymentPath(id, action string) string {
	return "/v2/payments/" + url.PathEscape(id) + action
}

// call runs one logical request with retries behind the endpoint's breaker.
func (c *Client) call(ctx context.Context, endpoint, method, path, authorization string, in, out any) (err error) {
	ctx, span := traces.StartSpan(ctx, "piplatform."+endpoint, traces.Endpoint(endpoint))
	defer func() { traces.End(span, err) }()

	var payload []byte
	if in != nil {
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s request: %w", endpoint, err)
		}
	}

	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		err := c.breaker.Do(ctx, endpoint, func(ctx context.Context) error {
			return c.once(ctx, endpoint, method, path, authorization, payload, out)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(fmt.Errorf("%w: platform %s unavailable: %v", failure.ErrNetwork, endpoint, err))
		}
		return retry.Classify(err)
	})
}

func (c *Client) once(ctx context.Context, endpoint, method, path, authorization string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.PlatformCallDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		return classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.PlatformCallDuration.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classifyTransport(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var wire struct {
			Error        string `json:"error"`
			ErrorMessage string `json:"error_message"`
		}
		if json.Unmarshal(raw, &wire) == nil {
			apiErr.Code = wire.Error
			apiErr.Message = wire.ErrorMessage
		}
		if apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug("platform call failed", "endpoint", endpoint, "status", resp.StatusCode, "code", apiErr.Code)
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", failure.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", failure.ErrNetwork, err)
}

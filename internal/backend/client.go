// Package backend is the client core's HTTP client for the piguard API.
//
// The bearer token is never passed around: every request goes through a
// session.Transport that reads it from the session store at send time.
// Error bodies ({"error": "<code>", "message": "..."}) come back as
// *APIError values that match the failure sentinel for their code.
package backend

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

	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/retry"
	"github.com/mbd888/piguard/internal/session"
	"github.com/mbd888/piguard/internal/walletsdk"
	"github.com/mbd888/piguard/internal/wire"
)

// DefaultTimeout bounds each call when none is configured.
const DefaultTimeout = 20 * time.Second

const maxResponseBytes = 1 << 20

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend %d %s", e.Status, e.Code)
}

// Unwrap maps the wire code to its sentinel, falling back to the status
// class for codes the taxonomy does not know.
func (e *APIError) Unwrap() error {
	if err := failure.FromCode(e.Code); err != nil {
		return err
	}
	switch {
	case e.Status == http.StatusUnauthorized:
		return failure.ErrUnauthenticated
	case e.Status == http.StatusForbidden:
		return failure.ErrForbidden
	case e.Status == http.StatusNotFound:
		return failure.ErrNotFound
	case e.Status == http.StatusConflict:
		return failure.ErrInvalidTransition
	case e.Status == http.StatusGatewayTimeout:
		return failure.ErrTimeout
	case e.Status == http.StatusTooManyRequests || e.Status >= 500:
		return failure.ErrNetwork
	case e.Status >= 400:
		return failure.ErrValidation
	}
	return nil
}

// Client calls the backend API.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	policy  retry.Policy
	logger  *slog.Logger
}

// NewClient creates a client that authorizes requests from store. timeout
// bounds each call, retries included.
func NewClient(baseURL string, store *session.Store, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: &session.Transport{Store: store}},
		timeout: timeout,
		policy:  retry.Default,
		logger:  logger,
	}
}

type signInResponse struct {
	Token string          `json:"token"`
	User  session.Profile `json:"user"`
}

// ExchangeCredential trades a wallet credential for a bearer token and the
// user profile. Any refusal is reported as failure.ErrBackendRejected.
func (c *Client) ExchangeCredential(ctx context.Context, cred walletsdk.AuthCredential) (string, session.Profile, error) {
	var out signInResponse
	err := c.do(ctx, http.MethodPost, "/v1/auth/signin", nil, cred, &out)
	if err != nil {
		if k := failure.KindOf(err); k == failure.KindUnauthenticated || k == failure.KindForbidden || k == failure.KindValidation {
			return "", session.Profile{}, fmt.Errorf("%w: %v", failure.ErrBackendRejected, err)
		}
		return "", session.Profile{}, err
	}
	if out.Token == "" {
		return "", session.Profile{}, fmt.Errorf("%w: no token in sign-in response", failure.ErrBackendRejected)
	}
	return out.Token, out.User, nil
}

// Me returns the profile for the current token.
func (c *Client) Me(ctx context.Context) (session.Profile, error) {
	var out struct {
		User session.Profile `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/auth/me", nil, nil, &out); err != nil {
		return session.Profile{}, err
	}
	return out.User, nil
}

// SignOut revokes the current token on the backend.
func (c *Client) SignOut(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/signout", nil, struct{}{}, nil)
}

// ReportIncomplete relays an incomplete payment found by the runtime.
func (c *Client) ReportIncomplete(ctx context.Context, p walletsdk.Payment) (*wire.PaymentResult, error) {
	return c.relay(ctx, "/v1/payments/incomplete", map[string]any{"payment": p})
}

// ApprovePayment relays a ready-for-approval callback.
func (c *Client) ApprovePayment(ctx context.Context, paymentID string) (*wire.PaymentResult, error) {
	return c.relay(ctx, "/v1/payments/approve", map[string]string{"paymentId": paymentID})
}

// CompletePayment relays a ready-for-completion callback.
func (c *Client) CompletePayment(ctx context.Context, paymentID, txid string) (*wire.PaymentResult, error) {
	return c.relay(ctx, "/v1/payments/complete", map[string]string{"paymentId": paymentID, "txid": txid})
}

// CancelPayment relays a cancellation.
func (c *Client) CancelPayment(ctx context.Context, paymentID string) (*wire.PaymentResult, error) {
	return c.relay(ctx, "/v1/payments/cancel", map[string]string{"paymentId": paymentID})
}

// SubmitRequest creates a request. It is not retried.
func (c *Client) SubmitRequest(ctx context.Context, in wire.SubmitInput) (*wire.Request, error) {
	var out struct {
		Request *wire.Request `json:"request"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/requests", nil, in, &out); err != nil {
		return nil, err
	}
	return out.Request, nil
}

// ListOptions filters ListRequests.
type ListOptions struct {
	Status wire.RequestStatus
	Type   wire.RequestType
	Search string
	Cursor string
	Limit  int
}

// ListRequests returns one page of the caller's requests.
func (c *Client) ListRequests(ctx context.Context, opts ListOptions) (*wire.Page, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Type != "" {
		q.Set("type", string(opts.Type))
	}
	if opts.Search != "" {
		q.Set("q", opts.Search)
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var page wire.Page
	if err := c.do(ctx, http.MethodGet, "/v1/requests", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetRequest returns one of the caller's requests.
func (c *Client) GetRequest(ctx context.Context, id string) (*wire.Request, error) {
	var out struct {
		Request *wire.Request `json:"request"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/requests/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Request, nil
}

// relay posts a payment callback. The backend treats these idempotently,
// so transient failures are retried within the call's timeout.
func (c *Client) relay(ctx context.Context, path string, body any) (*wire.PaymentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var res wire.PaymentResult
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		return retry.Classify(c.once(ctx, http.MethodPost, path, nil, body, &res))
	})
	if err != nil {
		return nil, timeoutOf(ctx, err)
	}
	return &res, nil
}

// do runs one request bounded by the client timeout.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return timeoutOf(ctx, c.once(ctx, method, path, query, body, out))
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifyTransport(err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var wire struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &wire) == nil {
			apiErr.Code = wire.Error
			apiErr.Message = wire.Message
		}
		c.logger.Debug("backend call failed", "method", method, "path", path, "status", resp.StatusCode, "code", apiErr.Code)
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// timeoutOf reports the client's own deadline as failure.ErrTimeout while
// leaving a caller's cancellation alone.
func timeoutOf(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, failure.ErrTimeout) {
		return fmt.Errorf("%w: %v", failure.ErrTimeout, err)
	}
	return err
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

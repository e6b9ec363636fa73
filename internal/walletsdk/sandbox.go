package walletsdk

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/idgen"
)

// Outcome selects how a sandbox payment ends.
type Outcome int

const (
	OutcomeComplete Outcome = iota
	OutcomeCancel
	OutcomeError
)

// ErrSandboxPayment is reported through Errored for OutcomeError payments.
var ErrSandboxPayment = errors.New("sandbox: payment failed in the wallet")

// Sandbox is a scripted runtime mirroring the network's sandbox mode. Tests
// and walletctl drive it in place of the embedded browser SDK.
type Sandbox struct {
	InBrowser   bool
	InitErr     error
	User        User
	AccessToken string
	Decline     bool
	Outcome     Outcome

	// Incomplete payments are replayed during Authenticate.
	Incomplete []Payment

	// AwaitApproval, when set, runs between the approval and completion
	// callbacks, standing in for the runtime waiting on server approval.
	AwaitApproval func(ctx context.Context, paymentID string) error

	mu            sync.Mutex
	initialized   bool
	authenticated bool
	payments      map[string]*sandboxPayment
}

type sandboxPayment struct {
	payment Payment
	done    chan struct{}
}

// NewSandbox returns a sandbox inside the wallet browser for user.
func NewSandbox(user User, accessToken string) *Sandbox {
	return &Sandbox{
		InBrowser:   true,
		User:        user,
		AccessToken: accessToken,
	}
}

func (s *Sandbox) InWalletBrowser() bool { return s.InBrowser }

func (s *Sandbox) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.InBrowser {
		return failure.ErrWalletBrowserRequired
	}
	if s.InitErr != nil {
		return fmt.Errorf("%w: %v", failure.ErrSdkUnavailable, s.InitErr)
	}
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

func (s *Sandbox) Authenticate(ctx context.Context, scopes []Scope, events chan<- PaymentEvent) (AuthCredential, error) {
	s.mu.Lock()
	ready := s.initialized
	s.mu.Unlock()
	if !ready {
		return AuthCredential{}, fmt.Errorf("%w: Init not called", failure.ErrSdkUnavailable)
	}
	if s.Decline {
		return AuthCredential{}, failure.ErrUserDeclined
	}

	for _, p := range s.Incomplete {
		if err := emit(ctx, events, IncompleteFound{Payment: p}); err != nil {
			return AuthCredential{}, err
		}
	}

	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()

	return AuthCredential{
		AccessToken: s.AccessToken,
		User:        s.User,
		Signature:   SignUser(s.AccessToken, s.User),
	}, nil
}

func (s *Sandbox) CreatePayment(ctx context.Context, data PaymentData, events chan<- PaymentEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authenticated {
		return "", fmt.Errorf("%w: authenticate before creating payments", failure.ErrSdkUnavailable)
	}
	if !data.Amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", failure.ErrValidation)
	}

	sp := &sandboxPayment{
		payment: Payment{
			Identifier: idgen.WithPrefix(idgen.PrefixSandboxPayment),
			UserUID:    s.User.UID,
			Amount:     data.Amount,
			Memo:       data.Memo,
			Metadata:   data.Metadata,
			CreatedAt:  time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	if s.payments == nil {
		s.payments = make(map[string]*sandboxPayment)
	}
	s.payments[sp.payment.Identifier] = sp

	go s.drive(ctx, sp, events)
	return sp.payment.Identifier, nil
}

func (s *Sandbox) drive(ctx context.Context, sp *sandboxPayment, events chan<- PaymentEvent) {
	defer close(sp.done)
	id := sp.payment.Identifier

	if emit(ctx, events, ReadyForApproval{ID: id}) != nil {
		return
	}
	if s.AwaitApproval != nil {
		if err := s.AwaitApproval(ctx, id); err != nil {
			p := s.snapshot(id)
			_ = emit(ctx, events, Errored{Err: err, Payment: &p})
			return
		}
	}
	s.update(id, func(p *Payment) { p.Status.DeveloperApproved = true })

	switch s.Outcome {
	case OutcomeCancel:
		s.update(id, func(p *Payment) { p.Status.UserCancelled = true; p.Status.Cancelled = true })
		_ = emit(ctx, events, Cancelled{ID: id})
	case OutcomeError:
		p := s.snapshot(id)
		_ = emit(ctx, events, Errored{Err: ErrSandboxPayment, Payment: &p})
	default:
		txid := randomHex(32)
		s.update(id, func(p *Payment) {
			p.Status.TransactionVerified = true
			p.Transaction = &Transaction{TxID: txid, Verified: true}
		})
		_ = emit(ctx, events, ReadyForCompletion{ID: id, TxID: txid})
	}
}

// Payment returns the sandbox's view of a payment it created.
func (s *Sandbox) Payment(id string) (Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.payments[id]
	if !ok {
		return Payment{}, false
	}
	return sp.payment, true
}

// Settled is closed once the sandbox has emitted the payment's last callback.
func (s *Sandbox) Settled(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.payments[id]; ok {
		return sp.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func (s *Sandbox) snapshot(id string) Payment {
	p, _ := s.Payment(id)
	return p
}

func (s *Sandbox) update(id string, fn func(*Payment)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.payments[id]; ok {
		fn(&sp.payment)
	}
}

// SignUser is the sandbox signature over the user payload, keyed by the
// access token.
func SignUser(accessToken string, u User) string {
	mac := hmac.New(sha256.New, []byte(accessToken))
	mac.Write([]byte(u.UID + "|" + u.Username))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

var _ SDK = (*Sandbox)(nil)

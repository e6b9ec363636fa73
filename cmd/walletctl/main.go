// Command walletctl drives the client core against the sandbox wallet
// runtime: it signs in, submits and lists requests, and pays for them.
//
// Usage:
//
//	walletctl login                      # Run the wallet handshake
//	walletctl logout                     # Revoke and forget the session
//	walletctl whoami                     # Show the signed-in user
//	walletctl submit -type recovery ...  # Submit a request
//	walletctl list [-status pending]     # List your requests
//	walletctl pay -request <id> -amount 1
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/piguard/internal/backend"
	"github.com/mbd888/piguard/internal/callbacks"
	"github.com/mbd888/piguard/internal/config"
	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/handshake"
	"github.com/mbd888/piguard/internal/logging"
	"github.com/mbd888/piguard/internal/session"
	"github.com/mbd888/piguard/internal/walletsdk"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"login":  runLogin,
	"logout": runLogout,
	"whoami": runWhoami,
	"submit": runSubmit,
	"list":   runList,
	"pay":    runPay,
}

// app is the client core wired for one invocation.
type app struct {
	cfg     *config.ClientConfig
	logger  *slog.Logger
	sandbox *walletsdk.Sandbox
	store   *session.Store
	client  *backend.Client
	auth    *handshake.Controller
	router  *callbacks.Router
	events  chan walletsdk.PaymentEvent
}

func main() {
	if len(os.Args) < 2 || commands[os.Args[1]] == nil {
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "walletctl:", err)
		os.Exit(1)
	}

	if err := commands[os.Args[1]](ctx, a, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "walletctl %s: %v\n", os.Args[1], err)
		if failure.Retryable(err) {
			fmt.Fprintln(os.Stderr, "This looks temporary; try again.")
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: walletctl <command> [flags]")
	fmt.Fprintln(os.Stderr, "Commands: login, logout, whoami, submit, list, pay")
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	logger := logging.NewWriter(os.Stderr, cfg.LogLevel, "text")

	sandbox := walletsdk.NewSandbox(walletsdk.User{
		UID:      cfg.SandboxUID,
		Username: cfg.SandboxUsername,
	}, cfg.SandboxAccessToken)
	// Without a sandbox token there is no wallet to sign in with.
	sandbox.InBrowser = cfg.SandboxAccessToken != ""

	store, err := session.New(ctx, session.FilePersister{Dir: cfg.StateDir}, sandbox.InWalletBrowser(), logger)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	client := backend.NewClient(cfg.APIURL, store, cfg.Timeout, logger)

	events := make(chan walletsdk.PaymentEvent, 16)

	return &app{
		cfg:     cfg,
		logger:  logger,
		sandbox: sandbox,
		store:   store,
		client:  client,
		auth:    handshake.New(sandbox, client, store, events, logger),
		router:  callbacks.NewRouter(client, store, callbacks.LogNotifier{Logger: logger}, logger),
		events:  events,
	}, nil
}

// requireSession fails unless a session is stored.
func (a *app) requireSession() error {
	if !a.store.Get().Authenticated() {
		return fmt.Errorf("%w: run walletctl login first", failure.ErrUnauthenticated)
	}
	return nil
}

// drain routes callbacks already emitted, such as incomplete payments
// replayed during sign-in.
func (a *app) drain(ctx context.Context) {
	for {
		select {
		case ev := <-a.events:
			a.dispatch(ctx, ev)
		default:
			if err := a.router.Flush(ctx); err != nil {
				a.logger.Warn("flush incomplete payments", "error", err)
			}
			return
		}
	}
}

func (a *app) dispatch(ctx context.Context, ev walletsdk.PaymentEvent) {
	if err := a.router.Dispatch(ctx, ev); err != nil {
		if errors.Is(err, callbacks.ErrQueued) {
			a.logger.Info("incomplete payment queued", "payment", ev.PaymentID())
			return
		}
		fmt.Fprintf(os.Stderr, "payment %s: %v\n", ev.PaymentID(), err)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/mbd888/piguard/internal/backend"
	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/walletsdk"
	"github.com/mbd888/piguard/internal/wire"
)

func runLogin(ctx context.Context, a *app, args []string) error {
	sess, err := a.auth.Authenticate(ctx)
	if err != nil {
		if errors.Is(err, failure.ErrWalletBrowserRequired) {
			return fmt.Errorf("%w (set PI_SANDBOX_ACCESS_TOKEN to use the sandbox wallet)", err)
		}
		return err
	}
	a.drain(ctx)
	fmt.Printf("Signed in as %s (%s)\n", sess.User.Username, sess.User.ID)
	if pending := a.router.Pending(); len(pending) > 0 {
		fmt.Printf("%d incomplete payment(s) still queued: %s\n", len(pending), strings.Join(pending, ", "))
	}
	return nil
}

func runLogout(ctx context.Context, a *app, args []string) error {
	if err := a.auth.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Signed out")
	return nil
}

func runWhoami(ctx context.Context, a *app, args []string) error {
	if err := a.requireSession(); err != nil {
		return err
	}
	profile, err := a.client.Me(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)", profile.Username, profile.ID)
	if profile.Role != "" {
		fmt.Printf(" role=%s", profile.Role)
	}
	fmt.Println()
	return nil
}

func runSubmit(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	typ := fs.String("type", string(wire.TypeRecovery), "protection or recovery")
	email := fs.String("email", "", "contact email")
	country := fs.String("country", "", "country of residence")
	words := fs.Int("words", 0, "passphrase words remembered")
	passphrase := fs.String("passphrase", "", "wallet passphrase (protection requests)")
	address := fs.String("address", "", "mainnet wallet address")
	balance := fs.String("balance", "0", "Pi balance")
	autoTransfer := fs.Bool("auto-transfer", false, "transfer recovered funds automatically")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	bal, err := decimal.NewFromString(*balance)
	if err != nil {
		return fmt.Errorf("%w: balance: %v", failure.ErrValidation, err)
	}
	r, err := a.client.SubmitRequest(ctx, wire.SubmitInput{
		Type:             wire.RequestType(*typ),
		Email:            *email,
		Country:          *country,
		WordsRemembered:  *words,
		WalletPassphrase: *passphrase,
		MainnetAddress:   *address,
		PiBalance:        bal,
		AutoTransfer:     *autoTransfer,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Submitted %s request %s (%s)\n", r.Type, r.ID, r.Status)
	return nil
}

func runList(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", "", "pending, completed or failed")
	typ := fs.String("type", "", "protection or recovery")
	search := fs.String("q", "", "search email, country or address")
	cursor := fs.String("cursor", "", "cursor from a previous page")
	limit := fs.Int("limit", 20, "page size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	page, err := a.client.ListRequests(ctx, backend.ListOptions{
		Status: wire.RequestStatus(*status),
		Type:   wire.RequestType(*typ),
		Search: *search,
		Cursor: *cursor,
		Limit:  *limit,
	})
	if err != nil {
		return err
	}
	printRequests(page)
	return nil
}

func printRequests(page *wire.Page) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tBALANCE\tFEE\tCREATED")
	for _, r := range page.Requests {
		fee := "-"
		if r.Fee.Valid {
			fee = r.Fee.Decimal.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Type, r.Status, r.PiBalance.String(), fee, r.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
	if page.HasMore {
		fmt.Printf("More results: walletctl list -cursor %s\n", page.NextCursor)
	}
}

func runPay(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("pay", flag.ContinueOnError)
	requestID := fs.String("request", "", "request id the payment is for")
	amount := fs.String("amount", "1", "amount in Pi")
	memo := fs.String("memo", "PiGuard service fee", "payment memo")
	outcome := fs.String("outcome", "complete", "sandbox outcome: complete, cancel or error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *requestID == "" {
		return fmt.Errorf("%w: -request is required", failure.ErrValidation)
	}
	out, err := parseOutcome(*outcome)
	if err != nil {
		return err
	}
	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		return fmt.Errorf("%w: amount: %v", failure.ErrValidation, err)
	}

	if _, err := a.auth.Authenticate(ctx); err != nil {
		return err
	}
	// The runtime needs its own authentication each run, even when the
	// backend session was restored from disk.
	if err := a.sandbox.Init(ctx); err != nil {
		return err
	}
	if _, err := a.sandbox.Authenticate(ctx, walletsdk.MinimalScopes, a.events); err != nil {
		return err
	}
	a.drain(ctx)

	approved := make(chan error, 1)
	a.sandbox.Outcome = out
	a.sandbox.AwaitApproval = func(ctx context.Context, _ string) error {
		select {
		case err := <-approved:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	id, err := a.sandbox.CreatePayment(ctx, walletsdk.PaymentData{
		Amount:   amt,
		Memo:     *memo,
		Metadata: map[string]any{walletsdk.MetadataRequestID: *requestID},
	}, a.events)
	if err != nil {
		return err
	}
	fmt.Printf("Payment %s created\n", id)

	settled := a.sandbox.Settled(id)
	for {
		select {
		case ev := <-a.events:
			err := a.router.Dispatch(ctx, ev)
			if ev.Kind() == walletsdk.KindReadyForApproval {
				approved <- err
			}
			report(ev, err)
		case <-settled:
			a.drain(ctx)
			r, err := a.client.GetRequest(ctx, *requestID)
			if err != nil {
				return err
			}
			fmt.Printf("Request %s is %s\n", r.ID, r.Status)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func report(ev walletsdk.PaymentEvent, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", ev.Kind(), ev.PaymentID(), err)
		return
	}
	fmt.Printf("%s %s: ok\n", ev.Kind(), ev.PaymentID())
}

func parseOutcome(s string) (walletsdk.Outcome, error) {
	switch s {
	case "complete":
		return walletsdk.OutcomeComplete, nil
	case "cancel":
		return walletsdk.OutcomeCancel, nil
	case "error":
		return walletsdk.OutcomeError, nil
	}
	return 0, fmt.Errorf("%w: unknown outcome %q", failure.ErrValidation, s)
}

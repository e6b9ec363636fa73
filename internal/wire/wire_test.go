package wire

import (
	"go/parser"
	"go/token"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestRequestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status RequestStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRedacted_DropsWalletPassphrase(t *testing.T) {
	r := &Request{ID: "req_1", WalletPassphrase: "secret words", RecoveredPassphrase: "found words"}
	out := r.Redacted()
	if out.WalletPassphrase != "" {
		t.Errorf("wallet passphrase leaked: %q", out.WalletPassphrase)
	}
	if out.RecoveredPassphrase != "found words" {
		t.Errorf("recovered passphrase = %q", out.RecoveredPassphrase)
	}
	if r.WalletPassphrase != "secret words" {
		t.Error("Redacted modified the original")
	}
}

// Client code talks to the backend only through these shapes.
func TestClientPackagesAvoidServerPackages(t *testing.T) {
	clientDirs := []string{
		"../backend",
		"../callbacks",
		"../handshake",
		"../session",
		"../walletsdk",
		"../../cmd/walletctl",
	}
	server := []string{"/internal/requests", "/internal/payments", "/internal/auth", "/internal/server"}

	for _, dir := range clientDirs {
		files, err := filepath.Glob(filepath.Join(dir, "*.go"))
		if err != nil {
			t.Fatal(err)
		}
		if len(files) == 0 {
			t.Fatalf("no sources in %s", dir)
		}
		for _, f := range files {
			parsed, err := parser.ParseFile(token.NewFileSet(), f, nil, parser.ImportsOnly)
			if err != nil {
				t.Fatalf("parse %s: %v", f, err)
			}
			for _, imp := range parsed.Imports {
				path, _ := strconv.Unquote(imp.Path.Value)
				for _, s := range server {
					if strings.HasSuffix(path, s) {
						t.Errorf("%s imports %s", f, path)
					}
				}
			}
		}
	}
}

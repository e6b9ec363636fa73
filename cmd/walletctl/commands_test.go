package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/walletsdk"
)

func TestParseOutcome(t *testing.T) {
	tests := map[string]walletsdk.Outcome{
		"complete": walletsdk.OutcomeComplete,
		"cancel":   walletsdk.OutcomeCancel,
		"error":    walletsdk.OutcomeError,
	}
	for in, want := range tests {
		got, err := parseOutcome(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseOutcome("refund")
	assert.ErrorIs(t, err, failure.ErrValidation)
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"login", "logout", "whoami", "submit", "list", "pay"} {
		assert.NotNil(t, commands[name], name)
	}
}

package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/assay/internal/auth"
)

func TestHashKeyCommand(t *testing.T) {
	for _, tc := range []struct {
		name  string
		args  []string
		stdin string
	}{
		{name: "argument", args: []string{"hash-key", "s3cret"}},
		{name: "stdin", args: []string{"hash-key"}, stdin: "s3cret\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := newRootCommand()
			cmd.SetArgs(tc.args)
			cmd.SetIn(strings.NewReader(tc.stdin))
			cmd.SetOut(&out)
			require.NoError(t, cmd.Execute())

			ok, err := auth.VerifyAPIKey("s3cret", strings.TrimSpace(out.String()))
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestHashKeyCommand_Empty(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"hash-key"})
	cmd.SetIn(strings.NewReader("\n"))
	cmd.SetOut(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}

func TestNewLogger_Level(t *testing.T) {
	assert.True(t, newLogger("debug").Enabled(t.Context(), slog.LevelDebug))
	assert.False(t, newLogger("WARN").Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, newLogger("").Enabled(t.Context(), slog.LevelInfo))
	assert.False(t, newLogger("bogus").Enabled(t.Context(), slog.LevelDebug))
}

func TestGenKeyCommand(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs([]string{"genkey", "--dir", dir})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "ASSAY_JWT_PRIVATE_KEY=")

	// Second run must refuse to replace the live keys.
	cmd = newRootCommand()
	cmd.SetArgs([]string{"genkey", "--dir", dir})
	cmd.SetOut(&bytes.Buffer{})
	assert.ErrorIs(t, cmd.Execute(), auth.ErrKeyExists)
}

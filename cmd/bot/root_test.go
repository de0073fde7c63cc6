package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"rsibot/internal/state"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, version, strings.TrimSpace(out.String()))
}

func TestRunFailsFastWithoutCredentials(t *testing.T) {
	t.Setenv("APCA_API_KEY_ID", "")
	t.Setenv("APCA_API_SECRET_KEY", "")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"scan", "--env-file", ""})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APCA_API_KEY_ID")
}

func TestPrintPositionsSortsBySymbol(t *testing.T) {
	ledger := state.NewLedger([]string{"NKE", "AMZN"})
	require.NoError(t, ledger.Open("NKE", 5, decimal.RequireFromString("91.2")))

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, printPositions(cmd, ledger))

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "AMZN", rows[0]["symbol"])
	assert.Equal(t, "NKE", rows[1]["symbol"])
	assert.Equal(t, "91.20", rows[1]["entry_price"])
}

func TestGenerateRunIDIsUnique(t *testing.T) {
	assert.NotEqual(t, generateRunID(), generateRunID())
}

func TestRunAlongsideWaitsForServerShutdown(t *testing.T) {
	var stopped atomic.Bool
	serve := func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		stopped.Store(true)
		return nil
	}
	loopErr := errors.New("loop ended")
	loop := func(ctx context.Context) error { return loopErr }

	err := runAlongside(context.Background(), loop, serve)
	assert.ErrorIs(t, err, loopErr)
	assert.True(t, stopped.Load())
}

func TestRunAlongsideWithoutServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := runAlongside(ctx, func(ctx context.Context) error { return ctx.Err() }, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

package download

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusString(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
		terminal bool
		active   bool
	}{
		{StatusNotStarted, "not_started", false, false},
		{StatusConnecting, "connecting", false, true},
		{StatusDownloading, "downloading", false, true},
		{StatusVerifying, "verifying", false, true},
		{StatusComplete, "complete", true, false},
		{StatusFailed, "failed", true, false},
		{StatusCancelled, "cancelled", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.active, tt.status.IsActive())

			parsed, err := ParseStatus(tt.expected)
			require.NoError(t, err)
			assert.Equal(t, tt.status, parsed)
		})
	}

	_, err := ParseStatus("paused")
	assert.Error(t, err)

	var st Status
	require.NoError(t, json.Unmarshal([]byte(`"verifying"`), &st))
	assert.Equal(t, StatusVerifying, st)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusNotStarted, StatusConnecting, true},
		{StatusNotStarted, StatusComplete, true},
		{StatusConnecting, StatusDownloading, true},
		{StatusConnecting, StatusVerifying, true},
		{StatusDownloading, StatusConnecting, true},
		{StatusDownloading, StatusVerifying, true},
		{StatusDownloading, StatusCancelled, true},
		{StatusVerifying, StatusComplete, true},
		{StatusVerifying, StatusFailed, true},
		{StatusNotStarted, StatusDownloading, false},
		{StatusConnecting, StatusComplete, false},
		{StatusComplete, StatusConnecting, false},
		{StatusCancelled, StatusDownloading, false},
		{StatusFailed, StatusComplete, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := NewSession("m1")
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, StatusNotStarted, s.Status())
	assert.True(t, s.Snapshot().StartedAt.IsZero())

	require.NoError(t, s.transition(StatusConnecting, "Connecting to server..."))
	snap := s.Snapshot()
	assert.False(t, snap.StartedAt.IsZero())
	assert.Equal(t, "Connecting to server...", snap.Message)

	require.Error(t, s.transition(StatusComplete, ""), "connecting cannot jump to complete")

	require.NoError(t, s.transition(StatusDownloading, ""))
	s.setTotal(100)
	s.advance(40)
	s.advance(10)
	assert.Equal(t, int64(40), s.Snapshot().BytesDownloaded, "counter never goes back")

	require.NoError(t, s.transition(StatusVerifying, ""))
	s.finish(StatusComplete, nil, "Download complete")

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
	snap = s.Snapshot()
	assert.Equal(t, StatusComplete, snap.Status)
	assert.False(t, snap.FinishedAt.IsZero())

	// terminal sessions ignore further changes
	s.finish(StatusFailed, assert.AnError, "")
	assert.Equal(t, StatusComplete, s.Status())
	assert.Empty(t, s.Snapshot().Error)
	assert.False(t, s.RequestCancel())
}

func TestSessionCancelBeforeBind(t *testing.T) {
	s := NewSession("m1")
	assert.True(t, s.RequestCancel())
	assert.True(t, s.CancelRequested())
	assert.Equal(t, "Cancelling...", s.Snapshot().Message)

	ctx, cancel := context.WithCancel(context.Background())
	s.bindCancel(cancel)
	assert.Error(t, ctx.Err(), "a cancel requested before the transfer started fires on bind")
}

func TestSessionCancelInterruptsBoundContext(t *testing.T) {
	s := NewSession("m1")
	ctx, cancel := context.WithCancel(context.Background())
	s.bindCancel(cancel)
	require.NoError(t, ctx.Err())

	assert.True(t, s.RequestCancel())
	assert.Error(t, ctx.Err())
}

func TestSessionFinishForcesTerminalState(t *testing.T) {
	s := NewSession("m1")
	require.NoError(t, s.transition(StatusConnecting, ""))

	s.finish(StatusComplete, nil, "")
	assert.Equal(t, StatusComplete, s.Status())
	<-s.Done()
}

func TestSnapshotJSON(t *testing.T) {
	s := NewSession("m1")
	require.NoError(t, s.transition(StatusConnecting, ""))

	data, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"connecting"`)
	assert.Contains(t, string(data), `"modelId":"m1"`)
}

func TestSessionAbort(t *testing.T) {
	queued := NewSession("m1")
	assert.True(t, queued.Abort())
	assert.Equal(t, StatusCancelled, queued.Status())
	<-queued.Done()
	assert.False(t, queued.Abort())

	started := NewSession("m2")
	require.NoError(t, started.transition(StatusConnecting, ""))
	assert.False(t, started.Abort(), "a running session is cancelled through its manager")
	assert.Equal(t, StatusConnecting, started.Status())
}

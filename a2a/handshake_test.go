package a2a

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexusflow/dispatch/bus"
	"github.com/nexusflow/dispatch/types"
)

func TestHandshake_Succeeds(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Stop()

	responder := NewResponder("agent-b", []string{"code", "review"}, b, zap.NewNop())
	defer responder.Close()

	client := NewClient("agent-a", 5*time.Second, b, zap.NewNop())
	defer client.Close()

	session, err := client.Handshake(context.Background(), "agent-b")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", session.LocalID)
	assert.Equal(t, "agent-b", session.PeerID)
	assert.Equal(t, ProtocolVersion, session.PeerVersion)
	assert.Equal(t, []string{"code", "review"}, session.Capabilities)
	assert.NotEmpty(t, session.ID)
}

func TestHandshake_TimesOutWithoutResponder(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Stop()

	client := NewClient("agent-a", 50*time.Millisecond, b, zap.NewNop())
	defer client.Close()

	_, err := client.Handshake(context.Background(), "agent-missing")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrHandshakeTimeout))

	// the pending registration was cleaned up after the timeout won
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.pending)
}

func TestHandshake_VersionMismatch(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Stop()

	// a manual responder speaking an incompatible major version
	b.Subscribe(bus.EventHandshakeRequest, func(e bus.Event) {
		data := e.Payload()
		b.Publish(bus.NewMessage(bus.EventHandshakeResponse, map[string]any{
			"request_id": data["request_id"],
			"from":       "agent-old",
			"to":         data["from"],
			"version":    "0.9.0",
		}))
	})

	client := NewClient("agent-a", 5*time.Second, b, zap.NewNop())
	defer client.Close()

	_, err := client.Handshake(context.Background(), "agent-old")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrProtocolVersionMismatch))
}

func TestHandshake_ContextCancellation(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Stop()

	client := NewClient("agent-a", time.Hour, b, zap.NewNop())
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Handshake(ctx, "agent-slow")
	require.ErrorIs(t, err, context.Canceled)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.pending)
}

func TestHandshake_CompletedEventPublished(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Stop()

	completed := make(chan bus.Event, 1)
	b.Subscribe(bus.EventHandshakeCompleted, func(e bus.Event) { completed <- e })

	responder := NewResponder("agent-b", nil, b, zap.NewNop())
	defer responder.Close()
	client := NewClient("agent-a", 5*time.Second, b, zap.NewNop())
	defer client.Close()

	session, err := client.Handshake(context.Background(), "agent-b")
	require.NoError(t, err)

	select {
	case e := <-completed:
		assert.Equal(t, session.ID, e.Payload()["session_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("handshake.completed not published")
	}
}

func TestResponder_IgnoresOtherTargets(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Stop()

	responder := NewResponder("agent-c", nil, b, zap.NewNop())
	defer responder.Close()

	client := NewClient("agent-a", 50*time.Millisecond, b, zap.NewNop())
	defer client.Close()

	_, err := client.Handshake(context.Background(), "agent-b")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrHandshakeTimeout))
}

func TestCompatibleVersion(t *testing.T) {
	assert.True(t, compatibleVersion("1.0.0"))
	assert.True(t, compatibleVersion("1.9.3"))
	assert.False(t, compatibleVersion("2.0.0"))
	assert.False(t, compatibleVersion(""))
}

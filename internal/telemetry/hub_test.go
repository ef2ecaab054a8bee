package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(zap.NewNop())
	a, cancelA := hub.Subscribe()
	defer cancelA()
	b, cancelB := hub.Subscribe()
	defer cancelB()
	require.Equal(t, 2, hub.Subscribers())

	env := Envelope{Type: TypeKeepalive, Timestamp: time.Now()}
	hub.Publish(env)

	require.Equal(t, env, <-a)
	require.Equal(t, env, <-b)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	hub := NewHub(zap.NewNop())
	slow, cancel := hub.Subscribe()
	defer cancel()

	// Overfill the subscriber buffer; Publish must never block.
	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Publish(Envelope{Type: TypeKeepalive})
	}

	received := 0
	for {
		select {
		case <-slow:
			received++
		default:
			require.Equal(t, subscriberBuffer, received)
			return
		}
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	t.Parallel()

	hub := NewHub(zap.NewNop())
	ch, cancel := hub.Subscribe()
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	require.False(t, ok)
	require.Zero(t, hub.Subscribers())

	// Publishing with no subscribers is a no-op.
	hub.Publish(Envelope{Type: TypeKeepalive})
}

package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewd/crewd/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var received []*Event
	sub, err := b.Subscribe("crewd.session.s1.events", func(ctx context.Context, event *Event) error {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	event := NewEvent("turn_start", "crewd", map[string]any{"agent": "lead"})
	require.NoError(t, b.Publish(context.Background(), "crewd.session.s1.events", event))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	mu.Lock()
	assert.Equal(t, "turn_start", received[0].Type)
	mu.Unlock()
}

func TestMemoryBusWildcard(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	count := 0
	_, err := b.Subscribe("crewd.session.*.events", func(ctx context.Context, event *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "crewd.session.a.events", NewEvent("x", "crewd", nil)))
	require.NoError(t, b.Publish(context.Background(), "crewd.session.b.events", NewEvent("y", "crewd", nil)))
	require.NoError(t, b.Publish(context.Background(), "crewd.other", NewEvent("z", "crewd", nil)))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	fired := make(chan struct{}, 1)
	sub, err := b.Subscribe("subject", func(ctx context.Context, event *Event) error {
		fired <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "subject", NewEvent("x", "crewd", nil)))
	select {
	case <-fired:
		t.Fatal("unsubscribed handler fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "subject", NewEvent("x", "crewd", nil)))
	_, err := b.Subscribe("subject", func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)
}

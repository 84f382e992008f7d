// ABOUTME: Tests for ProgressBroadcaster fan-out
// ABOUTME: Covers subscribe, publish, isolation, slow subscribers and shutdown

package agency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case report, ok := <-ch:
		require.True(t, ok, "channel closed")
		return report
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for report")
		return ""
	}
}

func assertClosed(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "expected channel to be closed")
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
}

func TestBroadcaster_SubscribersReceiveReports(t *testing.T) {
	b := NewProgressBroadcaster(nil)
	defer b.Close()

	id := uuid.New()
	ch1, _ := b.Subscribe(t.Context(), id)
	ch2, _ := b.Subscribe(t.Context(), id)
	assert.Equal(t, 2, b.Subscribers(id))

	b.Publish(id, `<start-test id="1" />`)

	assert.Equal(t, `<start-test id="1" />`, receive(t, ch1))
	assert.Equal(t, `<start-test id="1" />`, receive(t, ch2))
}

func TestBroadcaster_AgentsAreIsolated(t *testing.T) {
	b := NewProgressBroadcaster(nil)
	defer b.Close()

	a, other := uuid.New(), uuid.New()
	chA, _ := b.Subscribe(t.Context(), a)
	chOther, _ := b.Subscribe(t.Context(), other)

	b.Publish(a, "for a")

	assert.Equal(t, "for a", receive(t, chA))
	select {
	case r := <-chOther:
		t.Fatalf("unexpected report %q", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SlowSubscriberDropsReports(t *testing.T) {
	b := NewProgressBroadcaster(nil)
	defer b.Close()

	id := uuid.New()
	ch, _ := b.Subscribe(t.Context(), id)

	for i := range subscriberBufferSize + 10 {
		b.Publish(id, fmt.Sprintf("r%d", i))
	}

	assert.Len(t, ch, subscriberBufferSize)
	assert.Equal(t, "r0", receive(t, ch))
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewProgressBroadcaster(nil)
	defer b.Close()

	id := uuid.New()
	ch, subID := b.Subscribe(t.Context(), id)
	b.Unsubscribe(id, subID)
	assertClosed(t, ch)
	assert.Equal(t, 0, b.Subscribers(id))

	// Unknown ids are ignored.
	b.Unsubscribe(id, subID)
	b.Unsubscribe(uuid.New(), "nope")
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewProgressBroadcaster(nil)
	defer b.Close()

	id := uuid.New()
	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx, id)
	cancel()

	assertClosed(t, ch)
}

func TestBroadcaster_CloseAgentEndsOnlyThatAgent(t *testing.T) {
	b := NewProgressBroadcaster(nil)
	defer b.Close()

	a, other := uuid.New(), uuid.New()
	chA, _ := b.Subscribe(t.Context(), a)
	chOther, _ := b.Subscribe(t.Context(), other)

	b.CloseAgent(a)
	assertClosed(t, chA)

	b.Publish(other, "still here")
	assert.Equal(t, "still here", receive(t, chOther))
}

func TestBroadcaster_CloseEndsEverything(t *testing.T) {
	b := NewProgressBroadcaster(nil)
	id := uuid.New()
	ch, _ := b.Subscribe(t.Context(), id)

	b.Close()
	assertClosed(t, ch)

	late, _ := b.Subscribe(t.Context(), id)
	assertClosed(t, late)
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewProgressBroadcaster(nil)
	defer b.Close()

	id := uuid.New()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		ctx, cancel := context.WithCancel(t.Context())
		_, _ = b.Subscribe(ctx, id)
		go func() {
			defer wg.Done()
			for range 100 {
				b.Publish(id, "tick")
			}
		}()
		go func() {
			defer wg.Done()
			cancel()
		}()
	}
	wg.Wait()
}

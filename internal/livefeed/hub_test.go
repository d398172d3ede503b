// ABOUTME: Tests for the livefeed hub fan-out
// ABOUTME: Covers subscribe/publish/unsubscribe, drop-on-full, and context cleanup

package livefeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtalk/bridge-gateway/internal/store"
)

func rec(id int64, sessionID string) *store.ChatRecord {
	return &store.ChatRecord{ID: id, SessionID: sessionID, Message: "m", SenderRole: "client", Status: store.StatusUnread}
}

func TestHub_PublishReachesAllSessionSubscribers(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	ctx := context.Background()

	ch1, _ := h.Subscribe(ctx, "sess-1")
	ch2, _ := h.Subscribe(ctx, "sess-1")
	other, _ := h.Subscribe(ctx, "sess-2")

	h.Publish("sess-1", rec(1, "sess-1"))

	select {
	case got := <-ch1:
		assert.Equal(t, int64(1), got.ID)
	case <-time.After(time.Second):
		t.Fatal("first subscriber did not receive the record")
	}
	select {
	case got := <-ch2:
		assert.Equal(t, int64(1), got.ID)
	case <-time.After(time.Second):
		t.Fatal("second subscriber did not receive the record")
	}

	select {
	case <-other:
		t.Fatal("subscriber of another session must not receive the record")
	default:
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch, subID := h.Subscribe(context.Background(), "sess-1")
	h.Unsubscribe("sess-1", subID)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after the last unsubscribe is a no-op.
	h.Publish("sess-1", rec(1, "sess-1"))
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch, _ := h.Subscribe(context.Background(), "sess-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize+10; i++ {
			h.Publish("sess-1", rec(int64(i), "sess-1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish must never block on a full subscriber")
	}

	assert.Len(t, ch, subscriberBufferSize)
}

func TestHub_PublishRacingUnsubscribeNeverPanics(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	// A publish overlapping a concurrent unsubscribe must drop the record,
	// never send on the freshly closed channel.
	for i := 0; i < 500; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		_, subID := h.Subscribe(ctx, "sess-1")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Publish("sess-1", rec(1, "sess-1"))
		}()
		go func() {
			defer wg.Done()
			h.Unsubscribe("sess-1", subID)
		}()
		wg.Wait()
		cancel()
	}
}

func TestHub_ContextCancelUnsubscribes(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := h.Subscribe(ctx, "sess-1")
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "cancelled subscriber channel must be closed")
}

func TestHub_CloseClosesEverySubscriber(t *testing.T) {
	h := NewHub(nil)

	ch1, _ := h.Subscribe(context.Background(), "sess-1")
	ch2, _ := h.Subscribe(context.Background(), "sess-2")
	h.Close()

	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)
}

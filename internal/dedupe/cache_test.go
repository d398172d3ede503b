// ABOUTME: Tests for the message-id dedupe cache
// ABOUTME: Covers TTL expiry, size-bounded eviction, and the read-only check

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContains_FalseUntilMarked(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Contains("msg-1"))
	c.Mark("msg-1")
	assert.True(t, c.Contains("msg-1"))
	assert.False(t, c.Contains("msg-2"))
}

func TestContains_DoesNotMark(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	// Checking an id repeatedly must never turn it into a hit; only an
	// explicit Mark after successful processing does that.
	assert.False(t, c.Contains("msg-1"))
	assert.False(t, c.Contains("msg-1"))
}

func TestContains_ExpiredEntryIsNew(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	c.Mark("msg-1")
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.Contains("msg-1"), "expired ids must be treated as new")
}

func TestMark_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	c.Mark("a")
	c.Mark("b")
	c.Mark("c")
	c.Mark("d") // evicts a

	assert.False(t, c.Contains("a"), "oldest entry must have been evicted")
	assert.True(t, c.Contains("b"))
}

func TestMark_TouchRefreshesOrder(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.Mark("a")
	c.Mark("b")
	c.Mark("a") // touch a; b is now oldest
	c.Mark("c") // evicts b

	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
}

func TestMark_ConcurrentCallersAllLand(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Mark(fmt.Sprintf("msg-%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		assert.True(t, c.Contains(fmt.Sprintf("msg-%d", i)))
	}
}

func TestClose_Idempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}

func TestSweep_RemovesExpired(t *testing.T) {
	c := New(5*time.Millisecond, 100)
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.Mark(fmt.Sprintf("msg-%d", i))
	}
	time.Sleep(10 * time.Millisecond)
	c.sweep()

	c.mu.Lock()
	remaining := len(c.seen)
	c.mu.Unlock()
	assert.Zero(t, remaining)
}

// ABOUTME: Tests for the duplicate-envelope cache, covering the TTL window,
// ABOUTME: capacity eviction, and concurrent marking

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeenMarksAndDetects(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Seen("env-1"), "first sighting is not a duplicate")
	assert.True(t, c.Seen("env-1"))
	assert.False(t, c.Seen("env-2"))
}

func TestSeenExpiresAfterTTL(t *testing.T) {
	c := New(20*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.Seen("env-1"))
	time.Sleep(40 * time.Millisecond)
	assert.False(t, c.Seen("env-1"), "expired ids are fresh again")
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	c.Seen("a")
	c.Seen("b")
	c.Seen("c")
	c.Seen("d") // evicts a

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("a"), "evicted id no longer counts as seen")
	assert.True(t, c.Seen("d"))
}

func TestSeenRefreshesPosition(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	c.Seen("a")
	c.Seen("b")
	c.Seen("c")
	c.Seen("a") // duplicate, moves a to the back
	c.Seen("d") // now b is the oldest

	assert.True(t, c.Seen("a"))
	assert.False(t, c.Seen("b"))
}

func TestConcurrentSeenMarksExactlyOnce(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	const workers = 16
	var wg sync.WaitGroup
	firsts := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("shared") {
				firsts <- true
			}
		}()
	}
	wg.Wait()
	close(firsts)

	assert.Equal(t, 1, len(firsts), "exactly one goroutine wins the mark")
}

func TestCloseIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}

func TestManyDistinctIDs(t *testing.T) {
	c := New(time.Minute, 50)
	defer c.Close()

	for i := 0; i < 200; i++ {
		assert.False(t, c.Seen(fmt.Sprintf("env-%d", i)))
	}
	assert.Equal(t, 50, c.Len())
}

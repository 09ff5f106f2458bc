package msgcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeen(t *testing.T) {
	c := New(time.Minute, 10)

	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("a"))
	assert.False(t, c.Seen("b"))
	assert.False(t, c.Seen(""))
	assert.False(t, c.Seen(""))
	assert.Equal(t, 2, c.Len())
}

func TestSeenExpires(t *testing.T) {
	c := New(time.Minute, 10)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	assert.False(t, c.Seen("a"))
	now = now.Add(30 * time.Second)
	assert.False(t, c.Seen("b"))

	now = now.Add(31 * time.Second)
	c.Expire()
	assert.Equal(t, 1, c.Len())
	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("b"))
}

func TestSeenCapacity(t *testing.T) {
	c := New(time.Hour, 3)

	for _, id := range []string{"a", "b", "c", "d"} {
		assert.False(t, c.Seen(id))
	}
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("d"))
}

func TestSetLimits(t *testing.T) {
	c := New(time.Hour, 10)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	assert.False(t, c.Seen("a"))
	now = now.Add(10 * time.Minute)
	for _, id := range []string{"b", "c", "d"} {
		assert.False(t, c.Seen(id))
	}

	c.SetLimits(5*time.Minute, 2)
	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Seen("a"), "expired under the new TTL")
	assert.True(t, c.Seen("d"))
	assert.False(t, c.Seen("b"), "dropped to fit the new size")
}

func TestSeenConcurrent(t *testing.T) {
	c := New(time.Hour, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := map[string]int{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := fmt.Sprintf("id%d", j)
				if !c.Seen(id) {
					mu.Lock()
					firsts[id]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, firsts, 100)
	for id, n := range firsts {
		assert.Equal(t, 1, n, id)
	}
}

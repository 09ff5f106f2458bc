package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlood(t *testing.T) {
	f := NewFlood(1, 3)
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		assert.True(t, f.Allow(now), "burst %d", i)
	}
	assert.False(t, f.Allow(now))
	assert.True(t, f.Allow(now.Add(time.Second)))
}

func TestFloodDisabled(t *testing.T) {
	f := NewFlood(0, 0)
	now := time.Unix(1000, 0)
	for i := 0; i < 1000; i++ {
		assert.True(t, f.Allow(now))
	}
}

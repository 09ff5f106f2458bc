package policy

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set MESHCAT_TEST_REDIS_URL (e.g. redis://localhost:6379/15) to run against
// a real redis. The K-line hash in that database is overwritten.
func TestRedisStore(t *testing.T) {
	url := os.Getenv("MESHCAT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MESHCAT_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	r, err := NewRedisStore(ctx, url)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.rdb.Del(ctx, klinesKey).Err())

	require.NoError(t, r.Add(ctx, KLine{UserMask: "*", HostMask: "*.bad.org", Reason: "spam"}))
	require.NoError(t, r.Add(ctx, KLine{UserMask: "old", HostMask: "*", Reason: "old",
		Expires: time.Now().Add(-time.Minute)}))

	k, ok, err := r.Match(ctx, "joe", "x.bad.org")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "spam", k.Reason)

	klines, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, klines, 1)

	removed, err := r.Remove(ctx, "*", "*.bad.org")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestNewRedisStoreBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "not a url")
	assert.Error(t, err)
}

package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs only against a real server, e.g. H2DASH_TEST_REDIS_ADDR=localhost:6379.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("H2DASH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("H2DASH_TEST_REDIS_ADDR not set")
	}

	store, err := DialRedis(context.Background(), addr, "", 0, "h2dash-test:")
	require.NoError(t, err)
	defer store.Close()
	defer store.Delete("alertHistory")

	require.NoError(t, store.Set("alertHistory", []byte(`[]`)))

	data, ok, err := store.Get("alertHistory")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[]`, string(data))

	require.NoError(t, store.Delete("alertHistory"))
	_, ok, err = store.Get("alertHistory")
	require.NoError(t, err)
	assert.False(t, ok)
}

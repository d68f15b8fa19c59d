package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Redis tests need a live server; set STEPFLOW_REDIS_ADDR to run them.
func newRedisTestStore(t *testing.T) Store {
	t.Helper()
	addr := os.Getenv("STEPFLOW_REDIS_ADDR")
	if addr == "" {
		t.Skip("STEPFLOW_REDIS_ADDR not set")
	}
	s, err := OpenRedisStore(context.Background(), addr, "", 0,
		WithKeyPrefix("stepflow-test-"+uuid.New().String()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore_Contract(t *testing.T) {
	runStoreContract(t, newRedisTestStore)
}

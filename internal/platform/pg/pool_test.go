package pg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := os.Getenv("JOURNAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("integration test requires JOURNAL_TEST_POSTGRES_DSN")
	}
	return dsn
}

func TestDefaultPoolOptions(t *testing.T) {
	opts := DefaultPoolOptions()
	assert.Equal(t, int32(4), opts.MaxConns)
	assert.Equal(t, 5*time.Second, opts.PingTimeout)
}

func TestNewPool_InvalidDSN(t *testing.T) {
	_, err := NewPool(context.Background(), "postgres://%zz")
	assert.Error(t, err)
}

func TestNewPool(t *testing.T) {
	dsn := testDSN(t)
	pool, err := NewPool(context.Background(), dsn)
	require.NoError(t, err)
	defer pool.Close()

	var one int
	require.NoError(t, pool.QueryRow(context.Background(), "SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)
}

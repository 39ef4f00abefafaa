package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundleretry/internal/shared"
	"bundleretry/pkg/retry"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, uint32(3), cfg.Retry.MaxRetries)
	assert.Equal(t, uint32(500), cfg.Retry.TimeoutMS)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryTimeout())
	assert.ElementsMatch(t, retry.DefaultTransientCodes, cfg.Retry.TransientCodes)
	assert.Equal(t, JournalSQLite, cfg.Journal.Driver)
	assert.Equal(t, 720*time.Hour, cfg.Journal.Retention)
	assert.Equal(t, "0 0 * * * *", cfg.Journal.PruneSchedule)
	assert.Empty(t, cfg.Diag.Addr)
	assert.Equal(t, "info", cfg.Log.ConsoleLevel)
	assert.Equal(t, "debug", cfg.Log.FileLevel)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "dev")
	t.Setenv("RETRY_MAX_RETRIES", "5")
	t.Setenv("RETRY_TIMEOUT_MS", "1500")
	t.Setenv("RETRY_TRANSIENT_CODES", "1618, 0x80070652")
	t.Setenv("JOURNAL_DRIVER", "POSTGRES")
	t.Setenv("JOURNAL_DSN", "postgres://u:p@localhost/db")
	t.Setenv("DIAG_ADDR", "127.0.0.1:9090")
	t.Setenv("LOG_CONSOLE_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, uint32(5), cfg.Retry.MaxRetries)
	assert.Equal(t, 1500*time.Millisecond, cfg.RetryTimeout())
	assert.Equal(t, []int32{1618, retry.HResultFromWin32(1618)}, cfg.Retry.TransientCodes)
	assert.Equal(t, JournalPostgres, cfg.Journal.Driver)
	assert.Equal(t, "127.0.0.1:9090", cfg.Diag.Addr)
	assert.Equal(t, "debug", cfg.Log.ConsoleLevel)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"env", "ENV", "staging"},
		{"max retries", "RETRY_MAX_RETRIES", "-1"},
		{"timeout too large", "RETRY_TIMEOUT_MS", "900000"},
		{"codes", "RETRY_TRANSIENT_CODES", "abc"},
		{"driver", "JOURNAL_DRIVER", "mysql"},
		{"retention", "JOURNAL_RETENTION", "soon"},
		{"diag addr", "DIAG_ADDR", "not an address"},
		{"log level", "LOG_FILE_LEVEL", "trace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.True(t, shared.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestLoad_NoneDriverNeedsNoDSN(t *testing.T) {
	t.Setenv("JOURNAL_DRIVER", "none")
	t.Setenv("JOURNAL_DSN", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, JournalNone, cfg.Journal.Driver)
}

func TestLoad_EmptyTransientCodes(t *testing.T) {
	t.Setenv("RETRY_TRANSIENT_CODES", "")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))
	assert.Contains(t, err.Error(), "RETRY_TRANSIENT_CODES")

	t.Setenv("RETRY_MAX_RETRIES", "0")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Retry.TransientCodes)
}

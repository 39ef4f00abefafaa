package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"bundleretry/internal/shared"
	"bundleretry/pkg/retry"
)

// Journal drivers.
const (
	JournalNone     = "none"
	JournalSQLite   = "sqlite"
	JournalPostgres = "postgres"
)

// Config holds application configuration values.
type Config struct {
	Env   string `validate:"required,oneof=dev prod"`
	Retry struct {
		MaxRetries     uint32
		TimeoutMS      uint32 `validate:"lte=600000"`
		TransientCodes []int32
	}
	Cache struct {
		Dir string `validate:"required"`
	}
	Journal struct {
		Driver        string        `validate:"required,oneof=none sqlite postgres"`
		DSN           string        `validate:"required_unless=Driver none"`
		Retention     time.Duration `validate:"gte=0"`
		PruneSchedule string
	}
	Diag struct {
		Addr string `validate:"omitempty,hostname_port"`
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	c.Env = getenv("ENV", "prod")

	maxRetries, err := getUint32("RETRY_MAX_RETRIES", 3)
	if err != nil {
		return Config{}, err
	}
	timeoutMS, err := getUint32("RETRY_TIMEOUT_MS", 500)
	if err != nil {
		return Config{}, err
	}
	// Set but empty means no transient codes, valid only with RETRY_MAX_RETRIES=0.
	rawCodes, ok := os.LookupEnv("RETRY_TRANSIENT_CODES")
	if !ok {
		rawCodes = "32,33,1618,0x80070020,0x80070021,0x80070652"
	}
	codes, err := retry.ParseCodes(rawCodes)
	if err != nil {
		return Config{}, shared.MarkKind(err, shared.KindValidation)
	}
	c.Retry.MaxRetries = maxRetries
	c.Retry.TimeoutMS = timeoutMS
	c.Retry.TransientCodes = codes

	c.Cache.Dir = getenv("CACHE_DIR", "data/cache")

	c.Journal.Driver = strings.ToLower(getenv("JOURNAL_DRIVER", JournalSQLite))
	c.Journal.DSN = getenv("JOURNAL_DSN", "data/journal.db")
	retention, err := time.ParseDuration(getenv("JOURNAL_RETENTION", "720h"))
	if err != nil {
		return Config{}, shared.Validationf("JOURNAL_RETENTION: %v", err)
	}
	c.Journal.Retention = retention
	c.Journal.PruneSchedule = getenv("JOURNAL_PRUNE_SCHEDULE", "0 0 * * * *")

	c.Diag.Addr = os.Getenv("DIAG_ADDR")

	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/bundleretry.log")

	if err := validate.Struct(c); err != nil {
		return Config{}, shared.MarkKind(err, shared.KindValidation)
	}
	if len(c.Retry.TransientCodes) == 0 && c.Retry.MaxRetries > 0 {
		return Config{}, shared.Validationf("RETRY_TRANSIENT_CODES required when RETRY_MAX_RETRIES > 0")
	}
	return c, nil
}

// RetryTimeout returns the retry pause as a duration.
func (c Config) RetryTimeout() time.Duration {
	return time.Duration(c.Retry.TimeoutMS) * time.Millisecond
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getUint32(k string, def uint32) (uint32, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, shared.Validationf("%s: %v", k, fmt.Errorf("expected unsigned 32-bit integer, got %q", v))
	}
	return uint32(n), nil
}

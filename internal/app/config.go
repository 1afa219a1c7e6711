package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/eventrelay/internal/pipeline"
	"github.com/nuetzliches/eventrelay/internal/queue"
	"github.com/nuetzliches/eventrelay/internal/secrets"
)

// Config is the process configuration, read once at startup from
// EVENTRELAY_* environment variables. Operational knobs (log level,
// pid file, dotenv) come from flags instead; see run().
type Config struct {
	// IngestHost is the remote ingestion endpoint, e.g.
	// https://eu.i.posthog.com. Empty disables outbound delivery; batches
	// queue locally until a host is configured.
	IngestHost string

	// APIKey is the default project credential, from EVENTRELAY_API_KEY or
	// an EVENTRELAY_API_KEY_REF secret reference (env:NAME, file:/path,
	// raw:value). Requests may carry their own key, which takes precedence
	// and is remembered for flushes.
	APIKey string

	Listen        string
	MetricsListen string

	StoreBackend string // sqlite | postgres | memory
	DBPath       string
	PostgresDSN  string

	QueueCap   int
	MaxRetries int

	FlushBatchSize int
	FlushInterval  time.Duration
	HTTPTimeout    time.Duration

	TracingEnabled   bool
	TracingCollector string
	TracingInsecure  bool
}

const (
	defaultListen      = "127.0.0.1:8787"
	defaultDBPath      = "./eventrelay.db"
	defaultHTTPTimeout = 10 * time.Second
)

func loadConfigFromEnv() (Config, error) {
	cfg := Config{
		IngestHost:       strings.TrimSpace(os.Getenv("EVENTRELAY_INGEST_HOST")),
		APIKey:           strings.TrimSpace(os.Getenv("EVENTRELAY_API_KEY")),
		Listen:           envOr("EVENTRELAY_LISTEN", defaultListen),
		MetricsListen:    strings.TrimSpace(os.Getenv("EVENTRELAY_METRICS_LISTEN")),
		StoreBackend:     strings.ToLower(envOr("EVENTRELAY_STORE", "sqlite")),
		DBPath:           envOr("EVENTRELAY_DB_PATH", defaultDBPath),
		PostgresDSN:      strings.TrimSpace(os.Getenv("EVENTRELAY_POSTGRES_DSN")),
		TracingCollector: strings.TrimSpace(os.Getenv("EVENTRELAY_TRACING_COLLECTOR")),
	}

	var err error
	if cfg.QueueCap, err = envInt("EVENTRELAY_QUEUE_CAP", queue.DefaultMaxQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.MaxRetries, err = envInt("EVENTRELAY_MAX_RETRIES", queue.DefaultMaxRetryCount); err != nil {
		return Config{}, err
	}
	if cfg.FlushBatchSize, err = envInt("EVENTRELAY_FLUSH_BATCH", pipeline.DefaultFlushBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.FlushInterval, err = envDuration("EVENTRELAY_FLUSH_INTERVAL", 0); err != nil {
		return Config{}, err
	}
	if cfg.HTTPTimeout, err = envDuration("EVENTRELAY_HTTP_TIMEOUT", defaultHTTPTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TracingEnabled, err = envBool("EVENTRELAY_TRACING", false); err != nil {
		return Config{}, err
	}
	if cfg.TracingInsecure, err = envBool("EVENTRELAY_TRACING_INSECURE", false); err != nil {
		return Config{}, err
	}

	// A key reference overrides the plain key so deployments can keep the
	// credential out of the environment proper.
	if ref := strings.TrimSpace(os.Getenv("EVENTRELAY_API_KEY_REF")); ref != "" {
		key, err := secrets.LoadRef(ref)
		if err != nil {
			return Config{}, fmt.Errorf("EVENTRELAY_API_KEY_REF: %w", err)
		}
		cfg.APIKey = key
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case "sqlite":
		if strings.TrimSpace(c.DBPath) == "" {
			return fmt.Errorf("EVENTRELAY_DB_PATH must not be empty for the sqlite store")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("EVENTRELAY_POSTGRES_DSN is required for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid EVENTRELAY_STORE %q (use: sqlite|postgres|memory)", c.StoreBackend)
	}

	if c.QueueCap <= 0 {
		return fmt.Errorf("EVENTRELAY_QUEUE_CAP must be positive, got %d", c.QueueCap)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("EVENTRELAY_MAX_RETRIES must be positive, got %d", c.MaxRetries)
	}
	if c.FlushBatchSize <= 0 {
		return fmt.Errorf("EVENTRELAY_FLUSH_BATCH must be positive, got %d", c.FlushBatchSize)
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("EVENTRELAY_FLUSH_INTERVAL must not be negative")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("EVENTRELAY_HTTP_TIMEOUT must be positive")
	}
	if c.TracingEnabled && c.TracingCollector == "" {
		return fmt.Errorf("EVENTRELAY_TRACING_COLLECTOR is required when tracing is enabled")
	}
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("EVENTRELAY_LISTEN must not be empty")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}

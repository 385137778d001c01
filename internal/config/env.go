package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	commonutil "github.com/ethindex/erc20indexer/internal/common"
)

// LoadFromEnv builds a Config from environment variables the way the
// original indexer's Config::from_env() did, then layers an optional
// CONFIG_FILE (TOML) underneath it: file values are defaults, env wins.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileCfg, err := LoadFromTOML(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	if urls := os.Getenv("JSON_RPC_URLS"); urls != "" {
		cfg.RPCURLs = splitAndTrim(urls)
	} else if url := os.Getenv("JSON_RPC_URL"); url != "" {
		cfg.RPCURLs = []string{url}
	}

	if addr := os.Getenv("ERC20_CONTRACT_ADDRESS"); addr != "" {
		cfg.ContractAddrHex = addr
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	} else if cfg.DatabaseURL == "" && cfg.Database.Path != "" {
		cfg.DatabaseURL = "sqlite:" + cfg.Database.Path
	} else if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "sqlite:./indexer.db"
	}
	cfg.Database.Path = strings.TrimPrefix(cfg.DatabaseURL, "sqlite:")

	if v, ok := envUint64("BATCH_SIZE"); ok {
		cfg.BatchSize = v
	}
	if v, ok := envUint64("RATE_LIMIT_DELAY_MS"); ok {
		cfg.RateLimitDelay = commonutil.NewDuration(time.Duration(v) * time.Millisecond)
	}
	if v, ok := envUint64("MAX_PENDING_REQUESTS"); ok {
		cfg.MaxPendingRequests = int(v)
	}
	if v, ok := envUint64("REQUEST_TIMEOUT_SECS"); ok {
		cfg.Retry.RequestTimeout = commonutil.NewDuration(time.Duration(v) * time.Second)
	}
	if v, ok := envUint64("FINALITY_INTERVAL_SECS"); ok {
		cfg.FinalityInterval = commonutil.NewDuration(time.Duration(v) * time.Second)
	}
	if v, ok := envUint64("BLOCK_TIME_SECS"); ok {
		cfg.BlockTime = commonutil.NewDuration(time.Duration(v) * time.Second)
	}

	if v, ok := envUint64("RETRY_MAX_ATTEMPTS"); ok {
		cfg.Retry.MaxAttempts = int(v)
	}
	if v, ok := envUint64("RETRY_INITIAL_BACKOFF_MS"); ok {
		cfg.Retry.InitialBackoff = commonutil.NewDuration(time.Duration(v) * time.Millisecond)
	}
	if v, ok := envUint64("RETRY_MAX_BACKOFF_MS"); ok {
		cfg.Retry.MaxBackoff = commonutil.NewDuration(time.Duration(v) * time.Millisecond)
	}
	if v, ok := envFloat("RETRY_BACKOFF_MULTIPLIER"); ok {
		cfg.Retry.BackoffMultiplier = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.API.Enabled = true
		cfg.API.Addr = v
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envUint64(key string) (uint64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Package config loads and validates the indexer's runtime configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	commonutil "github.com/ethindex/erc20indexer/internal/common"
)

// RetryConfig controls the RPC client's exponential backoff.
type RetryConfig struct {
	MaxAttempts       int               `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff    commonutil.Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff        commonutil.Duration `yaml:"max_backoff" toml:"max_backoff"`
	BackoffMultiplier float64           `yaml:"backoff_multiplier" toml:"backoff_multiplier"`
	RequestTimeout    commonutil.Duration `yaml:"request_timeout" toml:"request_timeout"`
}

func (r *RetryConfig) ApplyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialBackoff.Duration == 0 {
		r.InitialBackoff = commonutil.NewDuration(defaultInitialBackoff)
	}
	if r.MaxBackoff.Duration == 0 {
		r.MaxBackoff = commonutil.NewDuration(defaultMaxBackoff)
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2
	}
	if r.RequestTimeout.Duration == 0 {
		r.RequestTimeout = commonutil.NewDuration(defaultRequestTimeout)
	}
}

func (r RetryConfig) validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", r.MaxAttempts)
	}
	if r.BackoffMultiplier <= 1 {
		return fmt.Errorf("retry.backoff_multiplier must be > 1, got %f", r.BackoffMultiplier)
	}
	if r.MaxBackoff.Duration < r.InitialBackoff.Duration {
		return fmt.Errorf("retry.max_backoff (%s) must be >= retry.initial_backoff (%s)",
			r.MaxBackoff.Duration, r.InitialBackoff.Duration)
	}
	return nil
}

// DatabaseConfig mirrors the teacher's sqlite connection tuning knobs.
type DatabaseConfig struct {
	Path               string `yaml:"path" toml:"path"`
	JournalMode        string `yaml:"journal_mode" toml:"journal_mode"`
	Synchronous        string `yaml:"synchronous" toml:"synchronous"`
	BusyTimeout        int    `yaml:"busy_timeout" toml:"busy_timeout"`
	CacheSize          int    `yaml:"cache_size" toml:"cache_size"`
	MaxOpenConnections int    `yaml:"max_open_connections" toml:"max_open_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections" toml:"max_idle_connections"`
	EnableForeignKeys  bool   `yaml:"enable_foreign_keys" toml:"enable_foreign_keys"`
}

func (d *DatabaseConfig) ApplyDefaults() {
	if d.Path == "" {
		d.Path = "./indexer.db"
	}
	if d.JournalMode == "" {
		d.JournalMode = "WAL"
	}
	if d.Synchronous == "" {
		d.Synchronous = "NORMAL"
	}
	if d.BusyTimeout == 0 {
		d.BusyTimeout = 5000
	}
	if d.CacheSize == 0 {
		d.CacheSize = 10000
	}
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = 25
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = 5
	}
}

func (d DatabaseConfig) validate() error {
	if d.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch strings.ToUpper(d.JournalMode) {
	case "WAL", "DELETE", "TRUNCATE", "PERSIST", "MEMORY", "OFF":
	default:
		return fmt.Errorf("database.journal_mode %q is not a recognized sqlite journal mode", d.JournalMode)
	}
	switch strings.ToUpper(d.Synchronous) {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return fmt.Errorf("database.synchronous %q is not a recognized sqlite synchronous level", d.Synchronous)
	}
	return nil
}

// MaintenanceConfig controls the background WAL-checkpoint/VACUUM worker.
type MaintenanceConfig struct {
	Enabled           bool                `yaml:"enabled" toml:"enabled"`
	VacuumOnStartup   bool                `yaml:"vacuum_on_startup" toml:"vacuum_on_startup"`
	CheckInterval     commonutil.Duration `yaml:"check_interval" toml:"check_interval"`
	WALCheckpointMode string              `yaml:"wal_checkpoint_mode" toml:"wal_checkpoint_mode"`
}

func (m *MaintenanceConfig) ApplyDefaults() {
	if m.CheckInterval.Duration == 0 {
		m.CheckInterval = commonutil.NewDuration(defaultMaintenanceCheck)
	}
	if m.WALCheckpointMode == "" {
		m.WALCheckpointMode = "PASSIVE"
	}
}

// MetricsConfig controls the /metrics + /health HTTP server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

func (m *MetricsConfig) ApplyDefaults() {
	if m.Addr == "" {
		m.Addr = ":9090"
	}
	if m.Path == "" {
		m.Path = "/metrics"
	}
}

// APIConfig controls the read-only query HTTP surface.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

func (a *APIConfig) ApplyDefaults() {
	if a.Addr == "" {
		a.Addr = ":8080"
	}
}

const (
	defaultInitialBackoff  = 100_000_000  // 100ms in ns, kept as untyped const for Duration below
	defaultMaxBackoff      = 10_000_000_000 // 10s
	defaultRequestTimeout  = 120_000_000_000 // 120s
	defaultBatchSize       = 1000
	defaultRateLimitMillis = 500
	defaultMaxPending      = 30
	defaultFinalityTick    = 60_000_000_000 // 60s
	defaultBlockTime       = 12_000_000_000 // 12s
	defaultMaintenanceCheck = 3600_000_000_000 // 1h
)

// Config is the fully resolved indexer configuration.
type Config struct {
	RPCURLs []string `yaml:"rpc_urls" toml:"rpc_urls"`

	ContractAddress common.Address `yaml:"-" toml:"-"`
	ContractAddrHex string         `yaml:"contract_address" toml:"contract_address"`

	DatabaseURL string `yaml:"-" toml:"-"`
	Database    DatabaseConfig `yaml:"database" toml:"database"`

	BatchSize          uint64              `yaml:"batch_size" toml:"batch_size"`
	RateLimitDelay     commonutil.Duration `yaml:"rate_limit_delay" toml:"rate_limit_delay"`
	MaxPendingRequests int                 `yaml:"max_pending_requests" toml:"max_pending_requests"`
	FinalityInterval   commonutil.Duration `yaml:"finality_interval" toml:"finality_interval"`
	BlockTime          commonutil.Duration `yaml:"block_time" toml:"block_time"`

	Retry       RetryConfig       `yaml:"retry" toml:"retry"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
	API         APIConfig         `yaml:"api" toml:"api"`
	Maintenance MaintenanceConfig `yaml:"maintenance" toml:"maintenance"`

	LogLevel       string `yaml:"log_level" toml:"log_level"`
	LogDevelopment bool   `yaml:"log_development" toml:"log_development"`
}

// ApplyDefaults fills in every zero-valued field with the spec's documented default.
func (c *Config) ApplyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.RateLimitDelay.Duration == 0 {
		c.RateLimitDelay = commonutil.NewDuration(defaultRateLimitMillis * 1_000_000)
	}
	if c.MaxPendingRequests == 0 {
		c.MaxPendingRequests = defaultMaxPending
	}
	if c.FinalityInterval.Duration == 0 {
		c.FinalityInterval = commonutil.NewDuration(defaultFinalityTick)
	}
	if c.BlockTime.Duration == 0 {
		c.BlockTime = commonutil.NewDuration(defaultBlockTime)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	c.Retry.ApplyDefaults()
	c.Database.ApplyDefaults()
	c.Metrics.ApplyDefaults()
	c.API.ApplyDefaults()
	c.Maintenance.ApplyDefaults()
}

// Validate checks the resolved configuration for internal consistency.
// It returns a ConfigError wrapping the first problem found.
func (c *Config) Validate() error {
	if len(c.RPCURLs) == 0 {
		return NewConfigError("at least one of JSON_RPC_URLS or JSON_RPC_URL is required")
	}
	for _, u := range c.RPCURLs {
		if strings.TrimSpace(u) == "" {
			return NewConfigError("rpc url entries must not be empty")
		}
	}

	if c.ContractAddrHex == "" {
		return NewConfigError("ERC20_CONTRACT_ADDRESS is required")
	}
	if !common.IsHexAddress(c.ContractAddrHex) {
		return NewConfigError(fmt.Sprintf("ERC20_CONTRACT_ADDRESS %q is not a valid 20-byte hex address", c.ContractAddrHex))
	}
	c.ContractAddress = common.HexToAddress(c.ContractAddrHex)

	if c.BatchSize == 0 {
		return NewConfigError("batch_size must be > 0")
	}
	if c.MaxPendingRequests < 1 {
		return NewConfigError("max_pending_requests must be >= 1")
	}

	if err := c.Retry.validate(); err != nil {
		return NewConfigError(err.Error())
	}
	if err := c.Database.validate(); err != nil {
		return NewConfigError(err.Error())
	}

	return nil
}

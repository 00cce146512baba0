// Package config loads settings for the relaydoc binaries from defaults,
// an optional config file and RELAYDOC_* environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "RELAYDOC"

type Logger interface {
	Printf(format string, args ...any)
}

type LedgerConfig struct {
	Addr             string
	BackendProfile   string
	DataDir          string
	ProductionDSN    string
	StateBackendDSN  string
	TxQueueDSN       string
	TxQueueSize      int
	BroadcasterDSN   string
	BlockInterval    time.Duration
	MaxTxPerBlock    int
	MaxQueryRange    uint64
	ReceiptCacheSize int
	StrictBounds     bool
	JWTSecret        string
	RateLimitMax     int
	RateLimitWindow  time.Duration
	MaxBodyBytes     int64
}

type SyncConfig struct {
	BaseURL              string
	Token                string
	File                 string
	ReplayFallbackWindow uint64
	BatchWindow          time.Duration
	MaxChunkRunes        int
	MinSubmitInterval    time.Duration
	ConfirmTimeout       time.Duration
	RequestTimeout       time.Duration
	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration
}

// Loader reads typed values from a viper instance. Values that fail to parse
// fall back to the supplied default and are logged.
type Loader struct {
	v      *viper.Viper
	logger Logger
}

// NewLoader builds a loader over the environment and, when path is not
// empty, the config file at path.
func NewLoader(path string, logger Logger) (*Loader, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return &Loader{v: v, logger: logger}, nil
}

func LoadLedger(path string, logger Logger) (LedgerConfig, error) {
	l, err := NewLoader(path, logger)
	if err != nil {
		return LedgerConfig{}, err
	}
	return l.Ledger(), nil
}

func LoadSync(path string, logger Logger) (SyncConfig, error) {
	l, err := NewLoader(path, logger)
	if err != nil {
		return SyncConfig{}, err
	}
	return l.Sync(), nil
}

func (l *Loader) Ledger() LedgerConfig {
	return LedgerConfig{
		Addr:             l.String("addr", ":8090"),
		BackendProfile:   strings.ToLower(l.String("backend_profile", "")),
		DataDir:          l.String("data_dir", ".relaydoc"),
		ProductionDSN:    l.String("production_dsn", l.String("postgres_dsn", "")),
		StateBackendDSN:  l.String("state_backend_dsn", l.String("state_file", "")),
		TxQueueDSN:       l.String("tx_queue_dsn", l.String("tx_queue_file", "")),
		TxQueueSize:      l.Int("tx_queue_size", 1024),
		BroadcasterDSN:   l.String("broadcaster_dsn", ""),
		BlockInterval:    l.Duration("block_interval", time.Second),
		MaxTxPerBlock:    l.Int("max_tx_per_block", 64),
		MaxQueryRange:    l.Uint64("max_query_range", 0),
		ReceiptCacheSize: l.Int("receipt_cache_size", 4096),
		StrictBounds:     l.Bool("strict_bounds", true),
		JWTSecret:        l.String("jwt_secret", "dev-secret"),
		RateLimitMax:     l.Int("rate_limit_max", 0),
		RateLimitWindow:  l.Duration("rate_limit_window", time.Minute),
		MaxBodyBytes:     l.Int64("max_body_bytes", 1<<20),
	}
}

func (l *Loader) Sync() SyncConfig {
	return SyncConfig{
		BaseURL:              l.String("base_url", "http://127.0.0.1:8090"),
		Token:                l.String("token", ""),
		File:                 l.String("file", ""),
		ReplayFallbackWindow: l.Uint64("replay_fallback_window", 10),
		BatchWindow:          l.Duration("batch_window", 300*time.Millisecond),
		MaxChunkRunes:        l.Int("max_chunk_runes", 1024),
		MinSubmitInterval:    l.Duration("min_submit_interval", 0),
		ConfirmTimeout:       l.Duration("confirm_timeout", 30*time.Second),
		RequestTimeout:       l.Duration("request_timeout", 15*time.Second),
		ReconnectMinDelay:    l.Duration("reconnect_min_delay", 500*time.Millisecond),
		ReconnectMaxDelay:    l.Duration("reconnect_max_delay", 30*time.Second),
	}
}

func (l *Loader) String(key, fallback string) string {
	value := strings.TrimSpace(l.v.GetString(key))
	if value == "" {
		return fallback
	}
	return value
}

func (l *Loader) Int(key string, fallback int) int {
	raw := l.String(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		l.logf("invalid %s=%q, using fallback %d", l.envName(key), raw, fallback)
		return fallback
	}
	return value
}

func (l *Loader) Int64(key string, fallback int64) int64 {
	raw := l.String(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		l.logf("invalid %s=%q, using fallback %d", l.envName(key), raw, fallback)
		return fallback
	}
	return value
}

func (l *Loader) Uint64(key string, fallback uint64) uint64 {
	raw := l.String(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		l.logf("invalid %s=%q, using fallback %d", l.envName(key), raw, fallback)
		return fallback
	}
	return value
}

func (l *Loader) Bool(key string, fallback bool) bool {
	raw := l.String(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		l.logf("invalid %s=%q, using fallback %t", l.envName(key), raw, fallback)
		return fallback
	}
	return value
}

func (l *Loader) Duration(key string, fallback time.Duration) time.Duration {
	raw := l.String(key, "")
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		l.logf("invalid %s=%q, using fallback %s", l.envName(key), raw, fallback.String())
		return fallback
	}
	return value
}

func (l *Loader) envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

func (l *Loader) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

// StorageDSNs resolves the state backend and transaction queue DSNs.
// Explicit DSNs win over the backend profile defaults.
func (c LedgerConfig) StorageDSNs() (stateDSN, queueDSN string, err error) {
	profileState, profileQueue, err := c.profileDefaults()
	if err != nil {
		return "", "", err
	}
	stateDSN = c.StateBackendDSN
	if stateDSN == "" {
		stateDSN = profileState
	}
	queueDSN = c.TxQueueDSN
	if queueDSN == "" {
		queueDSN = profileQueue
	}
	return stateDSN, queueDSN, nil
}

func (c LedgerConfig) profileDefaults() (stateDSN, queueDSN string, err error) {
	dataDir := c.DataDir
	if dataDir == "" {
		dataDir = ".relaydoc"
	}
	switch c.BackendProfile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		if c.ProductionDSN == "" {
			return "", "", fmt.Errorf("%s_PRODUCTION_DSN or %s_POSTGRES_DSN is required when %s_BACKEND_PROFILE=%s", EnvPrefix, EnvPrefix, EnvPrefix, c.BackendProfile)
		}
		return c.ProductionDSN, c.ProductionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "ledger-state.json"),
			"file://" + filepath.Join(dataDir, "tx-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported %s_BACKEND_PROFILE: %s", EnvPrefix, c.BackendProfile)
	}
}

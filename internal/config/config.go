package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port         int
	DBPath       string
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration

	// LegacySharedToken enables the deprecated shared-token credential when
	// non-empty. It maps to the seeded default CLI user.
	LegacySharedToken string

	OutboxMaxBytes        int
	OutboxMaxItems        int
	OutboxMaxItemBytes    int
	OutboxMaxItemAge      time.Duration
	OutboxDropLogInterval time.Duration
	HeartbeatInterval     time.Duration
}

const (
	DefaultOutboxMaxBytes        = 1 << 20 // 1 MiB per subscriber
	DefaultOutboxMaxItems        = 1000
	DefaultOutboxMaxItemBytes    = 256 << 10
	DefaultOutboxMaxItemAge      = 30 * time.Second
	DefaultOutboxDropLogInterval = 5 * time.Second
	DefaultHeartbeatInterval     = 20 * time.Second
)

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:                  3000,
		DBPath:                "data/hub.db",
		GinMode:               "release",
		TokenExpiry:           7 * 24 * time.Hour,
		OutboxMaxBytes:        DefaultOutboxMaxBytes,
		OutboxMaxItems:        DefaultOutboxMaxItems,
		OutboxMaxItemBytes:    DefaultOutboxMaxItemBytes,
		OutboxMaxItemAge:      DefaultOutboxMaxItemAge,
		OutboxDropLogInterval: DefaultOutboxDropLogInterval,
		HeartbeatInterval:     DefaultHeartbeatInterval,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}
	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	cfg.LegacySharedToken = env.Getenv("LEGACY_SHARED_TOKEN")

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	// Delivery tunables fall back to defaults on absent or invalid values;
	// a bad knob must not keep the hub from starting.
	cfg.OutboxMaxBytes = intEnv(env, "OUTBOX_MAX_BYTES", cfg.OutboxMaxBytes)
	cfg.OutboxMaxItems = intEnv(env, "OUTBOX_MAX_ITEMS", cfg.OutboxMaxItems)
	cfg.OutboxMaxItemBytes = intEnv(env, "OUTBOX_MAX_ITEM_BYTES", cfg.OutboxMaxItemBytes)
	cfg.OutboxMaxItemAge = millisEnv(env, "OUTBOX_MAX_ITEM_AGE_MS", cfg.OutboxMaxItemAge)
	cfg.OutboxDropLogInterval = millisEnv(env, "OUTBOX_DROP_LOG_INTERVAL_MS", cfg.OutboxDropLogInterval)
	cfg.HeartbeatInterval = millisEnv(env, "HEARTBEAT_INTERVAL_MS", cfg.HeartbeatInterval)

	return cfg, nil
}

func intEnv(env Env, key string, fallback int) int {
	raw := env.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func millisEnv(env Env, key string, fallback time.Duration) time.Duration {
	raw := env.Getenv(key)
	if raw == "" {
		return fallback
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName         = "SmartPay"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultPerTxCap        = 15_000_000
	defaultDailyCap        = 30_000_000
	defaultPinMaxAttempts  = 3
	defaultPinLockWindow   = 30 * time.Minute
	defaultOtpTTL          = 2 * time.Minute
	defaultFeeTiers        = "10000:0,100000:1500,1000000:3000,0:5000"
	defaultPlatformWallet  = "platform:fees"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// FeeTier charges Fee for any amount up to and including UpTo. A tier with
// UpTo == 0 is the open-ended top tier.
type FeeTier struct {
	UpTo int64
	Fee  int64
}

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	// Money-movement policy. Amounts are minor currency units.
	PerTxCap         int64
	DailyCap         int64
	PinMaxAttempts   int
	PinLockWindow    time.Duration
	OtpTTL           time.Duration
	FeeTiers         []FeeTier
	PlatformWalletID string
	GlobalFreeze     bool
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:          getEnv("APP_NAME", defaultAppName),
		AppEnv:           getEnv("APP_ENV", defaultAppEnv),
		Port:             getEnv("PORT", defaultPort),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		ShutdownPeriod:   defaultShutdownDelay,
		IdempotencyTTL:   defaultIdempotencyTTL,
		PerTxCap:         defaultPerTxCap,
		DailyCap:         defaultDailyCap,
		PinMaxAttempts:   defaultPinMaxAttempts,
		PinLockWindow:    defaultPinLockWindow,
		OtpTTL:           defaultOtpTTL,
		PlatformWalletID: getEnv("PLATFORM_WALLET_ID", defaultPlatformWallet),
		GlobalFreeze:     os.Getenv("GLOBAL_FREEZE") == "true",
	}

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv("IDEMPOTENCY_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid IDEMPOTENCY_TTL: %w", err)
		}
		cfg.IdempotencyTTL = d
	}

	if err := loadAmount(&cfg.PerTxCap, "PER_TX_CAP"); err != nil {
		return Config{}, err
	}
	if err := loadAmount(&cfg.DailyCap, "DAILY_CAP"); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("PIN_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid PIN_MAX_ATTEMPTS: %q", v)
		}
		cfg.PinMaxAttempts = n
	}
	if v := os.Getenv("PIN_LOCK_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIN_LOCK_WINDOW: %w", err)
		}
		cfg.PinLockWindow = d
	}
	if v := os.Getenv("OTP_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid OTP_TTL: %w", err)
		}
		cfg.OtpTTL = d
	}

	tiers, err := ParseFeeTiers(getEnv("FEE_TIERS", defaultFeeTiers))
	if err != nil {
		return Config{}, err
	}
	cfg.FeeTiers = tiers

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}

	return cfg, nil
}

// ParseFeeTiers decodes a comma-separated "upTo:fee" list. The open-ended top
// tier is written with upTo 0 and sorts last.
func ParseFeeTiers(raw string) ([]FeeTier, error) {
	parts := strings.Split(raw, ",")
	tiers := make([]FeeTier, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		upToStr, feeStr, found := strings.Cut(part, ":")
		if !found {
			return nil, fmt.Errorf("invalid fee tier %q", part)
		}
		upTo, err := strconv.ParseInt(upToStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid fee tier bound %q: %w", upToStr, err)
		}
		fee, err := strconv.ParseInt(feeStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid fee tier fee %q: %w", feeStr, err)
		}
		if upTo < 0 || fee < 0 {
			return nil, fmt.Errorf("fee tier values must be non-negative: %q", part)
		}
		tiers = append(tiers, FeeTier{UpTo: upTo, Fee: fee})
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("at least one fee tier is required")
	}
	sort.Slice(tiers, func(i, j int) bool {
		if tiers[i].UpTo == 0 {
			return false
		}
		if tiers[j].UpTo == 0 {
			return true
		}
		return tiers[i].UpTo < tiers[j].UpTo
	})
	return tiers, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func loadAmount(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = n
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

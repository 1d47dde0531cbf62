package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/upright-vc/libra2key/internal/retry"
)

// FileConfig models config.json.
type FileConfig struct {
	Network struct {
		Name string `json:"name"`
		// RPCURL selects the EVM adapter. Empty runs the in-memory devnet.
		RPCURL         string `json:"rpcUrl"`
		WeiPerBaseUnit string `json:"weiPerBaseUnit"`
	} `json:"network"`
	Faucet struct {
		URL        string `json:"url"`
		TimeoutMs  int    `json:"timeoutMs"`
		MaxRetries int    `json:"maxRetries"`
	} `json:"faucet"`
	Explorer struct {
		APIURL     string `json:"apiUrl"`
		LinkURL    string `json:"linkUrl"`
		TimeoutMs  int    `json:"timeoutMs"`
		MaxRetries int    `json:"maxRetries"`
	} `json:"explorer"`
	Secrets struct {
		HMACSalt string `json:"hmacSalt"`
	} `json:"secrets"`
	Retry struct {
		MaxAttempts       int `json:"maxAttempts"`
		InitialBackoffMs  int `json:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier"`
	} `json:"retry"`
	Confirmation struct {
		TimeoutMs         int `json:"timeoutMs"`
		InitialIntervalMs int `json:"initialIntervalMs"`
		MaxIntervalMs     int `json:"maxIntervalMs"`
	} `json:"confirmation"`
	Timeouts struct {
		RPCTimeoutMs          int `json:"rpcTimeoutMs"`
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
}

// AppConfig ties together the config file and environment derived values.
type AppConfig struct {
	File         FileConfig
	Service      ServiceConfig
	Chain        ChainConfig
	Faucet       HTTPClientConfig
	Explorer     HTTPClientConfig
	Retry        RetryConfig
	Confirmation ConfirmationConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	// DatabaseURL selects the postgres idempotency store when set.
	DatabaseURL        string
	ReconciliationPath string
	ShutdownTimeout    time.Duration
	LogFormat          string
}

type ChainConfig struct {
	RPCURL         string
	WeiPerBaseUnit *big.Int
	RPCTimeout     time.Duration
}

type HTTPClientConfig struct {
	URL        string
	LinkURL    string
	Timeout    time.Duration
	MaxRetries int
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// Policy converts the config into a read retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:       r.MaxAttempts,
		InitialBackoff:    r.InitialBackoff,
		MaxBackoff:        r.MaxBackoff,
		BackoffMultiplier: r.BackoffMultiplier,
	}
}

type ConfirmationConfig struct {
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

const (
	defaultConfigPath  = "config.json"
	defaultFaucetURL   = "http://faucet.testnet.libra.org"
	defaultExplorerAPI = "https://api-test.libexplorer.com/api"
	defaultExplorerWeb = "https://libexplorer.com"
)

// Load aggregates configuration from disk and environment. A missing config
// file is not an error: defaults run against the in-memory devnet.
func Load() (*AppConfig, error) {
	path := envOr("CONFIG_PATH", defaultConfigPath)

	fileCfg, err := loadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return build(fileCfg)
}

func build(f *FileConfig) (*AppConfig, error) {
	wei := big.NewInt(1_000_000_000_000)
	if raw := envOr("CHAIN_WEI_PER_BASE_UNIT", f.Network.WeiPerBaseUnit); raw != "" {
		parsed, ok := new(big.Int).SetString(raw, 10)
		if !ok || parsed.Sign() <= 0 {
			return nil, fmt.Errorf("invalid weiPerBaseUnit %q", raw)
		}
		wei = parsed
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:           envOr("HMAC_SECRET", f.Secrets.HMACSalt),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    secondsOr(f.Timeouts.IdempotencyWindowSecs, 24*time.Hour),
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "libra2key-idem.json")),
		DatabaseURL:          envOr("DATABASE_URL", ""),
		ReconciliationPath:   envOr("RECONCILIATION_PATH", filepath.Join(os.TempDir(), "libra2key-reconcile")),
		ShutdownTimeout:      envOrDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		LogFormat:            envOr("LOG_FORMAT", "json"),
	}

	chainCfg := ChainConfig{
		RPCURL:         envOr("CHAIN_RPC_URL", f.Network.RPCURL),
		WeiPerBaseUnit: wei,
		RPCTimeout:     millisOr(f.Timeouts.RPCTimeoutMs, 10*time.Second),
	}

	faucetCfg := HTTPClientConfig{
		URL:        envOr("FAUCET_URL", stringOr(f.Faucet.URL, defaultFaucetURL)),
		Timeout:    millisOr(f.Faucet.TimeoutMs, 30*time.Second),
		MaxRetries: f.Faucet.MaxRetries,
	}

	explorerCfg := HTTPClientConfig{
		URL:        envOr("EXPLORER_API_URL", stringOr(f.Explorer.APIURL, defaultExplorerAPI)),
		LinkURL:    envOr("EXPLORER_LINK_URL", stringOr(f.Explorer.LinkURL, defaultExplorerWeb)),
		Timeout:    millisOr(f.Explorer.TimeoutMs, 10*time.Second),
		MaxRetries: intOr(f.Explorer.MaxRetries, 3),
	}

	retryCfg := RetryConfig{
		MaxAttempts:       intOr(f.Retry.MaxAttempts, 3),
		InitialBackoff:    millisOr(f.Retry.InitialBackoffMs, 200*time.Millisecond),
		MaxBackoff:        millisOr(f.Retry.MaxBackoffMs, 2*time.Second),
		BackoffMultiplier: intOr(f.Retry.BackoffMultiplier, 2),
	}

	confCfg := ConfirmationConfig{
		Timeout:         envOrDuration("CONFIRMATION_TIMEOUT", millisOr(f.Confirmation.TimeoutMs, 30*time.Second)),
		InitialInterval: millisOr(f.Confirmation.InitialIntervalMs, 500*time.Millisecond),
		MaxInterval:     millisOr(f.Confirmation.MaxIntervalMs, 5*time.Second),
	}

	return &AppConfig{
		File:         *f,
		Service:      serviceCfg,
		Chain:        chainCfg,
		Faucet:       faucetCfg,
		Explorer:     explorerCfg,
		Retry:        retryCfg,
		Confirmation: confCfg,
	}, nil
}

func loadFile(path string) (*FileConfig, error) {
	var cfg FileConfig
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func stringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func intOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func millisOr(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func secondsOr(s int, fallback time.Duration) time.Duration {
	if s <= 0 {
		return fallback
	}
	return time.Duration(s) * time.Second
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Token store backends
const (
	TokenStoreFile  = "file"
	TokenStoreRedis = "redis"
)

// Config holds all application configuration
type Config struct {
	// Backend settings
	APIURL     string
	APITimeout time.Duration

	// Chain settings
	RPCURL        string
	ChainID       int64
	TokenContract string

	// Wallet settings
	PrivateKey string

	// Token persistence
	TokenStore    string
	DataDir       string
	RedisURL      string
	Profile       string
	TokenLifetime time.Duration

	// Cache settings
	CacheTTL time.Duration
	ListTTL  time.Duration

	// Session timers
	RefreshInterval      time.Duration
	WithdrawRefreshDelay time.Duration
	DisconnectGrace      time.Duration

	// Retry settings
	MaxRetries int
	RetryDelay time.Duration

	LogLevel string
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	return &Config{
		APIURL:               "http://localhost:8080/api/v1",
		APITimeout:           30 * time.Second,
		ChainID:              1,
		TokenStore:           TokenStoreFile,
		Profile:              "default",
		TokenLifetime:        24 * time.Hour,
		CacheTTL:             60 * time.Second,
		ListTTL:              30 * time.Second,
		RefreshInterval:      30 * time.Second,
		WithdrawRefreshDelay: 2 * time.Second,
		DisconnectGrace:      1500 * time.Millisecond,
		MaxRetries:           10,
		RetryDelay:           2 * time.Second,
		LogLevel:             "info",
	}
}

// LoadFromEnvironment loads configuration from environment variables
func (c *Config) LoadFromEnvironment() {
	if v := os.Getenv("ATM_API_URL"); v != "" {
		c.APIURL = strings.TrimRight(v, "/")
	}

	if v := os.Getenv("ATM_RPC_URL"); v != "" {
		c.RPCURL = v
	}

	if v := os.Getenv("ATM_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.ChainID = id
		}
	}

	if v := os.Getenv("ATM_TOKEN_CONTRACT"); v != "" {
		c.TokenContract = v
	}

	if v := os.Getenv("ATM_PRIVATE_KEY"); v != "" {
		c.PrivateKey = v
	}

	if v := os.Getenv("ATM_TOKEN_STORE"); v != "" {
		c.TokenStore = strings.ToLower(v)
	}

	if v := os.Getenv("ATM_DATA_DIR"); v != "" {
		c.DataDir = v
	}

	if v := os.Getenv("ATM_REDIS_URL"); v != "" {
		c.RedisURL = v
	}

	if v := os.Getenv("ATM_PROFILE"); v != "" {
		c.Profile = v
	}

	if v := os.Getenv("ATM_MAX_RETRIES"); v != "" {
		if r, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = r
		}
	}

	if v := os.Getenv("ATM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	durations := map[string]*time.Duration{
		"ATM_API_TIMEOUT":            &c.APITimeout,
		"ATM_TOKEN_LIFETIME":         &c.TokenLifetime,
		"ATM_CACHE_TTL":              &c.CacheTTL,
		"ATM_LIST_TTL":               &c.ListTTL,
		"ATM_REFRESH_INTERVAL":       &c.RefreshInterval,
		"ATM_WITHDRAW_REFRESH_DELAY": &c.WithdrawRefreshDelay,
		"ATM_DISCONNECT_GRACE":       &c.DisconnectGrace,
		"ATM_RETRY_DELAY":            &c.RetryDelay,
	}
	for key, target := range durations {
		if d, ok := parseDuration(os.Getenv(key)); ok {
			*target = d
		}
	}
}

// parseDuration accepts Go duration strings ("1.5s") or bare milliseconds ("1500").
func parseDuration(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, true
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	return 0, false
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.APIURL); err != nil {
		return fmt.Errorf("invalid API URL %q: %w", c.APIURL, err)
	}

	if c.ChainID <= 0 {
		return fmt.Errorf("chain id must be positive, got: %d", c.ChainID)
	}

	switch c.TokenStore {
	case TokenStoreFile:
	case TokenStoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis token store requires ATM_REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown token store: %s", c.TokenStore)
	}

	if c.CacheTTL <= 0 || c.ListTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}

	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got: %s", c.RefreshInterval)
	}

	if c.WithdrawRefreshDelay < 0 || c.DisconnectGrace < 0 {
		return fmt.Errorf("timer delays must be non-negative")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got: %d", c.MaxRetries)
	}

	return nil
}

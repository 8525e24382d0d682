package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// TLS modes for the IMAP connection.
const (
	TLSModeImplicit = "tls"      // TLS from the first byte (port 993)
	TLSModeStartTLS = "starttls" // plaintext upgraded via STARTTLS
)

// Auth types for the IMAP login.
const (
	AuthPassword = "password"
	AuthOAuth    = "oauth"
)

// Config holds the application configuration.
type Config struct {
	// Cache settings
	CachePath         string
	SearchResultLimit int
	LogLevel          string

	// Session pool settings
	PoolMaxPerAccount  int
	IdleSessionTimeout time.Duration
	RoundTripTimeout   time.Duration

	// Synchronizer settings
	SyncInterval   time.Duration
	SyncBatchSize  int
	SyncMessageCap int
	SyncTimeBudget time.Duration

	// Transport settings
	RESTAddr  string
	EnableRPC bool

	// Accounts
	Accounts []AccountConfig
}

// AccountConfig holds configuration for a single email account.
type AccountConfig struct {
	ID      string
	Name    string
	Address string

	IMAPHost string
	IMAPPort int
	TLSMode  string

	Username   string
	AuthType   string
	Password   string
	OAuthToken string

	Disabled bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		CachePath:          getEnv("CACHE_PATH", "/data/imap_bridge.db"),
		SearchResultLimit:  getEnvInt("SEARCH_RESULT_LIMIT", 100),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		PoolMaxPerAccount:  getEnvInt("POOL_MAX_PER_ACCOUNT", 2),
		IdleSessionTimeout: getEnvDuration("IDLE_SESSION_TIMEOUT", 5*time.Minute),
		RoundTripTimeout:   getEnvDuration("ROUND_TRIP_TIMEOUT", 30*time.Second),
		SyncInterval:       getEnvDuration("SYNC_INTERVAL", 2*time.Minute),
		SyncBatchSize:      getEnvInt("SYNC_BATCH_SIZE", 50),
		SyncMessageCap:     getEnvInt("SYNC_MESSAGE_CAP", 500),
		SyncTimeBudget:     getEnvDuration("SYNC_TIME_BUDGET", 60*time.Second),
		RESTAddr:           getEnv("REST_ADDR", ":8143"),
		EnableRPC:          getEnvBool("ENABLE_RPC", false),
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	cfg.Accounts = accounts

	return cfg, nil
}

// loadAccounts loads account configurations from environment variables
// (ACCOUNT_1_*, ACCOUNT_2_*, etc.).
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig

	for num := 1; ; num++ {
		account, ok, err := loadAccountByNumber(num)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		accounts = append(accounts, *account)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in environment variables")
	}

	return accounts, nil
}

// loadAccountByNumber loads one account. The second return value is false
// when no account with this number is configured.
func loadAccountByNumber(num int) (*AccountConfig, bool, error) {
	prefix := fmt.Sprintf("ACCOUNT_%d_", num)

	id := getEnv(prefix+"ID", "")
	if id == "" {
		return nil, false, nil
	}

	acc := &AccountConfig{
		ID:         id,
		Name:       getEnv(prefix+"NAME", id),
		Address:    getEnv(prefix+"ADDRESS", ""),
		IMAPHost:   getEnv(prefix+"IMAP_HOST", ""),
		IMAPPort:   getEnvInt(prefix+"IMAP_PORT", 993),
		TLSMode:    getEnv(prefix+"TLS_MODE", TLSModeImplicit),
		Username:   getEnv(prefix+"USERNAME", ""),
		AuthType:   getEnv(prefix+"AUTH_TYPE", AuthPassword),
		Password:   getEnv(prefix+"PASSWORD", ""),
		OAuthToken: getEnv(prefix+"OAUTH_TOKEN", ""),
		Disabled:   getEnvBool(prefix+"DISABLED", false),
	}

	if acc.IMAPHost == "" {
		return nil, false, fmt.Errorf("account %s: IMAP_HOST is required", id)
	}
	if acc.Username == "" {
		return nil, false, fmt.Errorf("account %s: USERNAME is required", id)
	}
	switch acc.AuthType {
	case AuthPassword:
		if acc.Password == "" {
			return nil, false, fmt.Errorf("account %s: PASSWORD is required", id)
		}
	case AuthOAuth:
		if acc.OAuthToken == "" {
			return nil, false, fmt.Errorf("account %s: OAUTH_TOKEN is required", id)
		}
	default:
		return nil, false, fmt.Errorf("account %s: unknown AUTH_TYPE %q", id, acc.AuthType)
	}

	return acc, true, nil
}

// Validate validates the configuration. Missing required values are
// rejected rather than defaulted so misconfiguration cannot hide.
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("CACHE_PATH is required")
	}
	if c.SearchResultLimit < 1 || c.SearchResultLimit > 1000 {
		return fmt.Errorf("SEARCH_RESULT_LIMIT must be between 1 and 1000")
	}
	if c.PoolMaxPerAccount < 1 || c.PoolMaxPerAccount > 8 {
		return fmt.Errorf("POOL_MAX_PER_ACCOUNT must be between 1 and 8")
	}
	if c.SyncBatchSize < 1 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive")
	}
	if c.SyncMessageCap < c.SyncBatchSize {
		return fmt.Errorf("SYNC_MESSAGE_CAP must be at least SYNC_BATCH_SIZE")
	}
	if c.RoundTripTimeout <= 0 {
		return fmt.Errorf("ROUND_TRIP_TIMEOUT must be positive")
	}
	if c.SyncTimeBudget <= 0 {
		return fmt.Errorf("SYNC_TIME_BUDGET must be positive")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool)
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if seen[acc.ID] {
			return fmt.Errorf("duplicate account id: %s", acc.ID)
		}
		seen[acc.ID] = true
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.ID)
		}
		if acc.TLSMode != TLSModeImplicit && acc.TLSMode != TLSModeStartTLS {
			return fmt.Errorf("account %s: TLS_MODE must be %q or %q", acc.ID, TLSModeImplicit, TLSModeStartTLS)
		}
	}

	return nil
}

// GetAccount finds an account by id. The second return value is false when
// the account does not exist.
func (c *Config) GetAccount(id string) (*AccountConfig, bool) {
	for i := range c.Accounts {
		if c.Accounts[i].ID == id {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

// AccountIDs returns the ids of all configured accounts.
func (c *Config) AccountIDs() []string {
	ids := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		ids[i] = c.Accounts[i].ID
	}
	return ids
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean or returns a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as a duration or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

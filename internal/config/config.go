// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings (ledger gateway)
	RPCURL       string
	ChainID      int64
	PrivateKey   string // Hex-encoded operator key, no 0x prefix required
	USDCContract string

	// Notifications
	NotifyURL    string // Endpoint receiving freeze/panic/contact events
	NotifySecret string // HMAC secret for signing notification payloads

	// WebAuthn relying party
	WebAuthnRPID   string // RP ID, usually the bare domain
	WebAuthnOrigin string // Expected origin for ceremony responses

	// Security
	RateLimitRPS    int
	SessionTTLHours int

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532                                        // Base Sepolia
	DefaultUSDCContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultRateLimit    = 100
	DefaultSessionTTL   = 24

	DefaultWebAuthnRPID   = "localhost"
	DefaultWebAuthnOrigin = "http://localhost:8080"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:          getEnv("RPC_URL", DefaultRPCURL),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:      os.Getenv("PRIVATE_KEY"), // Optional; gateway disabled without it
		USDCContract:    getEnv("USDC_CONTRACT", DefaultUSDCContract),
		NotifyURL:       os.Getenv("NOTIFY_URL"),
		NotifySecret:    os.Getenv("NOTIFY_SECRET"),
		WebAuthnRPID:    getEnv("WEBAUTHN_RP_ID", DefaultWebAuthnRPID),
		WebAuthnOrigin:  getEnv("WEBAUTHN_ORIGIN", DefaultWebAuthnOrigin),
		RateLimitRPS:    int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		SessionTTLHours: int(getEnvInt64("SESSION_TTL_HOURS", DefaultSessionTTL)),
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey != "" {
		// Allow both with and without 0x prefix
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when PRIVATE_KEY is set")
		}
	}

	if c.NotifyURL != "" && c.NotifySecret == "" {
		return fmt.Errorf("NOTIFY_SECRET is required when NOTIFY_URL is set")
	}

	if c.SessionTTLHours <= 0 {
		return fmt.Errorf("SESSION_TTL_HOURS must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

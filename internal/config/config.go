// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "text" or "json"
	AppURL      string // public URL of the web app, target of wallet deep links
	CORSOrigins []string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain settings
	RPCURLs        []string
	ChainID        int64
	NetworksFile   string // optional YAML file with additional networks
	EscrowContract string
	USDTContract   string
	SignerKey      string // optional operator wallet, hex encoded
	ConnectTimeout time.Duration
	ReceiptTimeout time.Duration
	DeepLinkBase   string
	OnChainDispute bool
	ScheduleTZ     string

	// Auth
	JWTSecret string

	// Evidence storage
	LighthouseAPIKey string
	StorageURL       string
	StorageKey       string
	StorageBucket    string
	MaxEvidenceBytes int64

	// Integrations
	NATSURL       string
	WebhookURL    string
	WebhookSecret string
	OTLPEndpoint  string
	RateLimitRPM  int
}

// BNB Smart Chain defaults
const (
	DefaultRPCURL         = "https://bsc-dataseed.binance.org"
	DefaultChainID        = 56
	DefaultUSDTContract   = "0x55d398326f99059fF775485246999027B3197955"
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultConnectTimeout = 15 * time.Second
	DefaultReceiptTimeout = 120 * time.Second
	DefaultDeepLinkBase   = "https://metamask.app.link/dapp/"
	DefaultStorageBucket  = "dispute_evidence"
	DefaultMaxEvidenceMB  = 200
	DefaultRateLimitRPM   = 120
	DefaultScheduleTZ     = "UTC"
)

var addressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		AppURL:           os.Getenv("APP_URL"),
		CORSOrigins:      getEnvList("CORS_ORIGINS", ""),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RPCURLs:          getEnvList("RPC_URL", DefaultRPCURL),
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		NetworksFile:     os.Getenv("NETWORKS_FILE"),
		EscrowContract:   os.Getenv("ESCROW_CONTRACT"),
		USDTContract:     getEnv("USDT_CONTRACT", DefaultUSDTContract),
		SignerKey:        os.Getenv("SIGNER_KEY"),
		ConnectTimeout:   getEnvDuration("CONNECT_TIMEOUT", DefaultConnectTimeout),
		ReceiptTimeout:   getEnvDuration("RECEIPT_TIMEOUT", DefaultReceiptTimeout),
		DeepLinkBase:     getEnv("DEEPLINK_BASE", DefaultDeepLinkBase),
		OnChainDispute:   getEnvBool("ONCHAIN_DISPUTES", false),
		ScheduleTZ:       getEnv("SCHEDULE_TZ", DefaultScheduleTZ),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		LighthouseAPIKey: os.Getenv("LIGHTHOUSE_API_KEY"),
		StorageURL:       os.Getenv("STORAGE_URL"),
		StorageKey:       os.Getenv("STORAGE_KEY"),
		StorageBucket:    getEnv("STORAGE_BUCKET", DefaultStorageBucket),
		MaxEvidenceBytes: getEnvInt64("MAX_EVIDENCE_MB", DefaultMaxEvidenceMB) << 20,
		NATSURL:          os.Getenv("NATS_URL"),
		WebhookURL:       os.Getenv("WEBHOOK_URL"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.RPCURLs) == 0 {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	if !addressRegex.MatchString(c.EscrowContract) {
		return fmt.Errorf("ESCROW_CONTRACT must be a 0x-prefixed 20-byte address")
	}
	if !addressRegex.MatchString(c.USDTContract) {
		return fmt.Errorf("USDT_CONTRACT must be a 0x-prefixed 20-byte address")
	}
	if c.SignerKey != "" {
		if len(strings.TrimPrefix(c.SignerKey, "0x")) != 64 {
			return fmt.Errorf("SIGNER_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.IsProduction() && len(c.CORSOrigins) == 0 {
		return fmt.Errorf("CORS_ORIGINS is required in production")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	if _, err := time.LoadLocation(c.ScheduleTZ); err != nil {
		return fmt.Errorf("SCHEDULE_TZ: %w", err)
	}
	if c.ConnectTimeout <= 0 || c.ReceiptTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT and RECEIPT_TIMEOUT must be positive")
	}
	return nil
}

// Location returns the time zone used to interpret scenario dates.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ScheduleTZ)
	if err != nil {
		return time.UTC
	}
	return loc
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEscrow = "0x1234567890123456789012345678901234567890"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func setRequired(t *testing.T) {
	t.Helper()
	setEnv(t, "ESCROW_CONTRACT", testEscrow)
	setEnv(t, "JWT_SECRET", "dev-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{DefaultRPCURL}, cfg.RPCURLs)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultUSDTContract, cfg.USDTContract)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, DefaultReceiptTimeout, cfg.ReceiptTimeout)
	assert.Equal(t, DefaultStorageBucket, cfg.StorageBucket)
	assert.Equal(t, int64(DefaultMaxEvidenceMB)<<20, cfg.MaxEvidenceBytes)
	assert.False(t, cfg.OnChainDispute)
	assert.Empty(t, cfg.CORSOrigins)
}

func TestLoad_ParsesListsDurationsAndBools(t *testing.T) {
	setRequired(t)
	setEnv(t, "RPC_URL", "https://a.example, https://b.example ,")
	setEnv(t, "CONNECT_TIMEOUT", "10s")
	setEnv(t, "RECEIPT_TIMEOUT", "2m")
	setEnv(t, "ONCHAIN_DISPUTES", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.RPCURLs)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ReceiptTimeout)
	assert.True(t, cfg.OnChainDispute)
}

func TestLoad_MissingEscrowContract(t *testing.T) {
	setEnv(t, "ESCROW_CONTRACT", "")
	setEnv(t, "JWT_SECRET", "dev-secret")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ESCROW_CONTRACT")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			RPCURLs:        []string{DefaultRPCURL},
			ChainID:        DefaultChainID,
			EscrowContract: testEscrow,
			USDTContract:   DefaultUSDTContract,
			JWTSecret:      "dev-secret",
			ScheduleTZ:     "UTC",
			ConnectTimeout: time.Second,
			ReceiptTimeout: time.Second,
			Env:            "development",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "no rpc", mutate: func(c *Config) { c.RPCURLs = nil }, wantErr: "RPC_URL"},
		{name: "bad chain", mutate: func(c *Config) { c.ChainID = 0 }, wantErr: "CHAIN_ID"},
		{name: "bad token", mutate: func(c *Config) { c.USDTContract = "0x12" }, wantErr: "USDT_CONTRACT"},
		{name: "short signer key", mutate: func(c *Config) { c.SignerKey = "abcd" }, wantErr: "SIGNER_KEY"},
		{name: "signer key with prefix", mutate: func(c *Config) {
			c.SignerKey = "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
		}},
		{name: "no jwt secret", mutate: func(c *Config) { c.JWTSecret = "" }, wantErr: "JWT_SECRET"},
		{name: "weak production secret", mutate: func(c *Config) { c.Env = "production" }, wantErr: "32 characters"},
		{name: "production without cors origins", mutate: func(c *Config) {
			c.Env = "production"
			c.JWTSecret = "0123456789abcdef0123456789abcdef"
		}, wantErr: "CORS_ORIGINS"},
		{name: "unsigned webhook", mutate: func(c *Config) { c.WebhookURL = "https://hooks.example.com/bmb" }, wantErr: "WEBHOOK_SECRET"},
		{name: "unknown tz", mutate: func(c *Config) { c.ScheduleTZ = "Mars/Olympus" }, wantErr: "SCHEDULE_TZ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Location(t *testing.T) {
	c := Config{ScheduleTZ: "Europe/Kyiv"}
	assert.Equal(t, "Europe/Kyiv", c.Location().String())

	c.ScheduleTZ = "nowhere"
	assert.Equal(t, time.UTC, c.Location())
}

// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Ledger access
	BaseRPCURL     string
	SolanaRPCURL   string
	BaseUSDC       string // ERC-20 contract on Base
	SolanaUSDCMint string // SPL mint on Solana

	// Authenticated metrics API (primary tier, optional)
	MetricsAPIURL        string
	MetricsAPIKeyName    string
	MetricsAPIPrivateKey string // PEM-encoded EC private key

	// Agent registries (optional; identity lookups are skipped when unset)
	SubgraphURL        string
	IdentityRegistry   string
	ReputationRegistry string
	ValidationRegistry string
	IPFSGateway        string
	ArweaveGateway     string
	// Reputation registry predating string tags (bytes32 tags, uint8 scores)
	LegacyReputationTags bool

	// Resolver tuning
	CacheTTL             time.Duration
	RequestTimeout       time.Duration
	EVMScanBlocks        uint64
	SolanaSignatureLimit int
	RPCRequestsPerSecond float64 // per ledger; 0 disables throttling
	RPCBurst             int

	// Tracing
	OTLPEndpoint string
}

// Base mainnet defaults
const (
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultBaseRPCURL           = "https://mainnet.base.org"
	DefaultSolanaRPCURL         = "https://api.mainnet-beta.solana.com"
	DefaultBaseUSDC             = "0x833589fCD6eDb6E08f4c7C32D4f71B54bdA02913"
	DefaultSolanaUSDCMint       = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	DefaultIPFSGateway          = "https://ipfs.io"
	DefaultArweaveGateway       = "https://arweave.net"
	DefaultCacheTTL             = 5 * time.Minute
	DefaultRequestTimeout       = 30 * time.Second
	DefaultEVMScanBlocks        = 1_296_000 // ~30 days of 2s blocks
	DefaultSolanaSignatureLimit = 100
	DefaultRPCRequestsPerSecond = 10
	DefaultRPCBurst             = 5
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		BaseRPCURL:           getEnv("BASE_RPC_URL", DefaultBaseRPCURL),
		SolanaRPCURL:         getEnv("SOLANA_RPC_URL", DefaultSolanaRPCURL),
		BaseUSDC:             getEnv("BASE_USDC_CONTRACT", DefaultBaseUSDC),
		SolanaUSDCMint:       getEnv("SOLANA_USDC_MINT", DefaultSolanaUSDCMint),
		MetricsAPIURL:        os.Getenv("METRICS_API_URL"),
		MetricsAPIKeyName:    os.Getenv("METRICS_API_KEY_NAME"),
		MetricsAPIPrivateKey: os.Getenv("METRICS_API_PRIVATE_KEY"),
		SubgraphURL:          os.Getenv("SUBGRAPH_URL"),
		IdentityRegistry:     os.Getenv("IDENTITY_REGISTRY"),
		ReputationRegistry:   os.Getenv("REPUTATION_REGISTRY"),
		ValidationRegistry:   os.Getenv("VALIDATION_REGISTRY"),
		IPFSGateway:          getEnv("IPFS_GATEWAY", DefaultIPFSGateway),
		ArweaveGateway:       getEnv("ARWEAVE_GATEWAY", DefaultArweaveGateway),
		LegacyReputationTags: getEnvBool("LEGACY_REPUTATION_TAGS", false),
		CacheTTL:             getEnvDuration("CACHE_TTL", DefaultCacheTTL),
		RequestTimeout:       getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		EVMScanBlocks:        uint64(getEnvInt64("EVM_SCAN_BLOCKS", DefaultEVMScanBlocks)),
		SolanaSignatureLimit: int(getEnvInt64("SOLANA_SIGNATURE_LIMIT", DefaultSolanaSignatureLimit)),
		RPCRequestsPerSecond: getEnvFloat("RPC_REQUESTS_PER_SECOND", DefaultRPCRequestsPerSecond),
		RPCBurst:             int(getEnvInt64("RPC_BURST", DefaultRPCBurst)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.BaseRPCURL == "" {
		return fmt.Errorf("BASE_RPC_URL is required")
	}
	if c.SolanaRPCURL == "" {
		return fmt.Errorf("SOLANA_RPC_URL is required")
	}
	if !common.IsHexAddress(c.BaseUSDC) {
		return fmt.Errorf("BASE_USDC_CONTRACT must be a hex address")
	}

	if c.MetricsAPIURL != "" && (c.MetricsAPIKeyName == "" || c.MetricsAPIPrivateKey == "") {
		return fmt.Errorf("METRICS_API_KEY_NAME and METRICS_API_PRIVATE_KEY are required when METRICS_API_URL is set")
	}

	for name, addr := range map[string]string{
		"IDENTITY_REGISTRY":   c.IdentityRegistry,
		"REPUTATION_REGISTRY": c.ReputationRegistry,
		"VALIDATION_REGISTRY": c.ValidationRegistry,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a hex address", name)
		}
	}

	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	if c.SolanaSignatureLimit <= 0 || c.SolanaSignatureLimit > 1000 {
		return fmt.Errorf("SOLANA_SIGNATURE_LIMIT must be between 1 and 1000")
	}
	if c.RPCRequestsPerSecond < 0 || c.RPCBurst < 1 {
		return fmt.Errorf("RPC_REQUESTS_PER_SECOND must be non-negative and RPC_BURST at least 1")
	}

	return nil
}

// MetricsAPIEnabled reports whether the authenticated primary tier is configured.
func (c *Config) MetricsAPIEnabled() bool {
	return c.MetricsAPIURL != ""
}

// RegistriesEnabled reports whether on-chain registry reads are configured.
func (c *Config) RegistriesEnabled() bool {
	return c.IdentityRegistry != "" || c.ReputationRegistry != "" || c.ValidationRegistry != ""
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

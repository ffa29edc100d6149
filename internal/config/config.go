package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

const (
	StorageMemory   = "memory"
	StorageLevelDB  = "leveldb"
	StoragePostgres = "postgres"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	AdminAddress   string        `mapstructure:"ADMIN_ADDRESS"`
	StorageBackend string        `mapstructure:"STORAGE_BACKEND"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	LevelDBPath    string        `mapstructure:"LEVELDB_PATH"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	JWTSigningKey  string        `mapstructure:"JWT_SIGNING_KEY"`
	JWTTTL         time.Duration `mapstructure:"JWT_TTL"`
	NonceTTL       time.Duration `mapstructure:"NONCE_TTL"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	PinataJWT      string        `mapstructure:"PINATA_JWT"`
	PinataAPIURL   string        `mapstructure:"PINATA_API_URL"`

	PolicyRejectDuplicateRoles bool `mapstructure:"POLICY_REJECT_DUPLICATE_ROLES"`
	PolicyMaxRecordsPerPatient int  `mapstructure:"POLICY_MAX_RECORDS_PER_PATIENT"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "ADMIN_ADDRESS", "STORAGE_BACKEND",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "LEVELDB_PATH",
	"REDIS_URL", "JWT_SIGNING_KEY", "JWT_TTL", "NONCE_TTL", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "PINATA_JWT", "PINATA_API_URL",
	"POLICY_REJECT_DUPLICATE_ROLES", "POLICY_MAX_RECORDS_PER_PATIENT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("STORAGE_BACKEND", StorageMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "registry")
	v.SetDefault("LEVELDB_PATH", "./data/ledger")
	v.SetDefault("JWT_TTL", "12h")
	v.SetDefault("NONCE_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("PINATA_API_URL", "https://api.pinata.cloud")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))

	if cfg.AdminAddress == "" {
		return nil, fmt.Errorf("ADMIN_ADDRESS is required")
	}

	if cfg.ResolvedAuthMode() == "development" {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running with development authentication.")
		log.Println("WARNING: The X-Wallet-Address header is trusted without a signature.")
		log.Println("WARNING: Set AUTH_MODE=wallet and JWT_SIGNING_KEY for real deployments.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. An explicit AUTH_MODE wins;
// otherwise ENV=development selects header-based development auth and every
// other environment selects wallet signature login.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "wallet"
}

// Admin returns the parsed administrator address.
func (c *Config) Admin() common.Address {
	return common.HexToAddress(c.AdminAddress)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.AdminAddress) {
		return fmt.Errorf("ADMIN_ADDRESS must be a 20-byte hex address, got %q", c.AdminAddress)
	}
	if c.Admin() == (common.Address{}) {
		return fmt.Errorf("ADMIN_ADDRESS must not be the zero address")
	}

	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "wallet" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"wallet\", got %q", mode)
	}
	if mode == "wallet" && len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 characters when AUTH_MODE is \"wallet\"")
	}
	if c.IsProduction() && mode == "development" {
		return fmt.Errorf("AUTH_MODE=development is not allowed in production")
	}

	switch c.StorageBackend {
	case StorageMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORAGE_BACKEND=memory is not allowed in production")
		}
	case StorageLevelDB:
		if c.LevelDBPath == "" {
			return fmt.Errorf("LEVELDB_PATH is required when STORAGE_BACKEND is \"leveldb\"")
		}
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND is \"postgres\"")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q, %q or %q, got %q",
			StorageMemory, StorageLevelDB, StoragePostgres, c.StorageBackend)
	}

	if c.PolicyMaxRecordsPerPatient < 0 {
		return fmt.Errorf("POLICY_MAX_RECORDS_PER_PATIENT must not be negative")
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be positive")
	}
	if c.NonceTTL <= 0 {
		return fmt.Errorf("NONCE_TTL must be positive")
	}

	return nil
}

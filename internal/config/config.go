// Package config provides configuration loading for the PLC directory.
// Settings come from an optional TOML file, then from PLC_* environment
// variables, which always win.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// The loading order ensures that system environment variables take precedence over .env files.
func init() {
	// godotenv.Load() does not override already-set environment variables,
	// preserving OS env > .env precedence

	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Log backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendBolt     = "bolt"
	BackendLedger   = "ledger"
)

// Config captures the settings of the directory service.
type Config struct {
	Env            string        `toml:"env"`             // Deployment environment (dev, staging, prod)
	Address        string        `toml:"http_addr"`       // HTTP server address
	MetricsAddress string        `toml:"metrics_addr"`    // Separate metrics listener; empty serves /metrics on Address
	LogLevel       string        `toml:"log_level"`       // debug, info, warn, error
	RequestTimeout time.Duration `toml:"request_timeout"` // Per-request deadline

	LogBackend  string `toml:"log_backend"` // memory, postgres, sqlite, bolt, ledger
	DatabaseDSN string `toml:"db_dsn"`      // PostgreSQL connection string
	SQLitePath  string `toml:"sqlite_path"`
	BoltPath    string `toml:"bolt_path"`

	RPCURL          string `toml:"rpc_url"`
	ContractAddress string `toml:"contract_address"`
	PrivateKey      string `toml:"private_key"` // Hex key of the funded sender; never logged
	ChainID         int64  `toml:"chain_id"`    // 0 asks the node
	GasLimit        uint64 `toml:"gas_limit"`

	// Wait for an add to be mined. Runs past the request deadline.
	MineTimeout time.Duration `toml:"mine_timeout"`

	SignaturePolicy string `toml:"signature_policy"` // none, verify

	// Tracing. The OTLP exporter also honours the standard OTEL_EXPORTER_OTLP_* variables.
	OTelExporter    string `toml:"otel_exporter"`     // none, stdout, otlp
	OTelEndpoint    string `toml:"otel_endpoint"`     // OTLP/HTTP collector URL; empty uses the exporter default
	OTelServiceName string `toml:"otel_service_name"` // service.name resource attribute
}

// Trace exporters
const (
	OTelExporterNone   = "none"
	OTelExporterStdout = "stdout"
	OTelExporterOTLP   = "otlp"
)

// Default configuration values used when neither file nor environment set them
const (
	defaultAddress         = ":2582"
	defaultLogLevel        = "info"
	defaultRequestTimeout  = 30 * time.Second
	defaultSQLitePath      = "plc.db"
	defaultBoltPath        = "plc.bolt"
	defaultRPCURL          = "http://localhost:8545"
	defaultContractAddress = "0x12296f2D128530a834460DF6c36a2895B793F26d"
	defaultGasLimit        = 30_000_000
	defaultMineTimeout     = 2 * time.Minute
	defaultSignaturePolicy = "none"
	defaultOTelServiceName = "plcd"
)

func defaults() Config {
	return Config{
		Env:             "dev",
		Address:         defaultAddress,
		LogLevel:        defaultLogLevel,
		RequestTimeout:  defaultRequestTimeout,
		LogBackend:      BackendMemory,
		SQLitePath:      defaultSQLitePath,
		BoltPath:        defaultBoltPath,
		RPCURL:          defaultRPCURL,
		ContractAddress: defaultContractAddress,
		GasLimit:        defaultGasLimit,
		MineTimeout:     defaultMineTimeout,
		SignaturePolicy: defaultSignaturePolicy,
		OTelExporter:    OTelExporterNone,
		OTelServiceName: defaultOTelServiceName,
	}
}

// Load reads environment variables over the defaults.
func Load() (Config, error) {
	return LoadFile("")
}

// LoadFile decodes the TOML file at path (if path is not empty) over the
// defaults, then applies environment variables on top.
func LoadFile(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Env = getEnv("PLC_ENV", cfg.Env)
	cfg.Address = getEnv("PLC_HTTP_ADDR", cfg.Address)
	if addr, exists := os.LookupEnv("PLC_METRICS_ADDR"); exists {
		cfg.MetricsAddress = addr
	}
	cfg.LogLevel = getEnv("PLC_LOG_LEVEL", cfg.LogLevel)
	cfg.LogBackend = strings.ToLower(getEnv("PLC_LOG_BACKEND", cfg.LogBackend))
	cfg.DatabaseDSN = getEnv("PLC_DB_DSN", cfg.DatabaseDSN)
	cfg.SQLitePath = getEnv("PLC_SQLITE_PATH", cfg.SQLitePath)
	cfg.BoltPath = getEnv("PLC_BOLT_PATH", cfg.BoltPath)
	cfg.RPCURL = getEnv("PLC_RPC_URL", cfg.RPCURL)
	cfg.ContractAddress = getEnv("PLC_CONTRACT_ADDRESS", cfg.ContractAddress)
	cfg.PrivateKey = getEnv("PLC_PRIVATE_KEY", cfg.PrivateKey)
	cfg.SignaturePolicy = strings.ToLower(getEnv("PLC_SIGNATURE_POLICY", cfg.SignaturePolicy))
	cfg.OTelExporter = strings.ToLower(getEnv("PLC_OTEL_EXPORTER", cfg.OTelExporter))
	cfg.OTelEndpoint = getEnv("PLC_OTEL_ENDPOINT", cfg.OTelEndpoint)
	cfg.OTelServiceName = getEnv("PLC_OTEL_SERVICE_NAME", cfg.OTelServiceName)

	if raw, exists := os.LookupEnv("PLC_CHAIN_ID"); exists {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			return fmt.Errorf("invalid PLC_CHAIN_ID: %q", raw)
		}
		cfg.ChainID = id
	}
	if raw, exists := os.LookupEnv("PLC_GAS_LIMIT"); exists {
		limit, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || limit == 0 {
			return fmt.Errorf("invalid PLC_GAS_LIMIT: %q", raw)
		}
		cfg.GasLimit = limit
	}
	if raw, exists := os.LookupEnv("PLC_REQUEST_TIMEOUT_SECONDS"); exists {
		d, err := parseSeconds(raw)
		if err != nil {
			return fmt.Errorf("invalid PLC_REQUEST_TIMEOUT_SECONDS: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if raw, exists := os.LookupEnv("PLC_MINE_TIMEOUT_SECONDS"); exists {
		d, err := parseSeconds(raw)
		if err != nil {
			return fmt.Errorf("invalid PLC_MINE_TIMEOUT_SECONDS: %w", err)
		}
		cfg.MineTimeout = d
	}
	return nil
}

// Validate checks that the selected backend has what it needs.
func (c Config) Validate() error {
	switch c.LogBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseDSN == "" {
			return errors.New("PLC_DB_DSN is required for the postgres backend")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("PLC_SQLITE_PATH is required for the sqlite backend")
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return errors.New("PLC_BOLT_PATH is required for the bolt backend")
		}
	case BackendLedger:
		if c.PrivateKey == "" {
			return errors.New("PLC_PRIVATE_KEY is required for the ledger backend")
		}
	default:
		return fmt.Errorf("unknown PLC_LOG_BACKEND %q", c.LogBackend)
	}
	switch c.SignaturePolicy {
	case "", "none", "verify":
	default:
		return fmt.Errorf("unknown PLC_SIGNATURE_POLICY %q", c.SignaturePolicy)
	}
	switch c.OTelExporter {
	case "", OTelExporterNone, OTelExporterStdout, OTelExporterOTLP:
	default:
		return fmt.Errorf("unknown PLC_OTEL_EXPORTER %q", c.OTelExporter)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be > 0")
	}
	return nil
}

// SlogLevel parses LogLevel, falling back to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// String renders the configuration for logs with the private key hidden.
func (c Config) String() string {
	key := ""
	if c.PrivateKey != "" {
		key = "<hidden>"
	}
	return fmt.Sprintf("Config{env: %s, http: %s, metrics: %s, backend: %s, rpc: %s, contract: %s, chainId: %d, privateKey: %s, signaturePolicy: %s, otelExporter: %s}",
		c.Env, c.Address, c.MetricsAddress, c.LogBackend, c.RPCURL, c.ContractAddress, c.ChainID, key, c.SignaturePolicy, c.OTelExporter)
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseSeconds converts a string representation of seconds to a time.Duration
// Returns an error if the value is not a valid positive integer
func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if seconds <= 0 {
		return 0, errors.New("value must be > 0")
	}
	return time.Duration(seconds) * time.Second, nil
}

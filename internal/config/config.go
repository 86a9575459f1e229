// Package config loads relay settings: defaults first, then an optional TOML
// file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/internal/logging"
)

// Environment variables read by Load
const (
	EnvConfigFile   = "TAPMINT_CONFIG"
	EnvListenAddr   = "TAPMINT_LISTEN_ADDR"
	EnvRedisURL     = "REDIS_URL"
	EnvTicketKey    = "TAPMINT_TICKET_KEY"
	EnvPinataJWT    = "TAPMINT_PINATA_JWT"
	EnvPinataKey    = "TAPMINT_PINATA_API_KEY"
	EnvPinataSecret = "TAPMINT_PINATA_SECRET_KEY"
	EnvRPCURL       = "TAPMINT_RPC_URL"
	EnvMinterKey    = "TAPMINT_MINTER_KEY"
	EnvLogFormat    = "TAPMINT_LOG_FORMAT"
	EnvMaxAge       = "TAPMINT_SESSION_MAX_AGE"
)

// Config holds runtime settings for the relay
type Config struct {
	ListenAddr    string         `toml:"listen_addr"`
	RedisURL      string         `toml:"redis_url"`       // empty keeps everything in process
	TicketKeyPath string         `toml:"ticket_key_path"` // PEM encoded P-256 key, generated when empty
	Log           logging.Config `toml:"log"`
	Session       SessionConfig  `toml:"session"`
	Mint          MintConfig     `toml:"mint"`
}

// SessionConfig holds session and bus timings
type SessionConfig struct {
	MaxAge          Duration `toml:"max_age"`
	CleanupInterval Duration `toml:"cleanup_interval"`
	Freshness       Duration `toml:"freshness"`
	Retention       Duration `toml:"retention"`
	AcquireTimeout  Duration `toml:"acquire_timeout"`
	ErrorReset      Duration `toml:"error_reset"`
}

// MintConfig holds the IPFS and contract settings
type MintConfig struct {
	PinataJWT       string `toml:"pinata_jwt"`
	PinataAPIKey    string `toml:"pinata_api_key"`
	PinataSecretKey string `toml:"pinata_secret_key"`
	ContractAddress string `toml:"contract_address"`
	ChainID         int64  `toml:"chain_id"`
	RPCURL          string `toml:"rpc_url"`    // empty disables on-chain minting
	MinterKey       string `toml:"minter_key"` // hex secp256k1 key paying for mints
}

// Duration is a time.Duration read from TOML strings like "30m"
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText formats the duration
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LoadDefaults populates Config with development defaults
func (c *Config) LoadDefaults() {
	c.ListenAddr = ":9000"
	c.RedisURL = ""
	c.TicketKeyPath = ""
	c.Log = logging.Config{Level: "info", Format: "json"}
	c.Session = SessionConfig{
		MaxAge:          Duration{core.MaxSessionAge},
		CleanupInterval: Duration{core.CleanupInterval},
		Freshness:       Duration{core.FreshnessWindow},
		Retention:       Duration{core.RetentionWindow},
		AcquireTimeout:  Duration{30 * time.Second},
		ErrorReset:      Duration{3 * time.Second},
	}
	c.Mint = MintConfig{
		ContractAddress: "0x01f7c6C141e7d650f6C3B27eC0D7d69784F6a275",
		ChainID:         8453,
	}
}

// Load builds a Config from defaults, the TOML file at path (or the file
// named by TAPMINT_CONFIG when path is empty) and environment overrides
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the relay cannot run with
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	s := c.Session
	if s.MaxAge.Duration <= 0 || s.CleanupInterval.Duration <= 0 {
		return fmt.Errorf("session max_age and cleanup_interval must be positive")
	}
	if s.Freshness.Duration <= 0 || s.Retention.Duration < s.Freshness.Duration {
		return fmt.Errorf("session retention must be at least the freshness window")
	}
	if c.Mint.RPCURL != "" && c.Mint.MinterKey == "" {
		return fmt.Errorf("mint rpc_url requires minter_key")
	}
	if c.Mint.ChainID <= 0 {
		return fmt.Errorf("mint chain_id must be positive")
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.ListenAddr, EnvListenAddr)
	setString(&c.RedisURL, EnvRedisURL)
	setString(&c.TicketKeyPath, EnvTicketKey)
	setString(&c.Log.Format, EnvLogFormat)
	setString(&c.Mint.PinataJWT, EnvPinataJWT)
	setString(&c.Mint.PinataAPIKey, EnvPinataKey)
	setString(&c.Mint.PinataSecretKey, EnvPinataSecret)
	setString(&c.Mint.RPCURL, EnvRPCURL)
	setString(&c.Mint.MinterKey, EnvMinterKey)

	if raw := strings.TrimSpace(os.Getenv(EnvMaxAge)); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			// plain integers are minutes
			minutes, convErr := strconv.Atoi(raw)
			if convErr != nil {
				return fmt.Errorf("invalid %s %q: %w", EnvMaxAge, raw, err)
			}
			d = time.Duration(minutes) * time.Minute
		}
		c.Session.MaxAge = Duration{d}
	}

	return nil
}

func setString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok {
		*dst = strings.TrimSpace(v)
	}
}

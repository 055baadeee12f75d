package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration loaded from TOML.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`

	LogFile      string `toml:"LogFile"`
	LogMaxSizeMB int    `toml:"LogMaxSizeMB"`
	LogMaxAgeDay int    `toml:"LogMaxAgeDays"`

	VenueURL            string `toml:"VenueURL"`
	VenueTimeoutSeconds int    `toml:"VenueTimeoutSeconds"`
	VenueRatePerSecond  int    `toml:"VenueRatePerSecond"`
	PositionsURL        string `toml:"PositionsURL"`
	RailURL             string `toml:"RailURL"`
	RailTimeoutSeconds  int    `toml:"RailTimeoutSeconds"`

	ProtocolSharePermille uint64 `toml:"ProtocolSharePermille"`
	SkimSharePermille     uint64 `toml:"SkimSharePermille"`
	CadenceSeconds        uint64 `toml:"CadenceSeconds"`
	PriceImpactBps        uint64 `toml:"PriceImpactBps"`
	SlippageBps           uint64 `toml:"SlippageBps"`

	StakingSink  string `toml:"StakingSink"`
	BurnSink     string `toml:"BurnSink"`
	SpareSink    string `toml:"SpareSink"`
	VenueAccount string `toml:"VenueAccount"`
}

// Load loads the configuration from the given path, writing a commented
// default file when none exists yet.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate ensures the configuration is self-consistent.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data dir required")
	}
	if strings.TrimSpace(c.RailURL) == "" {
		return fmt.Errorf("rail url required")
	}
	if c.ProtocolSharePermille > 1000 {
		return fmt.Errorf("protocol share must be <= 1000 permille")
	}
	if c.SkimSharePermille > 1000 {
		return fmt.Errorf("skim share must be <= 1000 permille")
	}
	if c.CadenceSeconds == 0 {
		return fmt.Errorf("cadence must be positive")
	}
	if c.PriceImpactBps == 0 || c.PriceImpactBps > 10_000 {
		return fmt.Errorf("price impact ceiling must be within (0, 10000] bps")
	}
	if c.SlippageBps > c.PriceImpactBps {
		return fmt.Errorf("slippage cap must not exceed the impact ceiling")
	}
	for name, value := range map[string]string{
		"staking sink":  c.StakingSink,
		"burn sink":     c.BurnSink,
		"spare sink":    c.SpareSink,
		"venue account": c.VenueAccount,
	} {
		if !validHexAddress(value) {
			return fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address", name)
		}
	}
	return nil
}

// Cadence returns the execution cadence as a duration.
func (c *Config) Cadence() time.Duration {
	return time.Duration(c.CadenceSeconds) * time.Second
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress:         "0.0.0.0:8665",
		DataDir:               "./tidepool-data",
		Environment:           "dev",
		LogMaxSizeMB:          100,
		LogMaxAgeDay:          28,
		VenueURL:              "http://127.0.0.1:8765",
		VenueTimeoutSeconds:   5,
		VenueRatePerSecond:    10,
		PositionsURL:          "http://127.0.0.1:8765",
		RailURL:               "http://127.0.0.1:8766",
		RailTimeoutSeconds:    5,
		ProtocolSharePermille: 200,
		SkimSharePermille:     50,
		CadenceSeconds:        86_400,
		PriceImpactBps:        200,
		SlippageBps:           100,
		StakingSink:           "0x0000000000000000000000000000000000000001",
		BurnSink:              "0x0000000000000000000000000000000000000002",
		SpareSink:             "0x0000000000000000000000000000000000000003",
		VenueAccount:          "0x0000000000000000000000000000000000000004",
	}
}

func writeDefault(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := fmt.Fprintln(file, "# tidepool treasury daemon configuration"); err != nil {
		return err
	}
	return toml.NewEncoder(file).Encode(cfg)
}

func validHexAddress(value string) bool {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) != 42 || !strings.HasPrefix(trimmed, "0x") {
		return false
	}
	for _, r := range trimmed[2:] {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return trimmed != "0x0000000000000000000000000000000000000000"
}

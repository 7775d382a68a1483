// Package sim wires the plant, fault engine, AFE and transport into the
// tick loop that drives a hardware-in-the-loop session against a BMS.
package sim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigError reports an invalid configuration value. Configuration
// problems are fatal at load time; nothing else in the simulator is.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// StalePolicy says what the current gate does when the newest BMS response
// is stale.
type StalePolicy string

const (
	// StaleHold keeps gating on the stale response.
	StaleHold StalePolicy = "hold"
	// StaleOpen treats a stale response as both switches open: zero current.
	StaleOpen StalePolicy = "open"
)

// Config is a simulation session. Zero values fall back to defaults in
// ApplyDefaults.
type Config struct {
	Port     string `yaml:"port"`      // serial device, e.g. /dev/ttyUSB0
	TCPAddr  string `yaml:"tcp_addr"`  // alternative TCP bridge address
	Protocol string `yaml:"protocol"`  // "xbb" or "mcu"

	RateHz      float64 `yaml:"rate_hz"`
	DurationSec float64 `yaml:"duration_sec"` // 0 runs until cancelled
	Realtime    bool    `yaml:"realtime"`     // pace ticks with the wall clock

	CurrentMA     float64 `yaml:"current_ma"` // constant command, discharge-positive
	ProfilePath   string  `yaml:"profile"`    // overrides CurrentMA when set
	InitialSOCPct float64 `yaml:"initial_soc_pct"`
	AmbientC      float64 `yaml:"ambient_c"`
	Seed          int64   `yaml:"seed"`

	Bidirectional bool        `yaml:"bidirectional"`
	TxQueueDepth  int         `yaml:"tx_queue_depth"`
	StaleFallback StalePolicy `yaml:"stale_fallback"`

	ScenarioPath string `yaml:"scenario"`
}

// ApplyDefaults fills unset fields with the standard bench setup.
func (c *Config) ApplyDefaults() {
	if c.Protocol == "" {
		c.Protocol = "xbb"
	}
	if c.RateHz == 0 {
		c.RateHz = 10
	}
	if c.InitialSOCPct == 0 {
		c.InitialSOCPct = 50
	}
	if c.AmbientC == 0 {
		c.AmbientC = 32
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	if c.TxQueueDepth == 0 {
		c.TxQueueDepth = 32
	}
	if c.StaleFallback == "" {
		c.StaleFallback = StaleHold
	}
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Protocol != "xbb" && c.Protocol != "mcu" {
		return &ConfigError{"protocol", fmt.Sprintf("unknown protocol %q", c.Protocol)}
	}
	if c.RateHz <= 0 || c.RateHz > 1000 {
		return &ConfigError{"rate_hz", fmt.Sprintf("%g outside (0, 1000]", c.RateHz)}
	}
	if c.InitialSOCPct < 0 || c.InitialSOCPct > 100 {
		return &ConfigError{"initial_soc_pct", fmt.Sprintf("%g outside [0, 100]", c.InitialSOCPct)}
	}
	if c.DurationSec < 0 {
		return &ConfigError{"duration_sec", "negative"}
	}
	if c.Port != "" && c.TCPAddr != "" {
		return &ConfigError{"port", "port and tcp_addr are mutually exclusive"}
	}
	if c.Bidirectional && c.Protocol != "xbb" {
		return &ConfigError{"bidirectional", "only the xbb protocol exchanges responses"}
	}
	switch c.StaleFallback {
	case StaleHold, StaleOpen:
	default:
		return &ConfigError{"stale_fallback", fmt.Sprintf("unknown policy %q", c.StaleFallback)}
	}
	return nil
}

// LoadConfig reads a YAML session file, applies defaults and validates.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{"file", err.Error()}
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, &ConfigError{"file", fmt.Sprintf("parsing %s: %v", path, err)}
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

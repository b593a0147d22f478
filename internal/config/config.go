package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CorruptPolicy defines what to do when the persisted snapshot cannot be decoded
type CorruptPolicy string

const (
	CorruptReset CorruptPolicy = "reset"
	CorruptAbort CorruptPolicy = "abort"
)

const (
	DefaultPort      = "/dev/ttyUSB0"
	DefaultBaud      = 115200
	DefaultBaseDir   = "src"
	DefaultStateFile = ".mpysync/state.json"
)

// Config represents the complete mpysync configuration
type Config struct {
	Serial     SerialConfig     `yaml:"serial"`
	Paths      PathsConfig      `yaml:"paths"`
	State      StateConfig      `yaml:"state"`
	Scan       ScanConfig       `yaml:"scan"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Precompile PrecompileConfig `yaml:"precompile"`
	Watch      WatchConfig      `yaml:"watch"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// SerialConfig configures the serial link to the device
type SerialConfig struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// RawBanner and FriendlyBanner replace the prompts matched after a mode
	// switch, for ports whose firmware prints different text.
	RawBanner      string `yaml:"raw_banner"`
	FriendlyBanner string `yaml:"friendly_banner"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	BaseDir   string `yaml:"base_dir"`
	StateFile string `yaml:"state_file"`
}

// StateConfig configures snapshot handling
type StateConfig struct {
	OnCorrupt CorruptPolicy `yaml:"on_corrupt"`
}

// ScanConfig configures the source tree walk
type ScanConfig struct {
	SkipHidden *bool    `yaml:"skip_hidden"`
	Exclude    []string `yaml:"exclude"`
}

// TransferConfig configures chunking, protocol delays and retries
type TransferConfig struct {
	ChunkSize       int           `yaml:"chunk_size"`
	ChunkDelay      time.Duration `yaml:"chunk_delay"`
	CommandDelay    time.Duration `yaml:"command_delay"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	VerifyTimeout   time.Duration `yaml:"verify_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryWait       time.Duration `yaml:"retry_wait"`
}

// PrecompileConfig configures the optional cross-compile step
type PrecompileConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	OutputDir string   `yaml:"output_dir"`
}

// WatchConfig configures watch mode
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// MetricsConfig configures metrics export
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadOptional behaves like Load but falls back to defaults when the file does not exist.
func LoadOptional(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Serial.Port = os.ExpandEnv(c.Serial.Port)
	c.Paths.BaseDir = os.ExpandEnv(c.Paths.BaseDir)
	c.Paths.StateFile = os.ExpandEnv(c.Paths.StateFile)
	c.Precompile.Command = os.ExpandEnv(c.Precompile.Command)
	c.Precompile.OutputDir = os.ExpandEnv(c.Precompile.OutputDir)
	c.Metrics.Textfile = os.ExpandEnv(c.Metrics.Textfile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Serial.Port == "" {
		c.Serial.Port = DefaultPort
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = DefaultBaud
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = time.Second
	}
	if c.Paths.BaseDir == "" {
		c.Paths.BaseDir = DefaultBaseDir
	}
	if c.Paths.StateFile == "" {
		c.Paths.StateFile = DefaultStateFile
	}
	if c.State.OnCorrupt == "" {
		c.State.OnCorrupt = CorruptReset
	}
	if c.Scan.SkipHidden == nil {
		skip := true
		c.Scan.SkipHidden = &skip
	}
	if c.Transfer.ChunkSize == 0 {
		c.Transfer.ChunkSize = 512
	}
	if c.Transfer.ChunkDelay == 0 {
		c.Transfer.ChunkDelay = 200 * time.Millisecond
	}
	if c.Transfer.CommandDelay == 0 {
		c.Transfer.CommandDelay = 500 * time.Millisecond
	}
	if c.Transfer.ResponseTimeout == 0 {
		c.Transfer.ResponseTimeout = 200 * time.Millisecond
	}
	if c.Transfer.VerifyTimeout == 0 {
		c.Transfer.VerifyTimeout = time.Second
	}
	if c.Transfer.MaxAttempts == 0 {
		c.Transfer.MaxAttempts = 10
	}
	if c.Transfer.RetryWait == 0 {
		c.Transfer.RetryWait = 200 * time.Millisecond
	}
	if c.Precompile.Command == "" {
		c.Precompile.Command = "mpy-cross"
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = 500 * time.Millisecond
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive: %d", c.Serial.Baud)
	}
	if c.Paths.BaseDir == "" {
		return fmt.Errorf("paths.base_dir is required")
	}
	if c.Paths.StateFile == "" {
		return fmt.Errorf("paths.state_file is required")
	}

	switch c.State.OnCorrupt {
	case CorruptReset, CorruptAbort:
		// valid
	default:
		return fmt.Errorf("invalid state.on_corrupt policy: %s (must be reset or abort)", c.State.OnCorrupt)
	}

	// Each chunk is wrapped in roughly 50 bytes of statement syntax; keep the
	// whole line well under the 2 KiB input buffer of common ports.
	if c.Transfer.ChunkSize < 4 || c.Transfer.ChunkSize > 1024 {
		return fmt.Errorf("transfer.chunk_size must be between 4 and 1024: %d", c.Transfer.ChunkSize)
	}
	if c.Transfer.ChunkSize%4 != 0 {
		return fmt.Errorf("transfer.chunk_size must be a multiple of 4: %d", c.Transfer.ChunkSize)
	}
	if c.Transfer.MaxAttempts < 1 {
		return fmt.Errorf("transfer.max_attempts must be at least 1: %d", c.Transfer.MaxAttempts)
	}
	for _, d := range []time.Duration{c.Transfer.ChunkDelay, c.Transfer.CommandDelay, c.Transfer.ResponseTimeout, c.Transfer.VerifyTimeout, c.Transfer.RetryWait} {
		if d < 0 {
			return fmt.Errorf("transfer durations must not be negative: %s", d)
		}
	}

	for _, pattern := range c.Scan.Exclude {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid scan.exclude pattern %q: %w", pattern, err)
		}
	}

	if c.Precompile.Enabled && c.Precompile.Command == "" {
		return fmt.Errorf("precompile.command is required when precompile is enabled")
	}

	return nil
}

// SkipHidden reports whether dot-files are excluded from scanning
func (c *Config) SkipHidden() bool {
	return c.Scan.SkipHidden == nil || *c.Scan.SkipHidden
}

// StateFilePath returns the state file path, resolved against the working directory
func (c *Config) StateFilePath() string {
	return filepath.Clean(c.Paths.StateFile)
}

package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/BurntSushi/toml"
)

// Configuration system:
// - config.example.toml is generated with -generate-config
// - Use brief comments here for reference only

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Trace defaults used by the start and trace commands
	Trace TraceConfig `toml:"trace"`

	// Trace file output
	Output OutputConfig `toml:"output"`

	// Offline dump inspection
	Inspect InspectConfig `toml:"inspect"`

	// Capture statistics
	Metrics MetricsConfig `toml:"metrics"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// TraceConfig contains trace request settings
type TraceConfig struct {
	// Number of times a growing trace is re-read before giving up (default: 3)
	FetchAttempts int `toml:"fetch_attempts"`

	// Keep the decoded prefix when a buffer is truncated instead of failing (default: false)
	AllowPartial bool `toml:"allow_partial"`
}

// OutputConfig contains settings for the files written by the trace command
type OutputConfig struct {
	// What to write: "payload" (concatenated segment payloads) or "raw" (the whole buffer) (default: "payload")
	Format string `toml:"format"`

	// Compression of the output file: "none" or "zstd" (default: "none")
	Compression string `toml:"compression"`

	// Write a <file>.index.toml sidecar describing each segment (default: true)
	WriteIndex bool `toml:"write_index"`

	// Also keep the raw buffer at <file>.raw when decoding fails (default: true)
	DumpOnError bool `toml:"dump_on_error"`
}

// InspectConfig contains settings for the inspect command
type InspectConfig struct {
	// Number of dumps decoded in parallel (default: 4)
	Workers int `toml:"workers"`

	// Concurrent map holding per-thread totals: "xsync" or "cornelk"; empty
	// selects the built-in default (default: "")
	MapImplementation string `toml:"map_implementation"`
}

// MetricsConfig contains capture statistics settings
type MetricsConfig struct {
	// Collect capture statistics (default: false)
	Enabled bool `toml:"enabled"`

	// Write statistics in Prometheus text format to this file, e.g. for the
	// node_exporter textfile collector (default: "")
	TextfilePath string `toml:"textfile_path"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "eventlog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	// Configuration specific to the output type
	Console  *ConsoleConfig  `toml:"console,omitempty"`
	File     *FileConfig     `toml:"file,omitempty"`
	Eventlog *EventlogConfig `toml:"eventlog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Output format: "auto", "logfmt", "glog", "json" (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// EventlogConfig contains Windows Event Log settings
type EventlogConfig struct {
	// Event source name (default: "IPT Tool")
	Source string `toml:"source"`

	// Event ID for log entries (default: 1000)
	ID int `toml:"id"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// Accepted values for enumerated settings.
var (
	OutputFormats      = []string{"payload", "raw"}
	OutputCompressions = []string{"none", "zstd"}
	MapImplementations = []string{"xsync", "cornelk"}
	LogOutputTypes     = []string{"console", "file", "eventlog"}
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Trace: TraceConfig{
			FetchAttempts: 3,
			AllowPartial:  false,
		},
		Output: OutputConfig{
			Format:      "payload",
			Compression: "none",
			WriteIndex:  true,
			DumpOnError: true,
		},
		Inspect: InspectConfig{
			Workers:           4,
			MapImplementation: "",
		},
		Metrics: MetricsConfig{
			Enabled:      false,
			TextfilePath: "",
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/ipttool.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "eventlog",
					Enabled: false,
					Eventlog: &EventlogConfig{
						Source: "IPT Tool",
						ID:     1000,
						Async:  false,
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If no config file specified, use defaults
	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	// Parse TOML file
	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return config, nil
}

const exampleHeader = `# IPT Tool Example Configuration
# This file is auto-generated and serves as an example configuration.
# Copy this file to create your own configuration and modify as needed.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`

// SaveConfig saves the configuration to a TOML file. A non-empty header is
// written verbatim before the encoded configuration.
func SaveConfig(configPath string, config *AppConfig, header string) error {
	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if header != "" {
		if _, err := file.WriteString(header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return file.Close()
}

// GenerateExampleConfig generates a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	return SaveConfig(outputPath, DefaultConfig(), exampleHeader)
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	if c.Trace.FetchAttempts < 1 {
		return fmt.Errorf("trace.fetch_attempts must be at least 1, got %d", c.Trace.FetchAttempts)
	}

	if !slices.Contains(OutputFormats, c.Output.Format) {
		return fmt.Errorf("output.format must be one of %v, got %q", OutputFormats, c.Output.Format)
	}
	if !slices.Contains(OutputCompressions, c.Output.Compression) {
		return fmt.Errorf("output.compression must be one of %v, got %q", OutputCompressions, c.Output.Compression)
	}

	if c.Inspect.Workers < 1 {
		return fmt.Errorf("inspect.workers must be at least 1, got %d", c.Inspect.Workers)
	}
	if c.Inspect.MapImplementation != "" && !slices.Contains(MapImplementations, c.Inspect.MapImplementation) {
		return fmt.Errorf("inspect.map_implementation must be one of %v, got %q", MapImplementations, c.Inspect.MapImplementation)
	}

	if c.Metrics.TextfilePath != "" && !c.Metrics.Enabled {
		return fmt.Errorf("metrics.textfile_path is set but metrics are disabled")
	}

	// Validate that at least one output is enabled
	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if !slices.Contains(LogOutputTypes, output.Type) {
			return fmt.Errorf("unknown logging output type: %q", output.Type)
		}
		if output.Enabled {
			hasEnabledOutput = true
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}

// Flags holds the command-line flags
type Flags struct {
	ConfigPath     string
	GenerateConfig string
	LogLevel       string
	OutputFormat   string
	Compression    string
}

// NewConfig creates a new configuration by parsing flags and loading the config file.
// A nil config with a nil error means the program should exit cleanly.
func NewConfig(flagSet *flag.FlagSet, args []string) (*AppConfig, error) {
	flags := &Flags{}

	flagSet.StringVar(&flags.ConfigPath,
		"config",
		"",
		"Path to configuration file (optional).")
	flagSet.StringVar(&flags.GenerateConfig,
		"generate-config",
		"",
		"Generate example config file to specified path and exit.")
	flagSet.StringVar(&flags.LogLevel,
		"log.level",
		"info",
		"Log level: trace, debug, info, warn, error.")
	flagSet.StringVar(&flags.OutputFormat,
		"output.format",
		"payload",
		"Trace file contents: payload or raw.")
	flagSet.StringVar(&flags.Compression,
		"output.compression",
		"none",
		"Trace file compression: none or zstd.")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	// Handle config generation and exit.
	if flags.GenerateConfig != "" {
		if err := GenerateExampleConfig(flags.GenerateConfig); err != nil {
			return nil, fmt.Errorf("error generating example config: %w", err)
		}
		fmt.Printf("Generated %s successfully\n", flags.GenerateConfig)
		return nil, nil
	}

	config := DefaultConfig()
	if flags.ConfigPath != "" {
		var err error
		config, err = LoadConfig(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
	}

	// Override config with command-line flags if they were set by the user
	if isFlagPassed(flagSet, "log.level") {
		config.Logging.Defaults.Level = flags.LogLevel
	}
	if isFlagPassed(flagSet, "output.format") {
		config.Output.Format = flags.OutputFormat
	}
	if isFlagPassed(flagSet, "output.compression") {
		config.Output.Compression = flags.Compression
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// isFlagPassed checks if a flag was explicitly set on the command line.
func isFlagPassed(flagSet *flag.FlagSet, name string) bool {
	found := false
	flagSet.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

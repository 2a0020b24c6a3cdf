package configuration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// AppConfig represents the complete application configuration.
type AppConfig struct {
	// Logger: logger configuration.
	Logger LoggerConfig `mapstructure:"logger"`
	// Storage: location of the persisted item store.
	Storage StorageConfig `mapstructure:"storage"`
	// Scoring: rule set and scoring pass settings.
	Scoring ScoringConfig `mapstructure:"scoring"`
	// Sources: action item sources. List order is merge precedence:
	// earlier sources win conflicting scalar fields.
	Sources []SourceConfig `mapstructure:"sources"`
	// Server: read-only HTTP view.
	Server ServerConfig `mapstructure:"server"`
	// History: score history log.
	History HistoryConfig `mapstructure:"history"`
}

// LoggerConfig defines logging settings.
type LoggerConfig struct {
	// Level: log level: debug, info, warn, warning, error.
	// Value is case-insensitive but checked in lowercase.
	Level string `mapstructure:"level"`
	// File: log file path. Logs go to stderr when empty.
	File string `mapstructure:"file"`
	// MaxSize: maximal log file size in megabytes before rotation.
	MaxSize int `mapstructure:"max_size"`
	// MaxBackups: number of rotated log files to keep.
	MaxBackups int `mapstructure:"max_backups"`
}

// StorageConfig defines where items and local metadata are persisted.
type StorageConfig struct {
	// Items: path of the items document.
	Items string `mapstructure:"items"`
	// Metadata: path of the local metadata document (deferrals).
	Metadata string `mapstructure:"metadata"`
}

// ScoringConfig defines the rule set and scoring pass.
type ScoringConfig struct {
	// RulesFile: path to a rules file, text or YAML.
	RulesFile string `mapstructure:"rules_file"`
	// Rules: inline rules in the text format, loaded after RulesFile.
	Rules []string `mapstructure:"rules"`
	// Workers: number of items scored in parallel; 0 means one per CPU.
	Workers int `mapstructure:"workers"`
	// Failures: number of recent rule failures kept for reports.
	Failures int `mapstructure:"failures"`
}

// SourceConfig declares one source.
type SourceConfig struct {
	// Name: unique source name, used in provenance.
	Name string `mapstructure:"name"`
	// Handler: source kind: github, discourse or firefox. Defaults to Name.
	Handler string `mapstructure:"handler"`
	// Options: handler specific settings.
	Options map[string]any `mapstructure:"options"`
}

// ServerConfig contains HTTP server parameters.
type ServerConfig struct {
	// Address: address and port where the server will listen (e.g., ":8080").
	Address string `mapstructure:"address"`
	// Static: path to directory with static files served by the server.
	// Can be empty if static serving is not required.
	Static string `mapstructure:"static"`
}

// HistoryConfig defines the score history log.
type HistoryConfig struct {
	// File: history file path (optional).
	File string `mapstructure:"file"`
	// MaxSize: maximal history file size in megabytes (default 100).
	MaxSize int `mapstructure:"max_size"`
	// MaxBackups: number of rotated history files (default 20).
	MaxBackups int `mapstructure:"max_backups"`
}

// DefaultPath returns ~/.config/monoqueue/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "monoqueue", "config.yaml")
	}
	return filepath.Join(home, ".config", "monoqueue", "config.yaml")
}

// Validate checks the correctness of the entire application configuration.
// Calls validation for each nested structure and returns the first detected error.
// Returns nil if the configuration is valid.
func (c *AppConfig) Validate() error {
	if err := c.Logger.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Scoring.Validate(); err != nil {
		return err
	}

	names := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		if err := c.Sources[i].Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if names[c.Sources[i].Name] {
			return fmt.Errorf("sources[%d].name: duplicate source %q", i, c.Sources[i].Name)
		}
		names[c.Sources[i].Name] = true
	}

	if err := c.Server.Validate(); err != nil {
		return err
	}
	return c.History.Validate()
}

// SourceOrder returns the source names in precedence order.
func (c *AppConfig) SourceOrder() []string {
	order := make([]string, len(c.Sources))
	for i, s := range c.Sources {
		order[i] = s.Name
	}
	return order
}

// Validate checks the correctness of the logger configuration.
// Verifies that the log level is set and is one of the supported values.
// Supported values: debug, info, warn, warning, error (case-insensitive).
func (l *LoggerConfig) Validate() error {
	if l.Level == "" {
		return errors.New("logger.level: must be specified")
	}

	valid := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !valid[strings.ToLower(l.Level)] {
		return fmt.Errorf("logger.level: unsupported level '%s'", l.Level)
	}

	if l.File != "" {
		l.File = ExpandHome(l.File)
	}
	return nil
}

// Validate checks the storage paths and expands a leading "~".
func (s *StorageConfig) Validate() error {
	if s.Items == "" {
		return errors.New("storage.items: must be specified")
	}
	if s.Metadata == "" {
		return errors.New("storage.metadata: must be specified")
	}
	s.Items = ExpandHome(s.Items)
	s.Metadata = ExpandHome(s.Metadata)
	return nil
}

// Validate checks the scoring configuration.
func (s *ScoringConfig) Validate() error {
	if s.Workers < 0 {
		return errors.New("scoring.workers: must not be negative")
	}
	if s.Failures < 0 {
		return errors.New("scoring.failures: must not be negative")
	}
	if s.RulesFile != "" {
		s.RulesFile = ExpandHome(s.RulesFile)
	}
	return nil
}

// Validate checks a source declaration and defaults its handler.
func (s *SourceConfig) Validate() error {
	if s.Name == "" {
		return errors.New("name: must be specified")
	}
	if s.Handler == "" {
		s.Handler = s.Name
	}
	if s.Options == nil {
		s.Options = map[string]any{}
	}
	return nil
}

// Validate checks the correctness of the server configuration.
// Verifies that the server address is set.
func (n *ServerConfig) Validate() error {
	if n.Address == "" {
		return errors.New("server.address: must be specified")
	}

	return nil
}

// Validate history parameters
func (h *HistoryConfig) Validate() error {
	if h.MaxBackups == 0 {
		h.MaxBackups = 20
	}

	if h.MaxSize == 0 {
		h.MaxSize = 100
	}

	if h.File != "" {
		h.File = ExpandHome(h.File)
	}
	return nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("storage.items", "~/.local/share/monoqueue/items.json")
	v.SetDefault("storage.metadata", "~/.local/share/monoqueue/metadata.json")
	v.SetDefault("scoring.rules_file", "")
	v.SetDefault("scoring.workers", 0)
	v.SetDefault("scoring.failures", 100)
	v.SetDefault("server.address", "127.0.0.1:8080")
	v.SetDefault("server.static", "")
	v.SetDefault("history.file", "")
	v.SetDefault("history.max_size", 100)
	v.SetDefault("history.max_backups", 20)
}

// LoadConfig loads configuration from the specified file using Viper.
// Supports YAML format. Environment variables prefixed with MONOQUEUE_
// override file values, with "." in keys written as "_"
// (MONOQUEUE_LOGGER_LEVEL=debug).
//
// Parameter configPath: path to the configuration file.
//
// Returns a pointer to AppConfig or an error if:
// - the file is not found or inaccessible
// - the configuration has invalid format
// - one of the sections fails validation
func LoadConfig(configPath string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MONOQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

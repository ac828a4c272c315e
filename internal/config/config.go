// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"snapkeep/internal/checkpoint"
)

// DefaultFileName is looked up in the workspace root when no config file is
// given explicitly.
const DefaultFileName = ".snapkeep.yaml"

// JournalFileName is the activity journal database inside the storage dir.
const JournalFileName = "journal.db"

// MinAutoInterval is the smallest accepted auto-checkpoint interval.
const MinAutoInterval = time.Second

// Config holds all application configuration
type Config struct {
	WorkspaceDir string `yaml:"-"`
	// ConfigFile is the file the configuration was read from, if any.
	ConfigFile   string `yaml:"-"`

	Checkpoint checkpoint.Config `yaml:",inline"`
	Log        LogConfig         `yaml:"log"`
	Server     ServerConfig      `yaml:"server"`
	Journal    JournalConfig     `yaml:"journal"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// ServerConfig configures the websocket daemon.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// JournalConfig configures the sqlite activity journal.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	// Entries older than Retention are pruned at startup; 0 keeps everything.
	Retention time.Duration `yaml:"retention" validate:"min=0"`
}

// DefaultJournalRetention bounds the journal size.
const DefaultJournalRetention = 90 * 24 * time.Hour

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report yaml keys in errors.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Default returns the configuration used when no file is present.
func Default(workspaceDir string) *Config {
	return &Config{
		WorkspaceDir: workspaceDir,
		Checkpoint:   *checkpoint.DefaultConfig(workspaceDir),
		Log:          LogConfig{Level: "info", Format: "console"},
		Server:       ServerConfig{Addr: "127.0.0.1:0"},
		Journal:      JournalConfig{Enabled: true, Retention: DefaultJournalRetention},
	}
}

// Load resolves the workspace, reads configPath (or the workspace's
// .snapkeep.yaml when configPath is empty and the file exists), validates
// the result and creates the storage directory.
func Load(workspaceDir, configPath string) (*Config, error) {
	ws, err := filepath.Abs(workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	info, err := os.Stat(ws)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("resolve workspace: %s is not a directory", ws)
	}

	cfg := Default(ws)

	explicit := configPath != ""
	if !explicit {
		configPath = filepath.Join(ws, DefaultFileName)
	}
	if err := cfg.readFile(configPath); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	} else {
		cfg.ConfigFile = configPath
	}

	cfg.WorkspaceDir = ws
	cfg.Checkpoint.WorkspaceDir = ws

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(cfg.StorageDir(), JournalFileName)
	} else if !filepath.IsAbs(cfg.Journal.Path) {
		cfg.Journal.Path = filepath.Join(ws, cfg.Journal.Path)
	}

	if err := os.MkdirAll(cfg.StorageDir(), 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	auto := c.Checkpoint.AutoCheckpoint
	if auto.Enabled && auto.Interval < MinAutoInterval {
		return fmt.Errorf("invalid config: auto_checkpoint.interval must be at least %s", MinAutoInterval)
	}
	return nil
}

// StorageDir returns the absolute checkpoint storage directory.
func (c *Config) StorageDir() string {
	return c.Checkpoint.StoragePath()
}

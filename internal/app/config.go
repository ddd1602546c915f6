package app

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config contains global runtime configuration.
type Config struct {
	Workspace   string
	ModulesDir  string
	LogLevel    string
	RunTimeout  time.Duration
	DBPath      string
	HistoryFile string
	TUI         bool
}

// LoadConfigFromViper builds Config from the global Viper instance.
func LoadConfigFromViper() Config {
	return LoadConfig(viper.GetViper())
}

// LoadConfig builds Config from Viper-bound flags, env and config file.
func LoadConfig(v *viper.Viper) Config {
	cfg := Config{
		Workspace:   v.GetString("workspace"),
		ModulesDir:  v.GetString("modules_dir"),
		LogLevel:    v.GetString("log_level"),
		RunTimeout:  v.GetDuration("run_timeout"),
		DBPath:      v.GetString("db"),
		HistoryFile: v.GetString("history"),
		TUI:         v.GetBool("tui"),
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" && cfg.Workspace != "" {
		cfg.DBPath = filepath.Join(cfg.Workspace, "mop.db")
	}
	if cfg.HistoryFile == "" && cfg.Workspace != "" {
		cfg.HistoryFile = filepath.Join(cfg.Workspace, "history")
	}
	return cfg
}

// Validate returns error if configuration is invalid.
func (c Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace cannot be empty")
	}
	if c.ModulesDir == "" {
		return fmt.Errorf("modules_dir cannot be empty")
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("run_timeout cannot be negative: %s", c.RunTimeout)
	}
	return nil
}

// LogPath is where the session log is written.
func (c Config) LogPath() string {
	return filepath.Join(c.Workspace, "logs", "mop.log")
}

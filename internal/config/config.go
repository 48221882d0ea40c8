// Package config provides configuration management for the KANA shell
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Backend Backend `mapstructure:"backend"`
	Session Session `mapstructure:"session"`
	Avatar  Avatar  `mapstructure:"avatar"`
	API     API     `mapstructure:"api"`
	Prefs   Prefs   `mapstructure:"prefs"`
}

// Backend configures the supervised backend process and its socket endpoint
type Backend struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Command        string        `mapstructure:"command"`
	Args           []string      `mapstructure:"args"`
	WorkDir        string        `mapstructure:"work_dir"`
	StartTimeout   time.Duration `mapstructure:"start_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// Session configures the session state store behavior
type Session struct {
	// FinalizeDebounce is how long a transcript tail stays open for
	// same-sender appends before it is committed.
	FinalizeDebounce time.Duration `mapstructure:"finalize_debounce"`
	// SettleDelay is the pause between stop and restart when the audio
	// device changes while listening.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	// RequireListening gates SendText on an active listening session.
	// UX policy, off by default.
	RequireListening bool `mapstructure:"require_listening"`
}

// Avatar configures the model and animation assets handed to the renderer
type Avatar struct {
	ModelPath    string `mapstructure:"model_path"`
	AnimationDir string `mapstructure:"animation_dir"`
}

// API configures the local observer API
type API struct {
	Addr string `mapstructure:"addr"`
}

// Prefs configures the device preference store
type Prefs struct {
	Path string `mapstructure:"path"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Backend: Backend{
			Host:           "127.0.0.1",
			Port:           8000,
			Command:        "python",
			Args:           []string{"server.py"},
			StartTimeout:   30 * time.Second,
			HealthInterval: 1 * time.Second,
			ReconnectDelay: 3 * time.Second,
			MaxBackoff:     60 * time.Second,
		},
		Session: Session{
			FinalizeDebounce: 1000 * time.Millisecond,
			SettleDelay:      1 * time.Second,
			RequireListening: false,
		},
		Avatar: Avatar{
			ModelPath:    filepath.Join(home, ".kanashell", "avatar", "model.vrm"),
			AnimationDir: filepath.Join(home, ".kanashell", "animation"),
		},
		API: API{
			Addr: "127.0.0.1:8765",
		},
		Prefs: Prefs{
			Path: filepath.Join(home, ".kanashell", "prefs.db"),
		},
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configDir, err := GetConfigDir()
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("KANASHELL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the configuration to file
func Save(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	viper.Set("backend", cfg.Backend)
	viper.Set("session", cfg.Session)
	viper.Set("avatar", cfg.Avatar)
	viper.Set("api", cfg.API)
	viper.Set("prefs", cfg.Prefs)

	return viper.WriteConfigAs(filepath.Join(configDir, "config.yaml"))
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".kanashell"), nil
}

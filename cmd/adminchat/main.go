package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.adminchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Hub     ConfigHub     `toml:"hub"`
}

// ConfigDefault holds the endpoints and paging settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	HubURL    string `toml:"hub_url"`
	AssetsURL string `toml:"assets_url"`
	PageSize  int    `toml:"page_size"`
}

// ConfigAuth holds the bearer token and what was read from it at login.
type ConfigAuth struct {
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	Role         string `toml:"role"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigHub tunes the hub connection.
type ConfigHub struct {
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	KeepAlive            string `toml:"keep_alive"`
	ServerTimeout        string `toml:"server_timeout"`
}

// Environment variables that override the config file. They may also come
// from a .env file in the working directory.
const (
	envBaseURL = "ADMINCHAT_BASE_URL"
	envHubURL  = "ADMINCHAT_HUB_URL"
	envToken   = "ADMINCHAT_TOKEN"
)

// ============================================================================
// Config helpers
// ============================================================================

var configFile string

// configDir returns the path to ~/.adminchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".adminchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// applyEnv overlays the environment on cfg. The file on disk is untouched.
func applyEnv(cfg *Config) {
	if v := os.Getenv(envBaseURL); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv(envHubURL); v != "" {
		cfg.Default.HubURL = v
	}
	if v := os.Getenv(envToken); v != "" {
		cfg.Auth.Token = v
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "hub_url":
			cfg.Default.HubURL = value
		case "assets_url":
			cfg.Default.AssetsURL = value
		case "page_size":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("page_size must be a positive integer")
			}
			cfg.Default.PageSize = n
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "hub":
		switch field {
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("max_reconnect_attempts must be a positive integer")
			}
			cfg.Hub.MaxReconnectAttempts = n
		case "keep_alive", "server_timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s must be a duration (e.g. 15s): %w", field, err)
			}
			if field == "keep_alive" {
				cfg.Hub.KeepAlive = value
			} else {
				cfg.Hub.ServerTimeout = value
			}
		default:
			return fmt.Errorf("unknown field %q in section [hub]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, hub)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel string
	logger   = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "adminchat",
	Short: "Admin chat CLI",
	Long:  "Command-line interface for the admin dashboard chat.\nBrowse conversations, send messages and watch the live hub.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load .env: %w", err)
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid --log-level %q", logLevel)
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.adminchat/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

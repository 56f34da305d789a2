package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server TOMLServerSection `toml:"server"`
	Limits TOMLLimitsSection `toml:"limits"`
	Codes  TOMLCodesSection  `toml:"codes"`
}

type TOMLServerSection struct {
	TCPPort     int    `toml:"tcp_port"`
	HTTPPort    int    `toml:"http_port"`
	UsersPath   string `toml:"users_path"`
	HistoryPath string `toml:"history_path"`
}

type TOMLLimitsSection struct {
	MaxMessageLength   int `toml:"max_message_length"`
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
}

type TOMLCodesSection struct {
	TTLSeconds      int `toml:"ttl_seconds"`
	RotationSeconds int `toml:"rotation_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: TOMLServerSection{
			TCPPort:     5000,
			HTTPPort:    5080,
			UsersPath:   "~/.relaychat/users.json",
			HistoryPath: "~/.relaychat/history.db",
		},
		Limits: TOMLLimitsSection{
			MaxMessageLength:   4096,
			IdleTimeoutSeconds: 0, // disabled
		},
		Codes: TOMLCodesSection{
			TTLSeconds:      60,
			RotationSeconds: 60,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default config
// file if none exists yet.
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Best effort: a read-only location still runs with defaults
		if err := writeDefaultConfig(expanded, config); err != nil {
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(expanded, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Relaychat Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig, expanding ~ in paths.
// Zero/empty fields in the file fall back to defaults.
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultServerConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if strings.TrimSpace(c.Server.UsersPath) != "" {
		path, err := expandHome(c.Server.UsersPath)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.UsersPath = path
	}
	if strings.TrimSpace(c.Server.HistoryPath) != "" {
		path, err := expandHome(c.Server.HistoryPath)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.HistoryPath = path
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	cfg.IdleTimeoutSeconds = c.Limits.IdleTimeoutSeconds
	if c.Codes.TTLSeconds != 0 {
		cfg.CodeTTLSeconds = c.Codes.TTLSeconds
	}
	cfg.CodeRotationSeconds = c.Codes.RotationSeconds

	return cfg, nil
}

// expandHome expands a leading ~/ to the user's home directory.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

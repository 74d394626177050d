package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	ListenAddr   string `toml:"listen_addr"`
	HTTPAddr     string `toml:"http_addr"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MaxNicknameLength int `toml:"max_nickname_length"`
	MaxUsers          int `toml:"max_users"`

	// Free a nickname when its connection drops without logout/exit
	ReleaseOnDisconnect bool `toml:"release_on_disconnect"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			ListenAddr:   "127.0.0.1:6142",
			HTTPAddr:     "",
			DatabasePath: "",
		},
		Limits: LimitsSection{
			MaxNicknameLength: 64,
			MaxUsers:          0,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to expand config path: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Can't write (permissions?), still run on defaults
			return config, nil
		}
		return config, nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# relaychat directory server configuration
# This file was auto-generated with default values
# http_addr and database_path are disabled when empty

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.ListenAddr) != "" {
		cfg.ListenAddr = c.Server.ListenAddr
	}
	cfg.HTTPAddr = strings.TrimSpace(c.Server.HTTPAddr)

	if c.Server.DatabasePath != "" {
		path, err := homedir.Expand(c.Server.DatabasePath)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("failed to expand database path: %w", err)
		}
		cfg.DatabasePath = path
	}

	if c.Limits.MaxNicknameLength > 0 {
		cfg.MaxNicknameLength = c.Limits.MaxNicknameLength
	}
	if c.Limits.MaxUsers > 0 {
		cfg.MaxUsers = c.Limits.MaxUsers
	}
	cfg.ReleaseOnDisconnect = c.Limits.ReleaseOnDisconnect

	return cfg, nil
}

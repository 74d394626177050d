package client

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
)

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Connection ConnectionSection `toml:"connection"`
	Relay      RelaySection      `toml:"relay"`
}

type ConnectionSection struct {
	ServerAddr         string `toml:"server_addr"`
	DefaultListenPort  int    `toml:"default_listen_port"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"`
}

type RelaySection struct {
	PeerCacheSize       int `toml:"peer_cache_size"`
	MailboxMaxSenders   int `toml:"mailbox_max_senders"`
	MailboxMaxPerSender int `toml:"mailbox_max_per_sender"`
}

// ConfigError represents a structured configuration error
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int // 0 if not a parse error
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Path, e.Message, e.LineNumber)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Connection: ConnectionSection{
			ServerAddr:         "127.0.0.1:6142",
			DefaultListenPort:  8080,
			DialTimeoutSeconds: 5,
		},
		Relay: RelaySection{
			PeerCacheSize:       32,
			MailboxMaxSenders:   256,
			MailboxMaxPerSender: 1000,
		},
	}
}

// LoadClientConfig loads configuration from a TOML file, creates default if not found
func LoadClientConfig(path string) (TOMLConfig, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to expand config path: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Unwritable location, still run on defaults
			return config, nil
		}
		return config, nil
	}

	// Keys missing from the file keep their defaults
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:       path,
			Message:    strings.TrimPrefix(err.Error(), "toml: "),
			LineNumber: extractLineNumber(err.Error()),
		}
	}

	if err := validateConfig(&config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:    path,
			Message: err.Error(),
		}
	}

	return config, nil
}

var lineNumberRe = regexp.MustCompile(`line (\d+)`)

// extractLineNumber tries to extract a line number from a TOML parse error
func extractLineNumber(errMsg string) int {
	matches := lineNumberRe.FindStringSubmatch(errMsg)
	if len(matches) > 1 {
		if num, err := strconv.Atoi(matches[1]); err == nil {
			return num
		}
	}
	return 0
}

// validateConfig validates configuration values
func validateConfig(config *TOMLConfig) error {
	var problems []string

	if strings.TrimSpace(config.Connection.ServerAddr) == "" {
		problems = append(problems, "server_addr cannot be empty")
	}
	if p := config.Connection.DefaultListenPort; p < 1 || p > 65535 {
		problems = append(problems, fmt.Sprintf("invalid default_listen_port: %d (must be 1-65535)", p))
	}
	if config.Connection.DialTimeoutSeconds < 0 {
		problems = append(problems, "dial_timeout_seconds cannot be negative")
	}
	if config.Relay.PeerCacheSize < 1 {
		problems = append(problems, "peer_cache_size must be at least 1")
	}
	if config.Relay.MailboxMaxSenders < 1 || config.Relay.MailboxMaxPerSender < 1 {
		problems = append(problems, "mailbox limits must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
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

	header := `# relaychat client configuration
# This file was auto-generated with default values

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToRelayConfig converts TOMLConfig to RelayConfig
func (c *TOMLConfig) ToRelayConfig() RelayConfig {
	return RelayConfig{
		ServerAddr:          strings.TrimSpace(c.Connection.ServerAddr),
		DefaultListenPort:   uint16(c.Connection.DefaultListenPort),
		DialTimeout:         time.Duration(c.Connection.DialTimeoutSeconds) * time.Second,
		PeerCacheSize:       c.Relay.PeerCacheSize,
		MailboxMaxSenders:   c.Relay.MailboxMaxSenders,
		MailboxMaxPerSender: c.Relay.MailboxMaxPerSender,
	}
}

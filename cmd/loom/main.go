package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	loom "github.com/loomchat/loom-go"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.loom/config.toml.
type Config struct {
	API  ConfigAPI  `toml:"api"`
	Chat ConfigChat `toml:"chat"`
}

// ConfigAPI holds endpoint and credential settings.
type ConfigAPI struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	UserID  string `toml:"user_id"`
	ChatID  string `toml:"chat_id"`
}

// ConfigChat holds chat room membership and behavior settings.
type ConfigChat struct {
	DefaultRoom string   `toml:"default_room"`
	LogLevel    string   `toml:"log_level"`
	DirectRooms []string `toml:"direct_rooms"`
	GroupRooms  []string `toml:"group_rooms"`
	EventRooms  []string `toml:"event_rooms"`
	Rooms       []string `toml:"rooms"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.loom, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".loom")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
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

// setConfigValue sets a config field using dot notation (e.g. "api.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. api.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "api":
		switch field {
		case "base_url":
			cfg.API.BaseURL = value
		case "token":
			cfg.API.Token = value
		case "user_id":
			cfg.API.UserID = value
		case "chat_id":
			cfg.API.ChatID = value
		default:
			return fmt.Errorf("unknown field %q in section [api]", field)
		}
	case "chat":
		switch field {
		case "default_room":
			cfg.Chat.DefaultRoom = value
		case "log_level":
			cfg.Chat.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [chat]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: api, chat)", section)
	}
	return nil
}

// ============================================================================
// Client construction
// ============================================================================

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// buildSync assembles the REST client and sync layer from the CLI config.
func buildSync(cfg *Config) (*loom.SyncClient, error) {
	if cfg.API.Token == "" {
		return nil, fmt.Errorf("no token configured; run 'loom init <token>' first")
	}

	creds := loom.StaticCredentials{Token: loom.Token{
		Value:  cfg.API.Token,
		UserID: cfg.API.UserID,
		ChatID: cfg.API.ChatID,
	}}
	members := loom.StaticMembership{
		Direct:  cfg.Chat.DirectRooms,
		Group:   cfg.Chat.GroupRooms,
		Event:   cfg.Chat.EventRooms,
		Generic: cfg.Chat.Rooms,
	}

	var opts []loom.ClientOption
	if cfg.API.BaseURL != "" {
		opts = append(opts, loom.WithBaseURL(cfg.API.BaseURL))
	}
	api := loom.NewClient(creds, opts...)

	return loom.NewSyncClient(api, creds, members, loom.Config{
		Logger: newLogger(cfg.Chat.LogLevel),
	}), nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom chat CLI",
	Long:  "Command-line interface for the Loom chat client.\nManage configuration, check connectivity, and send or watch messages.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. WALLETCTL_WALLET_PATH
const EnvPrefix = "WALLETCTL"

// Config holds application configuration
type Config struct {
	WalletPath        string        `json:"wallet_path" mapstructure:"wallet_path"`
	Backend           string        `json:"backend" mapstructure:"backend"`
	KDFMethod         string        `json:"kdf_method" mapstructure:"kdf_method"`
	BackupDir         string        `json:"backup_dir" mapstructure:"backup_dir"`
	AWSRegion         string        `json:"aws_region" mapstructure:"aws_region"`
	TableName         string        `json:"table_name" mapstructure:"table_name"`
	UserID            string        `json:"user_id" mapstructure:"user_id"`
	SessionSecretName string        `json:"session_secret_name,omitempty" mapstructure:"session_secret_name"` // AWS Secrets Manager secret wrapping the session key
	SessionTimeout    time.Duration `json:"session_timeout" mapstructure:"session_timeout"`
	LogLevel          string        `json:"log_level" mapstructure:"log_level"`
	MetricsTextfile   string        `json:"metrics_textfile,omitempty" mapstructure:"metrics_textfile"`
	ConfigPath        string        `json:"-" mapstructure:"-"` // Not stored, just for reference
}

// Dir returns the directory holding config, wallet and session files
func Dir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".walletctl")
}

// GetSessionPath returns the path to the session file, next to the config
func (c *Config) GetSessionPath() string {
	return filepath.Join(filepath.Dir(c.ConfigPath), "session.json")
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	dir := Dir()
	return &Config{
		WalletPath:     filepath.Join(dir, "wallet.db"),
		Backend:        "sqlite",
		KDFMethod:      "argon2m",
		BackupDir:      filepath.Join(dir, "backups"),
		AWSRegion:      "us-west-2",
		TableName:      "walletctl_backups",
		UserID:         "default",
		SessionTimeout: 30 * time.Minute,
		LogLevel:       "warn",
		ConfigPath:     filepath.Join(dir, "config.json"),
	}
}

// LoadConfig reads the JSON config at path (the default location if empty)
// and applies WALLETCTL_* environment overrides. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}

	v := viper.New()
	v.SetConfigFile(cfg.ConfigPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// defaults double as the key list AutomaticEnv consults during Unmarshal
	v.SetDefault("wallet_path", cfg.WalletPath)
	v.SetDefault("backend", cfg.Backend)
	v.SetDefault("kdf_method", cfg.KDFMethod)
	v.SetDefault("backup_dir", cfg.BackupDir)
	v.SetDefault("aws_region", cfg.AWSRegion)
	v.SetDefault("table_name", cfg.TableName)
	v.SetDefault("user_id", cfg.UserID)
	v.SetDefault("session_secret_name", cfg.SessionSecretName)
	v.SetDefault("session_timeout", cfg.SessionTimeout)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("metrics_textfile", cfg.MetricsTextfile)

	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	configPath := cfg.ConfigPath
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ConfigPath = configPath
	return cfg, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

// SaveConfig saves configuration to file
func (c *Config) SaveConfig() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.ConfigPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

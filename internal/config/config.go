package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Account AccountConfig
	Tier    TierConfig
	Billing BillingConfig
	Queue   QueueConfig
	Log     LogConfig
	Notify  NotifyConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type StorageConfig struct {
	DataDir string
}

type AccountConfig struct {
	ID string
}

// TierConfig is the fallback tier for accounts without a stored tier row.
type TierConfig struct {
	Name         string
	ContactQuota int
}

type BillingConfig struct {
	UpgradeURL string
}

type QueueConfig struct {
	PollInterval string
}

type LogConfig struct {
	Level string
}

type NotifyConfig struct {
	RedisURL    string
	RedisStream string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 64,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Account: AccountConfig{
			ID: "default",
		},
		Tier: TierConfig{
			Name:         "free",
			ContactQuota: 3,
		},
		Billing: BillingConfig{
			UpgradeURL: "https://flowdesk.app/billing/upgrade",
		},
		Queue: QueueConfig{
			PollInterval: "10s",
		},
		Log: LogConfig{
			Level: "info",
		},
		Notify: NotifyConfig{
			RedisStream: "flowdesk:notifications",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/flowdesk/config.json, then applies FLOWDESK_* environment
// variables on top. A .env file in the working directory is loaded first;
// variables already set in the environment win over it.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Account.ID == "" {
		return fmt.Errorf("account.id must not be empty")
	}
	if c.Tier.ContactQuota < 0 {
		return fmt.Errorf("tier.contact_quota must not be negative, got %d", c.Tier.ContactQuota)
	}
	if _, err := c.PollInterval(); err != nil {
		return err
	}
	return nil
}

// PollInterval parses queue.poll_interval.
func (c Config) PollInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Queue.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("queue.poll_interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("queue.poll_interval must be positive, got %s", d)
	}
	return d, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "flowdesk-data"
		}
	}
	return filepath.Join(dir, "flowdesk")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "flowdesk", "config.json")
}

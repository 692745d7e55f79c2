package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FLOWDESK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "FLOWDESK_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FLOWDESK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "account.id", typ: kString, env: "FLOWDESK_ACCOUNT_ID",
		apply:   func(cfg *Config, v any) { cfg.Account.ID = v.(string) },
		extract: func(cfg Config) any { return cfg.Account.ID },
	},
	{
		key: "tier.name", typ: kString, env: "FLOWDESK_TIER_NAME",
		apply:   func(cfg *Config, v any) { cfg.Tier.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Tier.Name },
	},
	{
		key: "tier.contact_quota", typ: kInt, env: "FLOWDESK_TIER_CONTACT_QUOTA",
		apply:   func(cfg *Config, v any) { cfg.Tier.ContactQuota = v.(int) },
		extract: func(cfg Config) any { return cfg.Tier.ContactQuota },
	},
	{
		key: "billing.upgrade_url", typ: kString, env: "FLOWDESK_BILLING_UPGRADE_URL",
		apply:   func(cfg *Config, v any) { cfg.Billing.UpgradeURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Billing.UpgradeURL },
	},
	{
		key: "queue.poll_interval", typ: kString, env: "FLOWDESK_QUEUE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "FLOWDESK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "notify.redis_url", typ: kString, env: "FLOWDESK_NOTIFY_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.RedisURL },
	},
	{
		key: "notify.redis_stream", typ: kString, env: "FLOWDESK_NOTIFY_REDIS_STREAM",
		apply:   func(cfg *Config, v any) { cfg.Notify.RedisStream = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.RedisStream },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ASSISTD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.request_timeout", typ: kDuration, env: "ASSISTD_SERVER_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Server.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Server.RequestTimeout },
	},
	{
		key: "server.api_token", typ: kString, env: "ASSISTD_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ai.base_url", typ: kString, env: "ASSISTD_AI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.AI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.BaseURL },
	},
	{
		key: "ai.model", typ: kString, env: "ASSISTD_AI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.AI.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.Model },
	},
	{
		key: "ai.api_key", typ: kString, env: "ASSISTD_AI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.AI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.APIKey },
	},
	{
		key: "ai.timeout", typ: kDuration, env: "ASSISTD_AI_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.AI.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.AI.Timeout },
	},
	{
		key: "store.driver", typ: kString, env: "ASSISTD_STORE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Store.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.Driver },
	},
	{
		key: "store.data_dir", typ: kString, env: "ASSISTD_STORE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Store.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.DataDir },
	},
	{
		key: "store.dsn", typ: kString, env: "ASSISTD_STORE_DSN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Store.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.DSN },
	},
	{
		key: "lock.redis_addr", typ: kString, env: "ASSISTD_LOCK_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Lock.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Lock.RedisAddr },
	},
	{
		key: "lock.ttl", typ: kDuration, env: "ASSISTD_LOCK_TTL",
		apply:   func(cfg *Config, v any) { cfg.Lock.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Lock.TTL },
	},
	{
		key: "conversation.poll_interval", typ: kDuration, env: "ASSISTD_CONVERSATION_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Conversation.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Conversation.PollInterval },
	},
	{
		key: "conversation.max_wait", typ: kDuration, env: "ASSISTD_CONVERSATION_MAX_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Conversation.MaxWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Conversation.MaxWait },
	},
	{
		key: "website.timeout", typ: kDuration, env: "ASSISTD_WEBSITE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Website.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Website.Timeout },
	},
	{
		key: "ingest.upload_concurrency", typ: kInt, env: "ASSISTD_INGEST_UPLOAD_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.UploadConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.UploadConcurrency },
	},
	{
		key: "cleanup.poll_interval", typ: kDuration, env: "ASSISTD_CLEANUP_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cleanup.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cleanup.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "ASSISTD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "trace.enabled", typ: kBool, env: "ASSISTD_TRACE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Trace.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Trace.Enabled },
	},
}

// parseValue converts raw text into the Go type for typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration %q must be positive", raw)
		}
		return d, nil
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			warnf("could not parse config key %s=%q: %v. Using default value.", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applySecrets(cfg *Config, secrets secretReader) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
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
		v, err := parseValue(s.typ, raw)
		if err != nil {
			warnf("could not parse env var %s=%q: %v. Using default value.", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[WARN] "+format+"\n", args...)
}

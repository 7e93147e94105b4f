package config

import (
	"errors"
	"fmt"
	"time"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server       ServerConfig
	AI           AIConfig
	Store        StoreConfig
	Lock         LockConfig
	Conversation ConversationConfig
	Website      WebsiteConfig
	Ingest       IngestConfig
	Cleanup      CleanupConfig
	Log          LogConfig
	Trace        TraceConfig
}

type ServerConfig struct {
	Port           int
	RequestTimeout time.Duration
	APIToken       string
}

type AIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

type StoreConfig struct {
	Driver  string
	DataDir string
	DSN     string
}

type LockConfig struct {
	// RedisAddr enables the distributed provisioning lock when set.
	RedisAddr string
	// TTL bounds how long a crashed holder keeps a Redis lock. It must
	// outlast the request deadline.
	TTL time.Duration
}

type ConversationConfig struct {
	PollInterval time.Duration
	MaxWait      time.Duration
}

type WebsiteConfig struct {
	Timeout time.Duration
}

type IngestConfig struct {
	UploadConcurrency int
}

type CleanupConfig struct {
	PollInterval time.Duration
}

type LogConfig struct {
	Level string
}

type TraceConfig struct {
	Enabled bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			RequestTimeout: 120 * time.Second,
		},
		AI: AIConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o",
			Timeout: 60 * time.Second,
		},
		Store: StoreConfig{
			Driver:  DriverSQLite,
			DataDir: defaultDataDir(),
		},
		Lock: LockConfig{
			TTL: 5 * time.Minute,
		},
		Conversation: ConversationConfig{
			PollInterval: time.Second,
			MaxWait:      90 * time.Second,
		},
		Website: WebsiteConfig{
			Timeout: 10 * time.Second,
		},
		Ingest: IngestConfig{
			UploadConcurrency: 4,
		},
		Cleanup: CleanupConfig{
			PollInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file, the secrets file and
// environment variables.
//
// The config file lives at $XDG_CONFIG_HOME/assistd/config.json and secrets
// at $XDG_DATA_HOME/assistd/secrets.json. Environment variables (ASSISTD_*)
// override both.
//
// A missing AI credential or store credential is an error: the process must
// not start without them.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), newSecretsFile(secretsFilePath()))
}

// secretReader abstracts the secrets file for testing.
type secretReader interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applySecrets(&cfg, secrets)
	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial is Load without credential validation, for commands that only
// inspect or edit configuration.
func LoadPartial() Config {
	cfg := defaults()
	if err := applyBackend(&cfg, newFileBackend(configFilePath())); err != nil {
		warnf("reading config file: %v", err)
	}
	applySecrets(&cfg, newSecretsFile(secretsFilePath()))
	applyEnvOverrides(&cfg)
	return cfg
}

func validate(cfg Config) error {
	var errs []error
	if cfg.AI.APIKey == "" {
		errs = append(errs, fmt.Errorf("missing required config: AI API key. Set it via environment variable ASSISTD_AI_API_KEY or key %q in %s", "ai.api_key", secretsFilePath()))
	}
	switch cfg.Store.Driver {
	case DriverSQLite:
		if cfg.Store.DataDir == "" {
			errs = append(errs, errors.New("missing required config: store.data_dir for the sqlite driver"))
		}
	case DriverPostgres:
		if cfg.Store.DSN == "" {
			errs = append(errs, errors.New("missing required config: store DSN for the postgres driver. Set it via environment variable ASSISTD_STORE_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid store.driver %q: want %s or %s", cfg.Store.Driver, DriverSQLite, DriverPostgres))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server.port %d", cfg.Server.Port))
	}
	if cfg.Conversation.PollInterval <= 0 || cfg.Conversation.MaxWait <= 0 {
		errs = append(errs, errors.New("conversation.poll_interval and conversation.max_wait must be positive"))
	}
	if cfg.Lock.TTL <= cfg.Server.RequestTimeout {
		errs = append(errs, fmt.Errorf("lock.ttl %s must exceed server.request_timeout %s", cfg.Lock.TTL, cfg.Server.RequestTimeout))
	}
	if cfg.Ingest.UploadConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("invalid ingest.upload_concurrency %d", cfg.Ingest.UploadConcurrency))
	}
	return errors.Join(errs...)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath    = "config.toml"
	DefaultHTTPAddr      = ":8080"
	DefaultStorageDriver = "sqlite"
	DefaultSQLitePath    = "data/evernoterobot.db"
	DefaultPGHost        = "127.0.0.1"
	DefaultPGPort        = 5432
	DefaultPGUser        = "postgres"
	DefaultPGDatabase    = "evernoterobot"
	DefaultPGSSLMode     = "disable"
	DefaultRedisPrefix   = "evernoterobot:"
	DefaultDownloadDir   = "/tmp/evernoterobot"
	DefaultVoiceTarget   = "audio/wav"
	DefaultMaxFileBytes  = 20 << 20
)

type Config struct {
	Log        LogConfig        `toml:"log" yaml:"log"`
	Server     ServerConfig     `toml:"server" yaml:"server"`
	Telegram   TelegramConfig   `toml:"telegram" yaml:"telegram"`
	Notes      NotesConfig      `toml:"notes" yaml:"notes"`
	Storage    StorageConfig    `toml:"storage" yaml:"storage"`
	Postgres   PostgresConfig   `toml:"postgres" yaml:"postgres"`
	Redis      RedisConfig      `toml:"redis" yaml:"redis"`
	Cache      CacheConfig      `toml:"cache" yaml:"cache"`
	Downloader DownloaderConfig `toml:"downloader" yaml:"downloader"`
	Converter  ConverterConfig  `toml:"converter" yaml:"converter"`
	Router     RouterConfig     `toml:"router" yaml:"router"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `toml:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr" validate:"required"`
}

type TelegramConfig struct {
	Token       string `toml:"token" yaml:"token"`
	BotURL      string `toml:"bot_url" yaml:"bot_url" validate:"omitempty,url"`
	PollTimeout int    `toml:"poll_timeout" yaml:"poll_timeout" validate:"gte=0"`
}

type NotesConfig struct {
	BaseURL          string   `toml:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIKey           string   `toml:"api_key" yaml:"api_key"`
	OAuthCallbackURL string   `toml:"oauth_callback_url" yaml:"oauth_callback_url" validate:"omitempty,url"`
	Timeout          Duration `toml:"timeout" yaml:"timeout"`
}

type StorageConfig struct {
	Driver     string `toml:"driver" yaml:"driver" validate:"oneof=sqlite postgres"`
	SQLitePath string `toml:"sqlite_path" yaml:"sqlite_path"`
}

type PostgresConfig struct {
	Host     string `toml:"host" yaml:"host"`
	Port     int    `toml:"port" yaml:"port"`
	User     string `toml:"user" yaml:"user"`
	Password string `toml:"password" yaml:"password"`
	Database string `toml:"database" yaml:"database"`
	SSLMode  string `toml:"sslmode" yaml:"sslmode"`
}

// DSN returns a libpq style connection URL.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type RedisConfig struct {
	URL       string `toml:"url" yaml:"url"`
	KeyPrefix string `toml:"key_prefix" yaml:"key_prefix"`
}

type CacheConfig struct {
	Capacity int      `toml:"capacity" yaml:"capacity" validate:"gt=0"`
	TTL      Duration `toml:"ttl" yaml:"ttl"`
}

type DownloaderConfig struct {
	Dir             string   `toml:"dir" yaml:"dir" validate:"required"`
	BatchSize       int      `toml:"batch_size" yaml:"batch_size" validate:"gt=0"`
	WriteWorkers    int      `toml:"write_workers" yaml:"write_workers" validate:"gt=0"`
	PollInterval    Duration `toml:"poll_interval" yaml:"poll_interval"`
	DownloadTimeout Duration `toml:"download_timeout" yaml:"download_timeout"`
	StaleAfter      Duration `toml:"stale_after" yaml:"stale_after"`
	MaxAttempts     int      `toml:"max_attempts" yaml:"max_attempts" validate:"gt=0"`
	MaxFileBytes    int64    `toml:"max_file_bytes" yaml:"max_file_bytes" validate:"gt=0"`
	Retention       Duration `toml:"retention" yaml:"retention"`
}

type ConverterConfig struct {
	VoiceTarget string   `toml:"voice_target" yaml:"voice_target"`
	Timeout     Duration `toml:"timeout" yaml:"timeout"`
}

type RouterConfig struct {
	DownloadWait Duration `toml:"download_wait" yaml:"download_wait"`
	AbandonWait  Duration `toml:"abandon_wait" yaml:"abandon_wait"`
}

func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Telegram: TelegramConfig{
			PollTimeout: 30,
		},
		Notes: NotesConfig{
			Timeout: Duration{30 * time.Second},
		},
		Storage: StorageConfig{
			Driver:     DefaultStorageDriver,
			SQLitePath: DefaultSQLitePath,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Redis: RedisConfig{
			KeyPrefix: DefaultRedisPrefix,
		},
		Cache: CacheConfig{
			Capacity: 10000,
			TTL:      Duration{time.Hour},
		},
		Downloader: DownloaderConfig{
			Dir:             DefaultDownloadDir,
			BatchSize:       100,
			WriteWorkers:    10,
			PollInterval:    Duration{time.Second},
			DownloadTimeout: Duration{2 * time.Minute},
			StaleAfter:      Duration{10 * time.Minute},
			MaxAttempts:     3,
			MaxFileBytes:    DefaultMaxFileBytes,
			Retention:       Duration{24 * time.Hour},
		},
		Converter: ConverterConfig{
			VoiceTarget: DefaultVoiceTarget,
			Timeout:     Duration{time.Minute},
		},
		Router: RouterConfig{
			DownloadWait: Duration{10 * time.Minute},
			AbandonWait:  Duration{30 * time.Minute},
		},
	}
}

// Load reads the config file at path over the defaults. A missing file yields
// the defaults. Secrets in the environment take precedence over the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode yaml config: %w", err)
		}
		return nil
	default:
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode toml config: %w", err)
		}
		return nil
	}
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("NOTES_API_KEY")); v != "" {
		cfg.Notes.APIKey = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.Redis.URL = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Masked returns a copy of c with secrets replaced, for printing.
func (c Config) Masked() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "******"
	}
	c.Telegram.Token = mask(c.Telegram.Token)
	c.Notes.APIKey = mask(c.Notes.APIKey)
	c.Postgres.Password = mask(c.Postgres.Password)
	if c.Redis.URL != "" {
		c.Redis.URL = mask(c.Redis.URL)
	}
	return c
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid marks every configuration failure. Callers exit before doing
// any I/O when they see it.
var ErrInvalid = errors.New("invalid configuration")

// Role selects which settings are mandatory.
type Role int

const (
	RoleGenerator Role = iota
	RoleConsumer
	RoleMigrate
)

type Config struct {
	Stream    StreamConfig    `mapstructure:"stream"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type StreamConfig struct {
	Topic          string        `mapstructure:"topic"`
	Brokers        []string      `mapstructure:"brokers"`
	GroupID        string        `mapstructure:"group_id"`
	ClientID       string        `mapstructure:"client_id"`
	AckTimeout     time.Duration `mapstructure:"ack_timeout"`
	MaxPollRecords int           `mapstructure:"max_poll_records"`
}

type StorageConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
}

type GeneratorConfig struct {
	Plates []string `mapstructure:"plates"`
	Count  int      `mapstructure:"count"`
	Rate   float64  `mapstructure:"rate"`
	Burst  int      `mapstructure:"burst"`
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Initial  time.Duration `mapstructure:"initial"`
	Max      time.Duration `mapstructure:"max"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// envKeys maps config keys to the flat environment names the services read.
var envKeys = map[string]string{
	"stream.topic":            "TOPIC",
	"stream.brokers":          "BROKER",
	"stream.group_id":         "GROUP_ID",
	"stream.client_id":        "CLIENT_ID",
	"stream.ack_timeout":      "ACK_TIMEOUT",
	"stream.max_poll_records": "MAX_POLL_RECORDS",
	"storage.url":             "DATABASE_URL",
	"storage.max_conns":       "DB_MAX_CONNS",
	"generator.plates":        "PLATES",
	"generator.count":         "GENERATE_COUNT",
	"generator.rate":          "GENERATE_RATE",
	"generator.burst":         "GENERATE_BURST",
	"retry.attempts":          "RETRY_ATTEMPTS",
	"retry.initial":           "RETRY_INITIAL",
	"retry.max":               "RETRY_MAX",
	"log.level":               "LOG_LEVEL",
	"log.format":              "LOG_FORMAT",
	"metrics.addr":            "METRICS_ADDR",
}

// Load reads defaults, then the optional file at path, then the environment,
// and validates the result for role. A missing .env file is not an error.
func Load(path string, role Role) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		if err := readFile(v, path); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %v", ErrInvalid, err)
	}
	cfg.Stream.Brokers = splitList(cfg.Stream.Brokers)
	cfg.Generator.Plates = splitList(cfg.Generator.Plates)
	if err := cfg.Validate(role); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stream.group_id", "group1")
	v.SetDefault("stream.ack_timeout", time.Second)
	v.SetDefault("stream.max_poll_records", 500)
	v.SetDefault("storage.max_conns", 5)
	v.SetDefault("generator.plates", []string{"abc", "def", "hij", "abc", "hij", "def", "abc"})
	v.SetDefault("generator.count", 0)
	v.SetDefault("generator.rate", 10.0)
	v.SetDefault("generator.burst", 1)
	v.SetDefault("retry.attempts", 5)
	v.SetDefault("retry.initial", 200*time.Millisecond)
	v.SetDefault("retry.max", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// readFile loads a structured config file, or a dotenv file whose flat keys
// rank below the real environment.
func readFile(v *viper.Viper, path string) error {
	if !isDotEnv(path) {
		v.SetConfigFile(path)
		return v.ReadInConfig()
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	dv := viper.New()
	dv.SetConfigFile(path)
	dv.SetConfigType("env")
	if err := dv.ReadInConfig(); err != nil {
		return err
	}
	for key, env := range envKeys {
		if dv.IsSet(env) {
			v.SetDefault(key, dv.Get(env))
		}
	}
	return nil
}

func isDotEnv(path string) bool {
	base := filepath.Base(path)
	return base == ".env" || filepath.Ext(base) == ".env"
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c Config) Validate(role Role) error {
	var missing []string
	if role == RoleGenerator || role == RoleConsumer {
		if strings.TrimSpace(c.Stream.Topic) == "" {
			missing = append(missing, "TOPIC")
		}
		if len(c.Stream.Brokers) == 0 {
			missing = append(missing, "BROKER")
		}
	}
	if role == RoleConsumer || role == RoleMigrate {
		if strings.TrimSpace(c.Storage.URL) == "" {
			missing = append(missing, "DATABASE_URL")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrInvalid, strings.Join(missing, ", "))
	}

	switch {
	case role == RoleConsumer && c.Stream.GroupID == "":
		return fmt.Errorf("%w: GROUP_ID must not be empty", ErrInvalid)
	case role == RoleGenerator && c.Stream.AckTimeout <= 0:
		return fmt.Errorf("%w: ACK_TIMEOUT must be positive", ErrInvalid)
	case role == RoleGenerator && len(c.Generator.Plates) == 0:
		return fmt.Errorf("%w: PLATES must name at least one vehicle", ErrInvalid)
	case role == RoleGenerator && c.Generator.Rate <= 0:
		return fmt.Errorf("%w: GENERATE_RATE must be positive", ErrInvalid)
	case role == RoleGenerator && c.Generator.Count < 0:
		return fmt.Errorf("%w: GENERATE_COUNT must not be negative", ErrInvalid)
	case c.Storage.MaxConns < 1 && role != RoleGenerator:
		return fmt.Errorf("%w: DB_MAX_CONNS must be >= 1", ErrInvalid)
	case c.Retry.Attempts < 1:
		return fmt.Errorf("%w: RETRY_ATTEMPTS must be >= 1", ErrInvalid)
	}
	return nil
}

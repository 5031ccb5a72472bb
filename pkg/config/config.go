// Package config loads process configuration.
// Values are layered: built-in defaults, then an optional YAML file, then
// variables from a .env file, then the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration shared by the server and worker binaries.
type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	Redis    RedisConfig    `yaml:"redis"`
	Store    StoreConfig    `yaml:"store"`
	HTTP     HTTPConfig     `yaml:"http"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StoreConfig struct {
	// Driver selects the task store: redis, sqlite or cassandra.
	Driver     string          `yaml:"driver"`
	SQLitePath string          `yaml:"sqlite_path"`
	Cassandra  CassandraConfig `yaml:"cassandra"`
}

type CassandraConfig struct {
	Hosts    []string      `yaml:"hosts"`
	Keyspace string        `yaml:"keyspace"`
	Retries  int           `yaml:"retries"`
	Timeout  time.Duration `yaml:"timeout"`
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	APIKey         string   `yaml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// PipelineConfig tunes the scanner, engine, delivery and outcome stages.
type PipelineConfig struct {
	// Partitions is the number of dispatch shards. Each engine instance owns a subset.
	Partitions int `yaml:"partitions"`
	// OwnedPartitions lists the shards this worker runs an engine for. Empty means all.
	OwnedPartitions []int `yaml:"owned_partitions"`

	HorizonDays int `yaml:"horizon_days"`

	ScanPageSize       int           `yaml:"scan_page_size"`
	ScanPageTimeout    time.Duration `yaml:"scan_page_timeout"`
	ScanPublishTimeout time.Duration `yaml:"scan_publish_timeout"`
	ScanPublishRate    float64       `yaml:"scan_publish_rate"`
	ScanCron           string        `yaml:"scan_cron"`

	// Policy selects the engine's next-fire rule: fixed, scheduled or cron.
	Policy        string        `yaml:"policy"`
	PolicyCron    string        `yaml:"policy_cron"`
	RearmInterval time.Duration `yaml:"rearm_interval"`

	BatchSize   int           `yaml:"batch_size"`
	BatchWait   time.Duration `yaml:"batch_wait"`
	Concurrency int           `yaml:"concurrency"`
	// ClaimIdle is how long a pending bus entry may sit unacknowledged before
	// another consumer takes it over. Zero disables reclaiming.
	ClaimIdle time.Duration `yaml:"claim_idle"`

	RetryPollInterval time.Duration `yaml:"retry_poll_interval"`
	DepthInterval     time.Duration `yaml:"depth_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Env:      "development",
		LogLevel: "info",
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Store: StoreConfig{
			Driver:     "redis",
			SQLitePath: "tasks.db",
			Cassandra: CassandraConfig{
				Hosts:    []string{"127.0.0.1"},
				Keyspace: "scheduler",
				Retries:  3,
				Timeout:  5 * time.Second,
			},
		},
		HTTP: HTTPConfig{
			Addr:           ":8081",
			MetricsAddr:    ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Pipeline: PipelineConfig{
			Partitions:         4,
			HorizonDays:        30,
			ScanPageSize:       500,
			ScanPageTimeout:    10 * time.Second,
			ScanPublishTimeout: 5 * time.Second,
			ScanCron:           "0 0 0 * * *",
			Policy:             "fixed",
			RearmInterval:      60 * time.Second,
			BatchSize:          500,
			BatchWait:          500 * time.Millisecond,
			Concurrency:        64,
			ClaimIdle:          time.Minute,
			RetryPollInterval:  500 * time.Millisecond,
			DepthInterval:      5 * time.Second,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (optional),
// a .env file in the working directory (optional) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.Env = getEnv("APP_ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.SQLitePath = getEnv("SQLITE_PATH", c.Store.SQLitePath)
	if hosts := os.Getenv("CASSANDRA_HOSTS"); hosts != "" {
		c.Store.Cassandra.Hosts = splitList(hosts)
	}
	c.Store.Cassandra.Keyspace = getEnv("CASSANDRA_KEYSPACE", c.Store.Cassandra.Keyspace)

	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.MetricsAddr = getEnv("METRICS_ADDR", c.HTTP.MetricsAddr)
	c.HTTP.APIKey = getEnv("API_KEY", c.HTTP.APIKey)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.HTTP.AllowedOrigins = splitList(origins)
	}

	c.Pipeline.Partitions = getEnvInt("PARTITIONS", c.Pipeline.Partitions)
	c.Pipeline.Policy = getEnv("ENGINE_POLICY", c.Pipeline.Policy)
	c.Pipeline.Concurrency = getEnvInt("DELIVERY_CONCURRENCY", c.Pipeline.Concurrency)
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "redis", "sqlite", "cassandra":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Pipeline.Policy {
	case "fixed", "scheduled":
	case "cron":
		if c.Pipeline.PolicyCron == "" {
			return errors.New("policy cron requires policy_cron")
		}
	default:
		return fmt.Errorf("unknown engine policy %q", c.Pipeline.Policy)
	}
	if c.Pipeline.Partitions < 1 {
		return errors.New("partitions must be at least 1")
	}
	for _, p := range c.Pipeline.OwnedPartitions {
		if p < 0 || p >= c.Pipeline.Partitions {
			return fmt.Errorf("owned partition %d out of range", p)
		}
	}
	if c.Pipeline.ScanPageSize < 1 || c.Pipeline.BatchSize < 1 {
		return errors.New("page and batch sizes must be positive")
	}
	if c.Pipeline.ClaimIdle < 0 {
		return errors.New("claim_idle must not be negative")
	}
	if c.Pipeline.HorizonDays < 1 {
		return errors.New("horizon_days must be positive")
	}
	return nil
}

// Owned returns the partitions this process should run engines for.
func (p PipelineConfig) Owned() []int {
	if len(p.OwnedPartitions) > 0 {
		return p.OwnedPartitions
	}
	all := make([]int, p.Partitions)
	for i := range all {
		all[i] = i
	}
	return all
}

// Horizon is the intake routing boundary.
func (p PipelineConfig) Horizon() time.Duration {
	return time.Duration(p.HorizonDays) * 24 * time.Hour
}

// Production reports whether logs should be emitted as JSON.
func (c Config) Production() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StageConfig describes one remote processing stage.
type StageConfig struct {
	Name          string        `mapstructure:"name"`
	Endpoint      string        `mapstructure:"endpoint"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

type Config struct {
	Store struct {
		Driver string `mapstructure:"driver"` // "postgres" or "sqlite"
		DSN    string `mapstructure:"dsn"`
		Table  string `mapstructure:"table"`
	} `mapstructure:"store"`

	// Throttle retry applied to every store call.
	Retry struct {
		MaxAttempts int           `mapstructure:"max_attempts"`
		BaseDelay   time.Duration `mapstructure:"base_delay"`
		MaxDelay    time.Duration `mapstructure:"max_delay"`
	} `mapstructure:"retry"`

	Redis struct {
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Worker struct {
		Concurrency int            `mapstructure:"concurrency"`
		Queues      map[string]int `mapstructure:"queues"`
		// Names of the orchestration and stage queues; must appear in Queues.
		OrchestrationQueue string `mapstructure:"orchestration_queue"`
		StageQueue         string `mapstructure:"stage_queue"`
	} `mapstructure:"worker"`

	Orchestrator struct {
		MinBatch         int           `mapstructure:"min_batch"`
		MaxBatch         int           `mapstructure:"max_batch"`
		ShardCount       int           `mapstructure:"shard_count"`
		MaxShards        int           `mapstructure:"max_shards"`
		MaxRetries       int           `mapstructure:"max_retries"`
		LatencyWindow    time.Duration `mapstructure:"latency_window"`
		SlowLatency      time.Duration `mapstructure:"slow_latency"`
		FastLatency      time.Duration `mapstructure:"fast_latency"`
		MemoryThreshold  float64       `mapstructure:"memory_threshold"`
		TickInterval     time.Duration `mapstructure:"tick_interval"`
		CompletionPolicy string        `mapstructure:"completion_policy"`
		QueryTiers       []string      `mapstructure:"query_tiers"`
	} `mapstructure:"orchestrator"`

	Initializer struct {
		FrontCoverPattern string   `mapstructure:"front_cover_pattern"`
		BackCoverPattern  string   `mapstructure:"back_cover_pattern"`
		Extensions        []string `mapstructure:"extensions"`
	} `mapstructure:"initializer"`

	Sweeper struct {
		StaleAfter time.Duration `mapstructure:"stale_after"`
		Schedule   string        `mapstructure:"schedule"` // cron spec for the asynq scheduler
		Limit      int           `mapstructure:"limit"`
	} `mapstructure:"sweeper"`

	Stages []StageConfig `mapstructure:"stages"`

	Assembler struct {
		Endpoint  string        `mapstructure:"endpoint"` // remote assembler; empty writes a local manifest
		KeyPrefix string        `mapstructure:"key_prefix"`
		Timeout   time.Duration `mapstructure:"timeout"`
	} `mapstructure:"assembler"`

	Server struct {
		Addr string `mapstructure:"addr"`
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // "text" or "json"
	} `mapstructure:"log"`
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.table", "work_items")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)

	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.queues", map[string]int{"orchestration": 6, "stages": 4})
	v.SetDefault("worker.orchestration_queue", "orchestration")
	v.SetDefault("worker.stage_queue", "stages")

	v.SetDefault("orchestrator.min_batch", 5)
	v.SetDefault("orchestrator.max_batch", 50)
	v.SetDefault("orchestrator.shard_count", 10)
	v.SetDefault("orchestrator.max_shards", 10)
	v.SetDefault("orchestrator.max_retries", 3)
	v.SetDefault("orchestrator.latency_window", 5*time.Minute)
	v.SetDefault("orchestrator.slow_latency", 60*time.Second)
	v.SetDefault("orchestrator.fast_latency", 10*time.Second)
	v.SetDefault("orchestrator.memory_threshold", 0.8)
	v.SetDefault("orchestrator.tick_interval", 30*time.Second)
	v.SetDefault("orchestrator.completion_policy", "terminal")
	v.SetDefault("orchestrator.query_tiers", []string{"sharded", "status", "scan"})

	v.SetDefault("initializer.front_cover_pattern", "~.jpg")
	v.SetDefault("initializer.back_cover_pattern", "z.jpg")
	v.SetDefault("initializer.extensions", []string{".jpg", ".jpeg"})

	v.SetDefault("sweeper.stale_after", 15*time.Minute)
	v.SetDefault("sweeper.schedule", "@every 5m")
	v.SetDefault("sweeper.limit", 500)

	v.SetDefault("assembler.key_prefix", "final-pdfs/")
	v.SetDefault("assembler.timeout", 5*time.Minute)

	v.SetDefault("server.addr", "localhost")
	v.SetDefault("server.port", "8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads config.yaml from the working directory, then BOOKSCAN_*
// environment variables (store.dsn -> BOOKSCAN_STORE_DSN).
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	return load(v)
}

// LoadConfigFile reads an explicit config file.
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("BOOKSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about.
	_ = v.BindEnv("store.dsn")
	_ = v.BindEnv("redis.address")
	_ = v.BindEnv("redis.password")
	_ = v.BindEnv("assembler.endpoint")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

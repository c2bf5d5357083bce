package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/itskum47/agentforge/control_plane/scheduler"
)

const envPrefix = "AGENTFORGE"

// Config is the control plane configuration. Empty DatabaseURL, RedisAddr
// or NATSURL select the in-process fallback for that backend.
type Config struct {
	HTTPAddr      string
	CORSOrigins   []string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string
	NATSPrefix    string

	LogLevel  string
	LogFormat string

	Scheduler scheduler.Config

	MonitorInterval time.Duration
	MonitorStale    time.Duration

	RemoteServers     map[string]string
	RemoteCredentials map[string]string
}

func setDefaults(v *viper.Viper) {
	d := scheduler.DefaultConfig()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.prefix", "agentforge.events")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("scheduler.concurrency", d.Concurrency)
	v.SetDefault("scheduler.poll_interval", d.PollInterval)
	v.SetDefault("scheduler.default_max_retries", d.DefaultMaxRetries)
	v.SetDefault("scheduler.default_retry_delay", d.DefaultRetryDelay)
	v.SetDefault("scheduler.default_timeout", d.DefaultTimeout)
	v.SetDefault("scheduler.dependency_recheck", d.DependencyRecheck)
	v.SetDefault("scheduler.circuit_breaker_threshold", d.CircuitBreakerThreshold)
	v.SetDefault("scheduler.agent_rate_limit", d.AgentRateLimit)
	v.SetDefault("scheduler.agent_burst", d.AgentBurst)
	v.SetDefault("scheduler.timeline_capacity", d.TimelineCapacity)

	v.SetDefault("monitor.interval", 30*time.Second)
	v.SetDefault("monitor.stale_after", 2*time.Minute)
}

// bindFlags exposes the most common keys as flags on cmd.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (yaml)")
	flags.String("http-addr", ":8080", "HTTP listen address")
	flags.String("database-url", "", "Postgres connection string")
	flags.String("redis-addr", "", "Redis address for the job queue")
	flags.String("nats-url", "", "NATS url for the event bridge")
	flags.String("log-level", "info", "log level")

	for key, flag := range map[string]string{
		"http.addr":    "http-addr",
		"database.url": "database-url",
		"redis.addr":   "redis-addr",
		"nats.url":     "nats-url",
		"log.level":    "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig resolves configuration from defaults, the optional config
// file, AGENTFORGE_* environment variables and flags, in increasing order
// of precedence.
func loadConfig(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{
		HTTPAddr:      v.GetString("http.addr"),
		CORSOrigins:   v.GetStringSlice("http.cors_origins"),
		DatabaseURL:   v.GetString("database.url"),
		RedisAddr:     v.GetString("redis.addr"),
		RedisPassword: v.GetString("redis.password"),
		RedisDB:       v.GetInt("redis.db"),
		NATSURL:       v.GetString("nats.url"),
		NATSPrefix:    v.GetString("nats.prefix"),
		LogLevel:      v.GetString("log.level"),
		LogFormat:     v.GetString("log.format"),
		Scheduler: scheduler.Config{
			Concurrency:             v.GetInt("scheduler.concurrency"),
			PollInterval:            v.GetDuration("scheduler.poll_interval"),
			DefaultMaxRetries:       v.GetInt("scheduler.default_max_retries"),
			DefaultRetryDelay:       v.GetDuration("scheduler.default_retry_delay"),
			DefaultTimeout:          v.GetDuration("scheduler.default_timeout"),
			DependencyRecheck:       v.GetDuration("scheduler.dependency_recheck"),
			CircuitBreakerThreshold: v.GetInt("scheduler.circuit_breaker_threshold"),
			AgentRateLimit:          v.GetFloat64("scheduler.agent_rate_limit"),
			AgentBurst:              v.GetInt("scheduler.agent_burst"),
			TimelineCapacity:        v.GetInt("scheduler.timeline_capacity"),
		},
		MonitorInterval:   v.GetDuration("monitor.interval"),
		MonitorStale:      v.GetDuration("monitor.stale_after"),
		RemoteServers:     v.GetStringMapString("remote.servers"),
		RemoteCredentials: v.GetStringMapString("remote.credentials"),
	}

	if cfg.HTTPAddr == "" {
		return nil, fmt.Errorf("http.addr must not be empty")
	}
	if cfg.Scheduler.DefaultMaxRetries < 0 {
		return nil, fmt.Errorf("scheduler.default_max_retries must be >= 0, got %d", cfg.Scheduler.DefaultMaxRetries)
	}
	return cfg, nil
}

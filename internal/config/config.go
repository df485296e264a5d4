/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the daemon.
type Config struct {
	configFileUsed string

	// LogLevel is the logging level (debug, info, warn, error).
	LogLevel string `mapstructure:"log-level"`

	// Storage configures the backing relational database.
	Storage StorageConfig `mapstructure:"storage"`

	// Schedule configures the default per-job grace period/timeout and
	// the worker poll intervals.
	Schedule ScheduleConfig `mapstructure:"schedule"`

	// Retention configures the Cleaner.
	Retention RetentionConfig `mapstructure:"retention"`

	// Notify configures the Notifier's daily fallback tick.
	Notify NotifyConfig `mapstructure:"notify"`

	// Server configures the IngestAPI/QueryAPI HTTP listener.
	Server ServerConfig `mapstructure:"server"`

	// Metrics configures the Prometheus exposition endpoint.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	// Type is the storage backend type (sqlite, postgres, mysql).
	Type string `mapstructure:"type" json:"type"`

	SQLite   SQLiteConfig   `mapstructure:"sqlite" json:"sqlite,omitempty"`
	Postgres PostgresConfig `mapstructure:"postgres" json:"postgres,omitempty"`
	MySQL    MySQLConfig    `mapstructure:"mysql" json:"mysql,omitempty"`

	// OutputBackend selects where JobOutput stdout/stderr bodies live:
	// "db" (a column on the joboutput row) or "fs" (sharded directory
	// tree under OutputDir).
	OutputBackend string `mapstructure:"output-backend" json:"outputBackend"`
	OutputDir     string `mapstructure:"output-dir" json:"outputDir"`
}

// SQLiteConfig configures SQLite storage.
type SQLiteConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// PostgresConfig configures PostgreSQL storage.
type PostgresConfig struct {
	Host     string `mapstructure:"host" json:"host,omitempty"`
	Port     int    `mapstructure:"port" json:"port,omitempty"`
	Database string `mapstructure:"database" json:"database,omitempty"`
	Username string `mapstructure:"username" json:"username,omitempty"`
	Password string `mapstructure:"password" json:"-"`
	SSLMode  string `mapstructure:"ssl-mode" json:"sslMode,omitempty"`
}

// MySQLConfig configures MySQL/MariaDB storage.
type MySQLConfig struct {
	Host     string `mapstructure:"host" json:"host,omitempty"`
	Port     int    `mapstructure:"port" json:"port,omitempty"`
	Database string `mapstructure:"database" json:"database,omitempty"`
	Username string `mapstructure:"username" json:"username,omitempty"`
	Password string `mapstructure:"password" json:"-"`
}

// ScheduleConfig configures job-timing defaults and worker cadence.
type ScheduleConfig struct {
	// DefaultGracePeriod is used when a JobConfig does not set one.
	DefaultGracePeriod time.Duration `mapstructure:"default-grace-period"`

	// DefaultTimeout is used when a JobConfig does not set one.
	DefaultTimeout time.Duration `mapstructure:"default-timeout"`

	// PollInterval is how often the Monitor polls the store for new events.
	PollInterval time.Duration `mapstructure:"poll-interval"`

	// TickInterval is how often the MinutelyTicker checks wall-clock time.
	TickInterval time.Duration `mapstructure:"tick-interval"`
}

// RetentionConfig configures the Cleaner.
type RetentionConfig struct {
	// KeepDays is how long event rows are kept before DeleteOldEvents prunes them.
	KeepDays int `mapstructure:"keep-days"`

	// CronExpression is when the Cleaner fires, evaluated on the minute tick.
	CronExpression string `mapstructure:"cron"`
}

// NotifyConfig configures the Notifier's daily fallback schedule.
type NotifyConfig struct {
	DailySchedule string `mapstructure:"daily-schedule"`
	DailyTimezone string `mapstructure:"daily-timezone"`

	// MaxReportsPerMinute throttles Reporter invocations.
	MaxReportsPerMinute int `mapstructure:"max-reports-per-minute"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	BindAddress     string        `mapstructure:"bind-address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	BindAddress string `mapstructure:"bind-address"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Storage: StorageConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "/data/crabd.db",
			},
			Postgres: PostgresConfig{
				Port:    5432,
				SSLMode: "require",
			},
			MySQL: MySQLConfig{
				Port: 3306,
			},
			OutputBackend: "db",
			OutputDir:     "/data/output",
		},
		Schedule: ScheduleConfig{
			DefaultGracePeriod: 2 * time.Minute,
			DefaultTimeout:     5 * time.Minute,
			PollInterval:       5 * time.Second,
			TickInterval:       5 * time.Second,
		},
		Retention: RetentionConfig{
			KeepDays:       30,
			CronExpression: "0 3 * * *",
		},
		Notify: NotifyConfig{
			DailySchedule:       "0 8 * * *",
			DailyTimezone:       "UTC",
			MaxReportsPerMinute: 50,
		},
		Server: ServerConfig{
			BindAddress:     ":8125",
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			BindAddress: ":9125",
		},
	}
}

// BindFlags binds configuration flags to pflags.
func BindFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to config file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	flags.String("storage.type", "sqlite", "Storage backend type (sqlite, postgres, mysql)")
	flags.String("storage.sqlite.path", "/data/crabd.db", "Path to SQLite database file")
	flags.String("storage.postgres.host", "", "PostgreSQL host")
	flags.Int("storage.postgres.port", 5432, "PostgreSQL port")
	flags.String("storage.postgres.database", "", "PostgreSQL database name")
	flags.String("storage.postgres.username", "", "PostgreSQL username")
	flags.String("storage.postgres.password", "", "PostgreSQL password")
	flags.String("storage.postgres.ssl-mode", "require", "PostgreSQL SSL mode")
	flags.String("storage.mysql.host", "", "MySQL host")
	flags.Int("storage.mysql.port", 3306, "MySQL port")
	flags.String("storage.mysql.database", "", "MySQL database name")
	flags.String("storage.mysql.username", "", "MySQL username")
	flags.String("storage.mysql.password", "", "MySQL password")
	flags.String("storage.output-backend", "db", "Where JobOutput bodies live (db, fs)")
	flags.String("storage.output-dir", "/data/output", "Root directory for the fs output backend")

	flags.Duration("schedule.default-grace-period", 2*time.Minute, "Default grace period applied when a job has no JobConfig")
	flags.Duration("schedule.default-timeout", 5*time.Minute, "Default timeout applied when a job has no JobConfig")
	flags.Duration("schedule.poll-interval", 5*time.Second, "How often the Monitor polls the store for new events")
	flags.Duration("schedule.tick-interval", 5*time.Second, "How often the MinutelyTicker checks wall-clock time")

	flags.Int("retention.keep-days", 30, "How many days of event history to keep")
	flags.String("retention.cron", "0 3 * * *", "Cron expression for when the Cleaner runs")

	flags.String("notify.daily-schedule", "0 8 * * *", "Cron expression for the Notifier's daily fallback tick")
	flags.String("notify.daily-timezone", "UTC", "Timezone for the Notifier's daily fallback tick")
	flags.Int("notify.max-reports-per-minute", 50, "Maximum Reporter invocations per minute")

	flags.String("server.bind-address", ":8125", "IngestAPI/QueryAPI bind address")
	flags.Duration("server.shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")

	flags.String("metrics.bind-address", ":9125", "Prometheus metrics bind address (empty to disable)")
}

// Load loads configuration from flags, environment, and config file.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("log-level", defaults.LogLevel)
	v.SetDefault("storage.type", defaults.Storage.Type)
	v.SetDefault("storage.sqlite.path", defaults.Storage.SQLite.Path)
	v.SetDefault("storage.postgres.port", defaults.Storage.Postgres.Port)
	v.SetDefault("storage.postgres.ssl-mode", defaults.Storage.Postgres.SSLMode)
	v.SetDefault("storage.mysql.port", defaults.Storage.MySQL.Port)
	v.SetDefault("storage.output-backend", defaults.Storage.OutputBackend)
	v.SetDefault("storage.output-dir", defaults.Storage.OutputDir)
	v.SetDefault("schedule.default-grace-period", defaults.Schedule.DefaultGracePeriod)
	v.SetDefault("schedule.default-timeout", defaults.Schedule.DefaultTimeout)
	v.SetDefault("schedule.poll-interval", defaults.Schedule.PollInterval)
	v.SetDefault("schedule.tick-interval", defaults.Schedule.TickInterval)
	v.SetDefault("retention.keep-days", defaults.Retention.KeepDays)
	v.SetDefault("retention.cron", defaults.Retention.CronExpression)
	v.SetDefault("notify.daily-schedule", defaults.Notify.DailySchedule)
	v.SetDefault("notify.daily-timezone", defaults.Notify.DailyTimezone)
	v.SetDefault("notify.max-reports-per-minute", defaults.Notify.MaxReportsPerMinute)
	v.SetDefault("server.bind-address", defaults.Server.BindAddress)
	v.SetDefault("server.shutdown-timeout", defaults.Server.ShutdownTimeout)
	v.SetDefault("metrics.bind-address", defaults.Metrics.BindAddress)

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	v.SetEnvPrefix("CRABD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var configFileUsed string
	if configFile, _ := flags.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		configFileUsed = v.ConfigFileUsed()
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/crabd")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err == nil {
			configFileUsed = v.ConfigFileUsed()
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.configFileUsed = configFileUsed

	return cfg, nil
}

// ConfigFileUsed returns the path to the config file that was loaded (empty if none).
func (c *Config) ConfigFileUsed() string {
	return c.configFileUsed
}

package config

import (
	"time"
)

// Config is the resolved launchr configuration.
type Config struct {
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AggregatorConfig locates the aggregator socket and bounds protocol I/O.
type AggregatorConfig struct {
	Socket          string        `mapstructure:"socket"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes"`
}

type WorkerConfig struct {
	Binary         string   `mapstructure:"binary"`
	Format         string   `mapstructure:"format"`
	OutputDir      string   `mapstructure:"output_dir"`
	OutputTemplate string   `mapstructure:"output_template"`
	UpdateRate     float64  `mapstructure:"update_rate"`
	ExtraArgs      []string `mapstructure:"extra_args"`
}

// JobsConfig controls where background launches keep their records and logs.
type JobsConfig struct {
	LogDir string `mapstructure:"log_dir"`
}

// HTTPConfig configures the optional status server started by "ytdl serve".
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

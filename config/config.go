// Package config loads jobstorectl configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the full configuration of a job store node.
type Config struct {
	Mongo       MongoConfig       `koanf:"mongo"`
	Instance    InstanceConfig    `koanf:"instance"`
	Store       StoreConfig       `koanf:"store"`
	Cluster     ClusterConfig     `koanf:"cluster"`
	Acquisition AcquisitionConfig `koanf:"acquisition"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Log         LogConfig         `koanf:"log"`
}

type MongoConfig struct {
	URI              string        `koanf:"uri"`
	Database         string        `koanf:"database"`
	CollectionPrefix string        `koanf:"collection_prefix"`
	OperationTimeout time.Duration `koanf:"operation_timeout"`
}

type InstanceConfig struct {
	// ID is generated when empty.
	ID string `koanf:"id"`
}

type StoreConfig struct {
	MisfireThreshold time.Duration `koanf:"misfire_threshold"`
}

type ClusterConfig struct {
	CheckinInterval time.Duration `koanf:"checkin_interval"`
	StaleThreshold  time.Duration `koanf:"stale_threshold"`
}

type AcquisitionConfig struct {
	MaxBatchSize int           `koanf:"max_batch_size"`
	TimeWindow   time.Duration `koanf:"time_window"`
	IdleWait     time.Duration `koanf:"idle_wait"`
}

type MetricsConfig struct {
	// Addr is the Prometheus listen address; empty disables the endpoint.
	Addr string `koanf:"addr"`
}

type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// Default returns the configuration used for keys absent from a file.
func Default() Config {
	return Config{
		Mongo: MongoConfig{
			URI:              "mongodb://localhost:27017",
			Database:         "quartz",
			CollectionPrefix: "quartz_",
			OperationTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			MisfireThreshold: 60 * time.Second,
		},
		Cluster: ClusterConfig{
			CheckinInterval: 7500 * time.Millisecond,
			StaleThreshold:  30 * time.Second,
		},
		Acquisition: AcquisitionConfig{
			MaxBatchSize: 1,
			TimeWindow:   0,
			IdleWait:     30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads and parses a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result. Durations use
// Go syntax ("7.5s", "1m").
func Parse(data []byte) (Config, error) {
	cfg := Default()
	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("parse: %w", err)
		}
	}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Mongo.URI == "" {
		errs = append(errs, errors.New("mongo.uri is required"))
	}
	if c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.database is required"))
	}
	if c.Mongo.OperationTimeout <= 0 {
		errs = append(errs, errors.New("mongo.operation_timeout must be positive"))
	}
	if c.Store.MisfireThreshold <= 0 {
		errs = append(errs, errors.New("store.misfire_threshold must be positive"))
	}
	if c.Cluster.CheckinInterval <= 0 {
		errs = append(errs, errors.New("cluster.checkin_interval must be positive"))
	}
	if c.Cluster.StaleThreshold <= c.Cluster.CheckinInterval {
		errs = append(errs, errors.New("cluster.stale_threshold must exceed cluster.checkin_interval"))
	}
	if c.Acquisition.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("acquisition.max_batch_size must be positive"))
	}
	if c.Acquisition.TimeWindow < 0 {
		errs = append(errs, errors.New("acquisition.time_window must not be negative"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger builds the zap logger described by c.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

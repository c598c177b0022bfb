// Package config loads server settings from the environment and an optional
// YAML file named by CONFIG_FILE. Environment variables win over the file.
//
// Every nested key maps to an upper-case variable with dots replaced by
// underscores: ledger.max_attempts is LEDGER_MAX_ATTEMPTS.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/position-ledger/internal/contract"
	"github.com/atmx/position-ledger/internal/lots"
)

var ErrInvalid = errors.New("config: invalid setting")

type Config struct {
	Port string `mapstructure:"port"`

	Database struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"database"`

	Redis struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"redis"`

	Cache struct {
		Backend     string        `mapstructure:"backend"` // local, redis
		LocalMaxMB  int           `mapstructure:"local_max_mb"`
		SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
	} `mapstructure:"cache"`

	Lock struct {
		Backend string        `mapstructure:"backend"` // local, redis
		TTL     time.Duration `mapstructure:"ttl"`
		Wait    time.Duration `mapstructure:"wait"`
	} `mapstructure:"lock"`

	Publish struct {
		Backend string `mapstructure:"backend"` // none, kafka, nats
	} `mapstructure:"publish"`

	Kafka struct {
		Brokers     []string `mapstructure:"brokers"`
		Topic       string   `mapstructure:"topic"`
		IngestTopic string   `mapstructure:"ingest_topic"`
		GroupID     string   `mapstructure:"group_id"`
	} `mapstructure:"kafka"`

	NATS struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`

	Ledger struct {
		MaxAttempts int `mapstructure:"max_attempts"`
	} `mapstructure:"ledger"`

	Contract struct {
		DefaultMethod   string        `mapstructure:"default_method"`
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	} `mapstructure:"contract"`

	Idempotency struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"idempotency"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	// Static contract table, only read from the config file.
	Contracts []ContractRule `mapstructure:"contracts"`

	// Parsed from MAX_PRICE and TERMINATION_TOLERANCE.
	MaxPrice             decimal.Decimal `mapstructure:"-"`
	TerminationTolerance decimal.Decimal `mapstructure:"-"`
}

// ContractRule is one row of the static contract table.
type ContractRule struct {
	ContractID          string `mapstructure:"contract_id"`
	Method              string `mapstructure:"allocation_method"`
	MaxPrice            string `mapstructure:"max_price"`
	MaxTradeQuantity    string `mapstructure:"max_trade_quantity"`
	MaxPositionQuantity string `mapstructure:"max_position_quantity"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("cache.backend", "local")
	v.SetDefault("cache.local_max_mb", 256)
	v.SetDefault("cache.snapshot_ttl", 10*time.Minute)
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.ttl", 10*time.Second)
	v.SetDefault("lock.wait", 5*time.Second)
	v.SetDefault("publish.backend", "none")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "position-ledger.events")
	v.SetDefault("kafka.ingest_topic", "")
	v.SetDefault("kafka.group_id", "position-ledger")
	v.SetDefault("nats.url", "")
	v.SetDefault("max_price", "1000000")
	v.SetDefault("termination_tolerance", "0")
	v.SetDefault("ledger.max_attempts", 3)
	v.SetDefault("contract.default_method", string(lots.FIFO))
	v.SetDefault("contract.refresh_interval", time.Minute)
	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("log.level", "info")
}

// Load reads the configuration.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("config_file", "CONFIG_FILE")

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	var err error
	if cfg.MaxPrice, err = decimal.NewFromString(v.GetString("max_price")); err != nil {
		return nil, fmt.Errorf("%w: MAX_PRICE: %v", ErrInvalid, err)
	}
	if cfg.TerminationTolerance, err = decimal.NewFromString(v.GetString("termination_tolerance")); err != nil {
		return nil, fmt.Errorf("%w: TERMINATION_TOLERANCE: %v", ErrInvalid, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MaxPrice.IsNegative() || c.TerminationTolerance.IsNegative() {
		return fmt.Errorf("%w: MAX_PRICE and TERMINATION_TOLERANCE must not be negative", ErrInvalid)
	}
	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("%w: LEDGER_MAX_ATTEMPTS must be at least 1", ErrInvalid)
	}
	if _, err := lots.ParseMethod(c.Contract.DefaultMethod); err != nil {
		return fmt.Errorf("%w: CONTRACT_DEFAULT_METHOD: %v", ErrInvalid, err)
	}
	if c.Contract.RefreshInterval <= 0 {
		return fmt.Errorf("%w: CONTRACT_REFRESH_INTERVAL must be positive", ErrInvalid)
	}
	if (c.Cache.Backend == "redis" || c.Lock.Backend == "redis") && c.Redis.URL == "" {
		return fmt.Errorf("%w: redis backend needs REDIS_URL", ErrInvalid)
	}
	switch c.Publish.Backend {
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: kafka publisher needs KAFKA_BROKERS", ErrInvalid)
		}
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("%w: nats publisher needs NATS_URL", ErrInvalid)
		}
	}
	if c.Kafka.IngestTopic != "" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: KAFKA_INGEST_TOPIC needs KAFKA_BROKERS", ErrInvalid)
	}
	return nil
}

// DefaultRules are the rules of contracts missing from the contract table.
func (c *Config) DefaultRules() contract.Rules {
	method, _ := lots.ParseMethod(c.Contract.DefaultMethod)
	return contract.Rules{Method: method, MaxPrice: c.MaxPrice}
}

// StaticContracts converts the file's contract table.
func (c *Config) StaticContracts() (contract.StaticSource, error) {
	out := make(contract.StaticSource, 0, len(c.Contracts))
	for _, row := range c.Contracts {
		method, err := lots.ParseMethod(row.Method)
		if err != nil {
			return nil, fmt.Errorf("%w: contract %s: %v", ErrInvalid, row.ContractID, err)
		}
		r := contract.Rules{ContractID: row.ContractID, Method: method}
		for _, f := range []struct {
			raw string
			dst *decimal.Decimal
		}{
			{row.MaxPrice, &r.MaxPrice},
			{row.MaxTradeQuantity, &r.MaxTradeQuantity},
			{row.MaxPositionQuantity, &r.MaxPositionQuantity},
		} {
			if f.raw == "" {
				continue
			}
			if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
				return nil, fmt.Errorf("%w: contract %s: %v", ErrInvalid, row.ContractID, err)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// LogLevel maps LOG_LEVEL onto slog; unknown values mean info.
func (c *Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

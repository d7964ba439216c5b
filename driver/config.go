package driver

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gandaldf/sqltpl"
)

// Config describes one database connection: the primary pool, its replicas
// and the execution policies applied on top of them.
type Config struct {
	Dialect        string          `json:"dialect" yaml:"dialect"`
	DriverName     string          `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN            string          `json:"dsn" yaml:"dsn"`
	Pool           PoolConfig      `json:"pool" yaml:"pool"`
	Replicas       []ReplicaConfig `json:"replicas,omitempty" yaml:"replicas,omitempty"`
	Retry          *RetryConfig    `json:"retry,omitempty" yaml:"retry,omitempty"`
	Cache          CacheConfig     `json:"cache" yaml:"cache"`
	MaxParams      int             `json:"max_params" yaml:"max_params"`
	MaxNameLen     int             `json:"max_name_len" yaml:"max_name_len"`
	AcquireTimeout time.Duration   `json:"acquire_timeout" yaml:"acquire_timeout"`
	ConnectTimeout time.Duration   `json:"connect_timeout" yaml:"connect_timeout"`
}

// PoolConfig defines connection pool settings. Zero values keep the
// database/sql defaults.
type PoolConfig struct {
	MaxOpen     int           `json:"max_open" yaml:"max_open"`
	MaxIdle     int           `json:"max_idle" yaml:"max_idle"`
	MaxLifetime time.Duration `json:"max_lifetime" yaml:"max_lifetime"`
	MaxIdleTime time.Duration `json:"max_idle_time" yaml:"max_idle_time"`
}

// ReplicaConfig is a read replica. Weight 0 counts as 1.
type ReplicaConfig struct {
	DSN    string     `json:"dsn" yaml:"dsn"`
	Weight uint32     `json:"weight" yaml:"weight"`
	Pool   PoolConfig `json:"pool" yaml:"pool"`
}

// RetryConfig mirrors RetryPolicy. MaxAttempts 0 disables retries.
type RetryConfig struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier"`
}

// CacheConfig sizes the parsed-template cache.
type CacheConfig struct {
	Shards   int `json:"shards" yaml:"shards"`
	Capacity int `json:"capacity" yaml:"capacity"`
}

// RegistryConfig is the document read by LoadRegistry.
type RegistryConfig struct {
	Connections map[string]Config `json:"connections" yaml:"connections"`
}

const defaultConnectTimeout = 30 * time.Second

// Policy returns the retry policy described by c.
func (c RetryConfig) Policy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     c.Multiplier,
	}
}

func (p PoolConfig) apply(db *sql.DB) {
	if p.MaxOpen > 0 {
		db.SetMaxOpenConns(p.MaxOpen)
	}
	if p.MaxIdle > 0 {
		db.SetMaxIdleConns(p.MaxIdle)
	}
	if p.MaxLifetime > 0 {
		db.SetConnMaxLifetime(p.MaxLifetime)
	}
	if p.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(p.MaxIdleTime)
	}
}

// Validate checks the configuration and returns its dialect.
func (c Config) Validate() (sqltpl.Dialect, error) {
	d, err := sqltpl.ParseDialect(c.Dialect)
	if err != nil {
		return 0, err
	}
	if c.DSN == "" {
		return 0, fmt.Errorf("sqltpl: %s: dsn is required", d)
	}
	for i, r := range c.Replicas {
		if r.DSN == "" {
			return 0, fmt.Errorf("sqltpl: %s: replica %d: dsn is required", d, i)
		}
	}
	if c.Retry != nil && c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return 0, fmt.Errorf("sqltpl: retry multiplier must be >= 1, got %g", c.Retry.Multiplier)
	}
	return d, nil
}

// driverName returns the database/sql driver name used to open c.
func (c Config) driverName(d sqltpl.Dialect) string {
	if c.DriverName != "" {
		return c.DriverName
	}
	return DriverName(d)
}

// DriverName returns the registered database/sql driver for a dialect.
func DriverName(d sqltpl.Dialect) string {
	switch d {
	case sqltpl.Postgres:
		return "pgx"
	case sqltpl.MySQL:
		return "mysql"
	case sqltpl.SQLServer:
		return "sqlserver"
	case sqltpl.SQLite:
		return "sqlite"
	}
	return ""
}

// ParseConfig decodes a YAML connection config.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("sqltpl: parse config: %w", err)
	}
	if _, err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads a YAML connection config from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseRegistryConfig decodes a YAML document of named connections.
func ParseRegistryConfig(data []byte) (RegistryConfig, error) {
	var rc RegistryConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return RegistryConfig{}, fmt.Errorf("sqltpl: parse registry config: %w", err)
	}
	if len(rc.Connections) == 0 {
		return RegistryConfig{}, fmt.Errorf("sqltpl: registry config has no connections")
	}
	for name, c := range rc.Connections {
		if _, err := c.Validate(); err != nil {
			return RegistryConfig{}, fmt.Errorf("connection %q: %w", name, err)
		}
	}
	return rc, nil
}

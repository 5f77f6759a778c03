package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FlexibleStringSlice accepts either a JSON array or a comma separated string.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = splitList(raw)
	return nil
}

func (f *FlexibleStringSlice) UnmarshalText(text []byte) error {
	*f = splitList(string(text))
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type Config struct {
	Graph       GraphConfig          `json:"graph" yaml:"graph"`
	Vector      VectorConfig         `json:"vector" yaml:"vector"`
	Cache       CacheConfig          `json:"cache" yaml:"cache"`
	Security    SecurityConfig       `json:"security" yaml:"security"`
	RateLimit   RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Router      RouterConfig         `json:"router" yaml:"router"`
	Maintenance MaintenanceConfig    `json:"maintenance" yaml:"maintenance"`
	Log         LogConfig            `json:"log" yaml:"log"`
	Policies    map[string]ArmPolicy `json:"policies,omitempty" yaml:"policies,omitempty"`
	mu          sync.RWMutex
}

type GraphConfig struct {
	Driver           string              `json:"driver" yaml:"driver" env:"OCTOMEM_GRAPH_DRIVER"`
	DSN              string              `json:"dsn" yaml:"dsn" env:"OCTOMEM_GRAPH_DSN"`
	ReplicaDSN       string              `json:"replica_dsn,omitempty" yaml:"replica_dsn,omitempty" env:"OCTOMEM_GRAPH_REPLICA_DSN"`
	MaxConnections   int                 `json:"max_connections" yaml:"max_connections" env:"OCTOMEM_GRAPH_MAX_CONNECTIONS"`
	AcquireTimeoutMS int                 `json:"acquire_timeout_ms" yaml:"acquire_timeout_ms" env:"OCTOMEM_GRAPH_ACQUIRE_TIMEOUT_MS"`
	Schema           map[string][]string `json:"schema,omitempty" yaml:"schema,omitempty"`
}

type VectorConfig struct {
	Dimensions    int    `json:"dimensions" yaml:"dimensions" env:"OCTOMEM_VECTOR_DIMENSIONS"`
	Path          string `json:"path,omitempty" yaml:"path,omitempty" env:"OCTOMEM_VECTOR_PATH"`
	Compress      bool   `json:"compress" yaml:"compress" env:"OCTOMEM_VECTOR_COMPRESS"`
	HashBits      int    `json:"hash_bits" yaml:"hash_bits" env:"OCTOMEM_VECTOR_HASH_BITS"`
	DefaultProbes int    `json:"default_probes" yaml:"default_probes" env:"OCTOMEM_VECTOR_DEFAULT_PROBES"`
	Seed          int64  `json:"seed" yaml:"seed" env:"OCTOMEM_VECTOR_SEED"`
}

type CacheConfig struct {
	LocalMaxBytes    int64  `json:"local_max_bytes" yaml:"local_max_bytes" env:"OCTOMEM_CACHE_LOCAL_MAX_BYTES"`
	RedisAddr        string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty" env:"OCTOMEM_CACHE_REDIS_ADDR"`
	RedisPassword    string `json:"redis_password,omitempty" yaml:"redis_password,omitempty" env:"OCTOMEM_CACHE_REDIS_PASSWORD"`
	RedisDB          int    `json:"redis_db" yaml:"redis_db" env:"OCTOMEM_CACHE_REDIS_DB"`
	GraphTTLSeconds  int    `json:"graph_ttl_seconds" yaml:"graph_ttl_seconds" env:"OCTOMEM_CACHE_GRAPH_TTL_SECONDS"`
	VectorTTLSeconds int    `json:"vector_ttl_seconds" yaml:"vector_ttl_seconds" env:"OCTOMEM_CACHE_VECTOR_TTL_SECONDS"`
	LookupTimeoutMS  int    `json:"lookup_timeout_ms" yaml:"lookup_timeout_ms" env:"OCTOMEM_CACHE_LOOKUP_TIMEOUT_MS"`
}

type SecurityConfig struct {
	SigningKey     string              `json:"signing_key,omitempty" yaml:"signing_key,omitempty" env:"OCTOMEM_SECURITY_SIGNING_KEY"`
	KeyringService string              `json:"keyring_service,omitempty" yaml:"keyring_service,omitempty" env:"OCTOMEM_SECURITY_KEYRING_SERVICE"`
	KeyringUser    string              `json:"keyring_user,omitempty" yaml:"keyring_user,omitempty" env:"OCTOMEM_SECURITY_KEYRING_USER"`
	Issuer         string              `json:"issuer" yaml:"issuer" env:"OCTOMEM_SECURITY_ISSUER"`
	Patterns       FlexibleStringSlice `json:"patterns,omitempty" yaml:"patterns,omitempty" env:"OCTOMEM_SECURITY_PATTERNS"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" env:"OCTOMEM_RATE_LIMIT_REQUESTS_PER_SECOND"`
	Burst             int     `json:"burst" yaml:"burst" env:"OCTOMEM_RATE_LIMIT_BURST"`
	IdleSeconds       int     `json:"idle_seconds" yaml:"idle_seconds" env:"OCTOMEM_RATE_LIMIT_IDLE_SECONDS"`
}

type RouterConfig struct {
	BranchTimeoutMS int `json:"branch_timeout_ms" yaml:"branch_timeout_ms" env:"OCTOMEM_ROUTER_BRANCH_TIMEOUT_MS"`
	DefaultLimit    int `json:"default_limit" yaml:"default_limit" env:"OCTOMEM_ROUTER_DEFAULT_LIMIT"`
	MaxDepth        int `json:"max_depth" yaml:"max_depth" env:"OCTOMEM_ROUTER_MAX_DEPTH"`
}

type MaintenanceConfig struct {
	Enabled bool              `json:"enabled" yaml:"enabled" env:"OCTOMEM_MAINTENANCE_ENABLED"`
	Jobs    map[string]string `json:"jobs,omitempty" yaml:"jobs,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"OCTOMEM_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"OCTOMEM_LOG_FORMAT"`
}

// ArmPolicy restricts what an arm may see through the read diode. An empty
// EntityTypes list defers to the token's read grants; a type missing from
// Properties exposes every property.
type ArmPolicy struct {
	EntityTypes []string            `json:"entity_types,omitempty" yaml:"entity_types,omitempty"`
	Properties  map[string][]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Graph: GraphConfig{
			Driver:           "sqlite",
			DSN:              "~/.octomem/state/graph.db",
			MaxConnections:   8,
			AcquireTimeoutMS: 2000,
		},
		Vector: VectorConfig{
			Dimensions:    384,
			Path:          "~/.octomem/state/vectors",
			HashBits:      4,
			DefaultProbes: 4,
			Seed:          42,
		},
		Cache: CacheConfig{
			LocalMaxBytes:    64 << 20,
			GraphTTLSeconds:  300,
			VectorTTLSeconds: 60,
			LookupTimeoutMS:  50,
		},
		Security: SecurityConfig{
			Issuer: "octomem",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
			IdleSeconds:       600,
		},
		Router: RouterConfig{
			BranchTimeoutMS: 2000,
			DefaultLimit:    10,
			MaxDepth:        2,
		},
		Maintenance: MaintenanceConfig{
			Enabled: true,
			Jobs: map[string]string{
				"vector-inventory": "*/15 * * * *",
				"task-stats":       "0 * * * *",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads a JSON or YAML file (by extension) and overlays
// OCTOMEM_* environment variables. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(expandHome(path))
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// GraphDSN returns the primary DSN with a leading ~ expanded.
func (c *Config) GraphDSN() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Graph.Driver == "sqlite" || c.Graph.Driver == "" {
		return expandHome(c.Graph.DSN)
	}
	return c.Graph.DSN
}

func (c *Config) VectorPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Vector.Path)
}

func (c *Config) PolicyFor(arm string) (ArmPolicy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.Policies[arm]
	return p, ok
}

func (c GraphConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutMS) * time.Millisecond
}

func (c CacheConfig) GraphTTL() time.Duration {
	return time.Duration(c.GraphTTLSeconds) * time.Second
}

func (c CacheConfig) VectorTTL() time.Duration {
	return time.Duration(c.VectorTTLSeconds) * time.Second
}

func (c CacheConfig) LookupTimeout() time.Duration {
	return time.Duration(c.LookupTimeoutMS) * time.Millisecond
}

func (c RouterConfig) BranchTimeout() time.Duration {
	return time.Duration(c.BranchTimeoutMS) * time.Millisecond
}

func (c RateLimitConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleSeconds) * time.Second
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}

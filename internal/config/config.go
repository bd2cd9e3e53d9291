// Package config loads the sync engine configuration: defaults, an optional
// YAML file, then SKETCHFLOW_* environment overrides, validated on load.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/appedme/sketchflow-sub001/internal/autosave"
	"github.com/appedme/sketchflow-sub001/internal/cache"
	"github.com/appedme/sketchflow-sub001/internal/gateway"
	"github.com/appedme/sketchflow-sub001/internal/gateway/s3gw"
	"github.com/appedme/sketchflow-sub001/internal/logging"
	"github.com/appedme/sketchflow-sub001/internal/session"
	"github.com/appedme/sketchflow-sub001/internal/syncer"
	"github.com/appedme/sketchflow-sub001/internal/workspace"
	"github.com/appedme/sketchflow-sub001/pkg/models"
)

const envPrefix = "SKETCHFLOW_"

// Gateway backends.
const (
	BackendMemory   = "memory"
	BackendHTTP     = "http"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
)

var validate = validator.New()

// Config holds all sync engine configuration.
type Config struct {
	ProjectID string `yaml:"project_id" validate:"required"`

	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Local    LocalConfig    `yaml:"local"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Cache    CacheConfig    `yaml:"cache"`
	AutoSave AutoSaveConfig `yaml:"autosave"`
	Session  SessionConfig  `yaml:"session"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
	Output string `yaml:"output"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LocalConfig locates the local durable store. An empty path keeps it in
// memory.
type LocalConfig struct {
	Path string `yaml:"path"`
}

type GatewayConfig struct {
	Backend  string         `yaml:"backend" validate:"oneof=memory http postgres s3"`
	HTTP     HTTPConfig     `yaml:"http"`
	Postgres PostgresConfig `yaml:"postgres"`
	S3       s3gw.Config    `yaml:"s3"`

	Breaker        gateway.BreakerConfig `yaml:"breaker"`
	BreakerEnabled bool                  `yaml:"breaker_enabled"`
}

type HTTPConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout" validate:"min=0"`
	AuthToken string        `yaml:"auth_token"`
	Follow    bool          `yaml:"follow"`
}

type PostgresConfig struct {
	URL string `yaml:"url"`
}

type CacheConfig struct {
	MaxEntries    int           `yaml:"max_entries" validate:"min=1"`
	EvictBatch    int           `yaml:"evict_batch" validate:"min=1,ltefield=MaxEntries"`
	HotTTL        time.Duration `yaml:"hot_ttl" validate:"min=0"`
	WorkspaceTTL  time.Duration `yaml:"workspace_ttl" validate:"min=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"min=0"`
}

type AutoSaveConfig struct {
	Document          autosave.Policy `yaml:"document"`
	Canvas            autosave.Policy `yaml:"canvas"`
	Retries           int             `yaml:"retries" validate:"min=0,max=10"`
	Backoff           time.Duration   `yaml:"backoff" validate:"min=0"`
	FailureRetryDelay time.Duration   `yaml:"failure_retry_delay" validate:"min=0"`
}

type SessionConfig struct {
	UnmountGrace    time.Duration `yaml:"unmount_grace" validate:"min=0"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout" validate:"min=0"`
	PersistDelay    time.Duration `yaml:"persist_delay" validate:"min=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	policies := autosave.DefaultPolicies()
	return &Config{
		ProjectID: "default",
		Log:       LogConfig{Level: "info", Format: "json", Output: "stderr"},
		Gateway: GatewayConfig{
			Backend: BackendMemory,
			HTTP:    HTTPConfig{BaseURL: "http://localhost:8080", Timeout: 30 * time.Second},
			S3:      s3gw.Config{Bucket: "sketchflow", Region: "us-east-1"},
			Breaker: gateway.DefaultBreakerConfig("gateway"),
		},
		Cache: CacheConfig{
			MaxEntries:    cache.DefaultMaxEntries,
			EvictBatch:    cache.DefaultEvictBatch,
			HotTTL:        cache.DefaultTTL,
			WorkspaceTTL:  30 * time.Minute,
			SweepInterval: cache.DefaultSweepInterval,
		},
		AutoSave: AutoSaveConfig{
			Document:          policies[models.KindDocument],
			Canvas:            policies[models.KindCanvas],
			Retries:           syncer.DefaultRetries,
			Backoff:           syncer.DefaultBackoff,
			FailureRetryDelay: autosave.DefaultFailureRetryDelay,
		},
		Session: SessionConfig{
			UnmountGrace:    session.DefaultGrace,
			TeardownTimeout: 10 * time.Second,
			PersistDelay:    session.DefaultDirtyPersistDelay,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ProjectID = envOr("PROJECT_ID", c.ProjectID)
	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("LOG_FORMAT", c.Log.Format)
	c.Metrics.Addr = envOr("METRICS_ADDR", c.Metrics.Addr)
	c.Local.Path = envOr("LOCAL_PATH", c.Local.Path)

	c.Gateway.Backend = envOr("GATEWAY", c.Gateway.Backend)
	c.Gateway.HTTP.BaseURL = envOr("SERVER_URL", c.Gateway.HTTP.BaseURL)
	c.Gateway.HTTP.AuthToken = envOr("AUTH_TOKEN", c.Gateway.HTTP.AuthToken)
	c.Gateway.Postgres.URL = envOr("DATABASE_URL", c.Gateway.Postgres.URL)
	c.Gateway.S3.Endpoint = envOr("S3_ENDPOINT", c.Gateway.S3.Endpoint)
	c.Gateway.S3.Bucket = envOr("S3_BUCKET", c.Gateway.S3.Bucket)
	c.Gateway.S3.Region = envOr("S3_REGION", c.Gateway.S3.Region)
	c.Gateway.S3.AccessKey = envOr("S3_ACCESS_KEY", c.Gateway.S3.AccessKey)
	c.Gateway.S3.SecretKey = envOr("S3_SECRET_KEY", c.Gateway.S3.SecretKey)
	c.Gateway.BreakerEnabled = envBool("BREAKER", c.Gateway.BreakerEnabled)

	c.Cache.MaxEntries = envInt("CACHE_ENTRIES", c.Cache.MaxEntries)
	c.Cache.EvictBatch = envInt("CACHE_EVICT_BATCH", c.Cache.EvictBatch)
	c.Cache.HotTTL = envDuration("CACHE_TTL", c.Cache.HotTTL)

	c.AutoSave.Document.Debounce = envDuration("DOCUMENT_DEBOUNCE", c.AutoSave.Document.Debounce)
	c.AutoSave.Canvas.Debounce = envDuration("CANVAS_DEBOUNCE", c.AutoSave.Canvas.Debounce)
	c.AutoSave.Retries = envInt("SAVE_RETRIES", c.AutoSave.Retries)
	c.AutoSave.Backoff = envDuration("SAVE_BACKOFF", c.AutoSave.Backoff)

	c.Session.UnmountGrace = envDuration("UNMOUNT_GRACE", c.Session.UnmountGrace)
}

// Validate checks field constraints and backend requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	switch c.Gateway.Backend {
	case BackendHTTP:
		if c.Gateway.HTTP.BaseURL == "" {
			return errors.New("gateway.http.base_url is required for the http backend")
		}
	case BackendPostgres:
		if c.Gateway.Postgres.URL == "" {
			return errors.New("gateway.postgres.url is required for the postgres backend")
		}
	case BackendS3:
		if c.Gateway.S3.Bucket == "" {
			return errors.New("gateway.s3.bucket is required for the s3 backend")
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		if e.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, e.Tag(), e.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, e.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Policies returns the auto-save policy per entity kind.
func (c *Config) Policies() map[models.EntityKind]autosave.Policy {
	return map[models.EntityKind]autosave.Policy{
		models.KindDocument: c.AutoSave.Document,
		models.KindCanvas:   c.AutoSave.Canvas,
	}
}

// Workspace returns the workspace tunables.
func (c *Config) Workspace() workspace.Config {
	retries := c.AutoSave.Retries
	if retries == 0 {
		retries = -1 // zero configured retries means none
	}
	return workspace.Config{
		ProjectID:         c.ProjectID,
		CacheEntries:      c.Cache.MaxEntries,
		EvictBatch:        c.Cache.EvictBatch,
		HotTTL:            c.Cache.HotTTL,
		WorkspaceTTL:      c.Cache.WorkspaceTTL,
		SweepInterval:     c.Cache.SweepInterval,
		Policies:          c.Policies(),
		Retries:           retries,
		Backoff:           c.AutoSave.Backoff,
		FailureRetryDelay: c.AutoSave.FailureRetryDelay,
		UnmountGrace:      c.Session.UnmountGrace,
		TeardownTimeout:   c.Session.TeardownTimeout,

		SessionPersistDelay: c.Session.PersistDelay,
	}
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format, OutputPath: c.Log.Output}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/cron"
	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/runner"
	"github.com/goliatone/go-orchestrator/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ORCH_"

const ErrCodeInvalidConfig = "ORCH_INVALID_CONFIG"

var ErrInvalidConfig = apperrors.New("invalid configuration", apperrors.CategoryValidation).
	WithTextCode(ErrCodeInvalidConfig)

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Config holds engine configuration
type Config struct {
	Database    store.Config      `yaml:"database" json:"database"`
	Worker      WorkerConfig      `yaml:"worker" json:"worker"`
	Retry       RetryConfig       `yaml:"retry" json:"retry"`
	Execution   ExecutionConfig   `yaml:"execution" json:"execution"`
	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
	Logging     logging.Config    `yaml:"logging" json:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Definitions DefinitionsConfig `yaml:"definitions" json:"definitions"`
}

// WorkerConfig holds claim loop settings
type WorkerConfig struct {
	ID           string        `yaml:"id" json:"id" validate:"required"`
	Concurrency  int           `yaml:"concurrency" json:"concurrency" validate:"min=1,max=256"`
	BatchSize    int           `yaml:"batch_size" json:"batch_size" validate:"min=1,max=1000"`
	Lease        time.Duration `yaml:"lease" json:"lease" validate:"gt=0"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" validate:"gt=0"`
}

// RetryConfig overrides the engine wide retry matrix and backoff curve
type RetryConfig struct {
	Rules   map[orchestrator.ErrorClass]orchestrator.RetryRule `yaml:"rules" json:"rules"`
	Backoff BackoffConfig                                      `yaml:"backoff" json:"backoff"`
}

// BackoffConfig maps onto runner.ExponentialBackoffStrategy
type BackoffConfig struct {
	Factor float64       `yaml:"factor" json:"factor" validate:"gte=1"`
	Max    time.Duration `yaml:"max" json:"max" validate:"min=0"`
	Jitter float64       `yaml:"jitter" json:"jitter" validate:"gte=0,lte=1"`
}

// ExecutionConfig holds per attempt engine settings
type ExecutionConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout" validate:"gt=0"`
	DeferDelay     time.Duration `yaml:"defer_delay" json:"defer_delay" validate:"gt=0"`
	LeaseGrace     time.Duration `yaml:"lease_grace" json:"lease_grace" validate:"gt=0"`
	ReapLimit      int           `yaml:"reap_limit" json:"reap_limit" validate:"min=1"`
}

// MaintenanceConfig schedules lease reaping. CronParser is one of default,
// standard or seconds.
type MaintenanceConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	ReapExpression string        `yaml:"reap_expression" json:"reap_expression"`
	ReapTimeout    time.Duration `yaml:"reap_timeout" json:"reap_timeout" validate:"min=0"`
	CronParser     string        `yaml:"cron_parser" json:"cron_parser" validate:"omitempty,oneof=default standard seconds"`
	StartupReap    bool          `yaml:"startup_reap" json:"startup_reap"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Addr      string `yaml:"addr" json:"addr" validate:"required_if=Enabled true"`
	Path      string `yaml:"path" json:"path" validate:"omitempty,startswith=/"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// DefinitionsConfig lists where definition documents are loaded from
type DefinitionsConfig struct {
	Dir   string   `yaml:"dir" json:"dir"`
	Files []string `yaml:"files" json:"files"`
}

// Default returns a configuration that runs everything in process.
func Default() *Config {
	backoff := runner.DefaultBackoff()
	return &Config{
		Database: store.DefaultConfig(),
		Worker: WorkerConfig{
			ID:           defaultWorkerID(),
			Concurrency:  4,
			BatchSize:    10,
			Lease:        30 * time.Second,
			PollInterval: 500 * time.Millisecond,
		},
		Retry: RetryConfig{
			Backoff: BackoffConfig{Factor: backoff.Factor, Max: backoff.Max, Jitter: backoff.Jitter},
		},
		Execution: ExecutionConfig{
			DefaultTimeout: 30 * time.Second,
			DeferDelay:     2 * time.Second,
			LeaseGrace:     5 * time.Second,
			ReapLimit:      100,
		},
		Maintenance: MaintenanceConfig{
			Enabled:        true,
			ReapExpression: cron.DefaultReapExpression,
			ReapTimeout:    10 * time.Second,
			CronParser:     "default",
			StartupReap:    true,
		},
		Logging: logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Addr:      ":9464",
			Path:      "/metrics",
			Namespace: "orchestrator",
		},
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "orchestrator-worker-1"
	}
	return "orchestrator-" + host
}

// Load reads path over the defaults, applies ORCH_* environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := cfg.Decode(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode layers a YAML (or JSON) document over cfg.
func (c *Config) Decode(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return orchestrator.NewError(ErrInvalidConfig, "decode config: "+err.Error(), err, nil)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables resolved by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := envReader{lookup: lookup}

	env.str("DB_DRIVER", &c.Database.Driver)
	env.str("DB_DSN", &c.Database.DSN)
	env.str("DB_TABLE_PREFIX", &c.Database.TablePrefix)
	env.integer("DB_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	env.integer("DB_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	env.boolean("DB_AUTO_MIGRATE", &c.Database.AutoMigrate)

	env.str("WORKER_ID", &c.Worker.ID)
	env.integer("WORKER_CONCURRENCY", &c.Worker.Concurrency)
	env.integer("WORKER_BATCH_SIZE", &c.Worker.BatchSize)
	env.duration("WORKER_LEASE", &c.Worker.Lease)
	env.duration("WORKER_POLL_INTERVAL", &c.Worker.PollInterval)

	env.float("RETRY_BACKOFF_FACTOR", &c.Retry.Backoff.Factor)
	env.duration("RETRY_BACKOFF_MAX", &c.Retry.Backoff.Max)
	env.float("RETRY_BACKOFF_JITTER", &c.Retry.Backoff.Jitter)

	env.duration("EXECUTION_DEFAULT_TIMEOUT", &c.Execution.DefaultTimeout)
	env.duration("EXECUTION_DEFER_DELAY", &c.Execution.DeferDelay)
	env.duration("EXECUTION_LEASE_GRACE", &c.Execution.LeaseGrace)
	env.integer("EXECUTION_REAP_LIMIT", &c.Execution.ReapLimit)

	env.boolean("MAINTENANCE_ENABLED", &c.Maintenance.Enabled)
	env.str("MAINTENANCE_REAP_EXPRESSION", &c.Maintenance.ReapExpression)
	env.duration("MAINTENANCE_REAP_TIMEOUT", &c.Maintenance.ReapTimeout)
	env.str("MAINTENANCE_CRON_PARSER", &c.Maintenance.CronParser)
	env.boolean("MAINTENANCE_STARTUP_REAP", &c.Maintenance.StartupReap)

	env.str("LOG_LEVEL", &c.Logging.Level)
	env.str("LOG_FORMAT", &c.Logging.Format)
	env.str("LOG_OUTPUT", &c.Logging.Output)

	env.boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	env.str("METRICS_ADDR", &c.Metrics.Addr)
	env.str("METRICS_PATH", &c.Metrics.Path)
	env.str("METRICS_NAMESPACE", &c.Metrics.Namespace)

	env.str("DEFINITIONS_DIR", &c.Definitions.Dir)
	env.list("DEFINITIONS_FILES", &c.Definitions.Files)

	if len(env.problems) > 0 {
		return orchestrator.NewError(ErrInvalidConfig, strings.Join(env.problems, "; "), nil,
			map[string]any{"problems": env.problems})
	}
	return nil
}

// Validate checks struct tags and the cross field rules tags cannot express.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return orchestrator.NewError(ErrInvalidConfig, describeValidation(err), err, nil)
	}

	var problems []string
	if !strings.EqualFold(c.Database.Driver, "memory") && strings.TrimSpace(c.Database.DSN) == "" {
		problems = append(problems, fmt.Sprintf("database driver %q requires a dsn", c.Database.Driver))
	}
	if c.Maintenance.Enabled && c.Maintenance.ReapExpression != "" {
		if _, err := cron.ParseParser(c.Maintenance.CronParser).Parse(c.Maintenance.ReapExpression); err != nil {
			problems = append(problems, fmt.Sprintf("maintenance reap_expression: %v", err))
		}
	}
	classes := make([]string, 0, len(c.Retry.Rules))
	for class := range c.Retry.Rules {
		classes = append(classes, string(class))
	}
	sort.Strings(classes)
	for _, name := range classes {
		class := orchestrator.ErrorClass(name)
		rule := c.Retry.Rules[class]
		if !class.Valid() {
			problems = append(problems, fmt.Sprintf("retry rule for unknown error class %q", name))
			continue
		}
		if rule.MaxAttempts < 0 || rule.BaseBackoff < 0 {
			problems = append(problems, fmt.Sprintf("retry rule for %s must not be negative", name))
		}
	}

	if len(problems) > 0 {
		return orchestrator.NewError(ErrInvalidConfig, strings.Join(problems, "; "), nil,
			map[string]any{"problems": problems})
	}
	return nil
}

// RetryPolicy builds the engine wide matrix: defaults with the configured
// rules layered on top.
func (c *Config) RetryPolicy() runner.RetryPolicy {
	backoff := runner.ExponentialBackoffStrategy{
		Factor: c.Retry.Backoff.Factor,
		Max:    c.Retry.Backoff.Max,
		Jitter: c.Retry.Backoff.Jitter,
	}
	return runner.NewRetryPolicy(nil, backoff).WithOverrides(c.Retry.Rules)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

type envReader struct {
	lookup   func(string) (string, bool)
	problems []string
}

func (r *envReader) get(key string) (string, bool) {
	value, ok := r.lookup(EnvPrefix + key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (r *envReader) str(key string, dst *string) {
	if value, ok := r.get(key); ok {
		*dst = value
	}
}

func (r *envReader) list(key string, dst *[]string) {
	value, ok := r.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (r *envReader) integer(key string, dst *int) {
	value, ok := r.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s%s: invalid integer %q", EnvPrefix, key, value))
		return
	}
	*dst = n
}

func (r *envReader) float(key string, dst *float64) {
	value, ok := r.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s%s: invalid number %q", EnvPrefix, key, value))
		return
	}
	*dst = f
}

func (r *envReader) boolean(key string, dst *bool) {
	value, ok := r.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s%s: invalid boolean %q", EnvPrefix, key, value))
		return
	}
	*dst = b
}

func (r *envReader) duration(key string, dst *time.Duration) {
	value, ok := r.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s%s: invalid duration %q", EnvPrefix, key, value))
		return
	}
	*dst = d
}

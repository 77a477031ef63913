package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Models      ModelsConfig      `yaml:"models"`
	Engine      EngineConfig      `yaml:"engine"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Skills      SkillsConfig      `yaml:"skills"`
	Tools       ToolsConfig       `yaml:"tools"`
	PostMortem  PostMortemConfig  `yaml:"postmortem"`
	State       StateConfig       `yaml:"state"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Access      AccessConfig      `yaml:"access"`
}

// AccessConfig restricts skill runs per context. A context missing from
// Contexts is open to every user.
type AccessConfig struct {
	Contexts map[string][]string `yaml:"contexts"`
	CacheTTL time.Duration       `yaml:"cache_ttl"`
}

type ModelsConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	// Primary and Fallbacks are "provider/model" references.
	Primary   string   `yaml:"primary"`
	Fallbacks []string `yaml:"fallbacks"`
	// Planner, Supervisor and Skill override the model used for those
	// roles. A skill's own model still wins over Skill.
	Planner    string `yaml:"planner"`
	Supervisor string `yaml:"supervisor"`
	Skill      string `yaml:"skill"`
	// Cooldown benches a model after a retryable failure. Zero disables it.
	Cooldown    time.Duration `yaml:"cooldown"`
	MaxCooldown time.Duration `yaml:"max_cooldown"`
}

type ProviderConfig struct {
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	API     string            `yaml:"api"`
	Timeout time.Duration     `yaml:"timeout"`
	Models  []ModelDefinition `yaml:"models"`
}

type ModelDefinition struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Reasoning     bool     `yaml:"reasoning"`
	InputTypes    []string `yaml:"input"`
	ContextWindow int      `yaml:"context_window"`
	MaxTokens     int      `yaml:"max_tokens"`
}

type EngineConfig struct {
	MaxReplans          int           `yaml:"max_replans"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	ToolTimeout         time.Duration `yaml:"tool_timeout"`
	MaxHistory          int           `yaml:"max_history"`
	SkillToolCallLimit  int           `yaml:"skill_tool_call_limit"`
	PlannerMaxAttempts  int           `yaml:"planner_max_attempts"`
	MaxBatchConcurrency int           `yaml:"max_batch_concurrency"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	// Rules are extra safety rules appended to the built-in ones.
	Rules []string `yaml:"rules"`
}

type SupervisorConfig struct {
	AutoReplan []AutoReplanPattern `yaml:"auto_replan"`
}

type AutoReplanPattern struct {
	Category string   `yaml:"category"`
	Patterns []string `yaml:"patterns"`
	Reason   string   `yaml:"reason"`
}

type SkillsConfig struct {
	Dir string `yaml:"dir"`
}

type ToolsConfig struct {
	FetchURL  bool            `yaml:"fetch_url"`
	StripHTML bool            `yaml:"strip_html"`
	Lua       []LuaToolConfig `yaml:"lua"`
}

type LuaToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Script      string         `yaml:"script"`
	Parameters  map[string]any `yaml:"parameters"`
}

const (
	WeightStoreSQLite = "sqlite"
	WeightStoreRedis  = "redis"
	WeightStoreMemory = "memory"
)

type PostMortemConfig struct {
	Enabled        *bool         `yaml:"enabled"`
	Threshold      float64       `yaml:"threshold"`
	MaxSignals     int           `yaml:"max_signals"`
	Timeout        time.Duration `yaml:"timeout"`
	Store          string        `yaml:"store"`
	RedisURL       string        `yaml:"redis_url"`
	RedisKeyPrefix string        `yaml:"redis_key_prefix"`
}

// On reports whether post-mortem scoring runs. It defaults to on.
func (p PostMortemConfig) On() bool { return p.Enabled == nil || *p.Enabled }

type StateConfig struct {
	// DataDir holds state.db. Empty keeps state in memory.
	DataDir string `yaml:"data_dir"`
	// FileDir keeps in-memory state as YAML files when DataDir is empty.
	FileDir     string `yaml:"file_dir"`
	MaxIdleDays int    `yaml:"max_idle_days"`
	// PendingTTL bounds how long an unanswered HITL question survives.
	PendingTTL time.Duration `yaml:"pending_ttl"`
}

type MaintenanceConfig struct {
	PruneSchedule  string `yaml:"prune_schedule"`
	ExpireSchedule string `yaml:"expire_schedule"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Addr      string `yaml:"addr"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func expandEnvInConfig(cfg *Config) {
	for name, p := range cfg.Models.Providers {
		p.BaseURL = expandEnv(p.BaseURL)
		p.APIKey = expandEnv(p.APIKey)
		cfg.Models.Providers[name] = p
	}
	cfg.PostMortem.RedisURL = expandEnv(cfg.PostMortem.RedisURL)
	cfg.State.DataDir = expandEnv(cfg.State.DataDir)
	cfg.State.FileDir = expandEnv(cfg.State.FileDir)
	cfg.Skills.Dir = expandEnv(cfg.Skills.Dir)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes data, expands ${VAR} references, fills defaults and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandEnvInConfig(&cfg)
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	e := &c.Engine
	if e.MaxReplans == 0 {
		e.MaxReplans = 3
	}
	if e.RequestTimeout == 0 {
		e.RequestTimeout = 120 * time.Second
	}
	if e.ToolTimeout == 0 {
		e.ToolTimeout = 30 * time.Second
	}
	if e.MaxHistory == 0 {
		e.MaxHistory = 50
	}
	if e.SkillToolCallLimit == 0 {
		e.SkillToolCallLimit = 3
	}
	if e.PlannerMaxAttempts == 0 {
		e.PlannerMaxAttempts = 3
	}
	if e.MaxBatchConcurrency == 0 {
		e.MaxBatchConcurrency = 4
	}
	if e.BackoffBase == 0 {
		e.BackoffBase = 500 * time.Millisecond
	}

	p := &c.PostMortem
	if p.Threshold == 0 {
		p.Threshold = 3.0
	}
	if p.MaxSignals == 0 {
		p.MaxSignals = 50
	}
	if p.Timeout == 0 {
		p.Timeout = 2 * time.Minute
	}
	if p.Store == "" {
		p.Store = WeightStoreSQLite
		if c.State.DataDir == "" {
			p.Store = WeightStoreMemory
		}
	}

	if c.State.MaxIdleDays == 0 {
		c.State.MaxIdleDays = 30
	}
	if c.State.PendingTTL == 0 {
		c.State.PendingTTL = 24 * time.Hour
	}
	if c.Maintenance.PruneSchedule == "" {
		c.Maintenance.PruneSchedule = "@daily"
	}
	if c.Maintenance.ExpireSchedule == "" {
		c.Maintenance.ExpireSchedule = "@hourly"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "stepflow"
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Models.Primary == "" {
		errs = append(errs, errors.New("models.primary is required"))
	}
	for name, p := range c.Models.Providers {
		switch p.API {
		case "", "openai-completions", "anthropic-messages":
		default:
			errs = append(errs, fmt.Errorf("models.providers.%s: unknown api %q", name, p.API))
		}
	}
	if c.Engine.MaxReplans < 0 {
		errs = append(errs, errors.New("engine.max_replans must not be negative"))
	}
	if c.Engine.MaxHistory < 1 {
		errs = append(errs, errors.New("engine.max_history must be positive"))
	}
	switch c.PostMortem.Store {
	case WeightStoreMemory:
	case WeightStoreSQLite:
		if c.State.DataDir == "" {
			errs = append(errs, errors.New("postmortem.store sqlite requires state.data_dir"))
		}
	case WeightStoreRedis:
		if c.PostMortem.RedisURL == "" {
			errs = append(errs, errors.New("postmortem.store redis requires postmortem.redis_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("postmortem.store: unknown store %q", c.PostMortem.Store))
	}
	for i, t := range c.Tools.Lua {
		if t.Name == "" || t.Script == "" {
			errs = append(errs, fmt.Errorf("tools.lua[%d]: name and script are required", i))
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Package app assembles a running engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/opentalon/stepflow/internal/config"
	"github.com/opentalon/stepflow/internal/maintenance"
	"github.com/opentalon/stepflow/internal/metrics"
	"github.com/opentalon/stepflow/internal/orchestrator"
	"github.com/opentalon/stepflow/internal/planner"
	"github.com/opentalon/stepflow/internal/postmortem"
	"github.com/opentalon/stepflow/internal/provider"
	"github.com/opentalon/stepflow/internal/sandbox"
	"github.com/opentalon/stepflow/internal/skill"
	"github.com/opentalon/stepflow/internal/state"
	"github.com/opentalon/stepflow/internal/state/store"
	"github.com/opentalon/stepflow/internal/supervisor"
	"github.com/opentalon/stepflow/internal/tool"
)

type conversationStore interface {
	orchestrator.Conversations
	maintenance.Store
}

type memoryStore interface {
	orchestrator.Memories
	postmortem.NoteWriter
}

type App struct {
	Orchestrator *orchestrator.Orchestrator
	// Registry holds the engine metrics; nil when metrics are off.
	Registry *prometheus.Registry

	postmortem  *postmortem.Service
	maintenance *maintenance.Scheduler
	closers     []func() error
	logger      *slog.Logger
}

// New wires every component cfg describes. Nothing runs in the background
// until Start.
func New(cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var m *metrics.Engine
	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		if m, err = metrics.New(cfg.Metrics.Namespace, a.Registry); err != nil {
			return nil, err
		}
	}

	llm, err := buildLLM(cfg.Models, logger)
	if err != nil {
		return nil, err
	}

	var db *store.DB
	if cfg.State.DataDir != "" {
		if db, err = store.Open(cfg.State.DataDir); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
	}
	var (
		convs conversationStore
		mems  memoryStore
	)
	if db != nil {
		convs, mems = store.NewConversationStore(db), store.NewMemoryStore(db)
	} else if convs, mems, err = a.fileState(cfg.State.FileDir); err != nil {
		return nil, err
	}

	tools, err := buildTools(cfg, m, logger)
	if err != nil {
		return nil, err
	}
	skills, err := loadSkills(cfg.Skills.Dir, logger)
	if err != nil {
		return nil, err
	}

	sandboxOpts := []sandbox.Option{
		sandbox.WithToolCallLimit(cfg.Engine.SkillToolCallLimit),
		sandbox.WithLogger(logger),
		sandbox.WithDefaultModel(cfg.Models.Skill),
	}
	if len(cfg.Access.Contexts) > 0 {
		sandboxOpts = append(sandboxOpts,
			sandbox.WithOwnership(sandbox.NewOwnershipCache(contextAccess(cfg.Access.Contexts), cfg.Access.CacheTTL)))
	}
	supervisorOpts := []supervisor.Option{
		supervisor.WithModel(cfg.Models.Supervisor),
		supervisor.WithLogger(logger),
	}
	if len(cfg.Supervisor.AutoReplan) > 0 {
		supervisorOpts = append(supervisorOpts, supervisor.WithPatterns(patterns(cfg.Supervisor.AutoReplan)))
	}
	deps := orchestrator.Deps{
		LLM: llm,
		Planner: planner.New(llm,
			planner.WithModel(cfg.Models.Planner),
			planner.WithMaxAttempts(cfg.Engine.PlannerMaxAttempts),
			planner.WithLogger(logger)),
		Supervisor:    supervisor.New(llm, supervisorOpts...),
		Tools:         tools,
		Skills:        skills,
		Conversations: convs,
		Memories:      mems,
		Logger:        logger,
	}
	if m != nil {
		sandboxOpts = append(sandboxOpts, sandbox.WithObserver(m))
		deps.Observer = m
	}
	deps.Sandbox = sandbox.New(skills, tools, llm, sandboxOpts...)

	if cfg.PostMortem.On() {
		weights, err := a.weightStore(cfg.PostMortem, db)
		if err != nil {
			return nil, err
		}
		pmOpts := []postmortem.Option{
			postmortem.WithThreshold(cfg.PostMortem.Threshold),
			postmortem.WithMaxSignals(cfg.PostMortem.MaxSignals),
			postmortem.WithTimeout(cfg.PostMortem.Timeout),
			postmortem.WithLogger(logger),
		}
		if m != nil {
			pmOpts = append(pmOpts, postmortem.WithObserver(m))
		}
		a.postmortem = postmortem.New(weights, postmortem.NewLLMAnalyzer(llm, cfg.Models.Supervisor, mems), pmOpts...)
		deps.PostMortem = a.postmortem
	}

	a.maintenance, err = maintenance.New(convs, maintenance.Config{
		PruneSchedule:  cfg.Maintenance.PruneSchedule,
		ExpireSchedule: cfg.Maintenance.ExpireSchedule,
		MaxIdle:        time.Duration(cfg.State.MaxIdleDays) * 24 * time.Hour,
		PendingTTL:     cfg.State.PendingTTL,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.Orchestrator, err = orchestrator.New(deps, orchestrator.Config{
		MaxReplans:          cfg.Engine.MaxReplans,
		RequestTimeout:      cfg.Engine.RequestTimeout,
		BackoffBase:         cfg.Engine.BackoffBase,
		MaxHistory:          cfg.Engine.MaxHistory,
		MaxBatchConcurrency: cfg.Engine.MaxBatchConcurrency,
		Rules:               cfg.Engine.Rules,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("engine ready",
		"providers", len(cfg.Models.Providers),
		"tools", len(tools.Registry().Names()),
		"skills", len(skills.List()),
		"persistent", db != nil,
		"postmortem", a.postmortem != nil,
	)
	return a, nil
}

// contextAccess allows the listed users into each listed context and
// anyone into the rest.
func contextAccess(contexts map[string][]string) sandbox.OwnershipFunc {
	return func(_ context.Context, contextID, userID string) (bool, error) {
		users, ok := contexts[contextID]
		return !ok || slices.Contains(users, userID), nil
	}
}

// fileState builds the in-memory stores, backed by YAML files under dir
// when it is set. Memories are written back on shutdown.
func (a *App) fileState(dir string) (conversationStore, memoryStore, error) {
	if dir == "" {
		return state.NewConversationStore(""), state.NewMemoryStore(""), nil
	}
	mems := state.NewMemoryStore(dir)
	if err := mems.Load(); err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, mems.Save)
	return state.NewConversationStore(filepath.Join(dir, "conversations")), mems, nil
}

func buildLLM(cfg config.ModelsConfig, logger *slog.Logger) (*provider.Fallback, error) {
	reg := provider.NewRegistry()
	for id, pc := range cfg.Providers {
		models := make([]provider.ModelInfo, 0, len(pc.Models))
		for _, md := range pc.Models {
			models = append(models, provider.ModelInfo{
				ID:            md.ID,
				Name:          md.Name,
				ProviderID:    id,
				Reasoning:     md.Reasoning,
				InputTypes:    md.InputTypes,
				ContextWindow: md.ContextWindow,
				MaxTokens:     md.MaxTokens,
			})
		}
		p, err := provider.FromConfig(provider.ProviderConfig{
			ID:      id,
			BaseURL: pc.BaseURL,
			APIKey:  pc.APIKey,
			API:     pc.API,
			Timeout: pc.Timeout,
			Models:  models,
		})
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	primary, err := provider.ParseModelRef(cfg.Primary)
	if err != nil {
		return nil, fmt.Errorf("models.primary: %w", err)
	}
	fallbacks, err := provider.ParseModelRefs(cfg.Fallbacks)
	if err != nil {
		return nil, fmt.Errorf("models.fallbacks: %w", err)
	}
	for _, ref := range append([]provider.ModelRef{primary}, fallbacks...) {
		if _, err := reg.Resolve(ref); err != nil {
			return nil, fmt.Errorf("models: %w", err)
		}
	}
	llm := provider.NewFallback(reg, primary, fallbacks, logger)
	if cfg.Cooldown > 0 {
		llm.WithCooldown(provider.CooldownConfig{Initial: cfg.Cooldown, Max: cfg.MaxCooldown})
	}
	return llm, nil
}

func buildTools(cfg *config.Config, m *metrics.Engine, logger *slog.Logger) (*tool.Runner, error) {
	reg := tool.NewRegistry()
	if cfg.Tools.FetchURL {
		if err := reg.Register(tool.NewFetchURL(nil)); err != nil {
			return nil, err
		}
	}
	for _, lc := range cfg.Tools.Lua {
		t, err := tool.NewLuaTool(lc.Name, lc.Description, lc.Script, lc.Parameters)
		if err != nil {
			return nil, fmt.Errorf("lua tool %s: %w", lc.Name, err)
		}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}

	guard := tool.NewGuard()
	guard.Timeout = cfg.Engine.ToolTimeout
	guard.StripHTML = cfg.Tools.StripHTML
	opts := []tool.RunnerOption{tool.WithGuard(guard), tool.WithLogger(logger)}
	if m != nil {
		opts = append(opts, tool.WithObserver(m))
	}
	return tool.NewRunner(reg, opts...), nil
}

func loadSkills(dir string, logger *slog.Logger) (*skill.Registry, error) {
	reg := skill.NewRegistry()
	if dir == "" {
		return reg, nil
	}
	list, err := skill.LoadAll(dir)
	if err != nil {
		return nil, err
	}
	for _, s := range list {
		if err := reg.Register(s); err != nil {
			return nil, err
		}
		logger.Debug("skill loaded", "skill", s.Name, "tools", strings.Join(s.Tools, ","))
	}
	return reg, nil
}

func patterns(in []config.AutoReplanPattern) []supervisor.Pattern {
	out := make([]supervisor.Pattern, 0, len(in))
	for _, p := range in {
		out = append(out, supervisor.Pattern{Category: p.Category, Patterns: p.Patterns, Reason: p.Reason})
	}
	return out
}

func (a *App) weightStore(cfg config.PostMortemConfig, db *store.DB) (postmortem.WeightStore, error) {
	switch cfg.Store {
	case config.WeightStoreRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("postmortem.redis_url: %w", err)
		}
		client := redis.NewClient(opt)
		a.closers = append(a.closers, client.Close)
		return postmortem.NewRedisWeightStore(client, cfg.RedisKeyPrefix), nil
	case config.WeightStoreSQLite:
		if db == nil {
			return nil, errors.New("postmortem.store sqlite needs state.data_dir")
		}
		return store.NewWeightStore(db), nil
	default:
		return postmortem.NewMemoryWeightStore(), nil
	}
}

// Start launches the maintenance jobs.
func (a *App) Start() {
	a.maintenance.Start()
}

// Shutdown drains background work, then releases stores. It returns the
// first error but always closes everything.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.postmortem != nil {
		done := make(chan struct{})
		go func() {
			a.postmortem.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("postmortem shutdown: %w", ctx.Err()))
		}
	}
	a.maintenance.Stop(ctx)
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

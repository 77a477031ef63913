// Package orchestrator runs one request end to end: it plans, executes the
// plan in dependency batches, reviews every step, replans on failure and
// finally answers, persisting the turn and streaming progress events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opentalon/stepflow/internal/actor"
	"github.com/opentalon/stepflow/internal/event"
	"github.com/opentalon/stepflow/internal/planner"
	"github.com/opentalon/stepflow/internal/postmortem"
	"github.com/opentalon/stepflow/internal/provider"
	"github.com/opentalon/stepflow/internal/sandbox"
	"github.com/opentalon/stepflow/internal/skill"
	"github.com/opentalon/stepflow/internal/state"
	"github.com/opentalon/stepflow/internal/supervisor"
	"github.com/opentalon/stepflow/internal/tool"
)

const (
	DefaultMaxReplans          = 3
	DefaultRequestTimeout      = 120 * time.Second
	DefaultBackoffBase         = 500 * time.Millisecond
	DefaultMaxBatchConcurrency = 4
	DefaultEventBuffer         = 64

	// GenericErrorMessage is all the caller sees of an unclassified failure.
	GenericErrorMessage = "An internal error occurred while processing your request."
	// AbortedMessage is shown when the supervisor gives up on a step. The
	// reviewer's reason is logged only.
	AbortedMessage = "Request aborted."

	memoryTaskTimeout = 30 * time.Second
)

var ErrRequestTimeout = errors.New("request timed out")

var tracer = otel.Tracer("github.com/opentalon/stepflow/internal/orchestrator")

// Conversations is the persistence collaborator for conversation state.
type Conversations interface {
	Open(ctx context.Context, ref state.Ref) (*state.Conversation, error)
	Commit(ctx context.Context, id string, c state.Commit) error
}

// Memories stores and recalls short notes scoped by the identity in ctx.
type Memories interface {
	Add(ctx context.Context, content string, tags ...string) (*state.Memory, error)
	Search(ctx context.Context, query string, limit int) ([]*state.Memory, error)
}

// PostMortem receives the step outcomes of every finished run.
type PostMortem interface {
	Submit(run postmortem.Run)
}

// Observer receives engine-level measurements.
type Observer interface {
	ObserveStepOutcome(action, outcome string)
	ObserveReplan()
	ObserveRequest(result string, d time.Duration)
}

// Deps are the collaborators an Orchestrator is built from. Memories,
// PostMortem and Observer are optional.
type Deps struct {
	LLM           provider.Client
	Planner       *planner.Planner
	Sandbox       *sandbox.Executor
	Supervisor    *supervisor.Supervisor
	Tools         *tool.Runner
	Skills        *skill.Registry
	Conversations Conversations
	Memories      Memories
	PostMortem    PostMortem
	Observer      Observer
	Logger        *slog.Logger
}

// Config tunes the control loop. Start from DefaultConfig: MaxReplans and
// BackoffBase may be zero, every other zero field takes its default.
type Config struct {
	MaxReplans          int
	RequestTimeout      time.Duration
	BackoffBase         time.Duration
	MaxHistory          int
	MaxBatchConcurrency int
	EventBuffer         int
	// Model is used for completion steps and answer synthesis.
	Model string
	Rules []string
}

func DefaultConfig() Config {
	return Config{
		MaxReplans:          DefaultMaxReplans,
		RequestTimeout:      DefaultRequestTimeout,
		BackoffBase:         DefaultBackoffBase,
		MaxHistory:          DefaultMaxHistory,
		MaxBatchConcurrency: DefaultMaxBatchConcurrency,
		EventBuffer:         DefaultEventBuffer,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.MaxReplans < 0 {
		c.MaxReplans = d.MaxReplans
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.BackoffBase < 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = d.MaxHistory
	}
	if c.MaxBatchConcurrency <= 0 {
		c.MaxBatchConcurrency = d.MaxBatchConcurrency
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
}

// Request is one user turn.
type Request struct {
	ConversationID string
	ContextID      string
	UserID         string
	Message        string
}

type Orchestrator struct {
	deps   Deps
	cfg    Config
	rules  *Rules
	// wait pauses before a replan.
	wait func(ctx context.Context, d time.Duration) error
	logger *slog.Logger

	bg sync.WaitGroup
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.LLM == nil:
		return nil, errors.New("orchestrator: LLM is required")
	case deps.Planner == nil:
		return nil, errors.New("orchestrator: planner is required")
	case deps.Sandbox == nil:
		return nil, errors.New("orchestrator: sandbox is required")
	case deps.Supervisor == nil:
		return nil, errors.New("orchestrator: supervisor is required")
	case deps.Tools == nil:
		return nil, errors.New("orchestrator: tool runner is required")
	case deps.Skills == nil:
		return nil, errors.New("orchestrator: skill registry is required")
	case deps.Conversations == nil:
		return nil, errors.New("orchestrator: conversation store is required")
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.fill()
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		rules:  NewRules(cfg.Rules),
		wait:   sleep,
		logger: logger.With("component", "orchestrator"),
	}, nil
}

// Run handles req on its own goroutine and streams its events. The channel
// is closed after the terminal event. The caller must drain it or cancel
// ctx.
func (o *Orchestrator) Run(ctx context.Context, req Request) <-chan event.Event {
	stream := event.NewStream(o.cfg.EventBuffer)
	go func() {
		defer stream.Close()
		o.handle(ctx, req, stream)
	}()
	return stream.Events()
}

// Handle runs req synchronously against sink.
func (o *Orchestrator) Handle(ctx context.Context, req Request, sink event.Sink) {
	o.handle(ctx, req, sink)
}

// Shutdown waits for background memory tasks until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) handle(ctx context.Context, req Request, sink event.Sink) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "stepflow.request", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("context.id", req.ContextID),
	))
	defer span.End()

	ctx = actor.WithIdentity(ctx, actor.Identity{ContextID: req.ContextID, UserID: req.UserID})
	reqCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	r := &request{
		o:       o,
		req:     req,
		sink:    sink,
		traceID: traceID(span),
		logger:  o.logger,
		caller:  ctx,
	}
	r.logger = o.logger.With("trace_id", r.traceID)

	result, err := r.guardedRun(reqCtx)
	if err == nil {
		o.deps.Observer.ObserveRequest(result, time.Since(started))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	switch {
	case ctx.Err() != nil:
		// The caller is gone; there is nobody to tell.
		r.logger.Info("request cancelled", "error", err)
		o.deps.Observer.ObserveRequest("cancelled", time.Since(started))
		return
	case reqCtx.Err() != nil:
		r.logger.Warn("request failed", "error", fmt.Errorf("%w after %s: %v", ErrRequestTimeout, o.cfg.RequestTimeout, err))
		o.deps.Observer.ObserveRequest("timeout", time.Since(started))
		_ = sink.Emit(ctx, event.Event{
			Type:     event.Error,
			Content:  fmt.Sprintf("Request timed out after %s.", o.cfg.RequestTimeout),
			Metadata: map[string]any{"trace_id": r.traceID},
		})
		return
	}

	o.deps.Observer.ObserveRequest("error", time.Since(started))
	msg := GenericErrorMessage
	var (
		abort  *abortError
		crash  *panicError
	)
	switch {
	case errors.As(err, &abort):
		msg = AbortedMessage
		r.logger.Warn("request aborted", "step_id", abort.stepID, "reason", abort.reason)
	case errors.Is(err, sandbox.ErrAccessDenied), errors.Is(err, state.ErrNotFound):
		msg = err.Error()
		r.logger.Warn("request failed", "error", err)
	case errors.As(err, &crash):
		r.logger.Error("request panicked", "panic", crash.value, "stack", string(crash.stack))
	default:
		r.logger.Error("request failed", "error", err)
	}
	_ = sink.Emit(ctx, event.Event{Type: event.Error, Content: msg, Metadata: map[string]any{"trace_id": r.traceID}})
}

// guardedRun is run with panics reported as errors, so the caller still
// gets its terminal event.
func (r *request) guardedRun(ctx context.Context) (result string, err error) {
	defer recovered(&err)
	return r.run(ctx)
}

// traceID reports the span's trace id when a real tracer is installed and
// a fresh uuid otherwise.
func traceID(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

// abortError ends a request on a step the supervisor gave up on.
type abortError struct {
	stepID string
	reason string
}

func (e *abortError) Error() string {
	return fmt.Sprintf("request aborted at step %s: %s", e.stepID, e.reason)
}

type nopObserver struct{}

func (nopObserver) ObserveStepOutcome(string, string)    {}
func (nopObserver) ObserveReplan()                       {}
func (nopObserver) ObserveRequest(string, time.Duration) {}

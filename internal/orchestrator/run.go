package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opentalon/stepflow/internal/event"
	"github.com/opentalon/stepflow/internal/plan"
	"github.com/opentalon/stepflow/internal/planner"
	"github.com/opentalon/stepflow/internal/postmortem"
	"github.com/opentalon/stepflow/internal/provider"
	"github.com/opentalon/stepflow/internal/sandbox"
	"github.com/opentalon/stepflow/internal/state"
	"github.com/opentalon/stepflow/internal/supervisor"
)

const (
	resultOK       = "ok"
	resultAwaiting = "awaiting_input"
)

// request is the state of one user turn between Open and Commit.
type request struct {
	o       *Orchestrator
	req     Request
	sink    event.Sink
	traceID string
	logger  *slog.Logger
	// caller is the request context without its deadline. Events that
	// follow a successful commit are sent on it.
	caller context.Context

	conv *state.Conversation
	// prior is the stored history ahead of this turn, capped.
	prior []provider.Message
	// history is what prompts see: the capped stored history plus
	// everything produced this turn.
	history []provider.Message
	// fresh is what gets committed.
	fresh []provider.Message
	// planRequest is the text the planner works on. It differs from the
	// user's message when a suspended step is resumed.
	planRequest string
	// done holds the steps of the current round that succeeded, in plan
	// order.
	done []stepRun

	records  []postmortem.StepRecord
	replans  int
	resumed  bool
	answered bool
	// failing is set when a step still failed after replans ran out.
	failing bool
}

// stepRun is one executed step and its verdict.
type stepRun struct {
	step      plan.Step
	result    *plan.StepResult
	review    supervisor.Review
	suspended *sandbox.Suspension
	// streamed is set when the step already emitted its answer as content.
	streamed bool
}

// round is how one plan execution ended.
type round struct {
	suspended *stepRun
	replan    bool
	feedback  string
}

func (r *request) run(ctx context.Context) (string, error) {
	conv, err := r.o.deps.Conversations.Open(ctx, state.Ref{
		ConversationID: r.req.ConversationID,
		ContextID:      r.req.ContextID,
		UserID:         r.req.UserID,
	})
	if err != nil {
		return "", fmt.Errorf("open conversation: %w", err)
	}
	r.conv = conv
	r.resumed = conv.Pending != nil
	defer r.submitPostMortem()

	if err := r.emit(ctx, event.TraceInfo, "", map[string]any{
		"trace_id":        r.traceID,
		"conversation_id": conv.ID,
		"resumed":         r.resumed,
	}); err != nil {
		return "", err
	}

	user := provider.Message{Role: provider.RoleUser, Content: r.req.Message}
	r.prior = CapHistory(conv.History, max(r.o.cfg.MaxHistory-1, 1))
	r.history = append(append([]provider.Message(nil), r.prior...), user)
	r.fresh = []provider.Message{user}
	r.planRequest = r.req.Message

	var feedback string
	if r.resumed {
		sr, err := r.resume(ctx)
		if err != nil {
			return "", err
		}
		if sr != nil {
			if sr.suspended != nil {
				return r.suspend(ctx, sr)
			}
			r.absorb(sr)
			switch sr.review.Outcome {
			case plan.OutcomeSuccess:
				r.done = append(r.done, *sr)
				return r.finalize(ctx)
			case plan.OutcomeAbort:
				return "", &abortError{stepID: sr.step.ID, reason: sr.review.Reason}
			}
			feedback = r.feedback(sr)
		}
	}

	for n := 0; ; n++ {
		if n > 0 {
			r.replans++
			r.o.deps.Observer.ObserveReplan()
			r.logger.Info("replanning", "replan", r.replans, "feedback", feedback)
			if err := r.backoff(ctx); err != nil {
				return "", err
			}
		}
		pl, err := r.plan(ctx, feedback, n)
		if err != nil {
			return "", err
		}
		r.done = nil
		rd, err := r.execute(ctx, pl)
		if err != nil {
			return "", err
		}
		if rd.suspended != nil {
			return r.suspend(ctx, rd.suspended)
		}
		if !rd.replan {
			return r.finalize(ctx)
		}
		feedback = rd.feedback
	}
}

// backoffDelay is BackoffBase doubled per replan already made: base,
// 2×base, 4×base...
func backoffDelay(base time.Duration, replan int) time.Duration {
	if base <= 0 || replan < 1 {
		return 0
	}
	return base << (replan - 1)
}

func (r *request) backoff(ctx context.Context) error {
	return r.o.wait(ctx, backoffDelay(r.o.cfg.BackoffBase, r.replans))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *request) plan(ctx context.Context, feedback string, n int) (*plan.Plan, error) {
	ctx, span := tracer.Start(ctx, "stepflow.plan", trace.WithAttributes(attribute.Int("plan.round", n)))
	defer span.End()

	in := planner.Input{
		Request:  r.planRequest,
		History:  r.history,
		Tools:    r.toolCapabilities(),
		Skills:   r.skillCapabilities(),
		Feedback: feedback,
	}
	var (
		pl     *plan.Plan
		genErr error
	)
	for ev := range r.o.deps.Planner.Generate(ctx, in) {
		switch {
		case ev.Err != nil:
			genErr = ev.Err
		case ev.Plan != nil:
			pl = ev.Plan
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if genErr != nil {
		return nil, genErr
	}
	if pl == nil {
		pl = &plan.Plan{Description: planner.FailedDescription}
	}
	span.SetAttributes(attribute.Int("plan.steps", len(pl.Steps)))
	r.logger.Info("plan ready", "round", n, "steps", len(pl.Steps), "description", pl.Description)
	if err := r.emit(ctx, event.Plan, pl.Description, map[string]any{"plan": pl, "round": n}); err != nil {
		return nil, err
	}
	return pl, nil
}

func (r *request) toolCapabilities() []planner.Capability {
	reg := r.o.deps.Tools.Registry()
	var caps []planner.Capability
	for _, name := range reg.Names() {
		t, _ := reg.Get(name)
		caps = append(caps, planner.Capability{Name: name, Description: t.Description()})
	}
	return caps
}

func (r *request) skillCapabilities() []planner.Capability {
	var caps []planner.Capability
	for _, s := range r.o.deps.Skills.List() {
		caps = append(caps, planner.Capability{Name: s.Name, Description: s.Description})
	}
	return caps
}

// execute runs pl batch by batch. Results are folded in plan order once a
// batch has finished, so history does not depend on completion order.
func (r *request) execute(ctx context.Context, pl *plan.Plan) (round, error) {
	batches, degraded := plan.Batches(pl.Steps)
	if degraded {
		r.logger.Warn("plan dependencies unresolvable, running remaining steps one by one", "steps", len(pl.Steps))
	}
	for _, batch := range batches {
		runs, err := r.runBatch(ctx, batch)
		if err != nil {
			return round{}, err
		}
		if err := ctx.Err(); err != nil {
			return round{}, err
		}
		for i := range runs {
			sr := &runs[i]
			if sr.suspended != nil {
				return round{suspended: sr}, nil
			}
			r.absorb(sr)
			switch sr.review.Outcome {
			case plan.OutcomeAbort:
				return round{}, &abortError{stepID: sr.step.ID, reason: sr.review.Reason}
			case plan.OutcomeReplan:
				if r.replans < r.o.cfg.MaxReplans {
					fb := r.feedback(sr)
					r.history = append(r.history, provider.Message{Role: provider.RoleAssistant, Name: "supervisor", Content: fb})
					return round{replan: true, feedback: fb}, nil
				}
				r.failing = true
				r.logger.Warn("replan limit reached, continuing with remaining steps",
					"step_id", sr.step.ID, "replans", r.replans, "reason", sr.review.Reason)
			default:
				r.done = append(r.done, *sr)
			}
		}
	}
	return round{}, nil
}

func (r *request) runBatch(ctx context.Context, batch []plan.Step) ([]stepRun, error) {
	runs := make([]stepRun, len(batch))
	if len(batch) == 1 {
		sr, err := r.runStep(ctx, batch[0])
		runs[0] = sr
		return runs, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.cfg.MaxBatchConcurrency)
	for i, s := range batch {
		g.Go(func() (err error) {
			defer recovered(&err)
			sr, err := r.runStep(gctx, s)
			runs[i] = sr
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return runs, nil
}

// runStep dispatches s until the supervisor stops asking for a retry.
func (r *request) runStep(ctx context.Context, s plan.Step) (stepRun, error) {
	ctx, span := tracer.Start(ctx, "stepflow.step", trace.WithAttributes(
		attribute.String("step.id", s.ID),
		attribute.String("step.action", string(s.Action)),
		attribute.String("step.tool", s.Tool),
	))
	defer span.End()

	if err := r.emit(ctx, event.StepStart, s.Title(), map[string]any{
		"step_id":  s.ID,
		"executor": string(s.Executor),
		"action":   string(s.Action),
		"tool":     s.Tool,
	}); err != nil {
		return stepRun{step: s}, err
	}

	var feedback string
	for retry := 0; ; retry++ {
		sr, err := r.dispatch(ctx, s, feedback)
		if err != nil {
			return sr, err
		}
		if err := ctx.Err(); err != nil {
			return sr, err
		}
		if sr.suspended != nil {
			span.SetAttributes(attribute.String("step.outcome", resultAwaiting))
			return sr, nil
		}
		if err := r.review(ctx, &sr, retry); err != nil {
			return sr, err
		}
		if sr.review.Outcome != plan.OutcomeRetry {
			span.SetAttributes(attribute.String("step.outcome", string(sr.review.Outcome)))
			return sr, nil
		}
		feedback = r.feedback(&sr)
		r.logger.Info("retrying step", "step_id", s.ID, "reason", sr.review.Reason)
	}
}

// review asks the supervisor about sr and reports the verdict.
func (r *request) review(ctx context.Context, sr *stepRun, retry int) error {
	sr.review = r.o.deps.Supervisor.Review(ctx, sr.step, sr.result, retry)
	if err := ctx.Err(); err != nil {
		return err
	}
	r.o.deps.Observer.ObserveStepOutcome(string(sr.step.Action), string(sr.review.Outcome))
	if sr.review.Outcome != plan.OutcomeSuccess {
		r.logger.Info("step outcome", "step_id", sr.step.ID, "outcome", sr.review.Outcome,
			"reason", sr.review.Reason, "auto", sr.review.Auto)
	}
	return r.emit(ctx, event.StepOutcome, string(sr.review.Outcome), map[string]any{
		"step_id": sr.step.ID,
		"outcome": string(sr.review.Outcome),
		"reason":  sr.review.Reason,
		"auto":    sr.review.Auto,
		"status":  string(sr.result.Status),
		"retry":   retry,
	})
}

func (r *request) feedback(sr *stepRun) string {
	fb := fmt.Sprintf("Step %s (%s) failed: %s", sr.step.ID, sr.step.Title(), sr.review.Reason)
	if sr.review.SuggestedFix != "" {
		fb += " Suggested fix: " + sr.review.SuggestedFix
	}
	return fb
}

// absorb appends a step's messages to the turn and records the outcomes
// post-mortem analysis cares about.
func (r *request) absorb(sr *stepRun) {
	if sr.result != nil {
		r.history = append(r.history, sr.result.Messages...)
		r.fresh = append(r.fresh, sr.result.Messages...)
	}
	if sr.step.Action == plan.ActionSkill && sr.review.Outcome != plan.OutcomeSuccess {
		r.records = append(r.records, postmortem.StepRecord{
			StepID:  sr.step.ID,
			Skill:   sr.step.Tool,
			Outcome: sr.review.Outcome,
			Reason:  sr.review.Reason,
		})
	}
}

// suspend persists the turn with the question pending and tells the caller.
func (r *request) suspend(ctx context.Context, sr *stepRun) (string, error) {
	s := sr.suspended
	blob, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode pending input: %w", err)
	}
	r.fresh = append(r.fresh, provider.Message{Role: provider.RoleAssistant, Content: s.Prompt})
	r.history = append(r.history, provider.Message{Role: provider.RoleAssistant, Content: s.Prompt})
	if err := r.o.deps.Conversations.Commit(ctx, r.conv.ID, state.Commit{Messages: r.fresh, Pending: blob}); err != nil {
		return "", fmt.Errorf("commit conversation: %w", err)
	}
	r.answered = true
	ctx = r.caller
	r.logger.Info("awaiting user input", "step_id", s.Step.ID, "category", s.Category, "skill", s.SkillName)

	meta := map[string]any{
		"category":       string(s.Category),
		"prompt":         s.Prompt,
		"skill_name":     s.SkillName,
		"skill_messages": s.Messages,
		"step":           s.Step,
		"step_id":        s.Step.ID,
	}
	if err := r.emit(ctx, event.AwaitingInput, s.Prompt, meta); err != nil {
		return "", err
	}
	if err := r.emit(ctx, event.Content, s.Prompt, map[string]any{"step_id": s.Step.ID}); err != nil {
		return "", err
	}
	if err := r.snapshot(ctx); err != nil {
		return "", err
	}
	return resultAwaiting, nil
}

func (r *request) snapshot(ctx context.Context) error {
	return r.emit(ctx, event.HistorySnapshot, "", map[string]any{
		"conversation_id": r.conv.ID,
		"messages":        CapHistory(r.history, r.o.cfg.MaxHistory),
	})
}

func (r *request) submitPostMortem() {
	if r.o.deps.PostMortem == nil || len(r.records) == 0 {
		return
	}
	r.o.deps.PostMortem.Submit(postmortem.Run{
		TraceID:   r.traceID,
		ContextID: r.req.ContextID,
		Steps:     r.records,
		Succeeded: r.answered && !r.failing,
	})
}

func (r *request) emit(ctx context.Context, t event.Type, content string, meta map[string]any) error {
	return r.sink.Emit(ctx, event.Event{Type: t, Content: content, Metadata: meta})
}

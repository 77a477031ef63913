package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/opentalon/stepflow/internal/event"
	"github.com/opentalon/stepflow/internal/plan"
	"github.com/opentalon/stepflow/internal/provider"
	"github.com/opentalon/stepflow/internal/sandbox"
	"github.com/opentalon/stepflow/internal/tool"
)

const defaultRecallLimit = 5

// dispatch runs one attempt of s on the executor its route names. Step
// failures land in the result; the error is reserved for a dead ctx or
// sink.
func (r *request) dispatch(ctx context.Context, s plan.Step, feedback string) (stepRun, error) {
	sr := stepRun{step: s}
	route, err := plan.Dispatch(s)
	if err != nil {
		r.logger.Warn("step not dispatchable", "step_id", s.ID, "error", err)
		sr.result = plan.Failed("%v", err)
		return sr, nil
	}
	switch route {
	case plan.RouteTool:
		err = r.runTool(ctx, &sr)
	case plan.RouteSkill:
		err = r.runSkill(ctx, &sr, feedback)
	case plan.RouteMemory:
		err = r.recall(ctx, &sr)
	case plan.RouteCompletion:
		err = r.complete(ctx, &sr, feedback)
	}
	if err == nil && sr.result == nil && sr.suspended == nil {
		sr.result = plan.Failed("step %s produced no result", s.ID)
	}
	return sr, err
}

func (r *request) runTool(ctx context.Context, sr *stepRun) error {
	s := sr.step
	call := tool.Call{ID: "call_" + uuid.NewString(), Name: s.Tool, Args: s.Args}
	if err := r.emit(ctx, event.ToolStart, s.Tool, map[string]any{
		"step_id": s.ID, "tool": s.Tool, "args": s.Args,
	}); err != nil {
		return err
	}
	res := r.o.deps.Tools.Run(ctx, call, r.chunkSink(ctx, s))
	if res.NeedsConfirmation {
		sr.suspended = &sandbox.Suspension{
			Category: sandbox.CategoryConfirmation,
			Prompt:   res.Output,
			Step:     s,
			Request:  r.planRequest,
			Confirm:  &sandbox.PendingCall{ID: call.ID, Name: call.Name, Args: call.Args},
		}
		return nil
	}
	sr.result = toolResult(call, res)
	return nil
}

func (r *request) chunkSink(ctx context.Context, s plan.Step) func(tool.Chunk) {
	return func(c tool.Chunk) {
		_ = r.emit(ctx, event.ToolOutput, c.Content, map[string]any{
			"step_id": s.ID, "tool": s.Tool, "type": c.Type,
		})
	}
}

// toolResult turns a tool call into a step result whose messages record
// the call and its output in provider form.
func toolResult(call tool.Call, res tool.Result) *plan.StepResult {
	if res.Failed() {
		out := plan.Failed("%s", res.Error)
		out.Result["tool"] = call.Name
		return out
	}
	out := plan.OK(res.Output)
	out.Result[plan.KeySourceCount] = 1
	out.Result["tool"] = call.Name
	args, err := json.Marshal(call.Args)
	if err != nil {
		args = []byte("{}")
	}
	out.Messages = []provider.Message{
		{Role: provider.RoleAssistant, ToolCalls: []provider.ToolCall{{ID: call.ID, Name: call.Name, Arguments: string(args)}}},
		{Role: provider.RoleTool, ToolCallID: call.ID, Name: call.Name, Content: res.Output},
	}
	return out
}

func (r *request) runSkill(ctx context.Context, sr *stepRun, feedback string) error {
	out, err := r.o.deps.Sandbox.Execute(ctx, sandbox.Input{
		Step:      sr.step,
		Request:   r.planRequest,
		Feedback:  feedback,
		ContextID: r.req.ContextID,
		UserID:    r.req.UserID,
	}, holdSink{r.sink})
	if err != nil {
		return err
	}
	sr.result, sr.suspended = out.Result, out.Suspended
	return nil
}

// holdSink forwards skill events except the question a suspended skill
// asks; that one is emitted after the turn is persisted.
type holdSink struct{ next event.Sink }

func (h holdSink) Emit(ctx context.Context, e event.Event) error {
	if e.Type == event.AwaitingInput {
		return nil
	}
	return h.next.Emit(ctx, e)
}

func (r *request) recall(ctx context.Context, sr *stepRun) error {
	if r.o.deps.Memories == nil {
		sr.result = plan.Missing("memory is not configured")
		return nil
	}
	s := sr.step
	query := tool.GetString(s.Args, "query")
	if query == "" {
		query = s.Description
	}
	if query == "" {
		query = r.planRequest
	}
	mems, err := r.o.deps.Memories.Search(ctx, query, tool.GetInt(s.Args, "limit", defaultRecallLimit))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sr.result = plan.Failed("memory search failed: %v", err)
		return nil
	}
	if len(mems) == 0 {
		sr.result = plan.OK("No relevant memories found.")
		sr.result.Result[plan.KeySourceCount] = 0
		return nil
	}
	var b strings.Builder
	for _, m := range mems {
		fmt.Fprintf(&b, "- %s\n", m.Content)
	}
	sr.result = plan.OK(strings.TrimRight(b.String(), "\n"))
	sr.result.Result[plan.KeySourceCount] = len(mems)
	return nil
}

const completionPrompt = "You write the reply to the user's request. Use the conversation and the step results below."

// complete writes an answer with the LLM from everything gathered so far.
// The text is streamed to the caller as it arrives.
func (r *request) complete(ctx context.Context, sr *stepRun, feedback string) error {
	s := sr.step
	task := r.transcript()
	if s.Description != "" {
		task += "\n\nTask: " + s.Description
	}
	if feedback != "" {
		task += "\n\nA previous attempt failed: " + feedback
	}
	model := s.Provider
	if model == "" {
		model = r.o.cfg.Model
	}
	text, err := r.stream(ctx, r.prompt(completionPrompt, task), model, s.ID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sr.result = plan.Failed("completion failed: %v", err)
		return nil
	}
	sr.result = plan.OK(text)
	sr.result.Result[plan.KeyContent] = text
	sr.streamed = true
	return nil
}

// resume continues the step a previous turn suspended, with this turn's
// message as the answer. A nil run means there was nothing usable to
// resume and the message is planned as a fresh request.
func (r *request) resume(ctx context.Context) (*stepRun, error) {
	var susp sandbox.Suspension
	if err := json.Unmarshal(r.conv.Pending, &susp); err != nil {
		r.logger.Warn("discarding unreadable pending input", "error", err)
		return nil, nil
	}
	if susp.SkillName == "" && susp.Confirm == nil {
		r.logger.Warn("discarding pending input without a step to resume", "category", susp.Category)
		return nil, nil
	}
	if susp.Request != "" {
		r.planRequest = susp.Request
	}

	s := susp.Step
	ctx, span := tracer.Start(ctx, "stepflow.resume")
	defer span.End()
	r.logger.Info("resuming step", "step_id", s.ID, "category", susp.Category, "skill", susp.SkillName)
	if err := r.emit(ctx, event.StepStart, s.Title(), map[string]any{
		"step_id":  s.ID,
		"executor": string(s.Executor),
		"action":   string(s.Action),
		"tool":     s.Tool,
		"resumed":  true,
	}); err != nil {
		return nil, err
	}

	sr := &stepRun{step: s}
	if susp.SkillName == "" {
		sr.result = r.confirmTool(ctx, susp)
	} else {
		out, err := r.o.deps.Sandbox.Execute(ctx, sandbox.Input{
			Step:      s,
			Request:   r.planRequest,
			ContextID: r.req.ContextID,
			UserID:    r.req.UserID,
			Resume:    &sandbox.Resume{Suspension: susp, Reply: r.req.Message},
		}, holdSink{r.sink})
		if err != nil {
			return nil, err
		}
		if out.Suspended != nil {
			sr.suspended = out.Suspended
			return sr, nil
		}
		sr.result = out.Result
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.review(ctx, sr, 0); err != nil {
		return nil, err
	}
	return sr, nil
}

// confirmTool runs or drops a tool step that waited for confirmation.
func (r *request) confirmTool(ctx context.Context, susp sandbox.Suspension) *plan.StepResult {
	c := susp.Confirm
	if !sandbox.IsAffirmative(r.req.Message) {
		r.logger.Info("user declined tool call", "tool", c.Name)
		res := plan.OK(fmt.Sprintf("Cancelled. %s was not run.", c.Name))
		res.Result[plan.KeyStatus] = "declined"
		return res
	}
	call := tool.Call{ID: c.ID, Name: c.Name, Args: c.Args, Confirmed: true}
	return toolResult(call, r.o.deps.Tools.Run(ctx, call, r.chunkSink(ctx, susp.Step)))
}

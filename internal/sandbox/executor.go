// Package sandbox runs a skill step as a bounded tool-calling loop that
// may only reach the skill's declared tools.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/opentalon/stepflow/internal/event"
	"github.com/opentalon/stepflow/internal/plan"
	"github.com/opentalon/stepflow/internal/provider"
	"github.com/opentalon/stepflow/internal/skill"
	"github.com/opentalon/stepflow/internal/tool"
)

const (
	DefaultToolCallLimit = 3
	// maxConsecutiveBlocked ends a run whose model keeps repeating itself.
	maxConsecutiveBlocked = 2

	StatusMaxTurns = "max_turns_reached"
	StatusBlocked  = "blocked_calls"
)

// Observer is notified of blocked calls.
type Observer interface {
	ObserveBlockedCall(skill, reason string)
}

type Input struct {
	Step      plan.Step
	Request   string
	Feedback  string
	ContextID string
	UserID    string
	Resume    *Resume
}

// Outcome carries exactly one of Result or Suspended.
type Outcome struct {
	Result    *plan.StepResult
	Suspended *Suspension
}

type Executor struct {
	skills        *skill.Registry
	runner        *tool.Runner
	llm           provider.Client
	owners        *OwnershipCache
	observer      Observer
	toolCallLimit int
	defaultModel  string
	logger        *slog.Logger
}

type Option func(*Executor)

func WithOwnership(c *OwnershipCache) Option { return func(e *Executor) { e.owners = c } }

func WithObserver(o Observer) Option { return func(e *Executor) { e.observer = o } }

func WithToolCallLimit(n int) Option { return func(e *Executor) { e.toolCallLimit = n } }

func WithDefaultModel(m string) Option { return func(e *Executor) { e.defaultModel = m } }

func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

func New(skills *skill.Registry, runner *tool.Runner, llm provider.Client, opts ...Option) *Executor {
	e := &Executor{
		skills:        skills,
		runner:        runner,
		llm:           llm,
		toolCallLimit: DefaultToolCallLimit,
	}
	for _, o := range opts {
		o(e)
	}
	if e.toolCallLimit <= 0 {
		e.toolCallLimit = DefaultToolCallLimit
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "sandbox")
	return e
}

// Execute runs one skill step. Failures of the skill itself are reported in
// the returned result; the error is non-nil only when ctx ends or the sink
// refuses an event.
func (e *Executor) Execute(ctx context.Context, in Input, sink event.Sink) (Outcome, error) {
	name := in.Step.Tool
	if in.Resume != nil {
		name = in.Resume.Suspension.SkillName
	}
	sk, ok := e.skills.Get(name)
	if !ok {
		return Outcome{Result: plan.Missing("skill %q not found", name)}, nil
	}

	if err := e.owners.Authorize(ctx, in.ContextID, in.UserID); err != nil {
		e.logger.Warn("skill blocked by ownership check", "skill", sk.Name, "context_id", in.ContextID, "error", err)
		return Outcome{Result: plan.Failed("%v", err)}, nil
	}

	r := &run{
		e:      e,
		sk:     sk,
		in:     in,
		sink:   sink,
		runner: e.runner.Scoped(sk.Tools),
		seen:   make(map[string]bool),
		counts: make(map[string]int),
	}
	if in.Resume != nil {
		if err := r.resume(ctx); err != nil {
			return Outcome{}, err
		}
	} else {
		prompt, err := sk.Render(skill.TemplateData{
			Request:  in.Request,
			Step:     in.Step.Description,
			Args:     in.Step.Args,
			Feedback: in.Feedback,
		})
		if err != nil {
			return Outcome{Result: plan.Failed("%v", err)}, nil
		}
		r.messages = []provider.Message{
			{Role: provider.RoleSystem, Content: prompt},
			{Role: provider.RoleUser, Content: userTurn(in)},
		}
	}
	return r.loop(ctx)
}

func userTurn(in Input) string {
	var b strings.Builder
	b.WriteString(in.Request)
	if in.Step.Description != "" && in.Step.Description != in.Request {
		fmt.Fprintf(&b, "\n\nTask: %s", in.Step.Description)
	}
	if len(in.Step.Args) > 0 {
		if args, err := json.Marshal(in.Step.Args); err == nil {
			fmt.Fprintf(&b, "\nArguments: %s", args)
		}
	}
	if in.Feedback != "" {
		fmt.Fprintf(&b, "\n\nA previous attempt failed: %s", in.Feedback)
	}
	return b.String()
}

// run is the state of one skill execution.
type run struct {
	e      *Executor
	sk     *skill.Skill
	in     Input
	sink   event.Sink
	runner *tool.Runner

	messages    []provider.Message
	seen        map[string]bool
	counts      map[string]int
	outputs     []string
	sourceCount int
	streamed    strings.Builder
}

func (r *run) loop(ctx context.Context) (Outcome, error) {
	for turn := 0; turn < r.sk.MaxTurns; turn++ {
		text, calls, err := r.complete(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			return Outcome{Result: r.failure(fmt.Sprintf("skill %s: completion failed: %v", r.sk.Name, err))}, nil
		}

		if cat, prompt, found := parseMarker(text); found && len(calls) == 0 {
			r.messages = append(r.messages, provider.Message{Role: provider.RoleAssistant, Content: strings.TrimSpace(stripMarkers(text))})
			return r.suspend(ctx, cat, prompt, "", nil)
		}

		r.messages = append(r.messages, provider.Message{Role: provider.RoleAssistant, Content: text, ToolCalls: calls})
		if len(calls) == 0 {
			return Outcome{Result: r.finish(text)}, nil
		}

		blocked := 0
		for i, call := range calls {
			args, perr := parseArgs(call.Arguments)

			if call.Name == RequestUserInput {
				r.skipRemaining(calls[i+1:], "Not executed: waiting for user input.")
				return r.suspend(ctx, tool.GetString(args, "category"), question(args), call.ID, nil)
			}

			msg, status := r.guard(call, args, perr)
			if status == "" {
				res := r.runner.Run(ctx, tool.Call{ID: call.ID, Name: call.Name, Args: args}, nil)
				if ctx.Err() != nil {
					return Outcome{}, ctx.Err()
				}
				if res.NeedsConfirmation {
					r.skipRemaining(calls[i+1:], "Not executed: waiting for user confirmation.")
					return r.suspend(ctx, string(CategoryConfirmation), res.Output, call.ID,
						&PendingCall{ID: call.ID, Name: call.Name, Args: args})
				}
				msg = r.record(res)
				status = res.Status()
				blocked = 0
			} else if status == "blocked" {
				blocked++
				if r.e.observer != nil {
					r.e.observer.ObserveBlockedCall(r.sk.Name, blockReason(msg))
				}
			}

			if err := r.activity(ctx, call.Name, status); err != nil {
				return Outcome{}, err
			}
			r.messages = append(r.messages, provider.Message{
				Role: provider.RoleTool, ToolCallID: call.ID, Name: call.Name, Content: msg,
			})

			if blocked >= maxConsecutiveBlocked {
				r.skipRemaining(calls[i+1:], "Not executed: run stopped.")
				r.e.logger.Warn("skill stopped after consecutive blocked calls", "skill", r.sk.Name)
				return Outcome{Result: r.partial(StatusBlocked,
					fmt.Sprintf("skill %s stopped after %d consecutive blocked tool calls", r.sk.Name, blocked))}, nil
			}
		}
	}
	return Outcome{Result: r.partial(StatusMaxTurns,
		fmt.Sprintf("skill %s reached max turns (%d)", r.sk.Name, r.sk.MaxTurns))}, nil
}

// guard applies scope, duplicate and rate checks in that order. An empty
// status means the call may run; otherwise msg is the synthetic result.
func (r *run) guard(call provider.ToolCall, args map[string]any, parseErr error) (msg, status string) {
	if !r.sk.Allows(call.Name) {
		return fmt.Sprintf("Error: tool %q is not available to skill %q. Available tools: %s.",
			call.Name, r.sk.Name, strings.Join(append(append([]string{}, r.sk.Tools...), RequestUserInput), ", ")), "rejected"
	}
	if parseErr != nil {
		return fmt.Sprintf("Error: arguments for %s are not valid JSON: %v", call.Name, parseErr), "error"
	}
	key := callKey(call.Name, args)
	if r.seen[key] {
		return fmt.Sprintf("BLOCKED: Duplicate call to %s with identical arguments. Use the earlier result instead.", call.Name), "blocked"
	}
	if r.counts[call.Name] >= r.e.toolCallLimit {
		return fmt.Sprintf("BLOCKED: Rate limit reached for %s (%d calls per skill run).", call.Name, r.e.toolCallLimit), "blocked"
	}
	r.seen[key] = true
	r.counts[call.Name]++
	return "", ""
}

func blockReason(msg string) string {
	if strings.Contains(msg, "Duplicate") {
		return "duplicate"
	}
	return "rate_limit"
}

func (r *run) record(res tool.Result) string {
	if !res.Failed() {
		r.sourceCount++
		if strings.TrimSpace(res.Output) != "" {
			r.outputs = append(r.outputs, res.Output)
		}
	}
	return res.Text()
}

// complete streams one model turn, forwarding content and thinking and
// announcing tool calls as their names arrive.
func (r *run) complete(ctx context.Context) (string, []provider.ToolCall, error) {
	defs := r.e.runner.Registry().Definitions(r.sk.Tools...)
	defs = append(defs, requestUserInputDef())

	model := r.sk.Model
	if model == "" {
		model = r.e.defaultModel
	}
	stream, err := r.e.llm.Stream(ctx, &provider.CompletionRequest{
		Model:    model,
		Messages: r.messages,
		Tools:    defs,
		Stream:   true,
	})
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = stream.Close() }()

	var (
		text  strings.Builder
		shown markerFilter
	)
	acc := provider.NewToolCallAccumulator()
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, err
		}
		switch chunk.Type {
		case provider.ChunkContent:
			text.WriteString(chunk.Content)
			if err := r.show(ctx, shown.push(chunk.Content)); err != nil {
				return "", nil, err
			}
		case provider.ChunkThinking:
			if err := r.emit(ctx, event.Thinking, chunk.Content, nil); err != nil {
				return "", nil, err
			}
		case provider.ChunkToolStart:
			if chunk.ToolCall == nil {
				continue
			}
			if acc.Add(*chunk.ToolCall) {
				if err := r.emit(ctx, event.SkillActivity, "", map[string]any{
					"skill": r.sk.Name, "tool": chunk.ToolCall.Name, "status": "requested",
				}); err != nil {
					return "", nil, err
				}
			}
		case provider.ChunkError:
			return "", nil, fmt.Errorf("stream: %s", chunk.Content)
		}
		if chunk.Type == provider.ChunkDone {
			break
		}
	}
	if err := r.show(ctx, shown.flush()); err != nil {
		return "", nil, err
	}
	var calls []provider.ToolCall
	if acc.Len() > 0 {
		calls = acc.Calls()
	}
	return text.String(), calls, nil
}

func (r *run) show(ctx context.Context, visible string) error {
	if visible == "" {
		return nil
	}
	r.streamed.WriteString(visible)
	return r.emit(ctx, event.Content, visible, nil)
}

func (r *run) activity(ctx context.Context, toolName, status string) error {
	return r.emit(ctx, event.SkillActivity, "", map[string]any{
		"skill": r.sk.Name, "tool": toolName, "status": status,
	})
}

func (r *run) emit(ctx context.Context, t event.Type, content string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["step_id"] = r.in.Step.ID
	return r.sink.Emit(ctx, event.Event{Type: t, Content: content, Metadata: meta})
}

func (r *run) suspend(ctx context.Context, rawCategory, prompt, callID string, confirm *PendingCall) (Outcome, error) {
	cat, known := ParseCategory(rawCategory)
	if !known && confirm == nil {
		r.e.logger.Warn("unknown input category, using clarification", "skill", r.sk.Name, "category", rawCategory)
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = "Could you provide more details?"
	}
	step := r.in.Step
	request := r.in.Request
	if r.in.Resume != nil {
		step = r.in.Resume.Suspension.Step
		request = r.in.Resume.Suspension.Request
	}
	s := &Suspension{
		Category:      cat,
		Prompt:        prompt,
		SkillName:     r.sk.Name,
		Messages:      append([]provider.Message(nil), r.messages...),
		Step:          step,
		Request:       request,
		PendingCallID: callID,
		Confirm:       confirm,
	}
	if err := r.sink.Emit(ctx, event.Event{Type: event.AwaitingInput, Content: prompt, Metadata: s.metadata()}); err != nil {
		return Outcome{}, err
	}
	return Outcome{Suspended: s}, nil
}

// resume restores the transcript and answers the pending call with the
// user's reply. Guards are rebuilt from the calls already in the transcript.
func (r *run) resume(ctx context.Context) error {
	s := r.in.Resume.Suspension
	r.messages = append([]provider.Message(nil), s.Messages...)
	for _, m := range r.messages {
		for _, c := range m.ToolCalls {
			if c.Name == RequestUserInput {
				continue
			}
			if args, err := parseArgs(c.Arguments); err == nil {
				r.seen[callKey(c.Name, args)] = true
				r.counts[c.Name]++
			}
		}
	}

	reply := r.in.Resume.Reply
	switch {
	case s.Confirm != nil:
		content := "The user declined; the action was not performed."
		status := "declined"
		if IsAffirmative(reply) {
			res := r.runner.Run(ctx, tool.Call{ID: s.Confirm.ID, Name: s.Confirm.Name, Args: s.Confirm.Args, Confirmed: true}, nil)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			content = r.record(res)
			status = res.Status()
		}
		r.messages = append(r.messages, provider.Message{
			Role: provider.RoleTool, ToolCallID: s.Confirm.ID, Name: s.Confirm.Name, Content: content,
		})
		return r.activity(ctx, s.Confirm.Name, status)
	case s.PendingCallID != "":
		r.messages = append(r.messages, provider.Message{
			Role: provider.RoleTool, ToolCallID: s.PendingCallID, Name: RequestUserInput, Content: reply,
		})
	default:
		r.messages = append(r.messages, provider.Message{Role: provider.RoleUser, Content: reply})
	}
	return nil
}

func (r *run) skipRemaining(calls []provider.ToolCall, msg string) {
	for _, c := range calls {
		r.messages = append(r.messages, provider.Message{Role: provider.RoleTool, ToolCallID: c.ID, Name: c.Name, Content: msg})
	}
}

// finish builds the result of a run that ended with a plain answer. Tool
// outputs, when there are any, are the step's output; the model's closing
// text is kept as content.
func (r *run) finish(text string) *plan.StepResult {
	output := strings.TrimSpace(stripMarkers(text))
	if len(r.outputs) > 0 {
		output = strings.Join(r.outputs, "\n\n")
	}
	return r.result(plan.StatusOK, output, nil)
}

// partial returns whatever was collected when the loop could not finish.
func (r *run) partial(status, reason string) *plan.StepResult {
	if len(r.outputs) == 0 {
		return r.failure(reason)
	}
	return r.result(plan.StatusOK, strings.Join(r.outputs, "\n\n"), map[string]any{
		plan.KeyStatus: status,
		plan.KeyReason: reason,
	})
}

func (r *run) failure(reason string) *plan.StepResult {
	res := r.result(plan.StatusError, "", map[string]any{plan.KeyError: reason})
	delete(res.Result, plan.KeyOutput)
	return res
}

func (r *run) result(status plan.Status, output string, extra map[string]any) *plan.StepResult {
	res := &plan.StepResult{
		Status: status,
		Result: map[string]any{
			plan.KeyOutput:      output,
			plan.KeySourceCount: r.sourceCount,
			plan.KeyContent:     r.streamed.String(),
			"skill":             r.sk.Name,
		},
	}
	for k, v := range extra {
		res.Result[k] = v
	}
	if output != "" {
		res.Messages = []provider.Message{{Role: provider.RoleAssistant, Name: r.sk.Name, Content: output}}
	}
	return res
}

func parseArgs(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// callKey identifies a call by name and normalized arguments. Marshalling
// a map sorts its keys, so argument order does not matter.
func callKey(name string, args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return name + ":" + fmt.Sprint(args)
	}
	return name + ":" + string(b)
}

func question(args map[string]any) string {
	for _, k := range []string{"question", "prompt", "message"} {
		if s := tool.GetString(args, k); s != "" {
			return s
		}
	}
	return ""
}

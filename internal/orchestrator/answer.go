package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/opentalon/stepflow/internal/event"
	"github.com/opentalon/stepflow/internal/plan"
	"github.com/opentalon/stepflow/internal/provider"
	"github.com/opentalon/stepflow/internal/state"
)

const (
	// substantialContent is how much streamed skill text counts as a
	// complete answer on its own.
	substantialContent = 120

	synthesisPrompt = "You write the final reply to the user's request from the step results below. Be concise. Do not mention steps, tools or plans."

	memoryRequestChars = 500
	memoryAnswerChars  = 1000
)

type answer struct {
	text     string
	streamed bool
}

// finalize answers the request, persists the turn and closes the stream
// with a history snapshot.
func (r *request) finalize(ctx context.Context) (string, error) {
	ans, err := r.answer(ctx)
	if err != nil {
		return "", err
	}

	final := provider.Message{Role: provider.RoleAssistant, Content: ans.text}
	if n := len(r.fresh); n > 0 && r.fresh[n-1].Role == provider.RoleAssistant && r.fresh[n-1].Content == ans.text {
		// A skill's reply is already the last message; keep one copy.
		r.fresh[n-1].Name = ""
	} else {
		r.fresh = append(r.fresh, final)
		r.history = append(r.history, final)
	}
	if err := r.o.deps.Conversations.Commit(ctx, r.conv.ID, state.Commit{
		Messages:     r.fresh,
		ClearPending: r.resumed,
	}); err != nil {
		return "", fmt.Errorf("commit conversation: %w", err)
	}
	r.answered = true
	ctx = r.caller
	r.remember(ctx, ans.text)

	if !ans.streamed {
		if err := r.emit(ctx, event.Content, ans.text, map[string]any{"final": true}); err != nil {
			return "", err
		}
	}
	if err := r.snapshot(ctx); err != nil {
		return "", err
	}
	return resultOK, nil
}

// answer picks the reply. A completion step's text wins; a lone skill
// step's output is used verbatim; anything else is synthesized.
func (r *request) answer(ctx context.Context) (answer, error) {
	for i := len(r.done) - 1; i >= 0; i-- {
		sr := r.done[i]
		if sr.step.Action == plan.ActionCompletion && sr.result.Status == plan.StatusOK {
			return answer{text: sr.result.Output(), streamed: sr.streamed}, nil
		}
	}
	if len(r.done) == 1 && r.done[0].step.Action == plan.ActionSkill {
		res := r.done[0].result
		if content := strings.TrimSpace(res.String(plan.KeyContent)); len(content) >= substantialContent {
			return answer{text: content, streamed: true}, nil
		}
		if out := strings.TrimSpace(res.Output()); out != "" {
			return answer{text: out}, nil
		}
	}
	return r.synthesize(ctx)
}

func (r *request) synthesize(ctx context.Context) (answer, error) {
	text, err := r.stream(ctx, r.prompt(synthesisPrompt, r.transcript()), r.o.cfg.Model, "")
	if err != nil {
		return answer{}, fmt.Errorf("synthesize answer: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return answer{}, errors.New("synthesize answer: empty reply")
	}
	return answer{text: text, streamed: true}, nil
}

// prompt builds an answer-writing prompt: safety rules, the conversation
// so far and task as the user turn.
func (r *request) prompt(instructions, task string) []provider.Message {
	msgs := []provider.Message{{Role: provider.RoleSystem, Content: r.o.rules.PromptSection() + instructions}}
	for _, m := range r.prior {
		if m.Role == provider.RoleSystem || m.Role == provider.RoleTool || m.Content == "" {
			continue
		}
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, provider.Message{Role: provider.RoleUser, Content: task})
}

// transcript lists the request and every result gathered this round.
func (r *request) transcript() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n", r.planRequest)
	if r.planRequest != r.req.Message {
		fmt.Fprintf(&b, "User reply: %s\n", r.req.Message)
	}
	for _, sr := range r.done {
		if sr.step.Action == plan.ActionCompletion {
			continue
		}
		out := sr.result.Output()
		if out == "" {
			out = sr.result.String(plan.KeyContent)
		}
		if out == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(wrapOutput(sr.step.Title(), out))
		b.WriteString("\n")
	}
	return b.String()
}

// stream runs one streaming completion and forwards its text as content
// events.
func (r *request) stream(ctx context.Context, msgs []provider.Message, model, stepID string) (string, error) {
	s, err := r.o.deps.LLM.Stream(ctx, &provider.CompletionRequest{Model: model, Messages: msgs, Stream: true})
	if err != nil {
		return "", err
	}
	defer func() { _ = s.Close() }()

	meta := func() map[string]any {
		if stepID == "" {
			return nil
		}
		return map[string]any{"step_id": stepID}
	}
	var b strings.Builder
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch chunk.Type {
		case provider.ChunkContent:
			b.WriteString(chunk.Content)
			if err := r.emit(ctx, event.Content, chunk.Content, meta()); err != nil {
				return "", err
			}
		case provider.ChunkThinking:
			if err := r.emit(ctx, event.Thinking, chunk.Content, meta()); err != nil {
				return "", err
			}
		case provider.ChunkError:
			return "", errors.New(chunk.Content)
		}
		if chunk.Type == provider.ChunkDone {
			break
		}
	}
	return b.String(), nil
}

// remember stores a short note of the exchange in the background. The
// note outlives the request but not Shutdown.
func (r *request) remember(ctx context.Context, reply string) {
	if r.o.deps.Memories == nil {
		return
	}
	note := fmt.Sprintf("User: %s\nAssistant: %s",
		truncate(r.req.Message, memoryRequestChars), truncate(reply, memoryAnswerChars))
	logger := r.logger
	r.o.bg.Add(1)
	go func() {
		defer r.o.bg.Done()
		defer func() {
			if v := recover(); v != nil {
				logger.Error("conversation memory panicked", "panic", v)
			}
		}()
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), memoryTaskTimeout)
		defer cancel()
		if _, err := r.o.deps.Memories.Add(mctx, note, "conversation"); err != nil {
			logger.Warn("store conversation memory failed", "error", err)
		}
	}()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

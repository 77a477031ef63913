package postmortem

import (
	"context"
	"fmt"
	"strings"

	"github.com/opentalon/stepflow/internal/actor"
	"github.com/opentalon/stepflow/internal/provider"
	"github.com/opentalon/stepflow/internal/state"
)

// TagSkillQuality labels the memory notes written by LLMAnalyzer.
const TagSkillQuality = "skill_quality"

// NoteWriter is the part of a memory store the analyzer writes to.
type NoteWriter interface {
	Add(ctx context.Context, content string, tags ...string) (*state.Memory, error)
}

// LLMAnalyzer asks a model to summarise why a skill keeps failing and
// stores the report as a memory note for the skill's context.
type LLMAnalyzer struct {
	llm   provider.Client
	model string
	notes NoteWriter
}

func NewLLMAnalyzer(llm provider.Client, model string, notes NoteWriter) *LLMAnalyzer {
	return &LLMAnalyzer{llm: llm, model: model, notes: notes}
}

const analysisPrompt = `You review the reliability of an automation skill. Given its recent failures,
state the most likely root cause in one or two sentences, then list concrete changes to the
skill's instructions or tool set. Be brief.`

func (a *LLMAnalyzer) Analyze(ctx context.Context, w Weight) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Skill: %s\nAccumulated failure weight: %.1f\nRecent failures:\n", w.Skill, w.Accumulated)
	for _, s := range w.Signals {
		fmt.Fprintf(&b, "- [%s, %.1f] %s\n", s.Outcome, s.Weight, s.Reason)
	}
	report, err := provider.Generate(ctx, a.llm, []provider.Message{
		{Role: provider.RoleSystem, Content: analysisPrompt},
		{Role: provider.RoleUser, Content: b.String()},
	}, a.model)
	if err != nil {
		return fmt.Errorf("analyze %s: %w", w.Skill, err)
	}
	if a.notes == nil {
		return nil
	}
	ctx = actor.WithIdentity(ctx, actor.Identity{ContextID: w.ContextID})
	content := fmt.Sprintf("Skill %s quality review: %s", w.Skill, strings.TrimSpace(report))
	if _, err := a.notes.Add(ctx, content, TagSkillQuality, w.Skill); err != nil {
		return fmt.Errorf("store review for %s: %w", w.Skill, err)
	}
	return nil
}

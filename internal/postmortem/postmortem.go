// Package postmortem scores skill failures per context in the background
// and asks for a deeper review once a skill keeps failing.
package postmortem

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opentalon/stepflow/internal/plan"
)

const (
	DefaultThreshold  = 3.0
	DefaultMaxSignals = 50

	WeightAbort           = 1.0
	WeightReplanFailed    = 0.5
	WeightReplanRecovered = 0.1

	defaultTimeout = 2 * time.Minute
)

// Signal is one recorded failure of a skill.
type Signal struct {
	TraceID string       `json:"trace_id"`
	StepID  string       `json:"step_id,omitempty"`
	Reason  string       `json:"reason"`
	Outcome plan.Outcome `json:"outcome"`
	Weight  float64      `json:"weight"`
	At      time.Time    `json:"at"`
}

// Weight is the accumulated failure score of one skill in one context.
type Weight struct {
	ContextID   string
	Skill       string
	Accumulated float64
	Signals     []Signal
}

// WeightStore accumulates signals atomically. Accumulate adds s to the
// running weight, appends it to the signal list and keeps only the newest
// maxSignals entries.
type WeightStore interface {
	Accumulate(ctx context.Context, contextID, skill string, s Signal, maxSignals int) (Weight, error)
	Reset(ctx context.Context, contextID, skill string) error
}

// Analyzer performs the deeper review of a skill that crossed the threshold.
type Analyzer interface {
	Analyze(ctx context.Context, w Weight) error
}

type AnalyzerFunc func(ctx context.Context, w Weight) error

func (f AnalyzerFunc) Analyze(ctx context.Context, w Weight) error { return f(ctx, w) }

type Observer interface {
	ObservePostMortem(skill string)
}

// StepRecord is the final outcome of one skill step in a request.
type StepRecord struct {
	StepID  string
	Skill   string
	Outcome plan.Outcome
	Reason  string
}

// Run is everything the post-mortem needs from a finished request.
type Run struct {
	TraceID   string
	ContextID string
	Steps     []StepRecord
	// Succeeded is true when the request ended without an abort and its
	// last plan completed.
	Succeeded bool
}

// WeightFor scores one step. Successes and retries score zero.
func WeightFor(rec StepRecord, planSucceeded bool) float64 {
	switch rec.Outcome {
	case plan.OutcomeAbort:
		return WeightAbort
	case plan.OutcomeReplan:
		if planSucceeded {
			return WeightReplanRecovered
		}
		return WeightReplanFailed
	}
	return 0
}

type Service struct {
	store      WeightStore
	analyzer   Analyzer
	threshold  float64
	maxSignals int
	timeout    time.Duration
	observer   Observer
	logger     *slog.Logger

	wg sync.WaitGroup
}

type Option func(*Service)

func WithThreshold(t float64) Option { return func(s *Service) { s.threshold = t } }

func WithMaxSignals(n int) Option { return func(s *Service) { s.maxSignals = n } }

func WithTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

func WithObserver(o Observer) Option { return func(s *Service) { s.observer = o } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func New(store WeightStore, analyzer Analyzer, opts ...Option) *Service {
	s := &Service{
		store:      store,
		analyzer:   analyzer,
		threshold:  DefaultThreshold,
		maxSignals: DefaultMaxSignals,
		timeout:    defaultTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.threshold <= 0 {
		s.threshold = DefaultThreshold
	}
	if s.maxSignals <= 0 {
		s.maxSignals = DefaultMaxSignals
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "postmortem")
	return s
}

// Submit processes run on a detached goroutine. Errors are logged only.
func (s *Service) Submit(run Run) {
	if s == nil || !hasFailures(run) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.Process(ctx, run); err != nil {
			s.logger.Warn("post-mortem failed", "trace_id", run.TraceID, "error", err)
		}
	}()
}

// Wait blocks until every submitted run has been processed.
func (s *Service) Wait() {
	if s != nil {
		s.wg.Wait()
	}
}

// Process scores every failed skill step of run. It keeps going after a
// failing step and returns the last error.
func (s *Service) Process(ctx context.Context, run Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("post-mortem panic: %v", r)
		}
	}()
	for _, rec := range run.Steps {
		w := WeightFor(rec, run.Succeeded)
		if w == 0 || rec.Skill == "" {
			continue
		}
		if e := s.score(ctx, run, rec, w); e != nil {
			err = e
		}
	}
	return err
}

func (s *Service) score(ctx context.Context, run Run, rec StepRecord, w float64) error {
	acc, err := s.store.Accumulate(ctx, run.ContextID, rec.Skill, Signal{
		TraceID: run.TraceID,
		StepID:  rec.StepID,
		Reason:  rec.Reason,
		Outcome: rec.Outcome,
		Weight:  w,
		At:      time.Now().UTC(),
	}, s.maxSignals)
	if err != nil {
		return fmt.Errorf("accumulate %s: %w", rec.Skill, err)
	}
	s.logger.Debug("skill failure scored", "skill", rec.Skill, "context_id", run.ContextID, "weight", w, "total", acc.Accumulated)
	if acc.Accumulated < s.threshold {
		return nil
	}

	s.logger.Info("skill crossed failure threshold", "skill", rec.Skill, "context_id", run.ContextID, "total", acc.Accumulated)
	if s.observer != nil {
		s.observer.ObservePostMortem(rec.Skill)
	}
	if s.analyzer != nil {
		if err := s.analyzer.Analyze(ctx, acc); err != nil {
			s.logger.Warn("skill analysis failed", "skill", rec.Skill, "error", err)
		}
	}
	if err := s.store.Reset(ctx, run.ContextID, rec.Skill); err != nil {
		return fmt.Errorf("reset %s: %w", rec.Skill, err)
	}
	return nil
}

func hasFailures(run Run) bool {
	for _, rec := range run.Steps {
		if WeightFor(rec, run.Succeeded) > 0 {
			return true
		}
	}
	return false
}

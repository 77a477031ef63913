package provider

import (
	"context"
	"log/slog"
	"slices"
)

// Fallback routes completions to a "provider/model" reference and walks
// a fallback chain when a provider answers with a retryable error.
type Fallback struct {
	registry  *Registry
	primary   ModelRef
	fallbacks []ModelRef
	cool      *cooldowns
	logger    *slog.Logger
}

func NewFallback(registry *Registry, primary ModelRef, fallbacks []ModelRef, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{
		registry:  registry,
		primary:   primary,
		fallbacks: fallbacks,
		logger:    logger.With("component", "provider"),
	}
}

// WithCooldown benches models that fail with retryable errors so later
// requests try healthy ones first.
func (f *Fallback) WithCooldown(cfg CooldownConfig) *Fallback {
	f.cool = newCooldowns(cfg)
	return f
}

// Primary returns the default model reference.
func (f *Fallback) Primary() ModelRef { return f.primary }

func (f *Fallback) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	return try(f, ctx, req, func(ctx context.Context, p Provider, r *CompletionRequest) (*CompletionResponse, error) {
		return p.Complete(ctx, r)
	})
}

func (f *Fallback) Stream(ctx context.Context, req *CompletionRequest) (ResponseStream, error) {
	return try(f, ctx, req, func(ctx context.Context, p Provider, r *CompletionRequest) (ResponseStream, error) {
		return p.Stream(ctx, r)
	})
}

func try[T any](f *Fallback, ctx context.Context, req *CompletionRequest, fn func(context.Context, Provider, *CompletionRequest) (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempted := make([]string, 0)

	refs := f.chain(req.Model)
	if f.cool != nil {
		refs = f.cool.order(refs)
	}
	for _, ref := range refs {
		if slices.Contains(attempted, ref.String()) {
			continue
		}
		attempted = append(attempted, ref.String())

		p, err := f.registry.Resolve(ref)
		if err != nil {
			lastErr = err
			continue
		}
		r := *req
		r.Model = ref.Model()
		out, err := fn(ctx, p, &r)
		if err == nil {
			if f.cool != nil {
				f.cool.reset(ref)
			}
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) {
			if IsAuthError(err) {
				f.logger.Error("model rejected credentials", "model", ref.String(), "error", err)
			}
			return zero, err
		}
		if f.cool != nil {
			d := f.cool.fail(ref)
			f.logger.Warn("model failed, benched and trying next", "model", ref.String(), "reason", failureReason(err), "cooldown", d, "error", err)
			continue
		}
		f.logger.Warn("model failed, trying next", "model", ref.String(), "reason", failureReason(err), "error", err)
	}
	return zero, &AllExhaustedError{Attempted: attempted, Last: lastErr}
}

// chain resolves the requested model into the ordered list of references
// to try. A bare model name is served by the primary provider.
func (f *Fallback) chain(model string) []ModelRef {
	switch {
	case model == "":
		return append([]ModelRef{f.primary}, f.fallbacks...)
	case ModelRef(model).Valid():
		return append([]ModelRef{ModelRef(model)}, f.fallbacks...)
	default:
		return append([]ModelRef{NewModelRef(f.primary.Provider(), model)}, f.fallbacks...)
	}
}

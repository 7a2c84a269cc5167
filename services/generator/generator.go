// Package generator turns prompts into outreach copy. Several providers can
// be chained; callers only see text or a GenerationFailed error.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"outreach-engine/pkg/errutil"

	"go.uber.org/zap"
)

var ErrEmptyCompletion = errors.New("generator: empty completion")

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Provider is a Generator with a name for logs.
type Provider interface {
	Generator
	Name() string
}

// Failover asks each provider in order and returns the first non-empty text.
type Failover struct {
	providers []Provider
}

func NewFailover(providers ...Provider) *Failover {
	return &Failover{providers: providers}
}

func (f *Failover) Generate(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errutil.ValidationFailed("prompt is required", nil)
	}
	if len(f.providers) == 0 {
		return "", errutil.GenerationFailed("no content provider configured", nil)
	}

	var errs []error
	for i, p := range f.providers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		callCtx, cancel := providerContext(ctx, len(f.providers)-i)
		text, err := p.Generate(callCtx, prompt)
		cancel()
		if err == nil {
			text = strings.TrimSpace(text)
			if text != "" {
				return text, nil
			}
			err = ErrEmptyCompletion
		}

		zap.L().Warn("content provider failed", zap.String("provider", p.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}

	return "", errutil.GenerationFailed("all content providers failed", errors.Join(errs...))
}

// providerContext gives a provider an even share of what is left of the
// caller's deadline, so one stalled provider cannot starve the ones after it.
func providerContext(ctx context.Context, remaining int) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok || remaining <= 1 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Until(deadline)/time.Duration(remaining))
}

// Package oracle talks to the language models that categorize posts.
package oracle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Oracle completes a prompt with the model's raw text answer.
type Oracle interface {
	Complete(ctx context.Context, prompt string) (string, error)
	// Name identifies the provider and model, e.g. "openai/gpt-4o-mini".
	Name() string
}

// Config selects and tunes an oracle.
type Config struct {
	Provider    string // openai, gemini
	APIKey      string
	Model       string
	BaseURL     string
	Temperature *float32 // nil selects DefaultTemperature
	Timeout     time.Duration
}

// New builds the oracle for cfg.Provider.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Oracle, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s API key is required", cfg.Provider)
	}
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAI(OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		}, logger), nil
	case "gemini":
		return NewGemini(ctx, GeminiConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}
}

// DefaultTemperature is used when no temperature is configured.
const DefaultTemperature float32 = 0.7

func temperatureOr(t *float32) float32 {
	if t == nil {
		return DefaultTemperature
	}
	return *t
}

// withDeadline applies timeout when ctx has no deadline of its own.
func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

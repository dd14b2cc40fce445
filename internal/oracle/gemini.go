package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/bryan-buckman/threadlens/internal/model"
	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini client.
type GeminiConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float32
	Timeout     time.Duration
}

// GeminiClient implements Oracle with Google's Gemini API.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
	timeout     time.Duration
}

// Ensure GeminiClient implements Oracle.
var _ Oracle = (*GeminiClient)(nil)

// NewGemini creates a Gemini client.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{
		client:      client,
		model:       cfg.Model,
		temperature: temperatureOr(cfg.Temperature),
		timeout:     cfg.Timeout,
	}, nil
}

// Name returns "gemini/<model>".
func (g *GeminiClient) Name() string {
	return "gemini/" + g.model
}

// Complete asks for a JSON answer to prompt.
func (g *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := withDeadline(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(g.temperature),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", unavailable(err)
	}
	text := resp.Text()
	if text == "" {
		return "", &model.Error{Op: "complete", Kind: model.ErrOracleResponseInvalid, Err: fmt.Errorf("empty candidate")}
	}
	return text, nil
}

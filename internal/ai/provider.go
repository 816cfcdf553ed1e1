// Package ai implements the fallback extraction path: sending the
// receipt image (and the OCR text as a hint) to a vision model and
// validating the structured response. This is the only part of the
// pipeline that touches the network.
package ai

import (
	"context"
	"fmt"

	"github.com/sombapp/receipt-service/internal/models"
)

// Provider abstracts a vision model API. Extract returns the raw model
// output, which the fallback client parses and validates.
type Provider interface {
	Name() string
	Extract(ctx context.Context, prompt string, imageData []byte, mimeType string) (string, error)
}

// NewProvider creates the configured provider.
func NewProvider(ctx context.Context, cfg models.AIConfig) (Provider, error) {
	switch cfg.DefaultProvider {
	case "openai":
		return NewOpenAIProvider(cfg.OpenAI)
	case "gemini", "":
		return NewGeminiProvider(ctx, cfg.Gemini)
	default:
		return nil, fmt.Errorf("unknown ai provider: %s", cfg.DefaultProvider)
	}
}

package moderation

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIScreen checks text against the OpenAI moderation endpoint.
type OpenAIScreen struct {
	client *openai.Client
	model  string
}

// NewOpenAIScreen creates a screen. baseURL may be empty for the public API.
func NewOpenAIScreen(apiKey, baseURL string) (*OpenAIScreen, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIScreen{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.ModerationTextLatest,
	}, nil
}

// Flagged reports whether any moderation result flags text.
func (s *OpenAIScreen) Flagged(ctx context.Context, text string) (bool, error) {
	resp, err := s.client.Moderations(ctx, openai.ModerationRequest{
		Input: text,
		Model: s.model,
	})
	if err != nil {
		return false, fmt.Errorf("openai moderation: %w", err)
	}

	for _, r := range resp.Results {
		if r.Flagged {
			return true, nil
		}
	}
	return false, nil
}

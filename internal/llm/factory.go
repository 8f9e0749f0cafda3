package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/heartflow/internal/config"
	"github.com/stellarlinkco/heartflow/internal/heartflow"
)

// New builds the judge model from config, wrapped with the configured rate
// limit and per-call timeout. A missing API key is a ConfigError.
func New(ctx context.Context, cfg *config.Config) (heartflow.ChatModel, error) {
	p := cfg.JudgeProvider()
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, &heartflow.ConfigError{Reason: "judge provider api key is empty"}
	}
	temp := cfg.Judge.Temperature

	var chat heartflow.ChatModel
	switch p.Type {
	case config.ProviderTypeOpenAIResponses:
		rc, err := NewResponsesChat(ResponsesOptions{
			APIKey:      p.APIKey,
			BaseURL:     p.BaseURL,
			Model:       cfg.Judge.Model,
			MaxTokens:   cfg.Judge.MaxTokens,
			Temperature: &temp,
		})
		if err != nil {
			return nil, fmt.Errorf("create responses client: %w", err)
		}
		chat = rc
	case config.ProviderTypeOpenAI, config.ProviderTypeAnthropic:
		m, err := providerFor(p, cfg.Judge).Model(ctx)
		if err != nil {
			return nil, fmt.Errorf("create judge model: %w", err)
		}
		chat = NewModelChat(m, ModelChatOptions{
			Model:       cfg.Judge.Model,
			MaxTokens:   cfg.Judge.MaxTokens,
			Temperature: &temp,
		})
	default:
		return nil, &heartflow.ConfigError{Reason: fmt.Sprintf("unknown provider type %q", p.Type)}
	}

	chat = NewLimited(chat, cfg.Judge.RateLimit, cfg.Judge.Burst)
	return NewTimeout(chat, cfg.JudgeTimeout()), nil
}

func providerFor(p config.ProviderConfig, j config.JudgeConfig) api.ModelFactory {
	temp := j.Temperature
	if p.Type == config.ProviderTypeOpenAI {
		return &model.OpenAIProvider{
			APIKey:      p.APIKey,
			BaseURL:     p.BaseURL,
			ModelName:   j.Model,
			MaxTokens:   j.MaxTokens,
			Temperature: &temp,
		}
	}
	return &model.AnthropicProvider{
		APIKey:      p.APIKey,
		BaseURL:     p.BaseURL,
		ModelName:   j.Model,
		MaxTokens:   j.MaxTokens,
		Temperature: &temp,
	}
}

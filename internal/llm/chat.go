// Package llm adapts model providers to the heartflow.ChatModel interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/heartflow/internal/heartflow"
)

// ModelChat sends judge prompts through an agentsdk model.
type ModelChat struct {
	model       model.Model
	modelName   string
	maxTokens   int
	temperature *float64
}

type ModelChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

func NewModelChat(m model.Model, opts ModelChatOptions) *ModelChat {
	return &ModelChat{
		model:       m,
		modelName:   opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
	}
}

func (c *ModelChat) Chat(ctx context.Context, req heartflow.ChatRequest) (string, error) {
	if c.model == nil {
		return "", errors.New("model not configured")
	}
	resp, err := c.model.Complete(ctx, model.Request{
		Messages:    buildMessages(req),
		Model:       c.modelName,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	if resp == nil {
		return "", errors.New("complete: empty response")
	}
	return resp.Message.Content, nil
}

// buildMessages turns buffered context into alternating model turns and puts
// the prompt last. Leading assistant turns are dropped since providers expect
// the conversation to open with the user.
func buildMessages(req heartflow.ChatRequest) []model.Message {
	msgs := make([]model.Message, 0, len(req.Contexts)+1)
	for _, cm := range req.Contexts {
		role := "user"
		if cm.Role == "assistant" {
			role = "assistant"
		}
		if len(msgs) == 0 && role == "assistant" {
			continue
		}
		msgs = append(msgs, model.Message{Role: role, Content: cm.Content})
	}

	last := model.Message{Role: "user", Content: req.Prompt}
	if len(req.ImageURLs) > 0 {
		last.ContentBlocks = append(last.ContentBlocks, model.ContentBlock{Type: model.ContentBlockText, Text: req.Prompt})
		for _, u := range req.ImageURLs {
			if u = strings.TrimSpace(u); u == "" {
				continue
			}
			last.ContentBlocks = append(last.ContentBlocks, model.ContentBlock{Type: model.ContentBlockImage, URL: u})
		}
	}
	return append(msgs, last)
}

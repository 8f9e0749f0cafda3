package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/stellarlinkco/heartflow/internal/heartflow"
)

// ResponsesChat calls the OpenAI Responses API directly so the judge schema
// can be enforced server side.
type ResponsesChat struct {
	client      *openai.Client
	model       string
	maxTokens   int64
	temperature *float64
}

type ResponsesOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature *float64
	HTTPClient  *http.Client
}

func NewResponsesChat(opts ResponsesOptions) (*ResponsesChat, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("openai: model required")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	client := openai.NewClient(reqOpts...)
	return &ResponsesChat{
		client:      &client,
		model:       opts.Model,
		maxTokens:   int64(opts.MaxTokens),
		temperature: opts.Temperature,
	}, nil
}

func (c *ResponsesChat) Chat(ctx context.Context, req heartflow.ChatRequest) (string, error) {
	params := responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: buildInputItems(req),
		},
	}
	if c.maxTokens > 0 {
		params.MaxOutputTokens = openai.Int(c.maxTokens)
	}
	if c.temperature != nil {
		params.Temperature = openai.Float(*c.temperature)
	}
	if f := req.Format; f != nil && len(f.Schema) > 0 {
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:        f.Name,
					Schema:      f.Schema,
					Strict:      openai.Bool(true),
					Description: openai.String(f.Description),
					Type:        "json_schema",
				},
			},
		}
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("responses: %w", err)
	}
	return resp.OutputText(), nil
}

func buildInputItems(req heartflow.ChatRequest) []responses.ResponseInputItemUnionParam {
	items := make([]responses.ResponseInputItemUnionParam, 0, len(req.Contexts)+1)
	for _, cm := range req.Contexts {
		role := responses.EasyInputMessageRoleUser
		if cm.Role == "assistant" {
			role = responses.EasyInputMessageRoleAssistant
		}
		items = append(items, responses.ResponseInputItemParamOfMessage(cm.Content, role))
	}

	if len(req.ImageURLs) == 0 {
		return append(items, responses.ResponseInputItemParamOfMessage(req.Prompt, responses.EasyInputMessageRoleUser))
	}
	content := responses.ResponseInputMessageContentListParam{
		{OfInputText: &responses.ResponseInputTextParam{Text: req.Prompt}},
	}
	for _, u := range req.ImageURLs {
		if u = strings.TrimSpace(u); u == "" {
			continue
		}
		content = append(content, responses.ResponseInputContentUnionParam{
			OfInputImage: &responses.ResponseInputImageParam{
				ImageURL: openai.String(u),
				Detail:   responses.ResponseInputImageDetailAuto,
			},
		})
	}
	return append(items, responses.ResponseInputItemParamOfMessage(content, responses.EasyInputMessageRoleUser))
}

package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/milanziuziakowski/video-creator-sub000/config"
	"github.com/milanziuziakowski/video-creator-sub000/models"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog"
)

// OpenAIPlanner asks a chat model for a plan using structured outputs.
type OpenAIPlanner struct {
	client      openai.Client
	model       string
	temperature float64
	language    string
	logger      *zerolog.Logger
}

func NewOpenAIPlanner(cfg config.PlannerConfig, logger *zerolog.Logger) (*OpenAIPlanner, error) {
	if cfg.OpenAIKey == "" {
		return nil, errors.New("openai: empty api key")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.OpenAIKey), option.WithMaxRetries(2)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIPlanner{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		language:    cfg.Language,
		logger:      logger,
	}, nil
}

func (p *OpenAIPlanner) Plan(ctx context.Context, req models.PlanRequest) (*models.Plan, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(planSystemPrompt),
			openai.UserMessage(planUserPrompt(req, p.language)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "video_story_plan",
					Schema: planSchema(),
					Strict: openai.Bool(true),
				},
			},
		},
		Temperature: openai.Float(p.temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("openai plan: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai plan: no choices")
	}
	if refusal := resp.Choices[0].Message.Refusal; refusal != "" {
		return nil, fmt.Errorf("openai plan refused: %s", refusal)
	}
	plan, err := decodePlan(resp.Choices[0].Message.Content, req)
	if err != nil {
		return nil, fmt.Errorf("openai plan: %w", err)
	}
	p.logger.Info().Str("model", p.model).Str("title", plan.Title).Int("segments", len(plan.Segments)).
		Int64("total_tokens", resp.Usage.TotalTokens).Msg("plan generated")
	return plan, nil
}

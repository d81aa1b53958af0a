package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/milanziuziakowski/video-creator-sub000/config"
	"github.com/milanziuziakowski/video-creator-sub000/models"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// GeminiPlanner asks Gemini for a plan in JSON mode with a response schema.
type GeminiPlanner struct {
	client      *genai.Client
	model       string
	temperature float32
	language    string
	logger      *zerolog.Logger
}

func NewGeminiPlanner(ctx context.Context, cfg config.PlannerConfig, logger *zerolog.Logger) (*GeminiPlanner, error) {
	if cfg.GeminiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiPlanner{
		client:      c,
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
		language:    cfg.Language,
		logger:      logger,
	}, nil
}

func geminiPlanSchema() *genai.Schema {
	str := &genai.Schema{Type: genai.TypeString}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"title": str,
			"segments": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"video_prompt":     str,
						"narration_text":   str,
						"end_frame_prompt": str,
					},
					Required: []string{"video_prompt", "narration_text", "end_frame_prompt"},
				},
			},
			"continuity_notes": str,
		},
		Required:         []string{"title", "segments", "continuity_notes"},
		PropertyOrdering: []string{"title", "segments", "continuity_notes"},
	}
}

func (g *GeminiPlanner) Plan(ctx context.Context, req models.PlanRequest) (*models.Plan, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		genai.Text(planUserPrompt(req, g.language)),
		&genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: planSystemPrompt}}},
			ResponseMIMEType:  "application/json",
			ResponseSchema:    geminiPlanSchema(),
			Temperature:       genai.Ptr(g.temperature),
		})
	if err != nil {
		return nil, fmt.Errorf("gemini plan: %w", err)
	}
	plan, err := decodePlan(resp.Text(), req)
	if err != nil {
		return nil, fmt.Errorf("gemini plan: %w", err)
	}
	log := g.logger.Info().Str("model", g.model).Str("title", plan.Title).Int("segments", len(plan.Segments))
	if resp.UsageMetadata != nil {
		log = log.Int32("total_tokens", resp.UsageMetadata.TotalTokenCount)
	}
	log.Msg("plan generated")
	return plan, nil
}

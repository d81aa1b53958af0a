package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/milanziuziakowski/video-creator-sub000/config"
	"github.com/milanziuziakowski/video-creator-sub000/models"
	"github.com/milanziuziakowski/video-creator-sub000/service"

	"github.com/rs/zerolog"
)

// NewPlanner builds the planning provider named by cfg.Provider.
func NewPlanner(ctx context.Context, cfg config.PlannerConfig, logger *zerolog.Logger) (service.Planner, error) {
	var (
		p   service.Planner
		err error
	)
	switch cfg.Provider {
	case "openai":
		p, err = NewOpenAIPlanner(cfg, logger)
	case "gemini":
		p, err = NewGeminiPlanner(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown planner provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

const planSystemPrompt = `You are an expert video story planner creating cohesive, visually compelling narratives for short-form video.

Break the user's story concept into video segments, each with:
1. A detailed video prompt: scene composition, lighting, camera movement, atmosphere. 2-3 sentences.
   Camera commands may be used: [Zoom in], [Zoom out], [Pan left], [Pan right], [Tilt up], [Tilt down],
   [Push in], [Pull out], [Tracking shot], [Static shot].
2. Voice-over narration text, natural and conversational, roughly 2-3 sentences per 6 seconds.
3. An end-frame description: the exact visual state at the end of the segment, which becomes the
   starting point of the next one.

Keep characters, visual style and atmosphere consistent across all segments.`

func planUserPrompt(req models.PlanRequest, language string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a video story plan for:\n\nStory concept: %s\n\n", req.StoryPrompt)
	fmt.Fprintf(&b, "Requirements:\n- exactly %d segments of %d seconds each\n", req.SegmentCount, req.SegmentDuration)
	fmt.Fprintf(&b, "- total duration: %d seconds\n", req.SegmentCount*req.SegmentDuration)
	fmt.Fprintf(&b, "- each narration_text should take about %d seconds to speak\n", req.SegmentDuration)
	if language != "" {
		fmt.Fprintf(&b, "- write every prompt, narration and end-frame description in %s\n", language)
	}
	return b.String()
}

// planSchema is the JSON schema both planners ask the model to follow.
func planSchema() map[string]any {
	str := map[string]any{"type": "string"}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": str,
			"segments": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"video_prompt":     str,
						"narration_text":   str,
						"end_frame_prompt": str,
					},
					"required":             []string{"video_prompt", "narration_text", "end_frame_prompt"},
					"additionalProperties": false,
				},
			},
			"continuity_notes": str,
		},
		"required":             []string{"title", "segments", "continuity_notes"},
		"additionalProperties": false,
	}
}

// decodePlan parses a model answer and checks it against the request.
func decodePlan(raw string, req models.PlanRequest) (*models.Plan, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty plan response")
	}

	var plan models.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(plan.Segments) != req.SegmentCount {
		return nil, fmt.Errorf("plan has %d segments, expected %d", len(plan.Segments), req.SegmentCount)
	}
	for i, s := range plan.Segments {
		if strings.TrimSpace(s.VideoPrompt) == "" {
			return nil, fmt.Errorf("plan segment %d has an empty video prompt", i)
		}
	}
	return &plan, nil
}

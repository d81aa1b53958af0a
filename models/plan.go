package models

type PlanItem struct {
	VideoPrompt    string `json:"video_prompt"`
	NarrationText  string `json:"narration_text"`
	EndFramePrompt string `json:"end_frame_prompt"`
}

// Plan is what the planning provider returns for a story prompt.
type Plan struct {
	Title           string     `json:"title"`
	Segments        []PlanItem `json:"segments"`
	ContinuityNotes string     `json:"continuity_notes"`
}

// PlanRequest asks for SegmentCount beats of SegmentDuration seconds each.
type PlanRequest struct {
	StoryPrompt     string
	SegmentCount    int
	SegmentDuration int
}

package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func segmentsWith(statuses ...SegmentStatus) []*Segment {
	res := make([]*Segment, len(statuses))
	for i, st := range statuses {
		res[i] = &Segment{ID: fmt.Sprintf("s%d", i), Index: i, Status: st}
	}
	return res
}

func TestEvaluateStatus_Table(t *testing.T) {
	t.Parallel()
	media := Project{FirstFrameRef: "f.png", AudioSampleRef: "a.mp3"}

	cases := []struct {
		name     string
		project  Project
		segments []*Segment
		want     ProjectStatus
	}{
		{"fresh", Project{}, nil, ProjectCreated},
		{"frame only", Project{FirstFrameRef: "f.png"}, nil, ProjectCreated},
		{"media", media, nil, ProjectMediaUploaded},
		{"voice job", withJobs(media, "v", "", ""), nil, ProjectVoiceCloning},
		{"plan job", withJobs(media, "v", "p", ""), nil, ProjectPlanGenerating},
		{"plan ready", media, segmentsWith(SegmentPromptReady, SegmentApproved), ProjectPlanReady},
		{"all approved, not finalizing", media, segmentsWith(SegmentSegmentApproved, SegmentSegmentApproved), ProjectPlanReady},
		{"generating", media, segmentsWith(SegmentGenerated, SegmentGenerating), ProjectGenerating},
		{"finalizing", withJobs(media, "", "", "f"), segmentsWith(SegmentSegmentApproved), ProjectFinalizing},
		{"segment failed", media, segmentsWith(SegmentGenerated, SegmentFailed), ProjectFailed},
		{"failure reason", Project{FailureReason: "voice clone failed"}, nil, ProjectFailed},
		{"completed wins", Project{FinalRef: "final.mp4", FailureReason: "old"}, segmentsWith(SegmentFailed), ProjectCompleted},
	}
	for _, tc := range cases {
		p := tc.project
		if got := EvaluateStatus(&p, tc.segments); got != tc.want {
			t.Fatalf("%s: want %s got %s", tc.name, tc.want, got)
		}
	}
}

func withJobs(p Project, voice, plan, finalize string) Project {
	p.VoiceJobID = voice
	p.PlanJobID = plan
	p.FinalizeJobID = finalize
	return p
}

// Two projects driven to the same segment-state vector through different
// operation orders must report the same status.
func TestEvaluateStatus_IndependentOfHistory(t *testing.T) {
	t.Parallel()
	build := func(order []int) (*Project, []*Segment) {
		p := &Project{ID: "p", FirstFrameRef: "f", AudioSampleRef: "a", TargetDuration: 18, SegmentDuration: 6}
		segs := make([]*Segment, 3)
		for i := range segs {
			segs[i] = NewSegment(fmt.Sprintf("s%d", i), p.ID, i)
			segs[i].ApplyPlan(PlanItem{VideoPrompt: "p"})
			p.Evaluate(segs)
		}
		for _, i := range order {
			segs[i].ApprovePrompt()
			p.Evaluate(segs)
		}
		segs[0].BeginGeneration("job")
		p.Evaluate(segs)
		return p, segs
	}

	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}
	var want ProjectStatus
	for i, order := range orders {
		p, segs := build(order)
		got := EvaluateStatus(p, segs)
		if got != p.Status {
			t.Fatalf("order %v: Evaluate assigned %s but recompute gives %s", order, p.Status, got)
		}
		if i == 0 {
			want = got
			continue
		}
		if got != want {
			t.Fatalf("order %v: want %s got %s", order, want, got)
		}
	}
	if want != ProjectGenerating {
		t.Fatalf("expected generating got %s", want)
	}
}

func TestValidateDurations(t *testing.T) {
	t.Parallel()
	ok := [][2]int{{30, 6}, {60, 10}, {6, 6}, {20, 10}}
	for _, c := range ok {
		if err := ValidateDurations(c[0], c[1]); err != nil {
			t.Fatalf("%v: unexpected error %v", c, err)
		}
	}
	bad := [][2]int{{32, 6}, {30, 5}, {0, 6}, {70, 10}, {15, 10}}
	for _, c := range bad {
		var ide *InvalidDurationError
		if err := ValidateDurations(c[0], c[1]); !errors.As(err, &ide) {
			t.Fatalf("%v: expected InvalidDurationError got %v", c, err)
		}
	}
	p := Project{TargetDuration: 30, SegmentDuration: 6}
	if p.SegmentCount() != 5 {
		t.Fatalf("expected 5 segments got %d", p.SegmentCount())
	}
}

func TestProviderError_Is(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("wrapped: %w", NewProviderError(TaskKindVideo, "job-1", errors.New("boom")))
	if !errors.Is(err, ErrVideoGeneration) {
		t.Fatalf("expected ErrVideoGeneration match")
	}
	if errors.Is(err, ErrPlanning) {
		t.Fatalf("video failure must not match ErrPlanning")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.JobID != "job-1" {
		t.Fatalf("expected ProviderError with job id, got %v", err)
	}
}

func TestMemoryStore_CopiesAndOrders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	p := &Project{ID: "p1", SegmentIDs: []string{"a"}}
	if err := store.SaveProject(ctx, p); err != nil {
		t.Fatalf("SaveProject: %v", err)
	}
	p.SegmentIDs[0] = "mutated"
	got, err := store.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.SegmentIDs[0] != "a" {
		t.Fatalf("store shares slice with caller")
	}

	segs := []*Segment{
		{ID: "c", ProjectID: "p1", Index: 2},
		{ID: "a", ProjectID: "p1", Index: 0},
		{ID: "x", ProjectID: "p2", Index: 0},
		{ID: "b", ProjectID: "p1", Index: 1},
	}
	if err := store.SaveSegments(ctx, segs); err != nil {
		t.Fatalf("SaveSegments: %v", err)
	}
	list, err := store.ListSegments(ctx, "p1")
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "c" {
		t.Fatalf("unexpected order: %+v", list)
	}

	if err := store.DeleteSegments(ctx, "p1"); err != nil {
		t.Fatalf("DeleteSegments: %v", err)
	}
	if _, err := store.GetSegment(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	if _, err := store.GetSegment(ctx, "x"); err != nil {
		t.Fatalf("other project's segment deleted: %v", err)
	}
}

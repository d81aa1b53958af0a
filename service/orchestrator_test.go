package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/milanziuziakowski/video-creator-sub000/models"
)

func TestCreateProject_RejectsBadDurations(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	_, err := h.orch.CreateProject(context.Background(), CreateProjectInput{Name: "x", TargetDuration: 32, SegmentDuration: 6})
	var ide *models.InvalidDurationError
	if !errors.As(err, &ide) {
		t.Fatalf("expected InvalidDurationError got %v", err)
	}
}

func TestAttachMedia_DerivesStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	p := h.newProject(t, 30, 6)
	if p.Status != models.ProjectMediaUploaded {
		t.Fatalf("expected media_uploaded got %s", p.Status)
	}
	if !h.assets.has(p.FirstFrameRef) || !h.assets.has(p.AudioSampleRef) {
		t.Fatalf("media not stored: %+v", p)
	}
}

func TestGeneratePlan_ThirtyBySixGivesFiveSegments(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	p := h.newProject(t, 30, 6)

	segs := h.plan(t, p.ID)
	if len(segs) != 5 {
		t.Fatalf("expected 5 segments got %d", len(segs))
	}
	for i, s := range segs {
		if s.Index != i || s.Status != models.SegmentPromptReady {
			t.Fatalf("segment %d: index=%d status=%s", i, s.Index, s.Status)
		}
		if s.VideoPrompt == "" || s.NarrationText == "" || s.EndFramePrompt == "" {
			t.Fatalf("segment %d not seeded from plan: %+v", i, s)
		}
	}
	got := h.getProject(t, p.ID)
	if got.Status != models.ProjectPlanReady || got.PlanTitle != "The fox" || len(got.SegmentIDs) != 5 {
		t.Fatalf("unexpected project after plan: %+v", got)
	}
}

func TestGeneratePlan_RequiresMedia(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	p, err := h.orch.CreateProject(context.Background(), CreateProjectInput{Name: "x", StoryPrompt: "s", TargetDuration: 12, SegmentDuration: 6})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := h.orch.GeneratePlan(context.Background(), p.ID, ""); !errors.Is(err, models.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed got %v", err)
	}
}

func TestGeneratePlan_WrongItemCountFailsProject(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	h.planner.items = 3
	p := h.newProject(t, 30, 6)

	if _, err := h.orch.GeneratePlan(context.Background(), p.ID, ""); err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	eventually(t, "plan failure recorded", func() bool {
		return h.getProject(t, p.ID).Status == models.ProjectFailed
	})
	got := h.getProject(t, p.ID)
	if !strings.Contains(got.FailureReason, "planning failed") || len(got.SegmentIDs) != 0 {
		t.Fatalf("unexpected project: %+v", got)
	}
}

func TestGeneratePlan_ProviderErrorFailsProject(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	h.planner.err = errors.New("model overloaded")
	p := h.newProject(t, 12, 6)

	if _, err := h.orch.GeneratePlan(context.Background(), p.ID, ""); err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	eventually(t, "plan failure recorded", func() bool {
		return h.getProject(t, p.ID).Status == models.ProjectFailed
	})
	if got := h.getProject(t, p.ID); !strings.Contains(got.FailureReason, "model overloaded") {
		t.Fatalf("provider error not recorded: %q", got.FailureReason)
	}
}

func TestCloneVoice_StoresVoiceRef(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	p := h.newProject(t, 12, 6)
	got, err := h.orch.CloneVoice(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("CloneVoice: %v", err)
	}
	if got.Status != models.ProjectVoiceCloning {
		t.Fatalf("expected voice_cloning got %s", got.Status)
	}
	eventually(t, "voice cloned", func() bool { return h.getProject(t, p.ID).VoiceRef != "" })
	if got := h.getProject(t, p.ID); got.Status != models.ProjectMediaUploaded || !strings.HasPrefix(got.VoiceRef, "vc") {
		t.Fatalf("unexpected project after clone: %+v", got)
	}
}

func TestGenerateSegment_ConcurrentStartsYieldOneSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	p := h.newProject(t, 12, 6)
	segs := h.plan(t, p.ID)
	if _, err := h.orch.ApprovePrompt(context.Background(), segs[0].ID); err != nil {
		t.Fatalf("ApprovePrompt: %v", err)
	}

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.GenerateSegment(context.Background(), segs[0].ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		var cje *models.ConcurrentJobError
		switch {
		case err == nil:
			success++
		case errors.As(err, &cje):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one success got %d", success)
	}
	if h.getSegment(t, segs[0].ID).Status != models.SegmentGenerating {
		t.Fatalf("expected generating")
	}
	if got := h.getProject(t, p.ID).Status; got != models.ProjectGenerating {
		t.Fatalf("expected project generating got %s", got)
	}
}

func TestGenerateSegment_ContinuityUnblockedByPreviousVideo(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	ctx := context.Background()
	p := h.newProject(t, 12, 6)
	segs := h.plan(t, p.ID)
	for _, s := range segs {
		if _, err := h.orch.ApprovePrompt(ctx, s.ID); err != nil {
			t.Fatalf("ApprovePrompt: %v", err)
		}
	}

	_, err := h.orch.GenerateSegment(ctx, segs[1].ID)
	var cv *models.ContinuityViolation
	if !errors.As(err, &cv) {
		t.Fatalf("expected ContinuityViolation got %v", err)
	}
	if s := h.getSegment(t, segs[1].ID); s.Status != models.SegmentApproved || s.VideoJobID != "" {
		t.Fatalf("rejected start mutated segment: %+v", s)
	}

	first := h.generate(t, segs[0].ID)
	if h.video.lastRequest().FirstFrameURL != "https://assets.example/"+p.FirstFrameRef {
		t.Fatalf("segment 0 must start from the project first frame, got %q", h.video.lastRequest().FirstFrameURL)
	}
	if !h.assets.has(first.VideoRef) {
		t.Fatalf("provider output not mirrored: %q", first.VideoRef)
	}

	second, err := h.orch.GenerateSegment(ctx, segs[1].ID)
	if err != nil {
		t.Fatalf("GenerateSegment after previous video: %v", err)
	}
	if second.Status != models.SegmentGenerating || second.FirstFrameRef == "" {
		t.Fatalf("unexpected second segment: %+v", second)
	}
	if h.frames.callCount() != 1 || h.frames.calls[0] != first.VideoRef {
		t.Fatalf("expected one extraction from %q got %v", first.VideoRef, h.frames.calls)
	}
	if cached := h.getSegment(t, segs[0].ID).LastFrameRef; cached != second.FirstFrameRef {
		t.Fatalf("extracted frame not cached on previous segment: %q vs %q", cached, second.FirstFrameRef)
	}
}

func TestHandleCompletion_DuplicateIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	p := h.newProject(t, 12, 6)
	segs := h.plan(t, p.ID)
	generated := h.generate(t, segs[0].ID)

	dup := models.Completion{Task: models.GenerationTask{
		JobID:     generated.LastVideoJobID,
		Kind:      models.TaskKindVideo,
		ProjectID: p.ID,
		SegmentID: segs[0].ID,
		Outcome:   models.OutcomeSuccess,
		Result:    models.JobResult{Ref: "https://provider.example/other.mp4"},
	}}
	h.orch.HandleCompletion(context.Background(), dup)
	h.orch.HandleCompletion(context.Background(), dup)

	after := h.getSegment(t, segs[0].ID)
	if after.Status != models.SegmentGenerated || after.VideoRef != generated.VideoRef {
		t.Fatalf("duplicate completion changed segment: before=%+v after=%+v", generated, after)
	}
}

func TestGenerateSegment_VideoTimeoutFailsSegment(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Policy{Interval: time.Millisecond, MaxPolls: 60})
	ctx := context.Background()
	p := h.newProject(t, 12, 6)
	segs := h.plan(t, p.ID)
	if _, err := h.orch.ApprovePrompt(ctx, segs[0].ID); err != nil {
		t.Fatalf("ApprovePrompt: %v", err)
	}
	seg, err := h.orch.GenerateSegment(ctx, segs[0].ID)
	if err != nil {
		t.Fatalf("GenerateSegment: %v", err)
	}
	jobID := seg.VideoJobID

	eventually(t, "timeout", func() bool {
		return h.getSegment(t, seg.ID).Status == models.SegmentFailed
	})
	failed := h.getSegment(t, seg.ID)
	if !strings.Contains(failed.Error, "timed out after 60 polls") || failed.VideoJobID != "" {
		t.Fatalf("unexpected failed segment: %+v", failed)
	}
	if n := h.video.queryCount(jobID); n != 60 {
		t.Fatalf("expected 60 status queries got %d", n)
	}
	task, err := h.orch.TaskStatus(jobID)
	if err != nil || task.Outcome != models.OutcomeTimeout {
		t.Fatalf("expected timeout outcome got %+v err=%v", task, err)
	}
	if got := h.getProject(t, p.ID).Status; got != models.ProjectFailed {
		t.Fatalf("expected project failed got %s", got)
	}

	// explicit re-attempt keeps the approved prompt
	again, err := h.orch.GenerateSegment(ctx, seg.ID)
	if err != nil {
		t.Fatalf("GenerateSegment retry: %v", err)
	}
	if again.Status != models.SegmentGenerating || again.VideoPrompt != failed.VideoPrompt {
		t.Fatalf("unexpected retried segment: %+v", again)
	}
}

func TestGenerateSegment_SubmitFailureIsTyped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	ctx := context.Background()
	p := h.newProject(t, 12, 6)
	segs := h.plan(t, p.ID)
	if _, err := h.orch.ApprovePrompt(ctx, segs[0].ID); err != nil {
		t.Fatalf("ApprovePrompt: %v", err)
	}
	h.video.setSubmitErr(errors.New("insufficient balance"))

	_, err := h.orch.GenerateSegment(ctx, segs[0].ID)
	if !errors.Is(err, models.ErrVideoGeneration) {
		t.Fatalf("expected ErrVideoGeneration got %v", err)
	}
	s := h.getSegment(t, segs[0].ID)
	if s.Status != models.SegmentFailed || !strings.Contains(s.Error, "insufficient balance") || !s.PromptApproved {
		t.Fatalf("unexpected segment: %+v", s)
	}

	h.video.setSubmitErr(nil)
	if _, err := h.orch.RetrySegment(ctx, s.ID, false); err != nil {
		t.Fatalf("RetrySegment: %v", err)
	}
	if s := h.getSegment(t, segs[0].ID); s.Status != models.SegmentPromptReady || s.PromptApproved {
		t.Fatalf("retry without skip must require re-approval: %+v", s)
	}
}

func TestEditSegment_RevertsApproval(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	ctx := context.Background()
	p := h.newProject(t, 12, 6)
	segs := h.plan(t, p.ID)
	if _, err := h.orch.ApprovePrompt(ctx, segs[0].ID); err != nil {
		t.Fatalf("ApprovePrompt: %v", err)
	}
	text := "the fox hesitates"
	s, err := h.orch.EditSegment(ctx, segs[0].ID, models.SegmentEdit{NarrationText: &text})
	if err != nil {
		t.Fatalf("EditSegment: %v", err)
	}
	if s.Status != models.SegmentPromptReady || s.PromptApproved || s.NarrationText != text {
		t.Fatalf("unexpected edited segment: %+v", s)
	}
	if _, err := h.orch.GenerateSegment(ctx, segs[0].ID); err == nil {
		t.Fatalf("generation from an unapproved prompt must fail")
	}
}

func TestNarrationFailureDoesNotTouchVideoStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	ctx := context.Background()
	p := h.newProject(t, 12, 6)
	h.cloneVoice(t, p.ID)
	segs := h.plan(t, p.ID)
	h.narration.err = errors.New("tts quota exceeded")

	s := h.generate(t, segs[0].ID)
	eventually(t, "narration failure recorded", func() bool {
		return h.getSegment(t, s.ID).AudioError != ""
	})
	got := h.getSegment(t, s.ID)
	if got.Status != models.SegmentGenerated || got.AudioRef != "" || got.AudioJobID != "" {
		t.Fatalf("unexpected segment: %+v", got)
	}
	if _, err := h.orch.ApproveVideo(ctx, s.ID); err != nil {
		t.Fatalf("video approval must not depend on narration: %v", err)
	}

	h.narration.mu.Lock()
	h.narration.err = nil
	h.narration.mu.Unlock()
	if _, err := h.orch.RegenerateNarration(ctx, s.ID); err != nil {
		t.Fatalf("RegenerateNarration: %v", err)
	}
	eventually(t, "narration stored", func() bool {
		return h.getSegment(t, s.ID).AudioRef != ""
	})
}

func TestFinalize_CompletesProject(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	ctx := context.Background()
	p := h.newProject(t, 12, 6)
	h.cloneVoice(t, p.ID)
	h.plan(t, p.ID)
	h.approveAll(t, p.ID)

	got, err := h.orch.Finalize(ctx, p.ID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got.Status != models.ProjectFinalizing {
		t.Fatalf("expected finalizing got %s", got.Status)
	}
	h.dispatcher.Wait()

	done := h.getProject(t, p.ID)
	if done.Status != models.ProjectCompleted || done.FinalRef == "" || done.FinalizeJobID != "" {
		t.Fatalf("unexpected project after finalize: %+v", done)
	}
	segs := h.segments(t, p.ID)
	if len(h.media.videos) != 2 || h.media.videos[0] != segs[0].VideoRef || h.media.videos[1] != segs[1].VideoRef {
		t.Fatalf("videos not concatenated in index order: %v", h.media.videos)
	}
}

func TestFinalize_StepFailureRecordsStepWithoutFinalRef(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	ctx := context.Background()
	p := h.newProject(t, 12, 6)
	h.cloneVoice(t, p.ID)
	h.plan(t, p.ID)
	h.approveAll(t, p.ID)

	h.media.fail(models.StepMux)
	if _, err := h.orch.Finalize(ctx, p.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	h.dispatcher.Wait()

	failed := h.getProject(t, p.ID)
	if failed.Status != models.ProjectFailed || failed.FailedStep != models.StepMux || failed.FinalRef != "" {
		t.Fatalf("unexpected project after failed finalize: %+v", failed)
	}

	// a retry runs every step again
	h.media.fail("")
	if _, err := h.orch.Finalize(ctx, p.ID); err != nil {
		t.Fatalf("Finalize retry: %v", err)
	}
	h.dispatcher.Wait()
	if done := h.getProject(t, p.ID); done.Status != models.ProjectCompleted || done.FailedStep != "" {
		t.Fatalf("retry did not complete: %+v", done)
	}
	if h.media.runs != 2 {
		t.Fatalf("expected concat to run twice got %d", h.media.runs)
	}
}

func TestFinalize_RequiresAllSegmentsApproved(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	p := h.newProject(t, 12, 6)
	h.plan(t, p.ID)
	_, err := h.orch.Finalize(context.Background(), p.ID)
	var ise *models.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError got %v", err)
	}
}

func TestDeleteProject_DeferredUntilVideoSettles(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	ctx := context.Background()
	p := h.newProject(t, 12, 6)
	segs := h.plan(t, p.ID)
	if _, err := h.orch.ApprovePrompt(ctx, segs[0].ID); err != nil {
		t.Fatalf("ApprovePrompt: %v", err)
	}
	seg, err := h.orch.GenerateSegment(ctx, segs[0].ID)
	if err != nil {
		t.Fatalf("GenerateSegment: %v", err)
	}

	if err := h.orch.DeleteProject(ctx, p.ID); !errors.Is(err, models.ErrDeletionDeferred) {
		t.Fatalf("expected ErrDeletionDeferred got %v", err)
	}
	if !h.getProject(t, p.ID).DeleteRequested {
		t.Fatalf("deletion flag not stored")
	}
	if _, err := h.orch.ApprovePrompt(ctx, segs[1].ID); !errors.Is(err, models.ErrPreconditionFailed) {
		t.Fatalf("operations on a deleting project must fail, got %v", err)
	}

	h.video.succeed(seg.VideoJobID)
	eventually(t, "deferred deletion", func() bool {
		_, err := h.store.GetProject(ctx, p.ID)
		return errors.Is(err, models.ErrNotFound)
	})
	if left := h.segments(t, p.ID); len(left) != 0 {
		t.Fatalf("segments left behind: %d", len(left))
	}
}

func TestDeleteProject_CancelsLocalJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	ctx := context.Background()
	h.planner.block = true
	p := h.newProject(t, 12, 6)
	if _, err := h.orch.GeneratePlan(ctx, p.ID, ""); err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	planJob := h.getProject(t, p.ID).PlanJobID

	if err := h.orch.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if _, err := h.store.GetProject(ctx, p.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected project removed got %v", err)
	}
	task, err := h.orch.TaskStatus(planJob)
	if err != nil || task.Outcome != models.OutcomeCancelled {
		t.Fatalf("expected cancelled plan job got %+v err=%v", task, err)
	}
}

func TestGenerateSegment_RejectedWhileReplanning(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	ctx := context.Background()
	p := h.newProject(t, 12, 6)
	segs := h.plan(t, p.ID)
	if _, err := h.orch.ApprovePrompt(ctx, segs[0].ID); err != nil {
		t.Fatalf("ApprovePrompt: %v", err)
	}

	gate := make(chan struct{})
	h.planner.setGate(gate)
	if _, err := h.orch.GeneratePlan(ctx, p.ID, "a fox crosses a bridge"); err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	planJob := h.getProject(t, p.ID).PlanJobID

	_, err := h.orch.GenerateSegment(ctx, segs[0].ID)
	var cje *models.ConcurrentJobError
	if !errors.As(err, &cje) || cje.JobID != planJob {
		t.Fatalf("expected ConcurrentJobError on %s got %v", planJob, err)
	}
	if got := h.getSegment(t, segs[0].ID); got.Status != models.SegmentApproved || got.VideoJobID != "" {
		t.Fatalf("segment changed by a rejected start: %+v", got)
	}

	close(gate)
	eventually(t, "re-plan applied", func() bool {
		return h.getProject(t, p.ID).PlanJobID == ""
	})
	for _, s := range h.segments(t, p.ID) {
		if s.ID == segs[0].ID || s.Status != models.SegmentPromptReady {
			t.Fatalf("expected fresh prompt_ready segments got %+v", s)
		}
	}
}

func TestCompletePlan_KeepsSegmentsWithJobsInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	ctx := context.Background()
	p := h.newProject(t, 12, 6)
	segs := h.plan(t, p.ID)

	gate := make(chan struct{})
	h.planner.setGate(gate)
	if _, err := h.orch.GeneratePlan(ctx, p.ID, ""); err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	// a start that read the project before the plan job was recorded
	busy := h.getSegment(t, segs[0].ID)
	busy.Status = models.SegmentGenerating
	busy.PromptApproved = true
	busy.VideoJobID = "video-inflight"
	if err := h.store.SaveSegment(ctx, busy); err != nil {
		t.Fatalf("SaveSegment: %v", err)
	}

	close(gate)
	eventually(t, "plan settled", func() bool {
		return h.getProject(t, p.ID).PlanJobID == ""
	})
	got := h.getProject(t, p.ID)
	if !strings.Contains(got.FailureReason, "discarded") || got.SegmentIDs[0] != segs[0].ID {
		t.Fatalf("plan must be discarded without touching segments: %+v", got)
	}
	if s := h.getSegment(t, segs[0].ID); s.VideoJobID != "video-inflight" {
		t.Fatalf("busy segment lost its job: %+v", s)
	}
}

func TestPlanTimeout_StopsLocalJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastVideo())
	h.orch.policies[models.TaskKindPlan] = Policy{Interval: time.Millisecond, MaxPolls: 3}
	h.planner.block = true
	p := h.newProject(t, 12, 6)
	if _, err := h.orch.GeneratePlan(context.Background(), p.ID, ""); err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}

	eventually(t, "plan timed out", func() bool {
		return strings.Contains(h.getProject(t, p.ID).FailureReason, "timed out after 3 polls")
	})
	eventually(t, "local job released", func() bool {
		return h.jobs.Len() == 0
	})
}

func TestGenerateSegment_TrackFailureFailsSegment(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Policy{Interval: time.Millisecond, MaxPolls: 0})
	ctx := context.Background()
	p := h.newProject(t, 12, 6)
	segs := h.plan(t, p.ID)
	if _, err := h.orch.ApprovePrompt(ctx, segs[0].ID); err != nil {
		t.Fatalf("ApprovePrompt: %v", err)
	}

	if _, err := h.orch.GenerateSegment(ctx, segs[0].ID); err == nil {
		t.Fatalf("expected tracking error")
	}
	got := h.getSegment(t, segs[0].ID)
	if got.Status != models.SegmentFailed || got.VideoJobID != "" || got.LastVideoJobID != "video-1" {
		t.Fatalf("unexpected segment %+v", got)
	}
	if !strings.Contains(got.Error, "video-1") {
		t.Fatalf("submitted job id not recorded: %q", got.Error)
	}
	if st := h.getProject(t, p.ID).Status; st != models.ProjectFailed {
		t.Fatalf("expected failed project got %s", st)
	}
}

package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/milanziuziakowski/video-creator-sub000/logging"
	"github.com/milanziuziakowski/video-creator-sub000/models"
)

type fakeVideo struct {
	mu        sync.Mutex
	n         int
	submitErr error
	requests  []models.VideoRequest
	status    map[string]models.JobStatus
	queries   map[string]int
}

func newFakeVideo() *fakeVideo {
	return &fakeVideo{status: make(map[string]models.JobStatus), queries: make(map[string]int)}
}

func (f *fakeVideo) SubmitVideo(_ context.Context, req models.VideoRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.n++
	f.requests = append(f.requests, req)
	return fmt.Sprintf("video-%d", f.n), nil
}

func (f *fakeVideo) CheckStatus(_ context.Context, jobID string) (models.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries[jobID]++
	if st, ok := f.status[jobID]; ok {
		return st, nil
	}
	return models.JobStatus{State: models.JobPending}, nil
}

func (f *fakeVideo) succeed(jobID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := "https://provider.example/" + jobID + ".mp4"
	f.status[jobID] = models.JobStatus{State: models.JobSuccess, Result: models.JobResult{Ref: ref}}
	return ref
}

func (f *fakePlanner) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeVideo) setSubmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

func (f *fakeVideo) queryCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[jobID]
}

func (f *fakeVideo) lastRequest() models.VideoRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakePlanner struct {
	mu    sync.Mutex
	items int // when >0 overrides the requested count
	block bool
	gate  chan struct{} // when set, Plan waits for it to close
	err   error
}

func (f *fakePlanner) Plan(ctx context.Context, req models.PlanRequest) (*models.Plan, error) {
	f.mu.Lock()
	items, block, gate, err := f.items, f.block, f.gate, f.err
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if items == 0 {
		items = req.SegmentCount
	}
	plan := &models.Plan{Title: "The fox", ContinuityNotes: "same fox, same river"}
	for i := 0; i < items; i++ {
		plan.Segments = append(plan.Segments, models.PlanItem{
			VideoPrompt:    fmt.Sprintf("beat %d", i),
			NarrationText:  fmt.Sprintf("narration %d", i),
			EndFramePrompt: fmt.Sprintf("end %d", i),
		})
	}
	return plan, nil
}

type fakeVoice struct{}

func (fakeVoice) CloneVoice(_ context.Context, sample io.Reader, _ string, voiceID string) (string, error) {
	if _, err := io.ReadAll(sample); err != nil {
		return "", err
	}
	return voiceID, nil
}

type fakeNarration struct {
	mu  sync.Mutex
	err error
}

func (f *fakeNarration) Synthesize(_ context.Context, text, voiceRef string) (*models.AudioClip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &models.AudioClip{Data: []byte(voiceRef + ":" + text), Format: "mp3"}, nil
}

type fakeFrames struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeFrames) ExtractLastFrame(_ context.Context, videoRef, objectName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, videoRef)
	return objectName, nil
}

func (f *fakeFrames) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeMedia struct {
	mu       sync.Mutex
	failStep models.FinalizationStep
	runs     int
	videos   []string
	audios   []string
}

func (f *fakeMedia) fail(step models.FinalizationStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStep = step
}

func (f *fakeMedia) ConcatVideos(_ context.Context, refs []string, objectName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	f.videos = append([]string(nil), refs...)
	if f.failStep == models.StepConcatVideo {
		return "", errors.New("corrupt input")
	}
	return objectName, nil
}

func (f *fakeMedia) ConcatAudios(_ context.Context, refs []string, _ int, objectName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audios = append([]string(nil), refs...)
	if f.failStep == models.StepConcatAudio {
		return "", errors.New("bad sample rate")
	}
	return objectName, nil
}

func (f *fakeMedia) Mux(_ context.Context, _, _, objectName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStep == models.StepMux {
		return "", errors.New("mux exploded")
	}
	return objectName, nil
}

type fakeAssets struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeAssets() *fakeAssets {
	return &fakeAssets{objects: make(map[string][]byte)}
}

func (f *fakeAssets) Put(_ context.Context, objectName string, r io.Reader, _ int64) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objectName] = b
	return objectName, nil
}

func (f *fakeAssets) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[ref]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", ref, models.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeAssets) Mirror(_ context.Context, objectName, sourceURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objectName] = []byte(sourceURL)
	return objectName, nil
}

func (f *fakeAssets) URL(_ context.Context, ref string) (string, error) {
	if isRemote(ref) {
		return ref, nil
	}
	return "https://assets.example/" + ref, nil
}

func (f *fakeAssets) has(objectName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[objectName]
	return ok
}

// harness wires an Orchestrator to fakes with a running poller.
type harness struct {
	orch       *Orchestrator
	store      *models.MemoryStore
	poller     *Poller
	jobs       *LocalJobs
	video      *fakeVideo
	planner    *fakePlanner
	narration  *fakeNarration
	frames     *fakeFrames
	media      *fakeMedia
	assets     *fakeAssets
	dispatcher *InlineDispatcher
}

func newHarness(t *testing.T, videoPolicy Policy) *harness {
	t.Helper()
	logger := logging.Nop()
	fast := Policy{Interval: 2 * time.Millisecond, MaxPolls: 2500}
	h := &harness{
		store:      models.NewMemoryStore(),
		poller:     NewPoller(time.Hour, logger),
		jobs:       NewLocalJobs(logger),
		video:      newFakeVideo(),
		planner:    &fakePlanner{},
		narration:  &fakeNarration{},
		frames:     &fakeFrames{},
		media:      &fakeMedia{},
		assets:     newFakeAssets(),
		dispatcher: NewInlineDispatcher(logger),
	}
	h.orch = NewOrchestrator(Deps{
		Store:  h.store,
		Locker: NewLocalLocker(),
		Poller: h.poller,
		Policies: Policies{
			models.TaskKindVideo:      videoPolicy,
			models.TaskKindPlan:       fast,
			models.TaskKindVoiceClone: fast,
			models.TaskKindAudio:      fast,
		},
		Jobs:       h.jobs,
		Video:      h.video,
		Planner:    h.planner,
		Voice:      fakeVoice{},
		Narration:  h.narration,
		Frames:     h.frames,
		Media:      h.media,
		Assets:     h.assets,
		Dispatcher: h.dispatcher,
		Resolution: "768P",
		Logger:     logger,
	})
	h.dispatcher.Bind(NewProcessor(h.orch, logger).Mux())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.poller.Run(ctx, h.orch.HandleCompletion)
	}()
	t.Cleanup(func() {
		h.dispatcher.Wait()
		h.poller.Stop()
		cancel()
		<-done
	})
	return h
}

func fastVideo() Policy {
	return Policy{Interval: 2 * time.Millisecond, MaxPolls: 2500}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) getProject(t *testing.T, id string) *models.Project {
	t.Helper()
	p, err := h.store.GetProject(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	return p
}

func (h *harness) getSegment(t *testing.T, id string) *models.Segment {
	t.Helper()
	s, err := h.store.GetSegment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	return s
}

func (h *harness) segments(t *testing.T, projectID string) []*models.Segment {
	t.Helper()
	segs, err := h.store.ListSegments(context.Background(), projectID)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	return segs
}

// newProject creates a project with both media attached.
func (h *harness) newProject(t *testing.T, target, segment int) *models.Project {
	t.Helper()
	ctx := context.Background()
	p, err := h.orch.CreateProject(ctx, CreateProjectInput{Name: "fox", StoryPrompt: "a fox crosses a river", TargetDuration: target, SegmentDuration: segment})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := h.orch.AttachMedia(ctx, p.ID, MediaFirstFrame, "frame.png", strings.NewReader("png"), 3); err != nil {
		t.Fatalf("AttachMedia first frame: %v", err)
	}
	p, err = h.orch.AttachMedia(ctx, p.ID, MediaAudioSample, "voice.mp3", strings.NewReader("mp3"), 3)
	if err != nil {
		t.Fatalf("AttachMedia audio: %v", err)
	}
	return p
}

func (h *harness) plan(t *testing.T, projectID string) []*models.Segment {
	t.Helper()
	if _, err := h.orch.GeneratePlan(context.Background(), projectID, ""); err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	eventually(t, "plan applied", func() bool {
		p := h.getProject(t, projectID)
		return p.PlanJobID == "" && len(p.SegmentIDs) > 0
	})
	return h.segments(t, projectID)
}

func (h *harness) cloneVoice(t *testing.T, projectID string) {
	t.Helper()
	if _, err := h.orch.CloneVoice(context.Background(), projectID); err != nil {
		t.Fatalf("CloneVoice: %v", err)
	}
	eventually(t, "voice cloned", func() bool {
		return h.getProject(t, projectID).VoiceRef != ""
	})
}

// generate approves the prompt, starts generation and lets the video succeed.
func (h *harness) generate(t *testing.T, segmentID string) *models.Segment {
	t.Helper()
	ctx := context.Background()
	if s := h.getSegment(t, segmentID); s.Status == models.SegmentPromptReady {
		if _, err := h.orch.ApprovePrompt(ctx, segmentID); err != nil {
			t.Fatalf("ApprovePrompt: %v", err)
		}
	}
	seg, err := h.orch.GenerateSegment(ctx, segmentID)
	if err != nil {
		t.Fatalf("GenerateSegment: %v", err)
	}
	h.video.succeed(seg.VideoJobID)
	eventually(t, "segment generated", func() bool {
		return h.getSegment(t, segmentID).Status == models.SegmentGenerated
	})
	return h.getSegment(t, segmentID)
}

// approveAll drives every segment to segment_approved with narration.
func (h *harness) approveAll(t *testing.T, projectID string) {
	t.Helper()
	for _, s := range h.segments(t, projectID) {
		h.generate(t, s.ID)
		eventually(t, "narration stored", func() bool {
			return h.getSegment(t, s.ID).AudioRef != ""
		})
		if _, err := h.orch.ApproveVideo(context.Background(), s.ID); err != nil {
			t.Fatalf("ApproveVideo: %v", err)
		}
	}
}

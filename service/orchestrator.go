package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/milanziuziakowski/video-creator-sub000/logging"
	"github.com/milanziuziakowski/video-creator-sub000/metrics"
	"github.com/milanziuziakowski/video-creator-sub000/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type MediaKind string

const (
	MediaFirstFrame  MediaKind = "first_frame"
	MediaAudioSample MediaKind = "audio_sample"
	MediaLastFrame   MediaKind = "last_frame" // segment only: target end frame
)

// Deps are the collaborators an Orchestrator composes.
type Deps struct {
	Store      models.Store
	Locker     Locker
	Poller     *Poller
	Policies   Policies
	Jobs       *LocalJobs
	Video      VideoProvider
	Planner    Planner
	Voice      VoiceCloner
	Narration  NarrationSynthesizer
	Frames     FrameExtractor
	Media      MediaAssembler
	Assets     AssetStore
	Dispatcher Dispatcher
	Resolution string
	Logger     *zerolog.Logger
}

// Orchestrator is the entry point the API layer calls. It sequences the
// providers, the segment and project state machines, the poller and the
// finalization pipeline.
type Orchestrator struct {
	store      models.Store
	locker     Locker
	poller     *Poller
	policies   Policies
	jobs       *LocalJobs
	video      VideoProvider
	planner    Planner
	voice      VoiceCloner
	narration  NarrationSynthesizer
	assets     AssetStore
	dispatcher Dispatcher
	continuity *ContinuityResolver
	finalizer  *FinalizationPipeline
	resolution string
	logger     *zerolog.Logger
}

func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		store:      d.Store,
		locker:     d.Locker,
		poller:     d.Poller,
		policies:   d.Policies,
		jobs:       d.Jobs,
		video:      d.Video,
		planner:    d.Planner,
		voice:      d.Voice,
		narration:  d.Narration,
		assets:     d.Assets,
		dispatcher: d.Dispatcher,
		continuity: NewContinuityResolver(d.Frames),
		finalizer:  NewFinalizationPipeline(d.Media, d.Logger),
		resolution: d.Resolution,
		logger:     d.Logger,
	}
}

type CreateProjectInput struct {
	Name            string `json:"name"`
	StoryPrompt     string `json:"storyPrompt"`
	TargetDuration  int    `json:"targetDuration"`
	SegmentDuration int    `json:"segmentDuration"`
}

func (o *Orchestrator) CreateProject(ctx context.Context, in CreateProjectInput) (*models.Project, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("project name is required: %w", models.ErrInvalidInput)
	}
	if err := models.ValidateDurations(in.TargetDuration, in.SegmentDuration); err != nil {
		return nil, err
	}
	now := time.Now()
	p := &models.Project{
		ID:              uuid.NewString(),
		Name:            in.Name,
		StoryPrompt:     in.StoryPrompt,
		TargetDuration:  in.TargetDuration,
		SegmentDuration: in.SegmentDuration,
		SegmentIDs:      []string{},
		Status:          models.ProjectCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.SaveProject(ctx, p); err != nil {
		return nil, err
	}
	o.logger.Info().Str("project_id", p.ID).Int("target", p.TargetDuration).Int("segment", p.SegmentDuration).Msg("project created")
	return p, nil
}

func (o *Orchestrator) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	return o.store.GetProject(ctx, projectID)
}

func (o *Orchestrator) ListSegments(ctx context.Context, projectID string) ([]*models.Segment, error) {
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return o.store.ListSegments(ctx, projectID)
}

// TaskStatus mirrors the poller's per-job view.
func (o *Orchestrator) TaskStatus(jobID string) (models.GenerationTask, error) {
	t, ok := o.poller.Lookup(jobID)
	if !ok {
		return models.GenerationTask{}, fmt.Errorf("task %s: %w", jobID, models.ErrNotFound)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// locking helpers

// withProject runs fn on a fresh snapshot under the project lock. When fn
// succeeds the project status is recomputed and the snapshot saved.
func (o *Orchestrator) withProject(ctx context.Context, projectID string, fn func(p *models.Project) error) (*models.Project, error) {
	unlock, err := o.locker.Lock(ctx, projectLockKey(projectID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	if err := o.refreshLocked(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// refreshLocked recomputes and saves the derived status. Caller holds the project lock.
func (o *Orchestrator) refreshLocked(ctx context.Context, p *models.Project) error {
	segments, err := o.store.ListSegments(ctx, p.ID)
	if err != nil {
		return err
	}
	from := p.Status
	if to := p.Evaluate(segments); to != from {
		o.logger.Info().Str("project_id", p.ID).Str("from", string(from)).Str("to", string(to)).Msg("project status changed")
	}
	return o.store.SaveProject(ctx, p)
}

func (o *Orchestrator) refreshProject(ctx context.Context, projectID string) error {
	_, err := o.withProject(ctx, projectID, func(*models.Project) error { return nil })
	return err
}

func activeProject(p *models.Project) error {
	if p.DeleteRequested {
		return fmt.Errorf("project %s is being deleted: %w", p.ID, models.ErrPreconditionFailed)
	}
	return nil
}

// withSegment applies a state-machine operation under the segment lock and
// saves only when it succeeds, so rejected operations leave state unchanged.
func (o *Orchestrator) withSegment(ctx context.Context, segmentID string, fn func(p *models.Project, s *models.Segment) error) (*models.Segment, error) {
	unlock, err := o.locker.Lock(ctx, segmentLockKey(segmentID))
	if err != nil {
		return nil, err
	}
	seg, err := o.mutateSegmentLocked(ctx, segmentID, func(p *models.Project, s *models.Segment) error {
		if err := activeProject(p); err != nil {
			return err
		}
		return fn(p, s)
	})
	unlock()
	if err != nil {
		return nil, err
	}
	if err := o.refreshProject(ctx, seg.ProjectID); err != nil {
		return nil, err
	}
	return seg, nil
}

// mutateSegmentLocked loads, applies and saves. Completions use it directly
// so they still settle on a project that is being deleted.
func (o *Orchestrator) mutateSegmentLocked(ctx context.Context, segmentID string, fn func(p *models.Project, s *models.Segment) error) (*models.Segment, error) {
	seg, err := o.store.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	p, err := o.store.GetProject(ctx, seg.ProjectID)
	if err != nil {
		return nil, err
	}
	from := seg.Status
	if err := fn(p, seg); err != nil {
		return nil, err
	}
	if err := o.store.SaveSegment(ctx, seg); err != nil {
		return nil, err
	}
	if seg.Status != from {
		metrics.IncSegmentTransition(string(seg.Status))
	}
	return seg, nil
}

// track registers a submitted job with the poller using the kind's policy.
func (o *Orchestrator) track(kind models.TaskKind, jobID, projectID, segmentID string, checker StatusChecker) error {
	metrics.IncJobSubmitted(string(kind))
	return o.watch(kind, jobID, projectID, segmentID, checker)
}

func (o *Orchestrator) watch(kind models.TaskKind, jobID, projectID, segmentID string, checker StatusChecker) error {
	pol := o.policies[kind]
	return o.poller.Track(models.GenerationTask{
		JobID:        jobID,
		Kind:         kind,
		ProjectID:    projectID,
		SegmentID:    segmentID,
		SubmittedAt:  time.Now(),
		PollInterval: pol.Interval,
		MaxPolls:     pol.MaxPolls,
	}, checker)
}

func mediaExt(filename, fallback string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		return fallback
	}
	return ext
}

// ---------------------------------------------------------------------------
// media

// AttachMedia stores the project's first frame or audio sample. Replacing
// the audio sample drops any voice cloned from the previous one.
func (o *Orchestrator) AttachMedia(ctx context.Context, projectID string, kind MediaKind, filename string, r io.Reader, size int64) (*models.Project, error) {
	var fallback string
	switch kind {
	case MediaFirstFrame:
		fallback = ".png"
	case MediaAudioSample:
		fallback = ".mp3"
	default:
		return nil, fmt.Errorf("unknown project media kind %q: %w", kind, models.ErrInvalidInput)
	}
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	objectName := fmt.Sprintf("projects/%s/media/%s%s", projectID, kind, mediaExt(filename, fallback))
	ref, err := o.assets.Put(ctx, objectName, r, size)
	if err != nil {
		return nil, err
	}

	return o.withProject(ctx, projectID, func(p *models.Project) error {
		if err := activeProject(p); err != nil {
			return err
		}
		if p.FinalizeJobID != "" || p.FinalRef != "" {
			return &models.InvalidStateError{Entity: "project", ID: p.ID, Op: "attach media", Status: string(p.Status)}
		}
		switch kind {
		case MediaFirstFrame:
			p.FirstFrameRef = ref
		case MediaAudioSample:
			if p.VoiceJobID != "" {
				return &models.ConcurrentJobError{Entity: "project", ID: p.ID, JobID: p.VoiceJobID}
			}
			p.AudioSampleRef = ref
			p.VoiceRef = ""
		}
		return nil
	})
}

// AttachSegmentFrame stores a user supplied first frame or target last frame
// for one segment. Not allowed once the segment has a video job.
func (o *Orchestrator) AttachSegmentFrame(ctx context.Context, segmentID string, kind MediaKind, filename string, r io.Reader, size int64) (*models.Segment, error) {
	if kind != MediaFirstFrame && kind != MediaLastFrame {
		return nil, fmt.Errorf("unknown segment frame kind %q: %w", kind, models.ErrInvalidInput)
	}
	seg, err := o.store.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	objectName := fmt.Sprintf("projects/%s/segments/%02d/%s%s", seg.ProjectID, seg.Index, kind, mediaExt(filename, ".png"))
	ref, err := o.assets.Put(ctx, objectName, r, size)
	if err != nil {
		return nil, err
	}
	return o.withSegment(ctx, segmentID, func(_ *models.Project, s *models.Segment) error {
		switch s.Status {
		case models.SegmentGenerating, models.SegmentGenerated, models.SegmentSegmentApproved:
			return &models.InvalidStateError{Entity: "segment", ID: s.ID, Op: "attach frame", Status: string(s.Status)}
		}
		if kind == MediaFirstFrame {
			s.FirstFrameRef = ref
		} else {
			s.TargetLastFrameRef = ref
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// plan and voice

// GeneratePlan submits a planning job for target/segment beats. An empty
// storyPrompt reuses the one stored on the project.
func (o *Orchestrator) GeneratePlan(ctx context.Context, projectID, storyPrompt string) (*models.Project, error) {
	return o.withProject(ctx, projectID, func(p *models.Project) error {
		if err := activeProject(p); err != nil {
			return err
		}
		if !p.HasMedia() {
			return fmt.Errorf("plan requires first frame and audio sample: %w", models.ErrPreconditionFailed)
		}
		if err := models.ValidateDurations(p.TargetDuration, p.SegmentDuration); err != nil {
			return err
		}
		if p.PlanJobID != "" {
			return &models.ConcurrentJobError{Entity: "project", ID: p.ID, JobID: p.PlanJobID}
		}
		if p.FinalizeJobID != "" || p.FinalRef != "" {
			return &models.InvalidStateError{Entity: "project", ID: p.ID, Op: "generate plan", Status: string(p.Status)}
		}
		segments, err := o.store.ListSegments(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, s := range segments {
			if s.HasOutstandingJob() {
				return &models.ConcurrentJobError{Entity: "segment", ID: s.ID, JobID: s.VideoJobID + s.AudioJobID}
			}
		}
		if storyPrompt = strings.TrimSpace(storyPrompt); storyPrompt != "" {
			p.StoryPrompt = storyPrompt
		}
		if p.StoryPrompt == "" {
			return fmt.Errorf("story prompt is required: %w", models.ErrInvalidInput)
		}

		req := models.PlanRequest{
			StoryPrompt:     p.StoryPrompt,
			SegmentCount:    p.SegmentCount(),
			SegmentDuration: p.SegmentDuration,
		}
		jobID := o.jobs.Start(models.TaskKindPlan, func(ctx context.Context) (models.JobResult, error) {
			plan, err := o.planner.Plan(ctx, req)
			if err != nil {
				return models.JobResult{}, err
			}
			return models.JobResult{Plan: plan}, nil
		})
		if err := o.track(models.TaskKindPlan, jobID, p.ID, "", o.jobs); err != nil {
			o.jobs.CancelJob(ctx, jobID)
			return err
		}
		p.PlanJobID = jobID
		p.FailureReason = ""
		p.FailedStep = ""
		o.logger.Info().Str("project_id", p.ID).Str("job_id", jobID).Int("segments", req.SegmentCount).Msg("plan submitted")
		return nil
	})
}

func (o *Orchestrator) completePlan(ctx context.Context, c models.Completion) error {
	_, err := o.withProject(ctx, c.Task.ProjectID, func(p *models.Project) error {
		if p.PlanJobID != c.Task.JobID {
			return fmt.Errorf("plan job %s: %w", c.Task.JobID, models.ErrStaleJob)
		}
		p.PlanJobID = ""
		if c.Err != nil {
			if !errors.Is(c.Err, context.Canceled) {
				p.FailureReason = c.Err.Error()
			}
			return nil
		}
		plan := c.Task.Result.Plan
		if plan == nil || len(plan.Segments) != p.SegmentCount() {
			got := 0
			if plan != nil {
				got = len(plan.Segments)
			}
			perr := models.NewProviderError(models.TaskKindPlan, c.Task.JobID, fmt.Errorf("expected %d segments, got %d", p.SegmentCount(), got))
			p.FailureReason = perr.Error()
			return nil
		}
		segments, err := o.store.ListSegments(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, s := range segments {
			if s.HasOutstandingJob() {
				p.FailureReason = fmt.Sprintf("plan %s discarded: segment %d has job %s in flight", c.Task.JobID, s.Index, s.VideoJobID+s.AudioJobID)
				o.logger.Warn().Str("project_id", p.ID).Str("job_id", c.Task.JobID).Str("segment_id", s.ID).Msg("plan discarded, segment busy")
				return nil
			}
		}
		return o.applyPlanLocked(ctx, p, plan)
	})
	return err
}

// applyPlanLocked replaces the project's segments with one per plan item.
func (o *Orchestrator) applyPlanLocked(ctx context.Context, p *models.Project, plan *models.Plan) error {
	if err := o.store.DeleteSegments(ctx, p.ID); err != nil {
		return err
	}
	segments := make([]*models.Segment, len(plan.Segments))
	ids := make([]string, len(plan.Segments))
	for i, item := range plan.Segments {
		s := models.NewSegment(uuid.NewString(), p.ID, i)
		if err := s.ApplyPlan(item); err != nil {
			return err
		}
		segments[i] = s
		ids[i] = s.ID
		metrics.IncSegmentTransition(string(s.Status))
	}
	if err := o.store.SaveSegments(ctx, segments); err != nil {
		return err
	}
	p.SegmentIDs = ids
	p.PlanTitle = plan.Title
	p.ContinuityNotes = plan.ContinuityNotes
	o.logger.Info().Str("project_id", p.ID).Int("segments", len(segments)).Str("title", plan.Title).Msg("plan applied")
	return nil
}

// CloneVoice submits a voice-clone job for the uploaded audio sample.
func (o *Orchestrator) CloneVoice(ctx context.Context, projectID string) (*models.Project, error) {
	return o.withProject(ctx, projectID, func(p *models.Project) error {
		if err := activeProject(p); err != nil {
			return err
		}
		if p.AudioSampleRef == "" {
			return fmt.Errorf("voice clone requires an audio sample: %w", models.ErrPreconditionFailed)
		}
		if p.VoiceJobID != "" {
			return &models.ConcurrentJobError{Entity: "project", ID: p.ID, JobID: p.VoiceJobID}
		}
		sampleRef := p.AudioSampleRef
		voiceID := "vc" + strings.ReplaceAll(uuid.NewString(), "-", "")[:18]
		jobID := o.jobs.Start(models.TaskKindVoiceClone, func(ctx context.Context) (models.JobResult, error) {
			sample, err := o.assets.Open(ctx, sampleRef)
			if err != nil {
				return models.JobResult{}, err
			}
			defer sample.Close()
			ref, err := o.voice.CloneVoice(ctx, sample, path.Base(sampleRef), voiceID)
			if err != nil {
				return models.JobResult{}, err
			}
			return models.JobResult{Ref: ref}, nil
		})
		if err := o.track(models.TaskKindVoiceClone, jobID, p.ID, "", o.jobs); err != nil {
			o.jobs.CancelJob(ctx, jobID)
			return err
		}
		p.VoiceJobID = jobID
		p.FailureReason = ""
		o.logger.Info().Str("project_id", p.ID).Str("job_id", jobID).Msg("voice clone submitted")
		return nil
	})
}

func (o *Orchestrator) completeVoice(ctx context.Context, c models.Completion) error {
	_, err := o.withProject(ctx, c.Task.ProjectID, func(p *models.Project) error {
		if p.VoiceJobID != c.Task.JobID {
			return fmt.Errorf("voice job %s: %w", c.Task.JobID, models.ErrStaleJob)
		}
		p.VoiceJobID = ""
		switch {
		case c.Err == nil:
			p.VoiceRef = c.Task.Result.Ref
		case !errors.Is(c.Err, context.Canceled):
			p.FailureReason = c.Err.Error()
		}
		return nil
	})
	return err
}

// ---------------------------------------------------------------------------
// segment gates

func (o *Orchestrator) ApprovePrompt(ctx context.Context, segmentID string) (*models.Segment, error) {
	return o.withSegment(ctx, segmentID, func(_ *models.Project, s *models.Segment) error {
		return s.ApprovePrompt()
	})
}

func (o *Orchestrator) EditSegment(ctx context.Context, segmentID string, edit models.SegmentEdit) (*models.Segment, error) {
	if edit.Empty() {
		return nil, fmt.Errorf("nothing to edit: %w", models.ErrInvalidInput)
	}
	return o.withSegment(ctx, segmentID, func(_ *models.Project, s *models.Segment) error {
		return s.Edit(edit)
	})
}

// RetrySegment re-enters approved (skipApproval) or prompt_ready from failed.
func (o *Orchestrator) RetrySegment(ctx context.Context, segmentID string, skipApproval bool) (*models.Segment, error) {
	return o.withSegment(ctx, segmentID, func(_ *models.Project, s *models.Segment) error {
		return s.Retry(skipApproval)
	})
}

// ApproveVideo is the gate after review. Narration is not required here;
// finalization is the first step that needs both media.
func (o *Orchestrator) ApproveVideo(ctx context.Context, segmentID string) (*models.Segment, error) {
	return o.withSegment(ctx, segmentID, func(_ *models.Project, s *models.Segment) error {
		return s.ApproveVideo()
	})
}

// ---------------------------------------------------------------------------
// generation

// GenerateSegment performs start_generation under the segment lock and
// submits narration alongside it. A failed segment whose prompt approval
// survived is retried implicitly.
func (o *Orchestrator) GenerateSegment(ctx context.Context, segmentID string) (*models.Segment, error) {
	defer logging.TraceDuration(o.logger, "Orchestrator.GenerateSegment")()

	unlock, err := o.locker.Lock(ctx, segmentLockKey(segmentID))
	if err != nil {
		return nil, err
	}
	seg, err := o.startGenerationLocked(ctx, segmentID)
	unlock()
	if seg != nil {
		if rerr := o.refreshProject(ctx, seg.ProjectID); rerr != nil {
			o.logger.Error().Err(rerr).Str("project_id", seg.ProjectID).Msg("refresh project failed")
		}
	}
	if err != nil {
		return nil, err
	}
	return seg, nil
}

// startGenerationLocked returns the segment whenever it was saved, even
// alongside an error, so the caller can refresh the project.
func (o *Orchestrator) startGenerationLocked(ctx context.Context, segmentID string) (*models.Segment, error) {
	seg, err := o.store.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	p, err := o.store.GetProject(ctx, seg.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := activeProject(p); err != nil {
		return nil, err
	}
	if p.PlanJobID != "" {
		// a landing plan replaces every segment
		return nil, &models.ConcurrentJobError{Entity: "project", ID: p.ID, JobID: p.PlanJobID}
	}
	log := o.logger.With().Str("project_id", p.ID).Str("segment_id", seg.ID).Int("index", seg.Index).Logger()

	if seg.Status == models.SegmentFailed && seg.PromptApproved && seg.VideoJobID == "" {
		if err := seg.Retry(true); err != nil {
			return nil, err
		}
	}

	var prev *models.Segment
	if seg.Index > 0 {
		segments, err := o.store.ListSegments(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, s := range segments {
			if s.Index == seg.Index-1 {
				prev = s
				break
			}
		}
	}
	if err := seg.CheckStart(prev); err != nil {
		return nil, err
	}

	res, err := o.continuity.Resolve(ctx, p, seg, prev)
	if err != nil {
		return nil, err
	}
	if res.UpdatedPrev != nil {
		o.cacheLastFrame(ctx, res.UpdatedPrev.ID, res.UpdatedPrev.VideoRef, res.FirstFrameRef)
	}

	req := models.VideoRequest{
		Prompt:     seg.VideoPrompt,
		Duration:   p.SegmentDuration,
		Resolution: o.resolution,
	}
	if req.FirstFrameURL, err = o.assets.URL(ctx, res.FirstFrameRef); err != nil {
		return nil, err
	}
	if seg.TargetLastFrameRef != "" {
		if req.LastFrameURL, err = o.assets.URL(ctx, seg.TargetLastFrameRef); err != nil {
			return nil, err
		}
	}

	jobID, err := o.video.SubmitVideo(ctx, req)
	if err != nil {
		perr := models.NewProviderError(models.TaskKindVideo, "", err)
		if ferr := seg.Fail(perr); ferr != nil {
			return nil, ferr
		}
		if serr := o.store.SaveSegment(ctx, seg); serr != nil {
			return nil, serr
		}
		metrics.IncSegmentTransition(string(seg.Status))
		log.Error().Err(err).Msg("video submission failed")
		return seg, perr
	}

	seg.FirstFrameRef = res.FirstFrameRef
	if err := seg.BeginGeneration(jobID); err != nil {
		return nil, err
	}
	if err := o.track(models.TaskKindVideo, jobID, p.ID, seg.ID, o.video); err != nil {
		terr := fmt.Errorf("track video job %s: %w", jobID, err)
		if _, ferr := seg.FailGeneration(jobID, terr); ferr != nil {
			return nil, ferr
		}
		if serr := o.store.SaveSegment(ctx, seg); serr != nil {
			return nil, serr
		}
		metrics.IncSegmentTransition(string(seg.Status))
		log.Error().Err(err).Str("job_id", jobID).Msg("track video job failed, job left running upstream")
		return seg, terr
	}
	if err := o.store.SaveSegment(ctx, seg); err != nil {
		return nil, err
	}
	metrics.IncSegmentTransition(string(seg.Status))
	log.Info().Str("job_id", jobID).Str("first_frame", res.FirstFrameRef).Msg("video submitted")

	if err := o.startNarrationLocked(ctx, p, seg, false); err != nil {
		// narration is tracked separately and never blocks the video job
		log.Warn().Err(err).Msg("narration not started")
	}
	return seg, nil
}

// cacheLastFrame stores an extracted frame on the previous segment, provided
// its video did not change in the meantime.
func (o *Orchestrator) cacheLastFrame(ctx context.Context, prevID, videoRef, frameRef string) {
	unlock, err := o.locker.Lock(ctx, segmentLockKey(prevID))
	if err != nil {
		return
	}
	defer unlock()
	prev, err := o.store.GetSegment(ctx, prevID)
	if err != nil || prev.VideoRef != videoRef {
		return
	}
	prev.LastFrameRef = frameRef
	if err := o.store.SaveSegment(ctx, prev); err != nil {
		o.logger.Warn().Err(err).Str("segment_id", prevID).Msg("cache last frame failed")
	}
}

// startNarrationLocked submits narration synthesis. Without force it
// silently skips when there is no voice, no text, or a job in flight.
func (o *Orchestrator) startNarrationLocked(ctx context.Context, p *models.Project, seg *models.Segment, force bool) error {
	switch {
	case p.VoiceRef == "":
		if force {
			return fmt.Errorf("narration requires a cloned voice: %w", models.ErrPreconditionFailed)
		}
		return nil
	case strings.TrimSpace(seg.NarrationText) == "":
		if force {
			return fmt.Errorf("segment %s has no narration text: %w", seg.ID, models.ErrPreconditionFailed)
		}
		return nil
	case seg.AudioJobID != "":
		if force {
			return &models.ConcurrentJobError{Entity: "segment", ID: seg.ID, JobID: seg.AudioJobID}
		}
		return nil
	}

	text, voiceRef := seg.NarrationText, p.VoiceRef
	prefix := fmt.Sprintf("projects/%s/segments/%02d/narration-%s", p.ID, seg.Index, uuid.NewString()[:8])
	jobID := o.jobs.Start(models.TaskKindAudio, func(ctx context.Context) (models.JobResult, error) {
		clip, err := o.narration.Synthesize(ctx, text, voiceRef)
		if err != nil {
			return models.JobResult{}, err
		}
		ref, err := o.assets.Put(ctx, prefix+"."+clip.Format, bytes.NewReader(clip.Data), int64(len(clip.Data)))
		if err != nil {
			return models.JobResult{}, err
		}
		return models.JobResult{Ref: ref}, nil
	})
	if err := seg.BeginNarration(jobID); err != nil {
		o.jobs.CancelJob(ctx, jobID)
		return err
	}
	if err := o.track(models.TaskKindAudio, jobID, p.ID, seg.ID, o.jobs); err != nil {
		o.jobs.CancelJob(ctx, jobID)
		return err
	}
	if err := o.store.SaveSegment(ctx, seg); err != nil {
		return err
	}
	o.logger.Info().Str("segment_id", seg.ID).Str("job_id", jobID).Msg("narration submitted")
	return nil
}

// RegenerateNarration explicitly (re)synthesizes a segment's narration.
func (o *Orchestrator) RegenerateNarration(ctx context.Context, segmentID string) (*models.Segment, error) {
	unlock, err := o.locker.Lock(ctx, segmentLockKey(segmentID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	seg, err := o.store.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	p, err := o.store.GetProject(ctx, seg.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := activeProject(p); err != nil {
		return nil, err
	}
	if seg.Status == models.SegmentPending || p.FinalizeJobID != "" || p.FinalRef != "" {
		return nil, &models.InvalidStateError{Entity: "segment", ID: seg.ID, Op: "regenerate narration", Status: string(seg.Status)}
	}
	if err := o.startNarrationLocked(ctx, p, seg, true); err != nil {
		return nil, err
	}
	return seg, nil
}

func (o *Orchestrator) completeVideo(ctx context.Context, c models.Completion) error {
	unlock, err := o.locker.Lock(ctx, segmentLockKey(c.Task.SegmentID))
	if err != nil {
		return err
	}
	seg, err := o.mutateSegmentLocked(ctx, c.Task.SegmentID, func(p *models.Project, s *models.Segment) error {
		jobID := c.Task.JobID
		if c.Err != nil {
			_, err := s.FailGeneration(jobID, c.Err)
			return err
		}
		ref := c.Task.Result.Ref
		if s.VideoJobID == jobID {
			ref = o.mirror(ctx, ref, fmt.Sprintf("projects/%s/segments/%02d/video-%s.mp4", p.ID, s.Index, shortJobID(jobID)))
		}
		_, err := s.CompleteGeneration(jobID, models.JobResult{Ref: ref})
		return err
	})
	unlock()
	if err != nil {
		return err
	}
	o.logger.Info().Str("segment_id", seg.ID).Str("status", string(seg.Status)).Str("job_id", c.Task.JobID).Msg("video job settled")
	return o.refreshProject(ctx, seg.ProjectID)
}

func (o *Orchestrator) completeNarration(ctx context.Context, c models.Completion) error {
	unlock, err := o.locker.Lock(ctx, segmentLockKey(c.Task.SegmentID))
	if err != nil {
		return err
	}
	defer unlock()
	_, err = o.mutateSegmentLocked(ctx, c.Task.SegmentID, func(_ *models.Project, s *models.Segment) error {
		if c.Err != nil {
			_, err := s.FailNarration(c.Task.JobID, c.Err)
			return err
		}
		_, err := s.CompleteNarration(c.Task.JobID, c.Task.Result)
		return err
	})
	return err
}

// mirror copies a provider URL into the asset store; on failure the
// provider URL is kept.
func (o *Orchestrator) mirror(ctx context.Context, ref, objectName string) string {
	if !isRemote(ref) {
		return ref
	}
	stored, err := o.assets.Mirror(ctx, objectName, ref)
	if err != nil {
		o.logger.Warn().Err(err).Str("object", objectName).Msg("mirror provider output failed, keeping provider url")
		return ref
	}
	return stored
}

func shortJobID(jobID string) string {
	id := strings.NewReplacer("/", "", ":", "").Replace(jobID)
	if len(id) > 16 {
		return id[len(id)-16:]
	}
	return id
}

// HandleCompletion routes a terminal poller result to its owner. Stale and
// duplicate deliveries are dropped.
func (o *Orchestrator) HandleCompletion(ctx context.Context, c models.Completion) {
	if c.Err != nil && c.Task.Kind != models.TaskKindVideo {
		// stop the provider call behind a timed-out local job
		_ = o.jobs.CancelJob(ctx, c.Task.JobID)
	}
	var err error
	switch c.Task.Kind {
	case models.TaskKindPlan:
		err = o.completePlan(ctx, c)
	case models.TaskKindVoiceClone:
		err = o.completeVoice(ctx, c)
	case models.TaskKindVideo:
		err = o.completeVideo(ctx, c)
	case models.TaskKindAudio:
		err = o.completeNarration(ctx, c)
	default:
		err = fmt.Errorf("unknown task kind %q", c.Task.Kind)
	}
	log := o.logger.With().Str("job_id", c.Task.JobID).Str("kind", string(c.Task.Kind)).Str("outcome", string(c.Task.Outcome)).Logger()
	switch {
	case err == nil:
	case errors.Is(err, models.ErrStaleJob), errors.Is(err, models.ErrNotFound):
		log.Debug().Err(err).Msg("completion dropped")
	default:
		log.Error().Err(err).Msg("completion handling failed")
	}
	o.completeDeletion(ctx, c.Task.ProjectID)
}

// ---------------------------------------------------------------------------
// finalization

// Finalize requires every segment approved with narration present, marks
// the project finalizing and hands the run to the dispatcher.
func (o *Orchestrator) Finalize(ctx context.Context, projectID string) (*models.Project, error) {
	var jobID string
	p, err := o.withProject(ctx, projectID, func(p *models.Project) error {
		if err := activeProject(p); err != nil {
			return err
		}
		if p.FinalizeJobID != "" {
			return &models.ConcurrentJobError{Entity: "project", ID: p.ID, JobID: p.FinalizeJobID}
		}
		segments, err := o.store.ListSegments(ctx, p.ID)
		if err != nil {
			return err
		}
		if p.FinalRef != "" || !models.AllSegmentsApproved(segments) {
			return &models.InvalidStateError{Entity: "project", ID: p.ID, Op: "finalize", Status: string(p.Status)}
		}
		for _, s := range segments {
			if s.AudioRef == "" {
				return fmt.Errorf("segment %d has no narration audio: %w", s.Index, models.ErrPreconditionFailed)
			}
		}
		jobID = "finalize-" + uuid.NewString()
		p.FinalizeJobID = jobID
		p.FailureReason = ""
		p.FailedStep = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := o.dispatcher.EnqueueFinalize(ctx, projectID, jobID); err != nil {
		o.logger.Error().Err(err).Str("project_id", projectID).Msg("enqueue finalization failed")
		_, _ = o.withProject(ctx, projectID, func(p *models.Project) error {
			if p.FinalizeJobID == jobID {
				p.FinalizeJobID = ""
			}
			return nil
		})
		return nil, err
	}
	metrics.IncJobSubmitted("finalize")
	return p, nil
}

// RunFinalization is the background half of Finalize. Failures are recorded
// on the project with their step and returned.
func (o *Orchestrator) RunFinalization(ctx context.Context, projectID, jobID string) error {
	defer logging.TraceDuration(o.logger, "Orchestrator.RunFinalization")()
	defer o.completeDeletion(context.WithoutCancel(ctx), projectID)

	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return o.failFinalization(ctx, projectID, jobID, err)
	}
	if p.FinalizeJobID != jobID {
		return fmt.Errorf("finalize job %s: %w", jobID, models.ErrStaleJob)
	}
	segments, err := o.store.ListSegments(ctx, projectID)
	if err != nil {
		return o.failFinalization(ctx, projectID, jobID, err)
	}

	commit := func(ctx context.Context, finalRef string) error {
		_, err := o.withProject(ctx, projectID, func(p *models.Project) error {
			if p.FinalizeJobID != jobID {
				return fmt.Errorf("finalize job %s: %w", jobID, models.ErrStaleJob)
			}
			p.FinalRef = finalRef
			p.FinalizeJobID = ""
			return nil
		})
		return err
	}

	_, runErr := o.finalizer.Run(ctx, p, segments, commit)
	if runErr == nil {
		metrics.IncJobCompleted("finalize", string(models.OutcomeSuccess))
		return nil
	}
	return o.failFinalization(ctx, projectID, jobID, runErr)
}

// failFinalization releases the finalize job id and records the failure.
func (o *Orchestrator) failFinalization(ctx context.Context, projectID, jobID string, runErr error) error {
	metrics.IncJobCompleted("finalize", string(models.OutcomeFailure))
	_, err := o.withProject(context.WithoutCancel(ctx), projectID, func(p *models.Project) error {
		if p.FinalizeJobID != jobID {
			return nil
		}
		p.FinalizeJobID = ""
		p.FailureReason = runErr.Error()
		var stepErr *models.FinalizationStepError
		if errors.As(runErr, &stepErr) {
			p.FailedStep = stepErr.Step
		}
		return nil
	})
	if err != nil {
		o.logger.Error().Err(err).Str("project_id", projectID).Msg("record finalization failure")
	}
	return runErr
}

// ---------------------------------------------------------------------------
// deletion

type outstandingJob struct {
	id       string
	canceler Canceler
}

func (o *Orchestrator) outstandingJobs(p *models.Project, segments []*models.Segment) []outstandingJob {
	var jobs []outstandingJob
	add := func(id string, c Canceler) {
		if id != "" {
			jobs = append(jobs, outstandingJob{id: id, canceler: c})
		}
	}
	videoCanceler, _ := o.video.(Canceler)
	add(p.VoiceJobID, o.jobs)
	add(p.PlanJobID, o.jobs)
	add(p.FinalizeJobID, nil)
	for _, s := range segments {
		add(s.VideoJobID, videoCanceler)
		add(s.AudioJobID, o.jobs)
	}
	return jobs
}

// DeleteProject cancels outstanding jobs upstream where the provider allows
// it. If any job cannot be cancelled the project is flagged and removed once
// the last job settles; ErrDeletionDeferred reports that case.
func (o *Orchestrator) DeleteProject(ctx context.Context, projectID string) error {
	unlock, err := o.locker.Lock(ctx, projectLockKey(projectID))
	if err != nil {
		return err
	}
	var cancelled []string
	defer func() {
		unlock()
		for _, id := range cancelled {
			o.poller.Cancel(id)
		}
	}()

	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	segments, err := o.store.ListSegments(ctx, projectID)
	if err != nil {
		return err
	}

	pending := 0
	for _, job := range o.outstandingJobs(p, segments) {
		if job.canceler == nil {
			pending++
			continue
		}
		if err := job.canceler.CancelJob(ctx, job.id); err != nil {
			o.logger.Warn().Err(err).Str("job_id", job.id).Msg("upstream cancel failed")
			pending++
			continue
		}
		cancelled = append(cancelled, job.id)
	}

	if pending > 0 {
		p.DeleteRequested = true
		if err := o.store.SaveProject(ctx, p); err != nil {
			return err
		}
		o.logger.Info().Str("project_id", p.ID).Int("pending_jobs", pending).Msg("deletion deferred")
		return fmt.Errorf("project %s: %d job(s) still running: %w", p.ID, pending, models.ErrDeletionDeferred)
	}
	return o.deleteLocked(ctx, p.ID)
}

func (o *Orchestrator) deleteLocked(ctx context.Context, projectID string) error {
	if err := o.store.DeleteSegments(ctx, projectID); err != nil {
		return err
	}
	if err := o.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	o.logger.Info().Str("project_id", projectID).Msg("project deleted")
	return nil
}

// completeDeletion finishes a deferred deletion once nothing is in flight.
func (o *Orchestrator) completeDeletion(ctx context.Context, projectID string) {
	if projectID == "" {
		return
	}
	unlock, err := o.locker.Lock(ctx, projectLockKey(projectID))
	if err != nil {
		return
	}
	defer unlock()

	p, err := o.store.GetProject(ctx, projectID)
	if err != nil || !p.DeleteRequested {
		return
	}
	segments, err := o.store.ListSegments(ctx, projectID)
	if err != nil {
		return
	}
	if len(o.outstandingJobs(p, segments)) > 0 {
		return
	}
	if err := o.deleteLocked(ctx, projectID); err != nil {
		o.logger.Error().Err(err).Str("project_id", projectID).Msg("deferred deletion failed")
	}
}

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/milanziuziakowski/video-creator-sub000/models"
)

var errJobLost = errors.New("job lost on restart")

// Resume re-attaches the job ids persisted by a previous process. Video jobs
// live upstream and are polled again by id. Plan, voice clone and narration
// jobs ran in that process and are settled as failed. Finalize runs are
// dispatched again under their recorded job id.
//
// Call it once after the poller and dispatcher are running.
func (o *Orchestrator) Resume(ctx context.Context) error {
	projects, err := o.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	var tracked, settled, dispatched int
	for _, p := range projects {
		segments, err := o.store.ListSegments(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("resume project %s: %w", p.ID, err)
		}
		lost := func(kind models.TaskKind, jobID, segmentID string) {
			settled++
			o.HandleCompletion(ctx, models.Completion{
				Task: models.GenerationTask{
					JobID:      jobID,
					Kind:       kind,
					ProjectID:  p.ID,
					SegmentID:  segmentID,
					LastStatus: models.JobFailure,
					Outcome:    models.OutcomeFailure,
				},
				Err: models.NewProviderError(kind, jobID, errJobLost),
			})
		}

		if p.PlanJobID != "" {
			lost(models.TaskKindPlan, p.PlanJobID, "")
		}
		if p.VoiceJobID != "" {
			lost(models.TaskKindVoiceClone, p.VoiceJobID, "")
		}
		for _, s := range segments {
			if s.VideoJobID != "" {
				err := o.watch(models.TaskKindVideo, s.VideoJobID, p.ID, s.ID, o.video)
				switch {
				case err == nil:
					tracked++
				case errors.Is(err, ErrAlreadyTracked):
				default:
					o.logger.Error().Err(err).Str("segment_id", s.ID).Str("job_id", s.VideoJobID).Msg("resume video job failed")
				}
			}
			if s.AudioJobID != "" {
				lost(models.TaskKindAudio, s.AudioJobID, s.ID)
			}
		}
		if p.FinalizeJobID != "" {
			err := o.dispatcher.EnqueueFinalize(ctx, p.ID, p.FinalizeJobID)
			switch {
			case err == nil:
				dispatched++
			case errors.Is(err, ErrAlreadyQueued):
			default:
				o.logger.Error().Err(err).Str("project_id", p.ID).Msg("resume finalization failed")
				_ = o.failFinalization(ctx, p.ID, p.FinalizeJobID, err)
			}
		}
	}
	o.logger.Info().Int("projects", len(projects)).Int("video_tracked", tracked).
		Int("local_settled", settled).Int("finalize_dispatched", dispatched).Msg("resumed outstanding jobs")
	return nil
}

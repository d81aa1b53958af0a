package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/milanziuziakowski/video-creator-sub000/metrics"
	"github.com/milanziuziakowski/video-creator-sub000/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// FinalizationPipeline assembles approved segments into the deliverable.
// It always runs every step from the ordered segment refs; there is no
// resume from a half-finished run.
type FinalizationPipeline struct {
	media  MediaAssembler
	logger *zerolog.Logger
}

func NewFinalizationPipeline(media MediaAssembler, logger *zerolog.Logger) *FinalizationPipeline {
	return &FinalizationPipeline{media: media, logger: logger}
}

// Run executes order, concat_video and concat_audio (concurrently), mux,
// then store through commit. Every failure is a FinalizationStepError.
func (f *FinalizationPipeline) Run(ctx context.Context, project *models.Project, segments []*models.Segment, commit func(ctx context.Context, finalRef string) error) (string, error) {
	log := f.logger.With().Str("project_id", project.ID).Logger()

	var ordered []*models.Segment
	err := f.step(models.StepOrder, func() error {
		var err error
		ordered, err = orderSegments(project, segments)
		return err
	})
	if err != nil {
		return "", err
	}

	videos := make([]string, len(ordered))
	audios := make([]string, len(ordered))
	for i, s := range ordered {
		videos[i] = s.VideoRef
		audios[i] = s.AudioRef
	}
	prefix := fmt.Sprintf("projects/%s/final", project.ID)

	var videoRef, audioRef string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.step(models.StepConcatVideo, func() error {
			var err error
			videoRef, err = f.media.ConcatVideos(gctx, videos, prefix+"/video.mp4")
			return err
		})
	})
	g.Go(func() error {
		return f.step(models.StepConcatAudio, func() error {
			var err error
			audioRef, err = f.media.ConcatAudios(gctx, audios, project.SegmentDuration, prefix+"/narration.m4a")
			return err
		})
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("finalization failed")
		return "", err
	}

	var finalRef string
	err = f.step(models.StepMux, func() error {
		var err error
		finalRef, err = f.media.Mux(ctx, videoRef, audioRef, prefix+"/final.mp4")
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("finalization failed")
		return "", err
	}

	err = f.step(models.StepStore, func() error {
		return commit(ctx, finalRef)
	})
	if err != nil {
		log.Error().Err(err).Msg("finalization failed")
		return "", err
	}
	log.Info().Str("final_ref", finalRef).Int("segments", len(ordered)).Msg("finalization complete")
	return finalRef, nil
}

func (f *FinalizationPipeline) step(step models.FinalizationStep, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.ObserveFinalizationStep(string(step), time.Since(start), err == nil)
	if err != nil {
		return &models.FinalizationStepError{Step: step, Err: err}
	}
	return nil
}

// orderSegments sorts by index and checks the set is complete, contiguous
// and fully approved with both media refs.
func orderSegments(project *models.Project, segments []*models.Segment) ([]*models.Segment, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("project %s has no segments", project.ID)
	}
	if want := project.SegmentCount(); want > 0 && len(segments) != want {
		return nil, fmt.Errorf("expected %d segments, have %d", want, len(segments))
	}
	ordered := append([]*models.Segment(nil), segments...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	for i, s := range ordered {
		if s.Index != i {
			return nil, fmt.Errorf("segment index gap at %d", i)
		}
		if !s.ReadyForFinalize() {
			return nil, fmt.Errorf("segment %d not ready (status=%s video=%t audio=%t)", i, s.Status, s.VideoRef != "", s.AudioRef != "")
		}
	}
	return ordered, nil
}

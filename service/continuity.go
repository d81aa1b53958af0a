package service

import (
	"context"
	"fmt"

	"github.com/milanziuziakowski/video-creator-sub000/models"
)

// ContinuityResolver decides which image a segment's video starts from.
// It is consulted only when a generation starts.
type ContinuityResolver struct {
	frames FrameExtractor
}

func NewContinuityResolver(frames FrameExtractor) *ContinuityResolver {
	return &ContinuityResolver{frames: frames}
}

// Resolution is the first frame plus, when a frame had to be extracted, the
// previous segment that now caches it and must be saved.
type Resolution struct {
	FirstFrameRef string
	UpdatedPrev   *models.Segment
}

// Resolve order: the segment's own upload, the project's first frame for
// index 0, the previous segment's cached last frame, then a fresh extraction
// from the previous segment's video.
func (r *ContinuityResolver) Resolve(ctx context.Context, project *models.Project, seg, prev *models.Segment) (Resolution, error) {
	if seg.FirstFrameRef != "" {
		return Resolution{FirstFrameRef: seg.FirstFrameRef}, nil
	}
	if seg.Index == 0 {
		if project.FirstFrameRef == "" {
			return Resolution{}, fmt.Errorf("project %s has no first frame: %w", project.ID, models.ErrPreconditionFailed)
		}
		return Resolution{FirstFrameRef: project.FirstFrameRef}, nil
	}
	if err := seg.CheckContinuity(prev); err != nil {
		return Resolution{}, err
	}
	if prev.LastFrameRef != "" {
		return Resolution{FirstFrameRef: prev.LastFrameRef}, nil
	}

	objectName := fmt.Sprintf("projects/%s/frames/segment_%02d_last.png", project.ID, prev.Index)
	ref, err := r.frames.ExtractLastFrame(ctx, prev.VideoRef, objectName)
	if err != nil {
		return Resolution{}, fmt.Errorf("extract last frame of segment %d: %w", prev.Index, err)
	}
	updated := *prev
	updated.LastFrameRef = ref
	return Resolution{FirstFrameRef: ref, UpdatedPrev: &updated}, nil
}

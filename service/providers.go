package service

import (
	"context"
	"io"

	"github.com/milanziuziakowski/video-creator-sub000/models"
)

// StatusChecker answers one status query for a submitted job.
type StatusChecker interface {
	CheckStatus(ctx context.Context, jobID string) (models.JobStatus, error)
}

// Canceler is implemented by providers that can abort a job upstream.
type Canceler interface {
	CancelJob(ctx context.Context, jobID string) error
}

// VideoProvider is job based: Submit returns an id that is polled through CheckStatus.
type VideoProvider interface {
	StatusChecker
	SubmitVideo(ctx context.Context, req models.VideoRequest) (string, error)
}

type Planner interface {
	Plan(ctx context.Context, req models.PlanRequest) (*models.Plan, error)
}

// VoiceCloner registers a voice from an audio sample and returns its reference.
type VoiceCloner interface {
	CloneVoice(ctx context.Context, sample io.Reader, filename, voiceID string) (string, error)
}

type NarrationSynthesizer interface {
	Synthesize(ctx context.Context, text, voiceRef string) (*models.AudioClip, error)
}

type FrameExtractor interface {
	ExtractLastFrame(ctx context.Context, videoRef, objectName string) (string, error)
}

// MediaAssembler produces stored refs from stored refs.
type MediaAssembler interface {
	ConcatVideos(ctx context.Context, refs []string, objectName string) (string, error)
	ConcatAudios(ctx context.Context, refs []string, clipSeconds int, objectName string) (string, error)
	Mux(ctx context.Context, videoRef, audioRef, objectName string) (string, error)
}

// AssetStore holds uploaded media, mirrored provider outputs and assembled files.
// Refs are object names, or absolute http(s) URLs for media not yet mirrored.
type AssetStore interface {
	Put(ctx context.Context, objectName string, r io.Reader, size int64) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Mirror(ctx context.Context, objectName, sourceURL string) (string, error)
	URL(ctx context.Context, ref string) (string, error)
}

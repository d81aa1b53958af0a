package api

import (
	"context"
	"io"

	"github.com/milanziuziakowski/video-creator-sub000/models"
	"github.com/milanziuziakowski/video-creator-sub000/service"

	"github.com/rs/zerolog"
)

// Service is the slice of the orchestrator the HTTP layer drives.
type Service interface {
	CreateProject(ctx context.Context, in service.CreateProjectInput) (*models.Project, error)
	GetProject(ctx context.Context, projectID string) (*models.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
	AttachMedia(ctx context.Context, projectID string, kind service.MediaKind, filename string, r io.Reader, size int64) (*models.Project, error)
	CloneVoice(ctx context.Context, projectID string) (*models.Project, error)
	GeneratePlan(ctx context.Context, projectID, storyPrompt string) (*models.Project, error)
	Finalize(ctx context.Context, projectID string) (*models.Project, error)
	ListSegments(ctx context.Context, projectID string) ([]*models.Segment, error)

	EditSegment(ctx context.Context, segmentID string, edit models.SegmentEdit) (*models.Segment, error)
	AttachSegmentFrame(ctx context.Context, segmentID string, kind service.MediaKind, filename string, r io.Reader, size int64) (*models.Segment, error)
	ApprovePrompt(ctx context.Context, segmentID string) (*models.Segment, error)
	GenerateSegment(ctx context.Context, segmentID string) (*models.Segment, error)
	RetrySegment(ctx context.Context, segmentID string, skipApproval bool) (*models.Segment, error)
	RegenerateNarration(ctx context.Context, segmentID string) (*models.Segment, error)
	ApproveVideo(ctx context.Context, segmentID string) (*models.Segment, error)

	TaskStatus(jobID string) (models.GenerationTask, error)
}

var _ Service = (*service.Orchestrator)(nil)

// Handler holds the gin handlers.
type Handler struct {
	svc    Service
	logger *zerolog.Logger
}

func NewHandler(svc Service, logger *zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

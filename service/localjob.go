package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/milanziuziakowski/video-creator-sub000/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LocalJobs runs synchronous provider calls (planning, voice cloning,
// narration) in the background so they are tracked by the Poller exactly
// like remote jobs. Jobs are cancellable through their context.
type LocalJobs struct {
	mu     sync.Mutex
	jobs   map[string]*localJob
	logger *zerolog.Logger
}

type localJob struct {
	status models.JobStatus
	cancel context.CancelFunc
}

func NewLocalJobs(logger *zerolog.Logger) *LocalJobs {
	return &LocalJobs{jobs: make(map[string]*localJob), logger: logger}
}

// Start launches fn and returns its job id immediately.
func (l *LocalJobs) Start(kind models.TaskKind, fn func(ctx context.Context) (models.JobResult, error)) string {
	jobID := fmt.Sprintf("%s-%s", kind, uuid.NewString())
	ctx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.jobs[jobID] = &localJob{status: models.JobStatus{State: models.JobPending}, cancel: cancel}
	l.mu.Unlock()

	go func() {
		defer cancel()
		res, err := fn(ctx)

		l.mu.Lock()
		defer l.mu.Unlock()
		job, ok := l.jobs[jobID]
		if !ok {
			return
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("job_id", jobID).Msg("local job failed")
			job.status = models.JobStatus{State: models.JobFailure, Error: err.Error()}
			return
		}
		job.status = models.JobStatus{State: models.JobSuccess, Result: res}
	}()
	return jobID
}

func (l *LocalJobs) CheckStatus(_ context.Context, jobID string) (models.JobStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return models.JobStatus{}, fmt.Errorf("local job %s: %w", jobID, models.ErrNotFound)
	}
	if job.status.State != models.JobPending {
		// terminal answers are handed out once
		delete(l.jobs, jobID)
	}
	return job.status, nil
}

func (l *LocalJobs) CancelJob(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return fmt.Errorf("local job %s: %w", jobID, models.ErrNotFound)
	}
	job.cancel()
	delete(l.jobs, jobID)
	return nil
}

func (l *LocalJobs) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}

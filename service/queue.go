package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const (
	TypeFinalizeProject = "project:finalize"
)

type FinalizePayload struct {
	ProjectID string `json:"project_id"`
	JobID     string `json:"job_id"`
}

// ErrAlreadyQueued: the queue still holds a task with this job id.
var ErrAlreadyQueued = errors.New("finalize task already queued")

// Dispatcher hands finalization runs to a background worker.
type Dispatcher interface {
	EnqueueFinalize(ctx context.Context, projectID, jobID string) error
}

func newFinalizeTask(projectID, jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(FinalizePayload{ProjectID: projectID, JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(TypeFinalizeProject, payload,
		asynq.MaxRetry(0),             // 合成失败由调用方显式重试
		asynq.Timeout(30*time.Minute), // 下载+拼接+混流可能较慢
		asynq.Retention(24*time.Hour), // 任务记录在 Redis 保留时间
		asynq.TaskID(jobID),
	), nil
}

// AsynqDispatcher enqueues into Redis; a Processor on any instance picks it up.
type AsynqDispatcher struct {
	client *asynq.Client
	logger *zerolog.Logger
}

func NewAsynqDispatcher(opt asynq.RedisClientOpt, logger *zerolog.Logger) *AsynqDispatcher {
	return &AsynqDispatcher{client: asynq.NewClient(opt), logger: logger}
}

func (d *AsynqDispatcher) EnqueueFinalize(ctx context.Context, projectID, jobID string) error {
	task, err := newFinalizeTask(projectID, jobID)
	if err != nil {
		return err
	}
	info, err := d.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("finalize %s: %w", jobID, ErrAlreadyQueued)
	}
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	d.logger.Info().Str("project_id", projectID).Str("job_id", jobID).Str("queue", info.Queue).Msg("finalization enqueued")
	return nil
}

func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

// InlineDispatcher runs tasks in-process on a goroutine. Used when no Redis
// is configured and in tests.
type InlineDispatcher struct {
	mu      sync.RWMutex
	handler asynq.Handler
	wg      sync.WaitGroup
	logger  *zerolog.Logger
}

func NewInlineDispatcher(logger *zerolog.Logger) *InlineDispatcher {
	return &InlineDispatcher{logger: logger}
}

// Bind sets the handler, normally Processor.Mux().
func (d *InlineDispatcher) Bind(h asynq.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func (d *InlineDispatcher) EnqueueFinalize(_ context.Context, projectID, jobID string) error {
	d.mu.RLock()
	h := d.handler
	d.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("inline dispatcher has no handler")
	}
	task, err := newFinalizeTask(projectID, jobID)
	if err != nil {
		return err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := h.ProcessTask(context.Background(), task); err != nil {
			d.logger.Error().Err(err).Str("project_id", projectID).Str("job_id", jobID).Msg("inline task failed")
		}
	}()
	return nil
}

// Wait blocks until every dispatched task returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/milanziuziakowski/video-creator-sub000/models"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Finalizer runs one finalization job to completion and records the outcome.
type Finalizer interface {
	RunFinalization(ctx context.Context, projectID, jobID string) error
}

// Processor 处理队列任务
type Processor struct {
	finalizer Finalizer
	logger    *zerolog.Logger
	srv       *asynq.Server
}

func NewProcessor(finalizer Finalizer, logger *zerolog.Logger) *Processor {
	return &Processor{finalizer: finalizer, logger: logger}
}

func (p *Processor) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeFinalizeProject, p.HandleFinalizeTask)
	return mux
}

// Start 启动任务消费者
func (p *Processor) Start(opt asynq.RedisClientOpt, concurrency int) {
	p.srv = asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"default": 1,
		},
	})
	mux := p.Mux()

	p.logger.Info().Int("concurrency", concurrency).Msg("starting task processor")
	go func() {
		if err := p.srv.Run(mux); err != nil {
			p.logger.Fatal().Err(err).Msg("could not run task processor")
		}
	}()
}

func (p *Processor) Shutdown() {
	if p.srv != nil {
		p.srv.Shutdown()
	}
}

// HandleFinalizeTask 核心处理逻辑
func (p *Processor) HandleFinalizeTask(ctx context.Context, t *asynq.Task) error {
	var payload FinalizePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	log := p.logger.With().Str("project_id", payload.ProjectID).Str("job_id", payload.JobID).Logger()
	log.Info().Msg("processing finalization")

	err := p.finalizer.RunFinalization(ctx, payload.ProjectID, payload.JobID)
	var stepErr *models.FinalizationStepError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &stepErr), errors.Is(err, models.ErrStaleJob), errors.Is(err, models.ErrNotFound):
		// 业务失败已记录在项目上，不再重试
		log.Warn().Err(err).Msg("finalization ended without result")
		return nil
	default:
		return err
	}
}

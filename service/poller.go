package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/milanziuziakowski/video-creator-sub000/config"
	"github.com/milanziuziakowski/video-creator-sub000/metrics"
	"github.com/milanziuziakowski/video-creator-sub000/models"

	"github.com/rs/zerolog"
)

// Policy bounds how a job kind is polled.
type Policy struct {
	Interval time.Duration
	MaxPolls int
}

// Policies maps each job kind to its polling policy.
type Policies map[models.TaskKind]Policy

func PoliciesFromConfig(cfg *config.Config) Policies {
	p := cfg.Poller
	return Policies{
		models.TaskKindVideo:      Policy{Interval: p.Video.Interval, MaxPolls: p.Video.MaxPolls},
		models.TaskKindVoiceClone: Policy{Interval: p.VoiceClone.Interval, MaxPolls: p.VoiceClone.MaxPolls},
		models.TaskKindPlan:       Policy{Interval: p.Plan.Interval, MaxPolls: p.Plan.MaxPolls},
		models.TaskKindAudio:      Policy{Interval: p.Audio.Interval, MaxPolls: p.Audio.MaxPolls},
	}
}

var ErrAlreadyTracked = errors.New("job already tracked")

// Poller tracks submitted jobs until they reach a terminal state. Each job
// is polled by its own ticker goroutine; terminal results are delivered on a
// single completions channel consumed by Run. The registry keyed by job id is
// the only shared state.
type Poller struct {
	mu        sync.Mutex
	live      map[string]*pollEntry
	finished  map[string]models.GenerationTask
	retention time.Duration

	completions chan models.Completion
	stop        chan struct{}
	stopOnce    sync.Once
	logger      *zerolog.Logger
}

type pollEntry struct {
	task    models.GenerationTask
	checker StatusChecker
	cancel  context.CancelFunc
}

func NewPoller(retention time.Duration, logger *zerolog.Logger) *Poller {
	return &Poller{
		live:        make(map[string]*pollEntry),
		finished:    make(map[string]models.GenerationTask),
		retention:   retention,
		completions: make(chan models.Completion, 64),
		stop:        make(chan struct{}),
		logger:      logger,
	}
}

// Track registers a job and starts polling it. The task must carry its
// JobID, Kind, PollInterval and MaxPolls.
func (p *Poller) Track(task models.GenerationTask, checker StatusChecker) error {
	if task.JobID == "" {
		return errors.New("track: empty job id")
	}
	if task.PollInterval <= 0 || task.MaxPolls <= 0 {
		return fmt.Errorf("track %s: invalid policy interval=%s max_polls=%d", task.JobID, task.PollInterval, task.MaxPolls)
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}
	task.LastStatus = models.JobPending

	p.mu.Lock()
	if _, ok := p.live[task.JobID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("track %s: %w", task.JobID, ErrAlreadyTracked)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &pollEntry{task: task, checker: checker, cancel: cancel}
	p.live[task.JobID] = e
	delete(p.finished, task.JobID)
	p.mu.Unlock()

	metrics.PollerTracked(string(task.Kind))
	p.logger.Debug().Str("job_id", task.JobID).Str("kind", string(task.Kind)).
		Dur("interval", task.PollInterval).Int("max_polls", task.MaxPolls).Msg("tracking job")

	go p.poll(ctx, e)
	return nil
}

func (p *Poller) poll(ctx context.Context, e *pollEntry) {
	ticker := time.NewTicker(e.task.PollInterval)
	defer ticker.Stop()

	jobID := e.task.JobID
	log := p.logger.With().Str("job_id", jobID).Str("kind", string(e.task.Kind)).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		attempts := p.bump(jobID)
		if attempts < 0 {
			return
		}
		if attempts > e.task.MaxPolls {
			log.Warn().Int("attempts", attempts-1).Msg("job timed out")
			p.finish(jobID, models.OutcomeTimeout, models.JobResult{},
				&models.TimeoutError{JobID: jobID, Kind: e.task.Kind, Attempts: attempts - 1})
			return
		}

		status, err := e.checker.CheckStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// transient query errors only use up an attempt
			log.Warn().Err(err).Int("attempt", attempts).Msg("status query failed")
			p.note(jobID, "", err.Error())
			continue
		}

		switch status.State {
		case models.JobSuccess:
			log.Info().Int("attempts", attempts).Msg("job succeeded")
			p.finish(jobID, models.OutcomeSuccess, status.Result, nil)
			return
		case models.JobFailure:
			log.Warn().Str("error", status.Error).Int("attempts", attempts).Msg("job failed")
			p.finish(jobID, models.OutcomeFailure, status.Result,
				models.NewProviderError(e.task.Kind, jobID, errors.New(status.Error)))
			return
		default:
			p.note(jobID, models.JobPending, "")
		}
	}
}

// bump counts one poll attempt; -1 means the entry is gone.
func (p *Poller) bump(jobID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.live[jobID]
	if !ok {
		return -1
	}
	e.task.Attempts++
	return e.task.Attempts
}

func (p *Poller) note(jobID string, state models.JobState, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.live[jobID]; ok {
		if state != "" {
			e.task.LastStatus = state
		}
		e.task.Error = errMsg
	}
}

// finish moves a live entry to the finished set and emits its completion.
// Only the first caller for a job wins.
func (p *Poller) finish(jobID string, outcome models.TaskOutcome, result models.JobResult, err error) bool {
	p.mu.Lock()
	e, ok := p.live[jobID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.live, jobID)
	e.cancel()

	task := e.task
	task.Outcome = outcome
	task.Result = result
	task.FinishedAt = time.Now()
	switch outcome {
	case models.OutcomeSuccess:
		task.LastStatus = models.JobSuccess
		task.Error = ""
	case models.OutcomeFailure:
		task.LastStatus = models.JobFailure
	}
	if err != nil {
		task.Error = err.Error()
	}
	p.finished[jobID] = task
	p.pruneLocked(task.FinishedAt)
	p.mu.Unlock()

	metrics.PollerReleased(string(task.Kind))
	metrics.IncJobCompleted(string(task.Kind), string(outcome))
	select {
	case p.completions <- models.Completion{Task: task, Err: err}:
	case <-p.stop:
		p.logger.Debug().Str("job_id", jobID).Msg("completion dropped, poller stopped")
	}
	return true
}

func (p *Poller) pruneLocked(now time.Time) {
	for id, t := range p.finished {
		if now.Sub(t.FinishedAt) > p.retention {
			delete(p.finished, id)
		}
	}
}

// Cancel stops polling a job and emits a cancelled completion. It reports
// whether the job was live.
func (p *Poller) Cancel(jobID string) bool {
	return p.finish(jobID, models.OutcomeCancelled, models.JobResult{}, context.Canceled)
}

// Lookup returns the job's current view, live or recently finished.
func (p *Poller) Lookup(jobID string) (models.GenerationTask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.live[jobID]; ok {
		return e.task, true
	}
	p.pruneLocked(time.Now())
	t, ok := p.finished[jobID]
	return t, ok
}

func (p *Poller) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Run delivers completions to handle until ctx is done.
func (p *Poller) Run(ctx context.Context, handle func(context.Context, models.Completion)) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-p.completions:
			handle(ctx, c)
		}
	}
}

// Stop cancels every live entry without emitting completions and releases
// any delivery still waiting for Run.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.live {
		e.cancel()
		delete(p.live, id)
		metrics.PollerReleased(string(e.task.Kind))
	}
}

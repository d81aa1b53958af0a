package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("entity not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrDeletionDeferred   = errors.New("deletion deferred until outstanding jobs finish")
	ErrStaleJob           = errors.New("completion for a job that is not outstanding")

	// provider failure classes, matched through ProviderError.Is
	ErrPlanning        = errors.New("planning failed")
	ErrVoiceClone      = errors.New("voice cloning failed")
	ErrVideoGeneration = errors.New("video generation failed")
	ErrAudioSynthesis  = errors.New("audio synthesis failed")
)

// InvalidStateError: operation attempted from the wrong state. State is left unchanged.
type InvalidStateError struct {
	Entity string
	ID     string
	Op     string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s from status %q", e.Entity, e.ID, e.Op, e.Status)
}

// ContinuityViolation: segment Index cannot start until segment Index-1 has a generated video.
type ContinuityViolation struct {
	SegmentID string
	Index     int
}

func (e *ContinuityViolation) Error() string {
	return fmt.Sprintf("segment %s (index %d): previous segment %d has no generated video", e.SegmentID, e.Index, e.Index-1)
}

// ConcurrentJobError: a second job was attempted while one is outstanding.
type ConcurrentJobError struct {
	Entity string
	ID     string
	JobID  string
}

func (e *ConcurrentJobError) Error() string {
	return fmt.Sprintf("%s %s already has outstanding job %s", e.Entity, e.ID, e.JobID)
}

type InvalidDurationError struct {
	TargetDuration  int
	SegmentDuration int
	Reason          string
}

func (e *InvalidDurationError) Error() string {
	return fmt.Sprintf("invalid duration (target=%ds, segment=%ds): %s", e.TargetDuration, e.SegmentDuration, e.Reason)
}

// ProviderError wraps an external provider failure with the job kind.
// errors.Is(err, ErrVideoGeneration) etc. select on the kind.
type ProviderError struct {
	Kind  TaskKind
	JobID string
	Err   error
}

func NewProviderError(kind TaskKind, jobID string, err error) *ProviderError {
	return &ProviderError{Kind: kind, JobID: jobID, Err: err}
}

func (e *ProviderError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%v (job %s): %v", kindError(e.Kind), e.JobID, e.Err)
	}
	return fmt.Sprintf("%v: %v", kindError(e.Kind), e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	return target == kindError(e.Kind)
}

func kindError(kind TaskKind) error {
	switch kind {
	case TaskKindPlan:
		return ErrPlanning
	case TaskKindVoiceClone:
		return ErrVoiceClone
	case TaskKindVideo:
		return ErrVideoGeneration
	case TaskKindAudio:
		return ErrAudioSynthesis
	}
	return fmt.Errorf("%s job failed", kind)
}

// TimeoutError is declared by the poller, distinct from a provider-reported failure.
type TimeoutError struct {
	JobID    string
	Kind     TaskKind
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s job %s timed out after %d polls", e.Kind, e.JobID, e.Attempts)
}

type FinalizationStep string

const (
	StepOrder       FinalizationStep = "order"
	StepConcatVideo FinalizationStep = "concat_video"
	StepConcatAudio FinalizationStep = "concat_audio"
	StepMux         FinalizationStep = "mux"
	StepStore       FinalizationStep = "store"
)

type FinalizationStepError struct {
	Step FinalizationStep
	Err  error
}

func (e *FinalizationStepError) Error() string {
	return fmt.Sprintf("finalization step %s failed: %v", e.Step, e.Err)
}

func (e *FinalizationStepError) Unwrap() error { return e.Err }

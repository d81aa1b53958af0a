package models

import "time"

type TaskKind string

const (
	TaskKindVoiceClone TaskKind = "voice_clone"
	TaskKindPlan       TaskKind = "plan"
	TaskKindVideo      TaskKind = "video"
	TaskKindAudio      TaskKind = "audio"
)

// JobState is what an external provider reports for a job.
type JobState string

const (
	JobPending JobState = "pending"
	JobSuccess JobState = "success"
	JobFailure JobState = "failure"
)

// TaskOutcome is the terminal result recorded by the poller.
type TaskOutcome string

const (
	OutcomeNone      TaskOutcome = ""
	OutcomeSuccess   TaskOutcome = "success"
	OutcomeFailure   TaskOutcome = "failure"
	OutcomeTimeout   TaskOutcome = "timeout"
	OutcomeCancelled TaskOutcome = "cancelled"
)

// JobResult carries a provider's terminal payload: a media/voice reference, or a plan.
type JobResult struct {
	Ref  string `json:"ref,omitempty"`
	Plan *Plan  `json:"plan,omitempty"`
}

// JobStatus is one status query answer.
type JobStatus struct {
	State  JobState
	Result JobResult
	Error  string
}

// GenerationTask 是一次外部生成任务在轮询期间的状态，不落库
type GenerationTask struct {
	JobID        string        `json:"jobId"`
	Kind         TaskKind      `json:"kind"`
	ProjectID    string        `json:"projectId"`
	SegmentID    string        `json:"segmentId,omitempty"`
	SubmittedAt  time.Time     `json:"submittedAt"`
	PollInterval time.Duration `json:"pollInterval"`
	MaxPolls     int           `json:"maxPolls"`
	Attempts     int           `json:"attempts"`
	LastStatus   JobState      `json:"lastStatus"`
	Outcome      TaskOutcome   `json:"outcome,omitempty"`
	Result       JobResult     `json:"result"`
	Error        string        `json:"error,omitempty"`
	FinishedAt   time.Time     `json:"finishedAt,omitempty"`
}

func (t GenerationTask) Terminal() bool {
	return t.Outcome != OutcomeNone
}

// Completion is delivered once per tracked job when it reaches a terminal state.
type Completion struct {
	Task GenerationTask
	Err  error // nil on success; ProviderError, TimeoutError or context.Canceled otherwise
}

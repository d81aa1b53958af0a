package models

import (
	"fmt"
	"time"
)

type SegmentStatus string

const (
	SegmentPending         SegmentStatus = "pending"
	SegmentPromptReady     SegmentStatus = "prompt_ready"
	SegmentApproved        SegmentStatus = "approved"
	SegmentGenerating      SegmentStatus = "generating"
	SegmentGenerated       SegmentStatus = "generated"
	SegmentSegmentApproved SegmentStatus = "segment_approved"
	SegmentFailed          SegmentStatus = "failed"
)

// 分段状态迁移表，未列出的迁移一律拒绝
var segmentTransitions = map[SegmentStatus][]SegmentStatus{
	SegmentPending:         {SegmentPromptReady},
	SegmentPromptReady:     {SegmentApproved, SegmentFailed},
	SegmentApproved:        {SegmentGenerating, SegmentPromptReady, SegmentFailed},
	SegmentGenerating:      {SegmentGenerated, SegmentFailed},
	SegmentGenerated:       {SegmentSegmentApproved},
	SegmentSegmentApproved: {},
	SegmentFailed:          {SegmentPromptReady, SegmentApproved},
}

func (s SegmentStatus) Valid() bool {
	_, ok := segmentTransitions[s]
	return ok
}

func (s SegmentStatus) CanTransition(to SegmentStatus) bool {
	for _, next := range segmentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Segment struct {
	ID                 string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID          string        `gorm:"index;type:varchar(64)" json:"projectId"`
	Index              int           `gorm:"column:seg_index" json:"index"`
	Status             SegmentStatus `gorm:"type:varchar(32)" json:"status"`
	VideoPrompt        string        `gorm:"type:text" json:"videoPrompt"`
	NarrationText      string        `gorm:"type:text" json:"narrationText"`
	EndFramePrompt     string        `gorm:"type:text" json:"endFramePrompt"`
	FirstFrameRef      string        `json:"firstFrameRef,omitempty"`
	TargetLastFrameRef string        `json:"targetLastFrameRef,omitempty"`
	LastFrameRef       string        `json:"lastFrameRef,omitempty"`
	VideoRef           string        `json:"videoRef,omitempty"`
	AudioRef           string        `json:"audioRef,omitempty"`
	VideoJobID         string        `gorm:"type:varchar(128)" json:"videoJobId,omitempty"`
	AudioJobID         string        `gorm:"type:varchar(128)" json:"audioJobId,omitempty"`
	LastVideoJobID     string        `gorm:"type:varchar(128)" json:"-"`
	LastAudioJobID     string        `gorm:"type:varchar(128)" json:"-"`
	PromptApproved     bool          `json:"promptApproved"`
	VideoApproved      bool          `json:"videoApproved"`
	Error              string        `gorm:"type:text" json:"error,omitempty"`
	AudioError         string        `gorm:"type:text" json:"audioError,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

func (Segment) TableName() string {
	return "segment"
}

// SegmentEdit carries user text edits; nil fields are left untouched.
type SegmentEdit struct {
	VideoPrompt    *string `json:"videoPrompt"`
	NarrationText  *string `json:"narrationText"`
	EndFramePrompt *string `json:"endFramePrompt"`
}

func (e SegmentEdit) Empty() bool {
	return e.VideoPrompt == nil && e.NarrationText == nil && e.EndFramePrompt == nil
}

func NewSegment(id, projectID string, index int) *Segment {
	now := time.Now()
	return &Segment{
		ID:        id,
		ProjectID: projectID,
		Index:     index,
		Status:    SegmentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Segment) invalid(op string) error {
	return &InvalidStateError{Entity: "segment", ID: s.ID, Op: op, Status: string(s.Status)}
}

func (s *Segment) transition(op string, to SegmentStatus) error {
	if !s.Status.CanTransition(to) {
		return s.invalid(op)
	}
	s.Status = to
	s.UpdatedAt = time.Now()
	return nil
}

// ApplyPlan seeds the segment with one planned beat.
func (s *Segment) ApplyPlan(item PlanItem) error {
	if err := s.transition("apply plan", SegmentPromptReady); err != nil {
		return err
	}
	s.VideoPrompt = item.VideoPrompt
	s.NarrationText = item.NarrationText
	s.EndFramePrompt = item.EndFramePrompt
	return nil
}

func (s *Segment) ApprovePrompt() error {
	if s.Status != SegmentPromptReady {
		return s.invalid("approve prompt")
	}
	s.PromptApproved = true
	return s.transition("approve prompt", SegmentApproved)
}

// Edit is allowed in prompt_ready and approved. Editing an approved
// segment drops the approval.
func (s *Segment) Edit(edit SegmentEdit) error {
	if s.Status != SegmentPromptReady && s.Status != SegmentApproved {
		return s.invalid("edit")
	}
	if edit.VideoPrompt != nil {
		s.VideoPrompt = *edit.VideoPrompt
	}
	if edit.NarrationText != nil {
		s.NarrationText = *edit.NarrationText
	}
	if edit.EndFramePrompt != nil {
		s.EndFramePrompt = *edit.EndFramePrompt
	}
	s.UpdatedAt = time.Now()
	if s.Status == SegmentApproved {
		s.PromptApproved = false
		return s.transition("edit", SegmentPromptReady)
	}
	return nil
}

// CheckContinuity: index 0 is always free, otherwise prev must be the
// segment at Index-1 and must already have a generated video.
func (s *Segment) CheckContinuity(prev *Segment) error {
	if s.Index == 0 {
		return nil
	}
	if prev == nil || prev.Index != s.Index-1 || prev.VideoRef == "" {
		return &ContinuityViolation{SegmentID: s.ID, Index: s.Index}
	}
	return nil
}

// CheckStart runs the start_generation preconditions in the order callers
// observe them: outstanding job, state, continuity.
func (s *Segment) CheckStart(prev *Segment) error {
	if s.VideoJobID != "" {
		return &ConcurrentJobError{Entity: "segment", ID: s.ID, JobID: s.VideoJobID}
	}
	if s.Status != SegmentApproved {
		return s.invalid("start generation")
	}
	return s.CheckContinuity(prev)
}

// BeginGeneration records the submitted video job and moves to generating.
func (s *Segment) BeginGeneration(jobID string) error {
	if s.VideoJobID != "" {
		return &ConcurrentJobError{Entity: "segment", ID: s.ID, JobID: s.VideoJobID}
	}
	if err := s.transition("start generation", SegmentGenerating); err != nil {
		return err
	}
	s.VideoJobID = jobID
	s.Error = ""
	return nil
}

// CompleteGeneration applies a successful video result. A repeated
// notification for the job that already completed returns changed=false.
func (s *Segment) CompleteGeneration(jobID string, result JobResult) (bool, error) {
	if s.VideoJobID == "" && s.LastVideoJobID == jobID {
		return false, nil
	}
	if s.Status != SegmentGenerating || s.VideoJobID != jobID {
		return false, fmt.Errorf("segment %s video job %s: %w", s.ID, jobID, ErrStaleJob)
	}
	if err := s.transition("complete generation", SegmentGenerated); err != nil {
		return false, err
	}
	s.VideoRef = result.Ref
	s.LastFrameRef = ""
	s.LastVideoJobID = jobID
	s.VideoJobID = ""
	s.Error = ""
	return true, nil
}

// FailGeneration records a provider failure or timeout for the outstanding video job.
func (s *Segment) FailGeneration(jobID string, cause error) (bool, error) {
	if s.VideoJobID == "" && s.LastVideoJobID == jobID {
		return false, nil
	}
	if s.Status != SegmentGenerating || s.VideoJobID != jobID {
		return false, fmt.Errorf("segment %s video job %s: %w", s.ID, jobID, ErrStaleJob)
	}
	s.LastVideoJobID = jobID
	s.VideoJobID = ""
	return true, s.Fail(cause)
}

// Fail moves prompt_ready, approved or generating to failed. The prompt
// approval flag survives so a retry can skip re-approval.
func (s *Segment) Fail(cause error) error {
	if err := s.transition("fail", SegmentFailed); err != nil {
		return err
	}
	if cause != nil {
		s.Error = cause.Error()
	}
	return nil
}

// Retry re-enters approved when skipApproval is set and the prompt was
// approved before the failure, prompt_ready otherwise.
func (s *Segment) Retry(skipApproval bool) error {
	if s.Status != SegmentFailed {
		return s.invalid("retry")
	}
	to := SegmentPromptReady
	if skipApproval && s.PromptApproved {
		to = SegmentApproved
	} else {
		s.PromptApproved = false
	}
	if err := s.transition("retry", to); err != nil {
		return err
	}
	s.Error = ""
	return nil
}

func (s *Segment) ApproveVideo() error {
	if s.Status != SegmentGenerated {
		return s.invalid("approve video")
	}
	s.VideoApproved = true
	return s.transition("approve video", SegmentSegmentApproved)
}

// 配音任务与视频任务相互独立，不参与分段状态迁移

func (s *Segment) BeginNarration(jobID string) error {
	if s.AudioJobID != "" {
		return &ConcurrentJobError{Entity: "segment", ID: s.ID, JobID: s.AudioJobID}
	}
	s.AudioJobID = jobID
	s.AudioError = ""
	s.UpdatedAt = time.Now()
	return nil
}

func (s *Segment) CompleteNarration(jobID string, result JobResult) (bool, error) {
	if s.AudioJobID == "" && s.LastAudioJobID == jobID {
		return false, nil
	}
	if s.AudioJobID != jobID {
		return false, fmt.Errorf("segment %s audio job %s: %w", s.ID, jobID, ErrStaleJob)
	}
	s.AudioRef = result.Ref
	s.AudioJobID = ""
	s.LastAudioJobID = jobID
	s.AudioError = ""
	s.UpdatedAt = time.Now()
	return true, nil
}

func (s *Segment) FailNarration(jobID string, cause error) (bool, error) {
	if s.AudioJobID == "" && s.LastAudioJobID == jobID {
		return false, nil
	}
	if s.AudioJobID != jobID {
		return false, fmt.Errorf("segment %s audio job %s: %w", s.ID, jobID, ErrStaleJob)
	}
	s.AudioJobID = ""
	s.LastAudioJobID = jobID
	if cause != nil {
		s.AudioError = cause.Error()
	}
	s.UpdatedAt = time.Now()
	return true, nil
}

func (s *Segment) HasOutstandingJob() bool {
	return s.VideoJobID != "" || s.AudioJobID != ""
}

// ReadyForFinalize: approved with both media references present.
func (s *Segment) ReadyForFinalize() bool {
	return s.Status == SegmentSegmentApproved && s.VideoRef != "" && s.AudioRef != ""
}

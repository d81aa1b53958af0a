package models

import (
	"fmt"
	"time"
)

// 项目状态，由 EvaluateStatus 根据分段状态和媒体/音色字段推导
type ProjectStatus string

const (
	ProjectCreated        ProjectStatus = "created"         // 尚未上传素材
	ProjectMediaUploaded  ProjectStatus = "media_uploaded"  // 首帧和音频样本已上传
	ProjectVoiceCloning   ProjectStatus = "voice_cloning"   // 音色克隆任务进行中
	ProjectPlanGenerating ProjectStatus = "plan_generating" // 分镜规划任务进行中
	ProjectPlanReady      ProjectStatus = "plan_ready"      // 分段已创建，尚未全部确认
	ProjectGenerating     ProjectStatus = "generating"      // 至少一个分段在生成视频
	ProjectFinalizing     ProjectStatus = "finalizing"      // 合成任务进行中
	ProjectCompleted      ProjectStatus = "completed"       // 成片已生成
	ProjectFailed         ProjectStatus = "failed"
)

const (
	MinTargetDuration = 6
	MaxTargetDuration = 60
)

// AllowedSegmentDurations are the clip lengths the video provider accepts.
var AllowedSegmentDurations = []int{6, 10}

type Project struct {
	ID              string           `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name            string           `json:"name"`
	StoryPrompt     string           `gorm:"type:text" json:"storyPrompt"`
	TargetDuration  int              `json:"targetDuration"`
	SegmentDuration int              `json:"segmentDuration"`
	FirstFrameRef   string           `json:"firstFrameRef,omitempty"`
	AudioSampleRef  string           `json:"audioSampleRef,omitempty"`
	VoiceRef        string           `json:"voiceRef,omitempty"`
	SegmentIDs      []string         `gorm:"serializer:json;type:text" json:"segmentIds"`
	FinalRef        string           `json:"finalRef,omitempty"`
	Status          ProjectStatus    `gorm:"type:varchar(32)" json:"status"`
	VoiceJobID      string           `gorm:"type:varchar(128)" json:"voiceJobId,omitempty"`
	PlanJobID       string           `gorm:"type:varchar(128)" json:"planJobId,omitempty"`
	FinalizeJobID   string           `gorm:"type:varchar(128)" json:"finalizeJobId,omitempty"`
	FailureReason   string           `gorm:"type:text" json:"failureReason,omitempty"`
	FailedStep      FinalizationStep `gorm:"type:varchar(32)" json:"failedStep,omitempty"`
	DeleteRequested bool             `json:"deleteRequested,omitempty"`
	PlanTitle       string           `json:"planTitle,omitempty"`
	ContinuityNotes string           `gorm:"type:text" json:"continuityNotes,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

// ValidateDurations checks the target/segment length pair. The target must
// split into whole segments; partial segments are rejected, not rounded.
func ValidateDurations(target, segment int) error {
	allowed := false
	for _, d := range AllowedSegmentDurations {
		if segment == d {
			allowed = true
			break
		}
	}
	if !allowed {
		return &InvalidDurationError{TargetDuration: target, SegmentDuration: segment, Reason: fmt.Sprintf("segment duration must be one of %v", AllowedSegmentDurations)}
	}
	if target < MinTargetDuration || target > MaxTargetDuration {
		return &InvalidDurationError{TargetDuration: target, SegmentDuration: segment, Reason: fmt.Sprintf("target duration must be between %d and %d", MinTargetDuration, MaxTargetDuration)}
	}
	if target%segment != 0 {
		return &InvalidDurationError{TargetDuration: target, SegmentDuration: segment, Reason: "target duration is not a multiple of segment duration"}
	}
	return nil
}

// SegmentCount assumes ValidateDurations passed.
func (p *Project) SegmentCount() int {
	if p.SegmentDuration <= 0 {
		return 0
	}
	return p.TargetDuration / p.SegmentDuration
}

func (p *Project) HasMedia() bool {
	return p.FirstFrameRef != "" && p.AudioSampleRef != ""
}

func (p *Project) HasOutstandingJob() bool {
	return p.VoiceJobID != "" || p.PlanJobID != "" || p.FinalizeJobID != ""
}

// Evaluate recomputes and assigns the derived status.
func (p *Project) Evaluate(segments []*Segment) ProjectStatus {
	p.Status = EvaluateStatus(p, segments)
	return p.Status
}

// EvaluateStatus derives project status from the project's own media, voice
// and job fields plus its segments' statuses. It reads nothing else and
// never fails, so equal inputs always give equal outputs.
func EvaluateStatus(p *Project, segments []*Segment) ProjectStatus {
	if p == nil {
		return ProjectCreated
	}
	if p.FinalRef != "" {
		return ProjectCompleted
	}
	if p.FailureReason != "" {
		return ProjectFailed
	}
	generating := false
	for _, s := range segments {
		switch s.Status {
		case SegmentFailed:
			return ProjectFailed
		case SegmentGenerating:
			generating = true
		}
	}
	switch {
	case p.FinalizeJobID != "":
		return ProjectFinalizing
	case generating:
		return ProjectGenerating
	case p.PlanJobID != "":
		return ProjectPlanGenerating
	case p.VoiceJobID != "":
		return ProjectVoiceCloning
	case len(segments) > 0:
		return ProjectPlanReady
	case p.HasMedia():
		return ProjectMediaUploaded
	}
	return ProjectCreated
}

// AllSegmentsApproved reports whether every segment passed the video gate.
func AllSegmentsApproved(segments []*Segment) bool {
	if len(segments) == 0 {
		return false
	}
	for _, s := range segments {
		if s.Status != SegmentSegmentApproved {
			return false
		}
	}
	return true
}

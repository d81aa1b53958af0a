package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/milanziuziakowski/video-creator-sub000/models"
	"github.com/milanziuziakowski/video-creator-sub000/service"

	"github.com/gin-gonic/gin"
)

// 创建项目：POST /v1/api/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req service.CreateProjectInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("%v: %w", err, models.ErrInvalidInput))
		return
	}
	p, err := h.svc.CreateProject(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": p})
}

// 查询项目：GET /v1/api/projects/:project_id
func (h *Handler) GetProject(c *gin.Context) {
	p, err := h.svc.GetProject(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": p})
}

// 删除项目：DELETE /v1/api/projects/:project_id
// 仍有无法取消的外部任务时返回 202，待任务结束后自动删除
func (h *Handler) DeleteProject(c *gin.Context) {
	projectID := c.Param("project_id")
	err := h.svc.DeleteProject(c.Request.Context(), projectID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"project_id": projectID, "deleted": true})
	case errors.Is(err, models.ErrDeletionDeferred):
		c.JSON(http.StatusAccepted, gin.H{"project_id": projectID, "deleted": false, "message": err.Error()})
	default:
		h.fail(c, err)
	}
}

// 上传首帧或音频样本：POST /v1/api/projects/:project_id/media (multipart: kind, file)
func (h *Handler) UploadMedia(c *gin.Context) {
	kind := service.MediaKind(c.PostForm("kind"))
	fh, err := c.FormFile("file")
	if err != nil {
		h.fail(c, fmt.Errorf("file is required: %w", models.ErrInvalidInput))
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()

	p, err := h.svc.AttachMedia(c.Request.Context(), c.Param("project_id"), kind, fh.Filename, f, fh.Size)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": p})
}

// 声音克隆：POST /v1/api/projects/:project_id/voice
func (h *Handler) CloneVoice(c *gin.Context) {
	p, err := h.svc.CloneVoice(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"project": p, "task_id": p.VoiceJobID})
}

// 生成分段计划：POST /v1/api/projects/:project_id/plan
func (h *Handler) GeneratePlan(c *gin.Context) {
	var req struct {
		StoryPrompt string `json:"storyPrompt"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, fmt.Errorf("%v: %w", err, models.ErrInvalidInput))
			return
		}
	}
	p, err := h.svc.GeneratePlan(c.Request.Context(), c.Param("project_id"), req.StoryPrompt)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"project": p, "task_id": p.PlanJobID})
}

// 合成成片：POST /v1/api/projects/:project_id/finalize
func (h *Handler) Finalize(c *gin.Context) {
	p, err := h.svc.Finalize(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"project": p, "task_id": p.FinalizeJobID})
}

// 分段列表：GET /v1/api/projects/:project_id/segments
func (h *Handler) ListSegments(c *gin.Context) {
	segments, err := h.svc.ListSegments(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if segments == nil {
		segments = []*models.Segment{}
	}
	c.JSON(http.StatusOK, gin.H{"segments": segments, "total_segments": len(segments)})
}

package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/milanziuziakowski/video-creator-sub000/models"
	"github.com/milanziuziakowski/video-creator-sub000/service"

	"github.com/gin-gonic/gin"
)

// 编辑分段文本：PATCH /v1/api/segments/:segment_id
func (h *Handler) EditSegment(c *gin.Context) {
	var edit models.SegmentEdit
	if err := c.ShouldBindJSON(&edit); err != nil {
		h.fail(c, fmt.Errorf("%v: %w", err, models.ErrInvalidInput))
		return
	}
	seg, err := h.svc.EditSegment(c.Request.Context(), c.Param("segment_id"), edit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"segment": seg})
}

// 上传分段首帧/目标尾帧：POST /v1/api/segments/:segment_id/frames (multipart: kind, file)
func (h *Handler) UploadSegmentFrame(c *gin.Context) {
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

	seg, err := h.svc.AttachSegmentFrame(c.Request.Context(), c.Param("segment_id"), kind, fh.Filename, f, fh.Size)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"segment": seg})
}

func (h *Handler) ApprovePrompt(c *gin.Context) {
	seg, err := h.svc.ApprovePrompt(c.Request.Context(), c.Param("segment_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"segment": seg})
}

// 生成分段视频：POST /v1/api/segments/:segment_id/generate
func (h *Handler) GenerateSegment(c *gin.Context) {
	seg, err := h.svc.GenerateSegment(c.Request.Context(), c.Param("segment_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"segment": seg, "task_id": seg.VideoJobID, "audio_task_id": seg.AudioJobID})
}

// 失败重试：POST /v1/api/segments/:segment_id/retry?skip_approval=true
func (h *Handler) RetrySegment(c *gin.Context) {
	skip, err := strconv.ParseBool(c.DefaultQuery("skip_approval", "false"))
	if err != nil {
		h.fail(c, fmt.Errorf("skip_approval: %v: %w", err, models.ErrInvalidInput))
		return
	}
	seg, err := h.svc.RetrySegment(c.Request.Context(), c.Param("segment_id"), skip)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"segment": seg})
}

// 重新合成旁白：POST /v1/api/segments/:segment_id/narration
func (h *Handler) RegenerateNarration(c *gin.Context) {
	seg, err := h.svc.RegenerateNarration(c.Request.Context(), c.Param("segment_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"segment": seg, "task_id": seg.AudioJobID})
}

func (h *Handler) ApproveVideo(c *gin.Context) {
	seg, err := h.svc.ApproveVideo(c.Request.Context(), c.Param("segment_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"segment": seg})
}

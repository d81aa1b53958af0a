package api

import (
	"net/http"
	"time"

	"github.com/milanziuziakowski/video-creator-sub000/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsPushInterval 推送检查间隔
var wsPushInterval = time.Second

// 任务进度 WebSocket 推送：GET /tasks/:task_id/wss
// 以轮询器的任务视图为来源，有变化才推送，终态推送后关闭连接
func (h *Handler) TaskProgressWebSocket(c *gin.Context) {
	taskID := c.Param("task_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("task_id", taskID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	t, err := h.svc.TaskStatus(taskID)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}
	if err := conn.WriteJSON(t); err != nil || t.Terminal() {
		return
	}

	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()
	prev := t
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
		cur, err := h.svc.TaskStatus(taskID)
		if err != nil {
			// 任务记录已过期
			_ = conn.WriteJSON(gin.H{"error": err.Error()})
			return
		}
		if changed(prev, cur) {
			if err := conn.WriteJSON(cur); err != nil {
				return
			}
			prev = cur
		}
		if cur.Terminal() {
			return
		}
	}
}

func changed(a, b models.GenerationTask) bool {
	return a.Attempts != b.Attempts || a.LastStatus != b.LastStatus || a.Outcome != b.Outcome || a.Error != b.Error
}

// 查询任务状态：GET /v1/api/tasks/:task_id
func (h *Handler) GetTaskStatus(c *gin.Context) {
	t, err := h.svc.TaskStatus(c.Param("task_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

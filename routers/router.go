package routers

import (
	"time"

	"github.com/milanziuziakowski/video-creator-sub000/routers/api"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func InitRouter(h *api.Handler, logger *zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects/:project_id", h.GetProject)
		v1.DELETE("/projects/:project_id", h.DeleteProject)
		v1.POST("/projects/:project_id/media", h.UploadMedia)
		v1.POST("/projects/:project_id/voice", h.CloneVoice)
		v1.POST("/projects/:project_id/plan", h.GeneratePlan)
		v1.POST("/projects/:project_id/finalize", h.Finalize)
		v1.GET("/projects/:project_id/segments", h.ListSegments)

		v1.PATCH("/segments/:segment_id", h.EditSegment)
		v1.POST("/segments/:segment_id/frames", h.UploadSegmentFrame)
		v1.POST("/segments/:segment_id/approve", h.ApprovePrompt)
		v1.POST("/segments/:segment_id/generate", h.GenerateSegment)
		v1.POST("/segments/:segment_id/retry", h.RetrySegment)
		v1.POST("/segments/:segment_id/narration", h.RegenerateNarration)
		v1.POST("/segments/:segment_id/approve-video", h.ApproveVideo)

		v1.GET("/tasks/:task_id", h.GetTaskStatus)
	}
	r.GET("/tasks/:task_id/wss", h.TaskProgressWebSocket)
	return r
}

// requestLogger replaces gin's default text logger with zerolog.
func requestLogger(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		ev := logger.Info()
		if status >= 500 {
			ev = logger.Error()
		} else if status >= 400 {
			ev = logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

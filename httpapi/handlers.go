package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/dreamer-doppler/doppler"
	"github.com/dreamer-doppler/doppler/downloader"
	"github.com/dreamer-doppler/doppler/pipeline"
)

func (s *Server) initDeviceHandler(c *gin.Context) {
	caps, err := s.engine.InitDevice()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, caps)
}

type pullRequest struct {
	BaseURL         string `json:"baseUrl" binding:"required"`
	ModelIDOverride string `json:"modelId"`
}

// pullHandler streams downloadModel's progress records as
// server-sent events, matching spec.md §6.3's progress record shape.
func (s *Server) pullHandler(c *gin.Context) {
	var req pullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events := make(chan downloader.Progress, 16)
	done := make(chan error, 1)

	go func() {
		_, err := s.engine.DownloadModel(c.Request.Context(), req.BaseURL, req.ModelIDOverride, func(p downloader.Progress) {
			events <- p
		})
		close(events)
		done <- err
	}()

	c.Stream(func(w io.Writer) bool {
		p, ok := <-events
		if !ok {
			err := <-done
			ev := sse.Event{Event: "complete", Data: gin.H{"stage": "complete"}}
			if err != nil {
				ev = sse.Event{Event: "error", Data: gin.H{"stage": "error", "message": err.Error()}}
			}
			sse.Encode(w, ev)
			return false
		}
		sse.Encode(w, sse.Event{Event: "progress", Data: p})
		return true
	})
}

type pauseRequest struct {
	ModelID string `json:"modelId" binding:"required"`
}

func (s *Server) pauseHandler(c *gin.Context) {
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	paused := s.engine.PauseDownload(req.ModelID)
	c.JSON(http.StatusOK, gin.H{"paused": paused})
}

type resumeRequest struct {
	ModelID string `json:"modelId" binding:"required"`
	BaseURL string `json:"baseUrl" binding:"required"`
}

func (s *Server) resumeHandler(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events := make(chan downloader.Progress, 16)
	done := make(chan error, 1)
	go func() {
		err := s.engine.ResumeDownload(c.Request.Context(), req.ModelID, req.BaseURL, func(p downloader.Progress) {
			events <- p
		})
		close(events)
		done <- err
	}()

	c.Stream(func(w io.Writer) bool {
		p, ok := <-events
		if !ok {
			err := <-done
			ev := sse.Event{Event: "complete", Data: gin.H{"stage": "complete"}}
			if err != nil {
				ev = sse.Event{Event: "error", Data: gin.H{"stage": "error", "message": err.Error()}}
			}
			sse.Encode(w, ev)
			return false
		}
		sse.Encode(w, sse.Event{Event: "progress", Data: p})
		return true
	})
}

func (s *Server) listModelsHandler(c *gin.Context) {
	ids, err := s.engine.ListModels()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": ids})
}

type deleteRequest struct {
	ModelID string `json:"modelId" binding:"required"`
}

func (s *Server) deleteModelHandler(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.DeleteModel(req.ModelID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": req.ModelID})
}

func (s *Server) storageHandler(c *gin.Context) {
	report, err := s.engine.StorageReport()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"used": report.UsedBytes, "available": report.AvailableBytes})
}

type loadRequest struct {
	ModelID   string `json:"modelId" binding:"required"`
	SourceURL string `json:"sourceUrl"`
}

func (s *Server) loadModelHandler(c *gin.Context) {
	var req loadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.engine.LoadModel(c.Request.Context(), req.ModelID, doppler.LoadOptions{
		SourceURL: req.SourceURL,
	}); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loaded": req.ModelID})
}

type generateRequest struct {
	ModelID           string  `json:"modelId" binding:"required"`
	Prompt            string  `json:"prompt" binding:"required"`
	MaxTokens         int     `json:"maxTokens"`
	Temperature       float64 `json:"temperature"`
	TopK              int     `json:"topK"`
	TopP              float64 `json:"topP"`
	RepetitionPenalty float64 `json:"repetitionPenalty"`
	StopTokens        []int32 `json:"stopTokens"`
}

// generateHandler streams generated tokens over SSE, the browser-facing
// half of spec.md §4.11's lazy token stream.
func (s *Server) generateHandler(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, ok := s.engine.Pipeline(req.ModelID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "model not loaded"})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, err := p.Generate(ctx, req.Prompt, pipeline.GenerateOptions{
		MaxTokens:         req.MaxTokens,
		Temperature:       req.Temperature,
		TopK:              req.TopK,
		TopP:              req.TopP,
		RepetitionPenalty: req.RepetitionPenalty,
		StopTokens:        req.StopTokens,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.Stream(func(w io.Writer) bool {
		tok, ok := <-stream
		if !ok {
			sse.Encode(w, sse.Event{Event: "done"})
			return false
		}
		if tok.Err != nil {
			sse.Encode(w, sse.Event{Event: "error", Data: gin.H{"message": tok.Err.Error()}})
			return false
		}
		sse.Encode(w, sse.Event{Event: "token", Data: gin.H{"id": tok.ID}})
		return true
	})
}

func writeError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

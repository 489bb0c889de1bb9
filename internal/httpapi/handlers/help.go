package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docsassist/ai-help/internal/common"
	"github.com/docsassist/ai-help/internal/help"
	"github.com/docsassist/ai-help/internal/httpapi/middleware"
)

// AskAIHelp runs the assistance pipeline and streams the answer over SSE:
// one metadata event first, then chunk events mirroring the upstream deltas,
// terminated with the upstream stream (possibly by an error event).
func (h *Handler) AskAIHelp(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	user, err := h.loadUser(c, uid)
	if err != nil {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req help.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	requestID := c.GetString(middleware.RequestIDKey)

	result, err := h.HelpSvc.Ask(c.Request.Context(), requestID, help.User{
		ID:             user.ID,
		Unlimited:      user.IsSubscriber,
		HistoryEnabled: !user.NoHistory,
	}, req)
	if err != nil {
		h.failAsk(c, err)
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	// one-time metadata frame
	writeJSON("metadata", gin.H{
		"type":       "metadata",
		"chat_id":    result.ChatID,
		"message_id": result.MessageID,
		"parent_id":  result.ParentID,
		"sources":    result.Sources,
		"remaining":  result.Remaining,
	})

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case ev, ok := <-result.Events:
			if !ok {
				writeJSON("done", gin.H{"type": "done"})
				return
			}
			if ev.Err != nil {
				writeJSON("error", gin.H{
					"type":    "error",
					"message": ev.Err.Error(),
				})
				return
			}
			writeJSON("chunk", gin.H{
				"type":          "chunk",
				"delta":         ev.Chunk.Delta,
				"finish_reason": ev.Chunk.FinishReason,
			})

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case <-ctx.Done():
			// client gone; background persistence keeps running
			return
		}
	}
}

// failAsk maps pipeline taxonomy errors to pre-content JSON rejections.
func (h *Handler) failAsk(c *gin.Context, err error) {
	switch {
	case errors.Is(err, help.ErrQuotaExceeded):
		common.Fail(c, http.StatusTooManyRequests, 42901, "question limit reached")
	case errors.Is(err, help.ErrFlagged):
		common.Fail(c, http.StatusBadRequest, 40002, "request flagged by moderation")
	case errors.Is(err, help.ErrNoUserPrompt):
		common.Fail(c, http.StatusBadRequest, 40001, "no user prompt")
	case errors.Is(err, help.ErrTokenLimit):
		common.Fail(c, http.StatusBadRequest, 40003, "question too long")
	default:
		common.Fail(c, http.StatusBadGateway, 50201, "upstream failure")
	}
}

// GetQuota returns the caller's in-window count and limit.
func (h *Handler) GetQuota(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	ledger := h.HelpSvc.Ledger()
	count, err := ledger.Count(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	remaining := ledger.Limit() - count
	if remaining < 0 {
		remaining = 0
	}
	common.Ok(c, gin.H{
		"count":          count,
		"limit":          ledger.Limit(),
		"remaining":      remaining,
		"window_seconds": int64(ledger.Window().Seconds()),
	})
}

// ListHistory returns a chat's records oldest-first.
func (h *Handler) ListHistory(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chatID := c.Param("chat_id")
	recs, err := h.HelpSvc.History().List(c.Request.Context(), uid, chatID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list history")
		return
	}
	common.Ok(c, gin.H{"chat_id": chatID, "messages": recs})
}

// DeleteHistory clears a chat.
func (h *Handler) DeleteHistory(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chatID := c.Param("chat_id")
	if err := h.HelpSvc.History().Clear(c.Request.Context(), uid, chatID); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to clear history")
		return
	}
	common.Ok(c, gin.H{"chat_id": chatID})
}

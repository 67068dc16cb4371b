// Package api exposes the crewd HTTP surface: session lifecycle, chat,
// event streaming, model catalog, history, and usage endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/history"
	"github.com/crewd/crewd/internal/llm"
	"github.com/crewd/crewd/internal/metrics"
	"github.com/crewd/crewd/internal/protocol"
	"github.com/crewd/crewd/internal/session"
	v1 "github.com/crewd/crewd/pkg/api/v1"
)

const apiVersion = "1.0.0"

const llmTestTimeout = 30 * time.Second

// Handlers carries the dependencies of the HTTP endpoints.
type Handlers struct {
	sessions    *session.Manager
	broadcaster *events.Broadcaster
	sink        history.Sink
	usage       *metrics.TokenTracker
	providers   llm.Factory
	presetsDir  string
	log         *logger.Logger

	upgrader websocket.Upgrader
}

// Deps bundles what the handlers need.
type Deps struct {
	Sessions    *session.Manager
	Broadcaster *events.Broadcaster
	Sink        history.Sink
	Usage       *metrics.TokenTracker
	Providers   llm.Factory
	PresetsDir  string
	Log         *logger.Logger
}

// NewHandlers creates the endpoint set.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		sessions:    deps.Sessions,
		broadcaster: deps.Broadcaster,
		sink:        deps.Sink,
		usage:       deps.Usage,
		providers:   deps.Providers,
		presetsDir:  deps.PresetsDir,
		log:         deps.Log.WithFields(zap.String("component", "api")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes attaches every endpoint to the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.root)
	router.HEAD("/", h.root)
	router.GET("/health", h.health)
	router.HEAD("/health", h.health)

	api := router.Group("/api")
	api.POST("/sessions", h.createSession)
	api.DELETE("/sessions/:id", h.stopSession)
	api.POST("/sessions/:id/chat", h.chat)
	api.GET("/sessions/:id/stream", h.stream)
	api.GET("/sessions/:id/ws", h.streamWS)

	api.POST("/llm/test", h.testLLM)
	api.GET("/models", h.models)
	api.GET("/presets", h.presets)
	api.GET("/usage/:id", h.sessionUsage)

	api.GET("/history", h.listHistory)
	api.GET("/history/:id", h.sessionHistory)
	api.DELETE("/history/:id", h.deleteHistory)
}

func (h *Handlers) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":   "crewd API is running",
		"version":   apiVersion,
		"timestamp": protocol.Now(),
	})
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"timestamp":       protocol.Now(),
		"active_sessions": h.sessions.Count(),
	})
}

func (h *Handlers) createSession(c *gin.Context) {
	var req v1.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(req.Agents) == 0 && req.Preset != "" {
		preset, err := session.FindPreset(h.presetsDir, req.Preset)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.Agents = preset.Agents
	}

	engine, err := h.sessions.Create(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, v1.SessionResponse{
		SessionID: engine.SessionID(),
		Agents:    engine.AgentNames(),
		Status:    "running",
	})
}

func (h *Handlers) stopSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.sessions.Stop(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.log.Error("session stop failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "session_id": sessionID})
}

func (h *Handlers) chat(c *gin.Context) {
	sessionID := c.Param("id")
	var req v1.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	engine, err := h.sessions.Get(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err := engine.SendUserMessage(req.Message, req.TargetAgent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent", "session_id": sessionID})
}

// stream is the SSE feed of a session's events.
func (h *Handlers) stream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.sessions.Get(sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	sub := h.broadcaster.Subscribe(sessionID)
	if err := h.broadcaster.StreamSSE(c.Request.Context(), sessionID, sub, c.Writer); err != nil &&
		!errors.Is(err, context.Canceled) {
		h.log.Debug("sse stream ended", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// streamWS is the WebSocket twin of the SSE feed: each session event is
// written as one JSON frame.
func (h *Handlers) streamWS(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.sessions.Get(sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.broadcaster.Subscribe(sessionID)
	defer h.broadcaster.Unsubscribe(sessionID, sub)

	// reader only to observe the close handshake
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if event.Type == events.TypeSessionEnd {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
		}
	}
}

// testLLM validates an API key with a minimal model call.
func (h *Handlers) testLLM(c *gin.Context) {
	var req v1.LLMTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	provider, err := h.providers(req.Provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = session.ResolveAPIKeys(nil)[strings.ToLower(req.Provider)]
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), llmTestTimeout)
	defer cancel()
	resp, err := provider.Chat(ctx, llm.Request{
		Messages: []llm.ChatMessage{
			{Role: "system", Content: "Reply with exactly: OK"},
			{Role: "user", Content: "Test"},
		},
		APIKey: apiKey,
		Model:  req.Model,
	})
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"status":   "invalid",
			"provider": req.Provider,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "valid",
		"provider": req.Provider,
		"model":    req.Model,
		"response": protocol.Truncate(resp.Content, 100),
	})
}

func (h *Handlers) models(c *gin.Context) {
	c.JSON(http.StatusOK, llm.ModelsByProvider())
}

func (h *Handlers) presets(c *gin.Context) {
	presets, err := session.LoadPresets(h.presetsDir)
	if err != nil {
		h.log.Error("preset load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load presets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presets": presets})
}

func (h *Handlers) sessionUsage(c *gin.Context) {
	sessionID := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"agents":     h.usage.SessionUsage(sessionID),
		"totals":     h.usage.Totals(sessionID),
	})
}

func (h *Handlers) listHistory(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	sessions, err := h.sink.Sessions(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("history listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handlers) sessionHistory(c *gin.Context) {
	sessionID := c.Param("id")
	detail, err := h.sink.SessionDetail(c.Request.Context(), sessionID)
	if err != nil {
		h.log.Error("history lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session history"})
		return
	}
	if detail == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found in history"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handlers) deleteHistory(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.sink.DeleteSession(c.Request.Context(), sessionID); err != nil {
		h.log.Error("history delete failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "session_id": sessionID})
}

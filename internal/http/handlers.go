package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"keepgoing-assistant/internal/apperr"
	"keepgoing-assistant/internal/core"
	"keepgoing-assistant/internal/logger"
	"keepgoing-assistant/pkg"
)

// Processor answers patient messages.
type Processor interface {
	ProcessMessage(ctx context.Context, req core.ProcessRequest) (core.ProcessResult, error)
}

// AlertReader lists alerts for the clinician dashboard.
type AlertReader interface {
	ListAlerts(ctx context.Context, clinicianID string, limit int) ([]pkg.AlertRecord, error)
}

// Fixed copy for failures that reach the client.
const (
	msgInvalidRequest = "Sorry, that message couldn't be read. Please check it and try again."
	msgUnavailable    = "Sorry, something went wrong on our side. Please try again shortly."
)

// Server bundles together the dependencies required by HTTP handlers.
type Server struct {
	Chat      Processor
	Alerts    AlertReader
	Broker    *Broker
	Log       *logger.Logger
	Heartbeat time.Duration
	now       func() time.Time
}

// NewServer constructs a Server.  alerts and broker may be nil, in which
// case the dashboard endpoints answer 503.
func NewServer(chat Processor, alerts AlertReader, broker *Broker, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{Chat: chat, Alerts: alerts, Broker: broker, Log: log, Heartbeat: 25 * time.Second, now: time.Now}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthcheck", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := r.Group("/api")
	api.POST("/patients/:patientID/messages", s.handlePostMessage)
	api.GET("/clinicians/:clinicianID/alerts", s.handleListAlerts)
	api.GET("/clinicians/:clinicianID/alerts/stream", s.handleAlertStream)
	return r
}

// requestLog logs method, route and status.  Paths carry ids, so the route
// template is logged instead of the raw URL.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Log.Info("request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

type postMessageRequest struct {
	Message          string `json:"message"`
	SentAt           string `json:"sent_at"`
	ConnectivityTier string `json:"connectivity_tier"`
}

type postMessageResponse struct {
	ResponseText     string   `json:"response_text"`
	ToolsUsed        []string `json:"tools_used"`
	ModelUsed        string   `json:"model_used,omitempty"`
	ValidationStatus string   `json:"validation_status"`
}

// handlePostMessage runs one patient message through the pipeline.
func (s *Server) handlePostMessage(c *gin.Context) {
	var body postMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidRequest})
		return
	}
	sentAt, err := time.Parse(time.RFC3339, strings.TrimSpace(body.SentAt))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidRequest})
		return
	}
	tier, err := pkg.ParseConnectivityTier(body.ConnectivityTier)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidRequest})
		return
	}

	res, err := s.Chat.ProcessMessage(c.Request.Context(), core.ProcessRequest{
		PatientID:   c.Param("patientID"),
		Session:     core.Session{ConnectivityTier: tier},
		MessageText: body.Message,
		SentAt:      sentAt,
	})
	if err != nil {
		s.Log.Error("message processing failed", "patient_id", c.Param("patientID"), "kind", string(apperr.KindOf(err)), "error", err)
		switch {
		case errors.Is(err, apperr.InvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidRequest})
		case errors.Is(err, apperr.EmergencyCheck), errors.Is(err, apperr.Redaction):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": core.RefusalMessage})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgUnavailable})
		}
		return
	}
	tools := res.ToolsUsed
	if tools == nil {
		tools = []string{}
	}
	c.JSON(http.StatusOK, postMessageResponse{
		ResponseText:     res.ResponseText,
		ToolsUsed:        tools,
		ModelUsed:        res.ModelUsed,
		ValidationStatus: string(res.ValidationStatus),
	})
}

// handleListAlerts returns a clinician's recent alerts as JSON.
func (s *Server) handleListAlerts(c *gin.Context) {
	if s.Alerts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": msgUnavailable})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	alerts, err := s.Alerts.ListAlerts(c.Request.Context(), c.Param("clinicianID"), limit)
	if err != nil {
		s.Log.Error("alert list failed", "clinician_id", c.Param("clinicianID"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgUnavailable})
		return
	}
	if alerts == nil {
		alerts = []pkg.AlertRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// handleAlertStream pushes new-alert events for one clinician over SSE
// until the client goes away.
func (s *Server) handleAlertStream(c *gin.Context) {
	if s.Broker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": msgUnavailable})
		return
	}
	clinicianID := c.Param("clinicianID")
	events, cancel := s.Broker.Subscribe(clinicianID)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.Heartbeat)
	defer heartbeat.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev := <-events:
			c.SSEvent("alert", ev)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"at": s.now().UTC().Format(time.RFC3339)})
			return true
		}
	})
}

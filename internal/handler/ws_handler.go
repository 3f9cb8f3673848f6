package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/metrics"
	"github.com/stemsi/exstem-client/internal/middleware"
	"github.com/stemsi/exstem-client/internal/validator"
	ws "github.com/stemsi/exstem-client/internal/websocket"
	"github.com/stemsi/exstem-client/internal/worker"
)

// enqueueTimeout bounds handing a frame to the grading queue.
const enqueueTimeout = 5 * time.Second

// TeardownQueue accepts stream submissions for background grading.
type TeardownQueue interface {
	Enqueue(ctx context.Context, sub worker.TeardownSubmission) error
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler serves the student stream used for teardown-time submissions.
type WSHandler struct {
	queue    TeardownQueue
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(queue TeardownQueue, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		queue:    queue,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// StudentStream godoc
// WS /ws/v1/student/stream
// Keeps a connection open while an exam is on screen so the client can hand
// over its answers with a single frame when it goes away.
func (h *WSHandler) StudentStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.StreamConnections.Inc()
	defer metrics.StreamConnections.Dec()

	studentID := claims.UserID
	wsLog := h.log.With().Int("student_id", studentID).Logger()
	wsLog.Info().Msg("Student connected")

	for {
		// Use helper to read message with deadline handling.
		var raw json.RawMessage
		if err := ws.ReadJSON(conn, &raw); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = ws.WriteError(conn, "malformed frame")
			continue
		}

		switch env.Action {
		case ws.ActionTeardownSubmit:
			var msg ws.TeardownSubmitRequest
			if err := json.Unmarshal(raw, &msg); err != nil {
				wsLog.Warn().Err(err).Msg("Malformed teardown frame")
				continue
			}
			h.handleTeardownSubmit(wsLog, studentID, &msg)
		case ws.ActionPing:
			_ = ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			_ = ws.WriteError(conn, "unknown action: "+string(env.Action))
		}
	}
}

// handleTeardownSubmit queues a teardown frame for grading. The sender is
// gone by the time it is graded, so nothing is written back.
func (h *WSHandler) handleTeardownSubmit(wsLog zerolog.Logger, studentID int, msg *ws.TeardownSubmitRequest) {
	if fields := validator.Struct(msg); fields != nil {
		wsLog.Warn().Interface("fields", fields).Msg("Invalid teardown frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	err := h.queue.Enqueue(ctx, worker.TeardownSubmission{
		StudentID: studentID,
		AttemptID: msg.AttemptID,
		Answers:   msg.Answers,
	})
	if err != nil {
		wsLog.Error().Err(err).Str("attempt_id", msg.AttemptID).Msg("Queue teardown submission")
		return
	}

	wsLog.Info().Str("attempt_id", msg.AttemptID).Msg("Teardown submission queued")
}

package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/metrics"
	"github.com/stemsi/exstem-client/internal/middleware"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/response"
	"github.com/stemsi/exstem-client/internal/service"
	"github.com/stemsi/exstem-client/internal/validator"
)

// AttemptHandler handles the student attempt lifecycle endpoints.
type AttemptHandler struct {
	authService    *service.AuthService
	attemptService *service.AttemptService
	log            zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(authService *service.AuthService, attemptService *service.AttemptService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		authService:    authService,
		attemptService: attemptService,
		log:            log.With().Str("component", "attempt_handler").Logger(),
	}
}

// StartAttempt godoc
// POST /api/v1/student/subjects/:subject_id/attempts
// Creates a new attempt and returns its questions and absolute expiry.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	subjectID := c.Param("subject_id")
	if !validator.ValidID(subjectID) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	att, err := h.attemptService.Start(c.Request.Context(), claims.UserID, subjectID)
	if err != nil {
		h.fail(c, err)
		return
	}
	metrics.AttemptsStarted.WithLabelValues(subjectID).Inc()

	response.Success(c, http.StatusCreated, att)
}

// SubmitAttempt godoc
// POST /api/v1/student/attempts/:attempt_id/submit
// Grades the attempt. Submitting again returns the first result.
func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.SubmitAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, first, err := h.attemptService.Submit(c.Request.Context(), claims.UserID, c.Param("attempt_id"), req.Answers)
	metrics.RecordSubmission(metrics.ChannelAwaited, first, err)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"result": res})
}

// GetResult godoc
// GET /api/v1/student/attempts/:attempt_id/result
// Returns the stored grading result of a submitted attempt.
func (h *AttemptHandler) GetResult(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	res, err := h.attemptService.Result(c.Request.Context(), claims.UserID, c.Param("attempt_id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"result": res})
}

// TeardownSubmit godoc
// POST /api/v1/student/attempts/:attempt_id/teardown-submit
// Accepts a fire-and-forget submission sent while the client is going away.
// The token travels in the body; the sender never reads the reply.
func (h *AttemptHandler) TeardownSubmit(c *gin.Context) {
	var req model.TeardownSubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if req.AttemptID != c.Param("attempt_id") {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
		return
	}

	claims, err := h.authService.ValidateStudentToken(req.Token)
	if err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
		return
	}

	res, first, err := h.attemptService.Submit(c.Request.Context(), claims.UserID, req.AttemptID, req.Answers)
	metrics.RecordSubmission(metrics.ChannelTeardown, first, err)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.log.Info().
		Str("attempt_id", req.AttemptID).
		Int("student_id", claims.UserID).
		Bool("first", first).
		Msg("Teardown submission accepted")

	response.Success(c, http.StatusAccepted, gin.H{"result": res})
}

func (h *AttemptHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSubjectNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrSubjectNotFound)
	case errors.Is(err, service.ErrAttemptNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
	case errors.Is(err, service.ErrAttemptNotOwned):
		response.Fail(c, http.StatusForbidden, response.ErrAttemptNotOwned)
	case errors.Is(err, service.ErrUnknownQuestion):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrUnknownQuestion)
	case errors.Is(err, service.ErrOptionOutOfRange):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrOptionOutOfRange)
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Attempt request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

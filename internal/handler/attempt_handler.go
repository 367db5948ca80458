package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stemsi/exstem-attempt/internal/validator"
)

// AttemptHandler serves the attempt endpoints the exam client consumes.
type AttemptHandler struct {
	attemptService *service.AttemptService
	clock          clockwork.Clock
	log            zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attemptService *service.AttemptService, clock clockwork.Clock, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attemptService: attemptService,
		clock:          clock,
		log:            log.With().Str("component", "attempt_handler").Logger(),
	}
}

// attemptError maps a service error to its HTTP status and error code.
func attemptError(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrExamNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrAttemptNotFound):
		return http.StatusNotFound, response.ErrAttemptNotFound
	case errors.Is(err, service.ErrQuestionNotFound):
		return http.StatusNotFound, response.ErrQuestionNotFound
	case errors.Is(err, service.ErrExamNotAvailable):
		return http.StatusForbidden, response.ErrExamNotAvailable
	case errors.Is(err, service.ErrInvalidEntryToken):
		return http.StatusForbidden, response.ErrInvalidEntryToken
	case errors.Is(err, service.ErrNoQuestions):
		return http.StatusUnprocessableEntity, response.ErrNoQuestions
	case errors.Is(err, service.ErrAttemptClosed):
		return http.StatusConflict, response.ErrAttemptClosed
	case errors.Is(err, service.ErrAttemptInProgress):
		return http.StatusConflict, response.ErrAttemptInProgress
	case errors.Is(err, service.ErrDeadlinePassed):
		return http.StatusConflict, response.ErrDeadlinePassed
	case errors.Is(err, service.ErrInvalidAnswer):
		return http.StatusUnprocessableEntity, response.ErrInvalidAnswer
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

func (h *AttemptHandler) fail(c *gin.Context, err error) {
	status, code := attemptError(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("path", c.FullPath()).
			Str("request_id", response.RequestID(c)).
			Msg("Request failed")
	}
	response.Fail(c, status, code)
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

// StartAttempt godoc
// POST /api/v1/exams/:exam_id/attempts
// Starts the student's attempt, or returns the existing one.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := parseID(c, "exam_id")
	if !ok {
		return
	}

	var req model.StartAttemptRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	attempt, err := h.attemptService.StartAttempt(c.Request.Context(), examID, claims.UserID, req.EntryToken)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, attempt)
}

// GetAttempt godoc
// GET /api/v1/attempts/:attempt_id
func (h *AttemptHandler) GetAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	attemptID, ok := parseID(c, "attempt_id")
	if !ok {
		return
	}

	attempt, err := h.attemptService.GetAttempt(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, attempt)
}

// GetQuestions godoc
// GET /api/v1/exams/:exam_id/questions
// Returns the ordered question set without answer keys.
func (h *AttemptHandler) GetQuestions(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := parseID(c, "exam_id")
	if !ok {
		return
	}

	questions, err := h.attemptService.GetQuestions(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, questions)
}

// GetExam godoc
// GET /api/v1/exams/:exam_id
// Returns the exam with its questions. Clients fall back to this when the
// questions endpoint fails.
func (h *AttemptHandler) GetExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := parseID(c, "exam_id")
	if !ok {
		return
	}

	detail, err := h.attemptService.GetExamDetail(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, detail)
}

// GetAnswers godoc
// GET /api/v1/attempts/:attempt_id/answers
func (h *AttemptHandler) GetAnswers(c *gin.Context) {
	claims := middleware.GetClaims(c)
	attemptID, ok := parseID(c, "attempt_id")
	if !ok {
		return
	}

	answers, err := h.attemptService.GetAnswers(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, answers)
}

// SaveAnswer godoc
// PUT /api/v1/attempts/:attempt_id/answers/:question_id
// Applies a partial edit; absent fields keep their saved value.
func (h *AttemptHandler) SaveAnswer(c *gin.Context) {
	claims := middleware.GetClaims(c)
	attemptID, ok := parseID(c, "attempt_id")
	if !ok {
		return
	}
	questionID, ok := parseID(c, "question_id")
	if !ok {
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	state, err := h.attemptService.SaveAnswer(c.Request.Context(), attemptID, claims.UserID, questionID, req.Edit())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// SubmitAttempt godoc
// POST /api/v1/attempts/:attempt_id/submit
// Closes and grades the attempt. Repeated submits return the closed attempt.
func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	attemptID, ok := parseID(c, "attempt_id")
	if !ok {
		return
	}

	var req model.SubmitAttemptRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	attempt, err := h.attemptService.SubmitAttempt(c.Request.Context(), attemptID, claims.UserID, req.Auto)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, attempt)
}

// ReportViolation godoc
// POST /api/v1/attempts/:attempt_id/violations
func (h *AttemptHandler) ReportViolation(c *gin.Context) {
	claims := middleware.GetClaims(c)
	attemptID, ok := parseID(c, "attempt_id")
	if !ok {
		return
	}

	var req model.ReportViolationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attemptService.ReportViolation(c.Request.Context(), attemptID, claims.UserID, req.Event(h.clock.Now())); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{"status": "queued"})
}

// GetAnswerDetails godoc
// GET /api/v1/attempts/:attempt_id/answer-details
// Returns the graded answers once the attempt is closed.
func (h *AttemptHandler) GetAnswerDetails(c *gin.Context) {
	claims := middleware.GetClaims(c)
	attemptID, ok := parseID(c, "attempt_id")
	if !ok {
		return
	}

	details, err := h.attemptService.GetAnswerDetails(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, details)
}

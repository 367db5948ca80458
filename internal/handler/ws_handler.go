package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	govalidator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stemsi/exstem-attempt/internal/validator"
	ws "github.com/stemsi/exstem-attempt/internal/websocket"
)

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

// WSHandler streams saves, violations and submits of one attempt over a
// single connection.
type WSHandler struct {
	attemptService *service.AttemptService
	validate       *govalidator.Validate
	clock          clockwork.Clock
	log            zerolog.Logger
	upgrader       websocket.Upgrader
	limiter        *middleware.RateLimiter
}

// NewWSHandler creates a new WSHandler. validate checks stream payloads
// with the same rules as the REST binding. violationLimiter, when set, is
// the same budget the REST violation route draws from.
func NewWSHandler(attemptService *service.AttemptService, validate *govalidator.Validate, violationLimiter *middleware.RateLimiter, clock clockwork.Clock, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		validate:       validate,
		clock:          clock,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
		limiter:        violationLimiter,
	}
}

// AttemptStream godoc
// WS /ws/v1/attempts/:attempt_id/stream?token=
// Every request carries a req_id that the matching response echoes.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	attemptID, ok := parseID(c, "attempt_id")
	if !ok {
		return
	}

	// Reject before upgrading so the client sees a plain HTTP error.
	ctx := c.Request.Context()
	if _, err := h.attemptService.GetAttempt(ctx, attemptID, claims.UserID); err != nil {
		status, code := attemptError(err)
		response.Fail(c, status, code)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	s := &streamConn{
		h:         h,
		conn:      conn,
		attemptID: attemptID,
		studentID: claims.UserID,
		log: h.log.With().
			Int("student_id", claims.UserID).
			Str("attempt_id", attemptID.String()).
			Logger(),
	}
	s.log.Info().Msg("Student connected")
	s.serve(context.WithoutCancel(ctx))
}

type streamConn struct {
	h         *WSHandler
	conn      *websocket.Conn
	attemptID uuid.UUID
	studentID int
	log       zerolog.Logger
}

func (s *streamConn) serve(ctx context.Context) {
	for {
		var req ws.Request
		if err := ws.ReadJSON(s.conn, &req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				s.log.Debug().Msg("Connection closed")
			}
			return
		}

		var err error
		switch req.Action {
		case ws.ActionAutosave:
			err = s.handleAutosave(ctx, &req)
		case ws.ActionViolation:
			err = s.handleViolation(ctx, &req)
		case ws.ActionSubmit:
			err = s.handleSubmit(ctx, &req)
		case ws.ActionPing:
			err = ws.WriteTyped(s.conn, ws.Response{Event: ws.EventPong, ReqID: req.ReqID})
		default:
			s.log.Warn().Str("action", string(req.Action)).Msg("Unknown action")
			err = ws.WriteError(s.conn, req.ReqID, string(response.ErrInvalidPayload), "unknown action: "+string(req.Action))
		}
		if err != nil {
			s.log.Debug().Err(err).Msg("Write failed")
			return
		}
	}
}

func (s *streamConn) reply(event ws.Event, reqID string, data any) error {
	resp, err := ws.NewResponse(event, reqID, data)
	if err != nil {
		return err
	}
	return ws.WriteTyped(s.conn, resp)
}

func (s *streamConn) fail(reqID string, err error) error {
	status, code := attemptError(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Stream request failed")
	}
	return ws.WriteError(s.conn, reqID, string(code), response.GetMessage(code))
}

func (s *streamConn) invalid(reqID string, msg string) error {
	return ws.WriteError(s.conn, reqID, string(response.ErrValidation), msg)
}

func (s *streamConn) handleAutosave(ctx context.Context, req *ws.Request) error {
	if req.QuestionID == uuid.Nil || req.Answer == nil {
		return s.invalid(req.ReqID, "question_id and answer are required")
	}
	body := model.SaveAnswerRequest{
		SelectedOptions: req.Answer.SelectedOptions,
		AnswerText:      req.Answer.AnswerText,
		Flagged:         req.Answer.Flagged,
	}
	if err := s.h.validate.Struct(body); err != nil {
		return s.invalid(req.ReqID, validator.Summary(err))
	}

	state, err := s.h.attemptService.SaveAnswer(ctx, s.attemptID, s.studentID, req.QuestionID, body.Edit())
	if err != nil {
		return s.fail(req.ReqID, err)
	}
	return s.reply(ws.EventSaved, req.ReqID, state)
}

func (s *streamConn) handleViolation(ctx context.Context, req *ws.Request) error {
	if req.Violation == nil {
		return s.invalid(req.ReqID, "violation is required")
	}
	if err := s.h.validate.Struct(req.Violation); err != nil {
		return s.invalid(req.ReqID, validator.Summary(err))
	}
	if s.h.limiter != nil {
		if ok, _ := s.h.limiter.Allow(ctx, s.attemptID.String()); !ok {
			code := response.ErrRateLimitExceeded
			return ws.WriteError(s.conn, req.ReqID, string(code), response.GetMessage(code))
		}
	}

	ev := req.Violation.Event(s.h.clock.Now())
	if err := s.h.attemptService.ReportViolation(ctx, s.attemptID, s.studentID, ev); err != nil {
		return s.fail(req.ReqID, err)
	}
	return s.reply(ws.EventRecorded, req.ReqID, nil)
}

func (s *streamConn) handleSubmit(ctx context.Context, req *ws.Request) error {
	attempt, err := s.h.attemptService.SubmitAttempt(ctx, s.attemptID, s.studentID, req.Auto)
	if err != nil {
		return s.fail(req.ReqID, err)
	}
	s.log.Info().Str("status", string(attempt.Status)).Msg("Attempt submitted over stream")
	return s.reply(ws.EventSubmitted, req.ReqID, attempt)
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	ws "github.com/stemsi/exstem-attempt/internal/websocket"
)

// ErrStreamClosed is returned for requests that cannot complete because
// the stream is gone.
var ErrStreamClosed = errors.New("stream closed")

// pingInterval keeps the server's read deadline from expiring.
const pingInterval = ws.ReadWait / 5

// Stream sends saves, violations and submits of one attempt over a single
// WebSocket. Loads still go through the embedded REST client.
type Stream struct {
	*Client
	attemptID uuid.UUID
	conn      *websocket.Conn
	log       zerolog.Logger

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan ws.Response
	err     error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial opens the attempt stream.
func (c *Client) Dial(ctx context.Context, attemptID uuid.UUID) (*Stream, error) {
	u, err := streamURL(c.baseURL, attemptID, c.token)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if apiErr := decodeEnvelope(resp, nil); apiErr != nil {
				return nil, apiErr
			}
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}

	s := &Stream{
		Client:    c,
		attemptID: attemptID,
		conn:      conn,
		log:       c.log.With().Str("attempt_id", attemptID.String()).Logger(),
		pending:   make(map[string]chan ws.Response),
		done:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

func streamURL(baseURL string, attemptID uuid.UUID, token string) (string, error) {
	var u string
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		u = "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		u = "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return "", fmt.Errorf("unsupported backend url %q", baseURL)
	}
	return u + "/ws/v1/attempts/" + attemptID.String() + "/stream?token=" + token, nil
}

func (s *Stream) readLoop() {
	defer s.wg.Done()
	for {
		var resp ws.Response
		if err := s.conn.ReadJSON(&resp); err != nil {
			s.fail(err)
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[resp.ReqID]
		delete(s.pending, resp.ReqID)
		s.mu.Unlock()
		if !ok {
			s.log.Debug().Str("event", string(resp.Event)).Str("req_id", resp.ReqID).Msg("Unmatched stream response")
			continue
		}
		ch <- resp
	}
}

func (s *Stream) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pingInterval)
			_, err := s.request(ctx, ws.Request{Action: ws.ActionPing})
			cancel()
			if err != nil && !errors.Is(err, ErrStreamClosed) {
				s.log.Warn().Err(err).Msg("Stream ping failed")
			}
		}
	}
}

// fail ends the stream and releases every waiting request.
func (s *Stream) fail(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = ErrStreamClosed
		if err != nil {
			s.err = err
		}
		pending := s.pending
		s.pending = map[string]chan ws.Response{}
		s.mu.Unlock()

		close(s.done)
		for _, ch := range pending {
			close(ch)
		}
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			s.log.Warn().Err(err).Msg("Stream ended")
		}
	})
}

func (s *Stream) request(ctx context.Context, req ws.Request) (ws.Response, error) {
	req.ReqID = strconv.FormatUint(s.seq.Add(1), 10)
	ch := make(chan ws.Response, 1)

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return ws.Response{}, ErrStreamClosed
	}
	s.pending[req.ReqID] = ch
	s.mu.Unlock()

	s.writeMu.Lock()
	err := ws.WriteTyped(s.conn, req)
	s.writeMu.Unlock()
	if err != nil {
		s.forget(req.ReqID)
		return ws.Response{}, fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ws.Response{}, ErrStreamClosed
		}
		if resp.Event == ws.EventError {
			return resp, &APIError{Code: resp.Code, Message: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		s.forget(req.ReqID)
		return ws.Response{}, ctx.Err()
	}
}

func (s *Stream) forget(reqID string) {
	s.mu.Lock()
	delete(s.pending, reqID)
	s.mu.Unlock()
}

// SaveAnswer sends the edit over the stream.
func (s *Stream) SaveAnswer(ctx context.Context, attemptID, questionID uuid.UUID, edit model.AnswerEdit) (*model.AnswerState, error) {
	if attemptID != s.attemptID {
		return s.Client.SaveAnswer(ctx, attemptID, questionID, edit)
	}
	resp, err := s.request(ctx, ws.Request{Action: ws.ActionAutosave, QuestionID: questionID, Answer: &edit})
	if err != nil {
		return nil, err
	}
	var st model.AnswerState
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		return nil, fmt.Errorf("decode saved answer: %w", err)
	}
	return &st, nil
}

// ReportViolation sends the event over the stream.
func (s *Stream) ReportViolation(ctx context.Context, attemptID uuid.UUID, v model.ViolationEvent) error {
	if attemptID != s.attemptID {
		return s.Client.ReportViolation(ctx, attemptID, v)
	}
	req := violationRequest(v)
	_, err := s.request(ctx, ws.Request{Action: ws.ActionViolation, Violation: &req})
	return err
}

// SubmitAttempt submits over the stream. A closed stream falls back to REST
// so the submit is never lost to a dropped connection.
func (s *Stream) SubmitAttempt(ctx context.Context, attemptID uuid.UUID, auto bool) (*model.Attempt, error) {
	if attemptID != s.attemptID {
		return s.Client.SubmitAttempt(ctx, attemptID, auto)
	}
	resp, err := s.request(ctx, ws.Request{Action: ws.ActionSubmit, Auto: auto})
	if errors.Is(err, ErrStreamClosed) {
		return s.Client.SubmitAttempt(ctx, attemptID, auto)
	}
	if err != nil {
		return nil, err
	}
	var a model.Attempt
	if err := json.Unmarshal(resp.Data, &a); err != nil {
		return nil, fmt.Errorf("decode attempt: %w", err)
	}
	return &a, nil
}

// Close ends the stream and waits for its goroutines.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	err := s.conn.Close()
	s.fail(nil)
	s.wg.Wait()
	return err
}

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stemsi/exstem-attempt/internal/model"
	ws "github.com/stemsi/exstem-attempt/internal/websocket"
	"github.com/stretchr/testify/require"
)

// streamServer answers stream requests with handle. Requests are read in
// order but handle may hold some back to answer out of order.
func streamServer(t *testing.T, attemptID uuid.UUID, handle func(conn *websocket.Conn, req ws.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/v1/attempts/"+attemptID.String()+"/stream" {
			writeError(t, w, http.StatusNotFound, "ATTEMPT_NOT_FOUND", "Attempt not found.")
			return
		}
		if r.URL.Query().Get("token") != "tok" {
			writeError(t, w, http.StatusUnauthorized, "TOKEN_INVALID", "bad token")
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req ws.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			handle(conn, req)
		}
	}))
}

func reply(t *testing.T, conn *websocket.Conn, event ws.Event, reqID string, data any) {
	resp, err := ws.NewResponse(event, reqID, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(resp))
}

func TestStreamCorrelatesOutOfOrderResponses(t *testing.T) {
	attemptID := uuid.New()
	q1, q2 := uuid.New(), uuid.New()

	var held *ws.Request
	srv := streamServer(t, attemptID, func(conn *websocket.Conn, req ws.Request) {
		if held == nil {
			r := req
			held = &r
			return
		}
		// Answer the second request first.
		for _, r := range []ws.Request{req, *held} {
			reply(t, conn, ws.EventSaved, r.ReqID, model.AnswerState{
				QuestionID: r.QuestionID, AnswerText: r.QuestionID.String(),
			})
		}
	})
	defer srv.Close()

	s, err := New(srv.URL, "tok").Dial(context.Background(), attemptID)
	require.NoError(t, err)
	defer s.Close()

	text := "x"
	type result struct {
		text string
		err  error
	}
	var wg sync.WaitGroup
	results := make(map[uuid.UUID]result)
	var mu sync.Mutex
	for _, q := range []uuid.UUID{q1, q2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := s.SaveAnswer(context.Background(), attemptID, q, model.AnswerEdit{AnswerText: &text})
			r := result{err: err}
			if st != nil {
				r.text = st.AnswerText
			}
			mu.Lock()
			results[q] = r
			mu.Unlock()
		}()
		// Keep the send order deterministic.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	require.NoError(t, results[q1].err)
	require.NoError(t, results[q2].err)
	require.Equal(t, q1.String(), results[q1].text)
	require.Equal(t, q2.String(), results[q2].text)
}

func TestStreamErrorEvent(t *testing.T) {
	attemptID := uuid.New()
	srv := streamServer(t, attemptID, func(conn *websocket.Conn, req ws.Request) {
		require.NoError(t, conn.WriteJSON(ws.Response{
			Event: ws.EventError, ReqID: req.ReqID, Code: "ATTEMPT_CLOSED", Error: "closed",
		}))
	})
	defer srv.Close()

	s, err := New(srv.URL, "tok").Dial(context.Background(), attemptID)
	require.NoError(t, err)
	defer s.Close()

	err = s.ReportViolation(context.Background(), attemptID, model.ViolationEvent{Kind: model.ViolationContextMenu})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "ATTEMPT_CLOSED", apiErr.Code)
	require.Zero(t, apiErr.Status)
}

func TestStreamSubmit(t *testing.T) {
	attemptID := uuid.New()
	srv := streamServer(t, attemptID, func(conn *websocket.Conn, req ws.Request) {
		require.Equal(t, ws.ActionSubmit, req.Action)
		status := model.AttemptStatusSubmitted
		if req.Auto {
			status = model.AttemptStatusAutoSubmitted
		}
		reply(t, conn, ws.EventSubmitted, req.ReqID, model.Attempt{ID: attemptID, Status: status})
	})
	defer srv.Close()

	s, err := New(srv.URL, "tok").Dial(context.Background(), attemptID)
	require.NoError(t, err)
	defer s.Close()

	a, err := s.SubmitAttempt(context.Background(), attemptID, true)
	require.NoError(t, err)
	require.Equal(t, model.AttemptStatusAutoSubmitted, a.Status)
}

func TestDialRejectedReturnsAPIError(t *testing.T) {
	attemptID := uuid.New()
	srv := streamServer(t, attemptID, func(*websocket.Conn, ws.Request) {})
	defer srv.Close()

	_, err := New(srv.URL, "tok").Dial(context.Background(), uuid.New())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Equal(t, "ATTEMPT_NOT_FOUND", apiErr.Code)
}

func TestClosedStreamFailsPendingAndNewRequests(t *testing.T) {
	attemptID := uuid.New()
	received := make(chan struct{}, 1)
	srv := streamServer(t, attemptID, func(conn *websocket.Conn, req ws.Request) {
		// Never answer.
		received <- struct{}{}
	})
	defer srv.Close()

	s, err := New(srv.URL, "tok").Dial(context.Background(), attemptID)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := s.SaveAnswer(context.Background(), attemptID, uuid.New(), model.AnswerEdit{})
		errc <- err
	}()
	<-received
	require.NoError(t, s.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not released")
	}

	_, err = s.SaveAnswer(context.Background(), attemptID, uuid.New(), model.AnswerEdit{})
	require.ErrorIs(t, err, ErrStreamClosed)
}

func TestStreamURL(t *testing.T) {
	id := uuid.MustParse("6f1c2a8e-0d9b-4c57-9a43-1f2e3d4c5b6a")
	u, err := streamURL("https://exam.example.org", id, "tok")
	require.NoError(t, err)
	require.Equal(t, "wss://exam.example.org/ws/v1/attempts/"+id.String()+"/stream?token=tok", u)

	_, err = streamURL("ftp://x", id, "tok")
	require.Error(t, err)
}

// Package client implements the engine's backend capabilities against the
// attempt server, over REST and optionally over a WebSocket stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// APIError is an error reported by the server.
type APIError struct {
	// Status is the HTTP status, or 0 for errors received over the stream.
	Status  int
	Code    string
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
}

// Client talks to the attempt server over REST.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log.With().Str("component", "backend_client").Logger() }
}

// New creates a Client for baseURL authenticating with a student token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("Request done")
	return decodeEnvelope(resp, out)
}

func decodeEnvelope(resp *http.Response, out any) error {
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && err != io.EOF {
		if resp.StatusCode >= http.StatusBadRequest {
			return &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: resp.Status}
		}
		return fmt.Errorf("decode response: %w", err)
	}

	if env.Error != nil || resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: resp.Status}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Fields = env.Error.Fields
		}
		return apiErr
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// StartAttempt starts or re-joins the student's attempt on an exam.
func (c *Client) StartAttempt(ctx context.Context, examID uuid.UUID, entryToken string) (*model.Attempt, error) {
	var a model.Attempt
	body := model.StartAttemptRequest{EntryToken: entryToken}
	if err := c.do(ctx, http.MethodPost, "/api/v1/exams/"+examID.String()+"/attempts", body, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAttempt fetches an attempt.
func (c *Client) GetAttempt(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	var a model.Attempt
	if err := c.do(ctx, http.MethodGet, "/api/v1/attempts/"+attemptID.String(), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetQuestions fetches the exam's questions.
func (c *Client) GetQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	var qs []model.Question
	if err := c.do(ctx, http.MethodGet, "/api/v1/exams/"+examID.String()+"/questions", nil, &qs); err != nil {
		return nil, err
	}
	return qs, nil
}

// GetExamWithQuestions fetches the exam together with its questions.
func (c *Client) GetExamWithQuestions(ctx context.Context, examID uuid.UUID) (*model.ExamDetail, error) {
	var d model.ExamDetail
	if err := c.do(ctx, http.MethodGet, "/api/v1/exams/"+examID.String(), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetExam fetches the exam definition.
func (c *Client) GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	d, err := c.GetExamWithQuestions(ctx, examID)
	if err != nil {
		return nil, err
	}
	return &d.Exam, nil
}

// GetAnswers fetches the saved answers of an attempt.
func (c *Client) GetAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerState, error) {
	var answers []model.AnswerState
	if err := c.do(ctx, http.MethodGet, "/api/v1/attempts/"+attemptID.String()+"/answers", nil, &answers); err != nil {
		return nil, err
	}
	return answers, nil
}

// SaveAnswer sends a partial edit of one question's answer.
func (c *Client) SaveAnswer(ctx context.Context, attemptID, questionID uuid.UUID, edit model.AnswerEdit) (*model.AnswerState, error) {
	body := model.SaveAnswerRequest{
		SelectedOptions: edit.SelectedOptions,
		AnswerText:      edit.AnswerText,
		Flagged:         edit.Flagged,
	}
	path := "/api/v1/attempts/" + attemptID.String() + "/answers/" + questionID.String()
	var st model.AnswerState
	if err := c.do(ctx, http.MethodPut, path, body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SubmitAttempt closes the attempt. auto marks a timer-driven submit.
func (c *Client) SubmitAttempt(ctx context.Context, attemptID uuid.UUID, auto bool) (*model.Attempt, error) {
	var a model.Attempt
	body := model.SubmitAttemptRequest{Auto: auto}
	if err := c.do(ctx, http.MethodPost, "/api/v1/attempts/"+attemptID.String()+"/submit", body, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ReportViolation sends one violation event.
func (c *Client) ReportViolation(ctx context.Context, attemptID uuid.UUID, v model.ViolationEvent) error {
	return c.do(ctx, http.MethodPost, "/api/v1/attempts/"+attemptID.String()+"/violations", violationRequest(v), nil)
}

// GetAnswerDetails fetches the graded answers of a submitted attempt.
func (c *Client) GetAnswerDetails(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerDetail, error) {
	var details []model.AnswerDetail
	if err := c.do(ctx, http.MethodGet, "/api/v1/attempts/"+attemptID.String()+"/answer-details", nil, &details); err != nil {
		return nil, err
	}
	return details, nil
}

func violationRequest(v model.ViolationEvent) model.ReportViolationRequest {
	return model.ReportViolationRequest{
		Kind:        v.Kind,
		Severity:    v.Severity,
		OccurredAt:  v.OccurredAt,
		Description: v.Description,
	}
}

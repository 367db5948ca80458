// Package engine runs one timed exam attempt on the student side: it keeps the
// local answer state, persists edits through a debounced pipeline, drives the
// countdown and auto-submit, and watches proctoring signals.
package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// Engine errors.
var (
	ErrLoadFailed        = errors.New("session load failed")
	ErrSubmitFailed      = errors.New("submit failed")
	ErrSessionClosed     = errors.New("session is not accepting changes")
	ErrUnknownQuestion   = errors.New("unknown question")
	ErrUnknownOption     = errors.New("unknown option")
	ErrWrongQuestionType = errors.New("operation not supported by question type")
	ErrIndexOutOfRange   = errors.New("question index out of range")
	ErrUnsaved           = errors.New("answers not saved")
	ErrPermissionDenied  = errors.New("permission denied")
)

// Backend is the capability set the engine consumes. Transport, auth and
// retries belong to the implementation.
type Backend interface {
	GetAttempt(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error)
	GetQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error)
	GetExamWithQuestions(ctx context.Context, examID uuid.UUID) (*model.ExamDetail, error)
	GetAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerState, error)
	AnswerSaver
	SubmitAttempt(ctx context.Context, attemptID uuid.UUID, auto bool) (*model.Attempt, error)
	Reporter
}

// AnswerSaver persists one question's answer.
type AnswerSaver interface {
	SaveAnswer(ctx context.Context, attemptID, questionID uuid.UUID, edit model.AnswerEdit) (*model.AnswerState, error)
}

// Reporter receives violation reports. Calls are fire-and-forget.
type Reporter interface {
	ReportViolation(ctx context.Context, attemptID uuid.UUID, v model.ViolationEvent) error
}

// ResultSource is what the summary view reads after submission.
type ResultSource interface {
	GetAttempt(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error)
	GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error)
	GetAnswerDetails(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerDetail, error)
}

// Navigator moves the UI between views.
type Navigator interface {
	ShowSummary(attemptID uuid.UUID)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(attemptID uuid.UUID)

// ShowSummary calls f.
func (f NavigatorFunc) ShowSummary(attemptID uuid.UUID) { f(attemptID) }

type nopNavigator struct{}

func (nopNavigator) ShowSummary(uuid.UUID) {}

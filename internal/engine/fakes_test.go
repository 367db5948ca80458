package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
)

var (
	t0         = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	errBackend = errors.New("backend unavailable")
)

type saveCall struct {
	QuestionID uuid.UUID
	Edit       model.AnswerEdit
}

// fakeBackend records every call. Zero values answer successfully.
type fakeBackend struct {
	mu sync.Mutex

	attempt      model.Attempt
	attemptErr   error
	questions    []model.Question
	questionsErr error
	detailErr    error
	answers      []model.AnswerState
	answersErr   error

	questionCalls int
	detailCalls   int

	saves     []saveCall
	saveErrs  []error // consumed one per call, nil entries succeed
	saveGate  chan struct{}
	calls     []string
	submitted []bool

	submitErrs []error
	submitGate chan struct{}

	reports   []model.ViolationEvent
	reportErr error
}

func newFakeBackend(questions ...model.Question) *fakeBackend {
	examID := uuid.New()
	for i := range questions {
		questions[i].ExamID = examID
	}
	return &fakeBackend{
		attempt: model.Attempt{
			ID:              uuid.New(),
			ExamID:          examID,
			StudentID:       7,
			Status:          model.AttemptStatusInProgress,
			StartedAt:       t0,
			DurationSeconds: 60,
		},
		questions: questions,
	}
}

func (f *fakeBackend) GetAttempt(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attemptErr != nil {
		return nil, f.attemptErr
	}
	a := f.attempt
	return &a, nil
}

func (f *fakeBackend) GetQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questionCalls++
	if f.questionsErr != nil {
		return nil, f.questionsErr
	}
	return append([]model.Question(nil), f.questions...), nil
}

func (f *fakeBackend) GetExamWithQuestions(ctx context.Context, examID uuid.UUID) (*model.ExamDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	return &model.ExamDetail{
		Exam:      model.Exam{ID: examID, QuestionCount: len(f.questions)},
		Questions: append([]model.Question(nil), f.questions...),
	}, nil
}

func (f *fakeBackend) GetAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answers, f.answersErr
}

func (f *fakeBackend) SaveAnswer(ctx context.Context, attemptID, questionID uuid.UUID, edit model.AnswerEdit) (*model.AnswerState, error) {
	f.mu.Lock()
	f.saves = append(f.saves, saveCall{QuestionID: questionID, Edit: edit})
	f.calls = append(f.calls, "save")
	var err error
	if len(f.saveErrs) > 0 {
		err = f.saveErrs[0]
		f.saveErrs = f.saveErrs[1:]
	}
	gate := f.saveGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	st := edit.Apply(model.AnswerState{QuestionID: questionID})
	return &st, nil
}

func (f *fakeBackend) SubmitAttempt(ctx context.Context, attemptID uuid.UUID, auto bool) (*model.Attempt, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, auto)
	f.calls = append(f.calls, "submit")
	var err error
	if len(f.submitErrs) > 0 {
		err = f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
	}
	gate := f.submitGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempt.Status = model.AttemptStatusSubmitted
	if auto {
		f.attempt.Status = model.AttemptStatusAutoSubmitted
	}
	a := f.attempt
	return &a, nil
}

func (f *fakeBackend) ReportViolation(ctx context.Context, attemptID uuid.UUID, v model.ViolationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, v)
	return f.reportErr
}

func (f *fakeBackend) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeBackend) savesFor(id uuid.UUID) []saveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []saveCall
	for _, s := range f.saves {
		if s.QuestionID == id {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeBackend) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeBackend) reportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

func (f *fakeBackend) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func singleChoice(order int) model.Question {
	return model.Question{
		ID:       uuid.New(),
		OrderNum: order,
		Text:     "pick one",
		Type:     model.QuestionTypeSingleChoice,
		Options:  []model.Option{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		Marks:    1,
	}
}

func multiChoice(order int) model.Question {
	q := singleChoice(order)
	q.Type = model.QuestionTypeMultipleChoice
	q.Text = "pick many"
	return q
}

func essay(order int) model.Question {
	return model.Question{
		ID:       uuid.New(),
		OrderNum: order,
		Text:     "explain",
		Type:     model.QuestionTypeEssay,
		Marks:    5,
	}
}

func selected(e model.AnswerEdit) []string {
	if e.SelectedOptions == nil {
		return nil
	}
	return *e.SelectedOptions
}

func text(e model.AnswerEdit) string {
	if e.AnswerText == nil {
		return ""
	}
	return *e.AnswerText
}

// fakeCamera hands out captures or refuses permission.
type fakeCamera struct {
	mu       sync.Mutex
	deny     bool
	captures []*fakeCapture
}

func (c *fakeCamera) Acquire(ctx context.Context) (Capture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deny {
		return nil, ErrPermissionDenied
	}
	cp := &fakeCapture{ended: make(chan struct{})}
	c.captures = append(c.captures, cp)
	return cp, nil
}

type fakeCapture struct {
	once     sync.Once
	ended    chan struct{}
	mu       sync.Mutex
	released bool
}

func (c *fakeCapture) Ended() <-chan struct{} { return c.ended }

func (c *fakeCapture) end() { c.once.Do(func() { close(c.ended) }) }

func (c *fakeCapture) Release() {
	c.mu.Lock()
	c.released = true
	c.mu.Unlock()
	c.end()
}

func (c *fakeCapture) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

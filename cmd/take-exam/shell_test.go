package main

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/engine"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	mu        sync.Mutex
	attempt   model.Attempt
	questions []model.Question
	saved     map[uuid.UUID]model.AnswerState
	reports   []model.ViolationEvent
}

func (b *stubBackend) GetAttempt(context.Context, uuid.UUID) (*model.Attempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.attempt
	return &a, nil
}

func (b *stubBackend) GetQuestions(context.Context, uuid.UUID) ([]model.Question, error) {
	return b.questions, nil
}

func (b *stubBackend) GetExamWithQuestions(_ context.Context, examID uuid.UUID) (*model.ExamDetail, error) {
	return &model.ExamDetail{Exam: model.Exam{ID: examID}, Questions: b.questions}, nil
}

func (b *stubBackend) GetAnswers(context.Context, uuid.UUID) ([]model.AnswerState, error) {
	return nil, nil
}

func (b *stubBackend) SaveAnswer(_ context.Context, _, questionID uuid.UUID, edit model.AnswerEdit) (*model.AnswerState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := edit.Apply(b.saved[questionID])
	st.QuestionID = questionID
	b.saved[questionID] = st
	return &st, nil
}

func (b *stubBackend) SubmitAttempt(_ context.Context, _ uuid.UUID, auto bool) (*model.Attempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt.Status = model.AttemptStatusSubmitted
	a := b.attempt
	return &a, nil
}

func (b *stubBackend) ReportViolation(_ context.Context, _ uuid.UUID, v model.ViolationEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = append(b.reports, v)
	return nil
}

func newTestShell(t *testing.T) (*shell, *stubBackend, *bytes.Buffer, chan uuid.UUID) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	examID := uuid.New()
	backend := &stubBackend{
		attempt: model.Attempt{
			ID:              uuid.New(),
			ExamID:          examID,
			Status:          model.AttemptStatusInProgress,
			StartedAt:       clock.Now(),
			DurationSeconds: 600,
		},
		questions: []model.Question{
			{ID: uuid.New(), ExamID: examID, OrderNum: 1, Text: "2+2?", Type: model.QuestionTypeSingleChoice,
				Options: []model.Option{{ID: "A", Text: "3"}, {ID: "B", Text: "4"}}, Marks: 1},
			{ID: uuid.New(), ExamID: examID, OrderNum: 2, Text: "Explain inertia", Type: model.QuestionTypeEssay, Marks: 5},
		},
		saved: make(map[uuid.UUID]model.AnswerState),
	}

	bus := engine.NewSignalBus()
	summary := make(chan uuid.UUID, 1)
	sess, err := engine.Open(context.Background(), backend, backend.attempt.ID, engine.Options{
		Clock:          clock,
		Logger:         zerolog.Nop(),
		DebounceWindow: time.Second,
		Navigator:      engine.NavigatorFunc(func(id uuid.UUID) { summary <- id }),
		Proctoring:     &engine.MonitorOptions{Target: bus},
	})
	require.NoError(t, err)
	t.Cleanup(sess.Close)

	out := &bytes.Buffer{}
	return &shell{sess: sess, bus: bus, clock: clock, out: out}, backend, out, summary
}

func TestShellAnswersAndNavigates(t *testing.T) {
	sh, _, out, _ := newTestShell(t)
	ctx := context.Background()

	require.NoError(t, sh.exec(ctx, "pick b"))
	require.Contains(t, out.String(), "[x] B. 4")

	require.Error(t, sh.exec(ctx, "text nope"))
	require.NoError(t, sh.exec(ctx, "next"))
	require.NoError(t, sh.exec(ctx, "text  objects keep moving "))
	require.NoError(t, sh.exec(ctx, "flag"))

	answered, flagged, total := sh.sess.Progress()
	require.Equal(t, 2, answered)
	require.Equal(t, 1, flagged)
	require.Equal(t, 2, total)

	_, q, a, err := sh.sess.Current()
	require.NoError(t, err)
	require.Equal(t, 2, q.OrderNum)
	require.Equal(t, "objects keep moving", a.AnswerText)

	require.Error(t, sh.exec(ctx, "go 3"))
	require.Error(t, sh.exec(ctx, "go x"))
	require.NoError(t, sh.exec(ctx, "go 1"))
	require.Error(t, sh.exec(ctx, "dance"))
	require.ErrorIs(t, sh.exec(ctx, "quit"), errQuit)
}

func TestShellSignalsRecordViolations(t *testing.T) {
	sh, _, out, _ := newTestShell(t)
	ctx := context.Background()

	require.NoError(t, sh.exec(ctx, "signal copy"))
	require.Contains(t, out.String(), "(blocked)")
	require.NoError(t, sh.exec(ctx, "signal visibility-hidden"))
	require.NoError(t, sh.exec(ctx, "signal visibility-hidden"))

	require.Equal(t, 1, sh.sess.TabSwitches())
	kinds := []model.ViolationKind{}
	for _, v := range sh.sess.Violations() {
		kinds = append(kinds, v.Kind)
	}
	require.Equal(t, []model.ViolationKind{model.ViolationClipboardUse, model.ViolationTabSwitch}, kinds)

	out.Reset()
	require.NoError(t, sh.exec(ctx, "status"))
	require.Contains(t, out.String(), "10:00 left")
	require.Contains(t, out.String(), "tab switches: 1")
}

func TestShellSubmitFlushesAndShowsSummary(t *testing.T) {
	sh, backend, out, summary := newTestShell(t)
	ctx := context.Background()

	require.NoError(t, sh.exec(ctx, "pick A"))
	require.NoError(t, sh.exec(ctx, "submit"))
	require.Contains(t, out.String(), "Attempt SUBMITTED")

	select {
	case id := <-summary:
		require.Equal(t, backend.attempt.ID, id)
	default:
		t.Fatal("summary not shown")
	}

	backend.mu.Lock()
	saved := backend.saved[backend.questions[0].ID]
	backend.mu.Unlock()
	require.Equal(t, []string{"A"}, saved.SelectedOptions)

	require.ErrorIs(t, sh.exec(ctx, "pick B"), engine.ErrSessionClosed)
}

func TestFormatRemaining(t *testing.T) {
	require.Equal(t, "00:00", formatRemaining(0))
	require.Equal(t, "01:05", formatRemaining(65*time.Second))
	require.Equal(t, "45:00", formatRemaining(45*time.Minute))
	require.Equal(t, "00:01", formatRemaining(500*time.Millisecond), "a partial second still shows")
	require.Equal(t, "00:00", formatRemaining(-time.Second))
}

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stretchr/testify/require"
)

type recordingNavigator struct {
	mu    sync.Mutex
	shown []uuid.UUID
}

func (n *recordingNavigator) ShowSummary(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, id)
}

func (n *recordingNavigator) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.shown)
}

type sessionFixture struct {
	backend *fakeBackend
	clock   *clockwork.FakeClock
	nav     *recordingNavigator
	bus     *SignalBus
	onSave  func(SaveStatus)
}

func newFixture(questions ...model.Question) *sessionFixture {
	return &sessionFixture{
		backend: newFakeBackend(questions...),
		clock:   clockwork.NewFakeClockAt(t0),
		nav:     &recordingNavigator{},
		bus:     NewSignalBus(),
	}
}

func (f *sessionFixture) open(t *testing.T) (*Session, error) {
	t.Helper()
	s, err := Open(context.Background(), f.backend, f.backend.attempt.ID, Options{
		Clock:          f.clock,
		Logger:         zerolog.Nop(),
		DebounceWindow: time.Second,
		TickInterval:   time.Second,
		Navigator:      f.nav,
		Proctoring:     &MonitorOptions{Target: f.bus},
		OnSaveStatus:   f.onSave,
	})
	if s != nil {
		t.Cleanup(s.Close)
	}
	return s, err
}

func TestOpenLoadsQuestionsInOrderAndMergesAnswers(t *testing.T) {
	q1, q2, q3 := singleChoice(1), essay(2), multiChoice(3)
	f := newFixture(q3, q1, q2)
	f.backend.answers = []model.AnswerState{
		{QuestionID: f.backend.questions[1].ID, SelectedOptions: []string{"B"}},
	}

	s, err := f.open(t)
	require.NoError(t, err)

	qs := s.Questions()
	require.Len(t, qs, 3)
	require.Equal(t, []int{1, 2, 3}, []int{qs[0].OrderNum, qs[1].OrderNum, qs[2].OrderNum})

	require.Equal(t, []string{"B"}, s.Answer(qs[0].ID).SelectedOptions)
	answered, flagged, total := s.Progress()
	require.Equal(t, 1, answered)
	require.Zero(t, flagged)
	require.Equal(t, 3, total)

	require.True(t, s.TimerRunning())
	require.Equal(t, time.Minute, s.Remaining())
	require.Equal(t, 7, f.bus.ListenerCount())
	require.Zero(t, f.nav.count())
}

func TestOpenFallsBackToExamDetail(t *testing.T) {
	f := newFixture(singleChoice(1), singleChoice(2))
	f.backend.questionsErr = errBackend

	s, err := f.open(t)
	require.NoError(t, err)
	require.Len(t, s.Questions(), 2)
	require.Equal(t, 1, f.backend.detailCalls)
}

func TestOpenFailsWhenQuestionsUnavailable(t *testing.T) {
	f := newFixture(singleChoice(1))
	f.backend.questionsErr = errBackend
	f.backend.detailErr = errBackend

	_, err := f.open(t)
	require.ErrorIs(t, err, ErrLoadFailed)
	require.ErrorIs(t, err, errBackend)
}

func TestOpenFailsWhenAttemptUnavailable(t *testing.T) {
	f := newFixture(singleChoice(1))
	f.backend.attemptErr = errBackend

	s, err := f.open(t)
	require.Nil(t, s)
	require.ErrorIs(t, err, ErrLoadFailed)
}

func TestOpenWithoutPriorAnswersStartsEmpty(t *testing.T) {
	f := newFixture(singleChoice(1))
	f.backend.answersErr = errBackend

	s, err := f.open(t)
	require.NoError(t, err)
	require.Empty(t, s.Answers())
}

func TestReenteringSubmittedAttemptShowsSummary(t *testing.T) {
	f := newFixture(singleChoice(1))
	f.backend.attempt.Status = model.AttemptStatusSubmitted

	s, err := f.open(t)
	require.NoError(t, err)
	require.True(t, s.ReadOnly())
	require.False(t, s.TimerRunning())
	require.Equal(t, 1, f.nav.count())
	require.Zero(t, f.backend.questionCalls)
	require.Zero(t, f.bus.ListenerCount())

	_, err = s.ToggleFlag(f.backend.questions[0].ID)
	require.ErrorIs(t, err, ErrSessionClosed)

	a, err := s.Submit(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.AttemptStatusSubmitted, a.Status)
	require.Zero(t, f.backend.submitCount())
}

func TestSelectOptionSemantics(t *testing.T) {
	sc, mc, es := singleChoice(1), multiChoice(2), essay(3)
	f := newFixture(sc, mc, es)
	s, err := f.open(t)
	require.NoError(t, err)

	st, err := s.SelectOption(sc.ID, "A")
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, st.SelectedOptions)
	st, _ = s.SelectOption(sc.ID, "C")
	require.Equal(t, []string{"C"}, st.SelectedOptions, "single choice replaces")

	s.SelectOption(mc.ID, "C")
	st, _ = s.SelectOption(mc.ID, "A")
	require.Equal(t, []string{"A", "C"}, st.SelectedOptions, "kept in option order")
	st, _ = s.SelectOption(mc.ID, "C")
	require.Equal(t, []string{"A"}, st.SelectedOptions, "multiple choice toggles")

	_, err = s.SelectOption(sc.ID, "Z")
	require.ErrorIs(t, err, ErrUnknownOption)
	_, err = s.SelectOption(es.ID, "A")
	require.ErrorIs(t, err, ErrWrongQuestionType)
	_, err = s.SetText(sc.ID, "nope")
	require.ErrorIs(t, err, ErrWrongQuestionType)
	_, err = s.SelectOption(uuid.New(), "A")
	require.ErrorIs(t, err, ErrUnknownQuestion)

	st, err = s.SetText(es.ID, "photosynthesis")
	require.NoError(t, err)
	require.Equal(t, "photosynthesis", st.AnswerText)

	st, _ = s.ToggleFlag(es.ID)
	require.True(t, st.Flagged)
	require.Equal(t, "photosynthesis", st.AnswerText)

	require.Equal(t, SaveStatusSaving, s.SaveStatus())
	f.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return s.SaveStatus() == SaveStatusSaved }, waitFor, pollEvery)
	require.Len(t, f.backend.savesFor(sc.ID), 1)
	require.Len(t, f.backend.savesFor(es.ID), 1)
}

func TestNavigationIsLocal(t *testing.T) {
	f := newFixture(singleChoice(1), singleChoice(2))
	s, err := f.open(t)
	require.NoError(t, err)

	require.ErrorIs(t, s.Prev(), ErrIndexOutOfRange)
	require.NoError(t, s.Next())
	i, q, _, err := s.Current()
	require.NoError(t, err)
	require.Equal(t, 1, i)
	require.Equal(t, 2, q.OrderNum)
	require.ErrorIs(t, s.Next(), ErrIndexOutOfRange)
	require.ErrorIs(t, s.NavigateTo(-1), ErrIndexOutOfRange)
	require.NoError(t, s.NavigateTo(0))

	require.Zero(t, f.backend.saveCount())
}

func TestSubmitFlushesPendingEditsFirst(t *testing.T) {
	q := singleChoice(1)
	f := newFixture(q)
	s, err := f.open(t)
	require.NoError(t, err)

	_, err = s.SelectOption(q.ID, "B")
	require.NoError(t, err)

	a, err := s.Submit(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.AttemptStatusSubmitted, a.Status)
	require.Equal(t, []string{"save", "submit"}, f.backend.callLog())
	require.Equal(t, []bool{false}, f.backend.submitted)

	require.False(t, s.TimerRunning())
	require.Zero(t, f.bus.ListenerCount())
	require.Equal(t, 1, f.nav.count())

	_, err = s.SelectOption(q.ID, "A")
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestConcurrentSubmitsShareOneCall(t *testing.T) {
	f := newFixture(singleChoice(1))
	gate := make(chan struct{})
	f.backend.submitGate = gate
	s, err := f.open(t)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*model.Attempt, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.Submit(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return f.backend.submitCount() == 1 }, waitFor, pollEvery)
	close(gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, 1, f.backend.submitCount())
	require.Equal(t, model.AttemptStatusSubmitted, s.Status())

	// A late call after completion does not reach the backend either.
	_, err = s.Submit(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.backend.submitCount())
}

func TestEditsAreRejectedWhileSubmitting(t *testing.T) {
	q := singleChoice(1)
	f := newFixture(q)
	gate := make(chan struct{})
	f.backend.submitGate = gate
	s, err := f.open(t)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Submit(context.Background())
	}()
	require.Eventually(t, func() bool { return f.backend.submitCount() == 1 }, waitFor, pollEvery)

	_, err = s.SelectOption(q.ID, "A")
	require.ErrorIs(t, err, ErrSessionClosed)

	close(gate)
	<-done
}

func TestFailedSubmitNeverLeavesInProgress(t *testing.T) {
	q := singleChoice(1)
	f := newFixture(q)
	gate := make(chan struct{})
	f.backend.submitGate = gate
	f.backend.submitErrs = []error{errBackend}
	s, err := f.open(t)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return f.backend.submitCount() == 1 }, waitFor, pollEvery)

	require.Equal(t, model.AttemptStatusInProgress, s.Status())
	_, err = s.SelectOption(q.ID, "A")
	require.ErrorIs(t, err, ErrSessionClosed, "edits wait for the submit outcome")

	close(gate)
	require.ErrorIs(t, <-done, ErrSubmitFailed)
	require.Equal(t, model.AttemptStatusInProgress, s.Status())
	require.Zero(t, f.nav.count())

	_, err = s.SelectOption(q.ID, "A")
	require.NoError(t, err)
}

func TestSaveStatusCallbackMayReadSession(t *testing.T) {
	q := singleChoice(1)
	f := newFixture(q)

	var (
		s        *Session
		mu       sync.Mutex
		seen     []SaveStatus
		answered []int
	)
	f.onSave = func(st SaveStatus) {
		a, _, _ := s.Progress()
		s.Current()
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
		answered = append(answered, a)
	}
	var err error
	s, err = f.open(t)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.SelectOption(q.ID, "A")
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("SelectOption blocked inside the save status callback")
	}

	mu.Lock()
	require.Equal(t, []SaveStatus{SaveStatusSaving}, seen)
	require.Equal(t, []int{1}, answered)
	mu.Unlock()

	f.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2 && seen[1] == SaveStatusSaved
	}, waitFor, pollEvery)
}

func TestAutoSubmitFiresExactlyOnce(t *testing.T) {
	f := newFixture(singleChoice(1))
	s, err := f.open(t)
	require.NoError(t, err)

	f.clock.Advance(65 * time.Second)

	require.Eventually(t, func() bool { return s.Status() == model.AttemptStatusAutoSubmitted }, waitFor, pollEvery)
	require.Equal(t, 1, f.backend.submitCount())
	require.Equal(t, []bool{true}, f.backend.submitted)
	require.Equal(t, 1, f.nav.count())

	f.clock.Advance(10 * time.Second)
	require.Never(t, func() bool { return f.backend.submitCount() > 1 }, 50*time.Millisecond, pollEvery)
	require.Zero(t, s.Remaining())
}

func TestManualSubmitFailureKeepsAttemptOpen(t *testing.T) {
	q := singleChoice(1)
	f := newFixture(q)
	f.backend.submitErrs = []error{errBackend}
	s, err := f.open(t)
	require.NoError(t, err)

	_, err = s.Submit(context.Background())
	require.ErrorIs(t, err, ErrSubmitFailed)
	require.ErrorIs(t, err, errBackend)

	require.Equal(t, model.AttemptStatusInProgress, s.Status())
	require.True(t, s.TimerRunning())
	require.Zero(t, f.nav.count())

	_, err = s.SelectOption(q.ID, "A")
	require.NoError(t, err, "edits stay allowed after a failed submit")

	a, err := s.Submit(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.AttemptStatusSubmitted, a.Status)
	require.Equal(t, 2, f.backend.submitCount())
}

func TestFailedAutoSubmitRetriesOnNextTick(t *testing.T) {
	f := newFixture(singleChoice(1))
	f.backend.submitErrs = []error{errBackend}
	s, err := f.open(t)
	require.NoError(t, err)

	f.clock.Advance(65 * time.Second)
	require.Eventually(t, func() bool { return f.backend.submitCount() == 1 }, waitFor, pollEvery)

	require.Eventually(t, func() bool {
		f.clock.Advance(time.Second)
		return s.Status() == model.AttemptStatusAutoSubmitted
	}, waitFor, pollEvery)
	require.Equal(t, 2, f.backend.submitCount())
	require.Equal(t, []bool{true, true}, f.backend.submitted)
}

func TestCloseReleasesEverything(t *testing.T) {
	q := singleChoice(1)
	f := newFixture(q)
	s, err := f.open(t)
	require.NoError(t, err)

	s.SelectOption(q.ID, "A")
	s.Close()
	s.Close()

	require.False(t, s.TimerRunning())
	require.Zero(t, f.bus.ListenerCount())

	f.clock.Advance(2 * time.Minute)
	require.Never(t, func() bool {
		return f.backend.saveCount() > 0 || f.backend.submitCount() > 0
	}, 50*time.Millisecond, pollEvery)
}

func TestSessionCountsViolations(t *testing.T) {
	f := newFixture(singleChoice(1))
	s, err := f.open(t)
	require.NoError(t, err)

	f.bus.Dispatch(Signal{Kind: SignalHidden})
	f.bus.Dispatch(Signal{Kind: SignalVisible})
	f.bus.Dispatch(Signal{Kind: SignalHidden})

	require.Equal(t, 2, s.TabSwitches())
	require.Len(t, s.Violations(), 2)
	require.Eventually(t, func() bool { return f.backend.reportCount() == 2 }, waitFor, pollEvery)
}

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

const (
	waitFor   = 2 * time.Second
	pollEvery = 5 * time.Millisecond
)

func newTestManager(t *testing.T, fb *fakeBackend) (*PersistenceManager, *AnswerStore, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	store := NewAnswerStore()
	m := NewPersistenceManager(context.Background(), fb.attempt.ID, fb, store, PersistenceOptions{
		Window: time.Second,
		Clock:  clock,
		Logger: zerolog.Nop(),
	})
	t.Cleanup(m.Close)
	return m, store, clock
}

func pick(ids ...string) model.AnswerEdit {
	return model.AnswerEdit{SelectedOptions: &ids}
}

func TestRecordCoalescesEditsWithinWindow(t *testing.T) {
	fb := newFakeBackend()
	m, store, clock := newTestManager(t, fb)
	q := uuid.New()

	m.Record(q, pick("A"))
	clock.Advance(100 * time.Millisecond)
	m.Record(q, pick("B"))
	clock.Advance(100 * time.Millisecond)
	st := m.Record(q, pick("C"))

	require.Equal(t, []string{"C"}, st.SelectedOptions, "local state updates immediately")
	require.Equal(t, SaveStatusSaving, m.Status())
	require.Zero(t, fb.saveCount())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return fb.saveCount() == 1 }, waitFor, pollEvery)
	require.Eventually(t, func() bool { return m.Status() == SaveStatusSaved }, waitFor, pollEvery)

	saves := fb.savesFor(q)
	require.Len(t, saves, 1)
	require.Equal(t, []string{"C"}, selected(saves[0].Edit))

	got, _ := store.Get(q)
	require.False(t, got.Dirty)

	ticket, ok := m.Ticket(q)
	require.True(t, ok)
	require.Equal(t, model.TicketAcknowledged, ticket.State)
	require.EqualValues(t, 3, ticket.Version)
}

func TestEditsAreDebouncedPerQuestion(t *testing.T) {
	fb := newFakeBackend()
	m, _, clock := newTestManager(t, fb)
	q1, q2 := uuid.New(), uuid.New()

	m.Record(q1, pick("A"))
	m.Record(q2, pick("B"))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { return fb.saveCount() == 2 }, waitFor, pollEvery)
	require.Len(t, fb.savesFor(q1), 1)
	require.Len(t, fb.savesFor(q2), 1)
}

func TestEditsDuringInFlightSaveSendOneFollowUp(t *testing.T) {
	fb := newFakeBackend()
	gate := make(chan struct{})
	fb.saveGate = gate
	m, _, clock := newTestManager(t, fb)
	q := uuid.New()

	m.Record(q, pick("A"))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return fb.saveCount() == 1 }, waitFor, pollEvery)

	ticket, _ := m.Ticket(q)
	require.Equal(t, model.TicketInFlight, ticket.State)

	m.Record(q, pick("B"))
	m.Record(q, pick("C"))
	clock.Advance(time.Second)
	require.Never(t, func() bool { return fb.saveCount() > 1 }, 50*time.Millisecond, pollEvery,
		"no second save while the first is in flight")

	close(gate)
	require.Eventually(t, func() bool { return fb.saveCount() == 2 }, waitFor, pollEvery)
	require.Eventually(t, func() bool { return m.Status() == SaveStatusSaved }, waitFor, pollEvery)

	saves := fb.savesFor(q)
	require.Equal(t, []string{"A"}, selected(saves[0].Edit))
	require.Equal(t, []string{"C"}, selected(saves[1].Edit))

	clock.Advance(5 * time.Second)
	require.Never(t, func() bool { return fb.saveCount() > 2 }, 50*time.Millisecond, pollEvery)
}

func TestFailedSaveIsRetriedByNextEdit(t *testing.T) {
	fb := newFakeBackend()
	fb.saveErrs = []error{errBackend}
	m, store, clock := newTestManager(t, fb)
	q := uuid.New()

	m.Record(q, pick("A"))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return m.Status() == SaveStatusUnsaved }, waitFor, pollEvery)

	ticket, _ := m.Ticket(q)
	require.Equal(t, model.TicketFailed, ticket.State)
	require.ErrorIs(t, ticket.Err, errBackend)

	got, _ := store.Get(q)
	require.True(t, got.Dirty)
	require.Equal(t, []string{"A"}, got.SelectedOptions, "local state survives a failed save")

	m.Record(q, pick("B"))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return m.Status() == SaveStatusSaved }, waitFor, pollEvery)
	require.Equal(t, 2, fb.saveCount())
}

func TestFlushSendsPendingEditsImmediately(t *testing.T) {
	fb := newFakeBackend()
	m, _, _ := newTestManager(t, fb)
	q1, q2 := uuid.New(), uuid.New()

	m.Record(q1, pick("A"))
	text := "draft"
	m.Record(q2, model.AnswerEdit{AnswerText: &text})

	require.NoError(t, m.Flush(context.Background()))
	require.Equal(t, 2, fb.saveCount())
	require.Equal(t, "draft", lastText(fb.savesFor(q2)))
	require.Equal(t, SaveStatusSaved, m.Status())

	require.NoError(t, m.Flush(context.Background()))
	require.Equal(t, 2, fb.saveCount(), "nothing left to flush")
}

func lastText(saves []saveCall) string {
	if len(saves) == 0 {
		return ""
	}
	return text(saves[len(saves)-1].Edit)
}

func TestFlushRetriesFailedSaveOnce(t *testing.T) {
	fb := newFakeBackend()
	fb.saveErrs = []error{errBackend, errBackend}
	m, _, clock := newTestManager(t, fb)
	q := uuid.New()

	m.Record(q, pick("A"))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return m.Status() == SaveStatusUnsaved }, waitFor, pollEvery)

	err := m.Flush(context.Background())
	require.ErrorIs(t, err, ErrUnsaved)
	require.Equal(t, 2, fb.saveCount())

	require.NoError(t, m.Flush(context.Background()))
	require.Equal(t, 3, fb.saveCount())
}

func TestFlushWaitsForInFlightSave(t *testing.T) {
	fb := newFakeBackend()
	gate := make(chan struct{})
	fb.saveGate = gate
	m, _, clock := newTestManager(t, fb)
	q := uuid.New()

	m.Record(q, pick("A"))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return fb.saveCount() == 1 }, waitFor, pollEvery)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Flush(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- m.Flush(context.Background()) }()
	close(gate)
	require.NoError(t, <-done)
	require.Equal(t, 1, fb.saveCount())
}

func TestCloseDropsPendingEdits(t *testing.T) {
	fb := newFakeBackend()
	m, _, clock := newTestManager(t, fb)
	q := uuid.New()

	m.Record(q, pick("A"))
	m.Close()
	clock.Advance(2 * time.Second)

	require.Never(t, func() bool { return fb.saveCount() > 0 }, 50*time.Millisecond, pollEvery)
	require.Equal(t, SaveStatusUnsaved, m.Status())
}

func TestStatusCallbackReportsTransitions(t *testing.T) {
	fb := newFakeBackend()
	clock := clockwork.NewFakeClockAt(t0)

	var mu sync.Mutex
	var seen []SaveStatus
	m := NewPersistenceManager(context.Background(), fb.attempt.ID, fb, NewAnswerStore(), PersistenceOptions{
		Clock: clock,
		OnStatus: func(s SaveStatus) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	})
	defer m.Close()

	m.Record(uuid.New(), pick("A"))
	clock.Advance(DefaultDebounceWindow)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == SaveStatusSaved
	}, waitFor, pollEvery)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, SaveStatusSaving, seen[0])
}

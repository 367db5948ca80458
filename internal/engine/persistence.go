package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// DefaultDebounceWindow is the quiet period after the last edit to a question
// before its save is sent.
const DefaultDebounceWindow = time.Second

// SaveStatus drives the non-blocking "saving/saved" indicator.
type SaveStatus string

const (
	SaveStatusSaved   SaveStatus = "saved"
	SaveStatusSaving  SaveStatus = "saving"
	SaveStatusUnsaved SaveStatus = "unsaved"
)

// PersistenceOptions configures a PersistenceManager.
type PersistenceOptions struct {
	Window   time.Duration
	Clock    clockwork.Clock
	Logger   zerolog.Logger
	OnStatus func(SaveStatus)
}

// PersistenceManager coalesces local edits into per-question remote saves.
// For any question there is at most one save in flight, and a save always
// carries the newest local state, so the backend never sees an older edit
// after a newer one.
type PersistenceManager struct {
	ctx       context.Context
	attemptID uuid.UUID
	saver     AnswerSaver
	store     *AnswerStore
	clock     clockwork.Clock
	window    time.Duration
	log       zerolog.Logger
	onStatus  func(SaveStatus)

	mu      sync.Mutex
	entries map[uuid.UUID]*saveEntry
	closed  bool

	notifyMu     sync.Mutex
	lastNotified SaveStatus
}

type saveEntry struct {
	version  uint64 // latest local edit
	sent     uint64 // version carried by the most recent save
	acked    uint64 // highest acknowledged version
	inFlight bool
	done     chan struct{} // closed when the current save completes
	debounce clockwork.Timer
	lastErr  error
}

func (e *saveEntry) pending() bool {
	return e.version > e.sent
}

// NewPersistenceManager creates a manager writing through saver. ctx scopes
// every save it issues.
func NewPersistenceManager(ctx context.Context, attemptID uuid.UUID, saver AnswerSaver, store *AnswerStore, opts PersistenceOptions) *PersistenceManager {
	if opts.Window <= 0 {
		opts.Window = DefaultDebounceWindow
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &PersistenceManager{
		ctx:          ctx,
		attemptID:    attemptID,
		saver:        saver,
		store:        store,
		clock:        opts.Clock,
		window:       opts.Window,
		log:          opts.Logger.With().Str("component", "persistence").Logger(),
		onStatus:     opts.OnStatus,
		entries:      make(map[uuid.UUID]*saveEntry),
		lastNotified: SaveStatusSaved,
	}
}

// Record applies edit to the answer store right away and schedules a save
// for the question once its debounce window passes without further edits.
func (m *PersistenceManager) Record(questionID uuid.UUID, edit model.AnswerEdit) model.AnswerState {
	state := m.record(questionID, edit)
	m.notify()
	return state
}

// record is Record without the status callback. Callers holding their own
// locks use it and call notify once those are released.
func (m *PersistenceManager) record(questionID uuid.UUID, edit model.AnswerEdit) model.AnswerState {
	m.mu.Lock()
	state := m.store.Apply(questionID, edit)
	if m.closed {
		m.mu.Unlock()
		return state
	}

	e := m.entry(questionID)
	e.version++
	if e.debounce != nil {
		e.debounce.Stop()
	}
	gen := e.version
	e.debounce = m.clock.AfterFunc(m.window, func() { m.fire(questionID, gen) })
	m.mu.Unlock()
	return state
}

// fire runs when a debounce window elapses.
func (m *PersistenceManager) fire(questionID uuid.UUID, gen uint64) {
	m.mu.Lock()
	e, ok := m.entries[questionID]
	if !ok || m.closed || e.version != gen {
		// Superseded by a newer edit, whose own window is running.
		m.mu.Unlock()
		return
	}
	e.debounce = nil
	if !e.inFlight && e.pending() {
		m.send(questionID, e)
	}
	// While a save is in flight the edit stays queued; completion sends it.
	m.mu.Unlock()
	m.notify()
}

// send issues a save carrying the current store state. Caller holds m.mu.
func (m *PersistenceManager) send(questionID uuid.UUID, e *saveEntry) {
	state, _ := m.store.Get(questionID)
	e.inFlight = true
	e.sent = e.version
	e.done = make(chan struct{})

	go m.save(questionID, e.sent, state, e.done)
}

func (m *PersistenceManager) save(questionID uuid.UUID, version uint64, state model.AnswerState, done chan struct{}) {
	_, err := m.saver.SaveAnswer(m.ctx, m.attemptID, questionID, model.EditFromState(state))

	m.mu.Lock()
	e := m.entries[questionID]
	e.inFlight = false
	if err != nil {
		e.lastErr = err
		m.log.Warn().Err(err).
			Str("question_id", questionID.String()).
			Uint64("version", version).
			Msg("Save failed")
	} else {
		e.lastErr = nil
		if version > e.acked {
			e.acked = version
		}
		if e.acked == e.version {
			m.store.MarkClean(questionID)
		}
	}
	close(done)

	if !m.closed && e.pending() {
		if e.debounce != nil {
			e.debounce.Stop()
			e.debounce = nil
		}
		m.send(questionID, e)
	}
	m.mu.Unlock()
	m.notify()
}

// Flush sends every unsaved question immediately and waits for every save in
// flight. A question whose save fails during the flush is not retried again;
// Flush then reports ErrUnsaved.
func (m *PersistenceManager) Flush(ctx context.Context) error {
	attempted := make(map[uuid.UUID]bool)
	for {
		m.mu.Lock()
		var waits []chan struct{}
		for id, e := range m.entries {
			if e.inFlight {
				waits = append(waits, e.done)
				continue
			}
			if e.acked < e.version && !attempted[id] {
				if e.debounce != nil {
					e.debounce.Stop()
					e.debounce = nil
				}
				attempted[id] = true
				m.send(id, e)
				waits = append(waits, e.done)
			}
		}
		m.mu.Unlock()
		m.notify()

		if len(waits) == 0 {
			break
		}
		for _, w := range waits {
			select {
			case <-w:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if n := m.unsavedCount(); n > 0 {
		return fmt.Errorf("%w: %d question(s)", ErrUnsaved, n)
	}
	return nil
}

func (m *PersistenceManager) unsavedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.acked < e.version {
			n++
		}
	}
	return n
}

// Ticket returns the latest persistence ticket for questionID.
func (m *PersistenceManager) Ticket(questionID uuid.UUID) (model.PersistenceTicket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[questionID]
	if !ok {
		return model.PersistenceTicket{}, false
	}
	t := model.PersistenceTicket{QuestionID: questionID, Version: e.version}
	switch {
	case e.inFlight:
		t.Version = e.sent
		t.State = model.TicketInFlight
	case e.pending():
		t.State = model.TicketPending
	case e.acked < e.version:
		t.State = model.TicketFailed
		t.Err = e.lastErr
	default:
		t.State = model.TicketAcknowledged
	}
	return t, true
}

// Status summarises every ticket for the indicator.
func (m *PersistenceManager) Status() SaveStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *PersistenceManager) statusLocked() SaveStatus {
	status := SaveStatusSaved
	for _, e := range m.entries {
		if e.inFlight || (e.pending() && !m.closed) {
			return SaveStatusSaving
		}
		if e.acked < e.version {
			status = SaveStatusUnsaved
		}
	}
	return status
}

// Close stops every debounce timer. Saves already in flight finish; nothing
// new is sent afterwards.
func (m *PersistenceManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, e := range m.entries {
		if e.debounce != nil {
			e.debounce.Stop()
			e.debounce = nil
		}
	}
}

func (m *PersistenceManager) entry(questionID uuid.UUID) *saveEntry {
	e, ok := m.entries[questionID]
	if !ok {
		e = &saveEntry{}
		m.entries[questionID] = e
	}
	return e
}

// notify reports the current status if it changed since the last report.
func (m *PersistenceManager) notify() {
	if m.onStatus == nil {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	st := m.Status()
	if st == m.lastNotified {
		return
	}
	m.lastNotified = st
	m.onStatus(st)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"golang.org/x/sync/singleflight"
)

// Options configures a Session.
type Options struct {
	Clock          clockwork.Clock
	Logger         zerolog.Logger
	DebounceWindow time.Duration
	TickInterval   time.Duration
	Navigator      Navigator
	OnTick         func(remaining time.Duration)
	OnSaveStatus   func(SaveStatus)
	// Proctoring enables the violation monitor when non-nil. Its Clock and
	// Logger default to the session's.
	Proctoring *MonitorOptions
}

// Session is the context object of one attempt. It owns the answer store,
// the persistence manager, the timer and the monitor, and is the only
// writer of the attempt status. Nothing about it is process-global.
type Session struct {
	ctx       context.Context
	cancel    context.CancelFunc
	backend   Backend
	clock     clockwork.Clock
	log       zerolog.Logger
	navigator Navigator

	store   *AnswerStore
	persist *PersistenceManager
	timer   *Timer
	monitor *Monitor
	// disableMonitor removes the proctoring listeners installed by Open.
	disableMonitor func()

	submitGroup singleflight.Group

	mu         sync.Mutex
	attempt    model.Attempt
	questions  []model.Question
	byID       map[uuid.UUID]int
	current    int
	submitting bool
	readOnly   bool

	teardownOnce sync.Once
	closeOnce    sync.Once
}

// Open loads the attempt and starts the session. An attempt that is already
// submitted or graded yields a read-only session: the navigator is sent to
// the summary, no timer runs and every mutation fails.
func Open(ctx context.Context, backend Backend, attemptID uuid.UUID, opts Options) (*Session, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Navigator == nil {
		opts.Navigator = nopNavigator{}
	}
	log := opts.Logger.With().
		Str("component", "session").
		Str("attempt_id", attemptID.String()).
		Logger()

	attempt, err := backend.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("%w: get attempt: %w", ErrLoadFailed, err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		ctx:       sctx,
		cancel:    cancel,
		backend:   backend,
		clock:     opts.Clock,
		log:       log,
		navigator: opts.Navigator,
		store:     NewAnswerStore(),
		attempt:   *attempt,
		byID:      make(map[uuid.UUID]int),
	}
	s.persist = NewPersistenceManager(sctx, attemptID, backend, s.store, PersistenceOptions{
		Window:   opts.DebounceWindow,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		OnStatus: opts.OnSaveStatus,
	})
	s.timer = NewTimer(opts.Clock, attempt.StartedAt, attempt.Duration(), TimerOptions{
		Interval: opts.TickInterval,
		OnTick:   opts.OnTick,
		OnExpire: s.autoSubmit,
	})

	if attempt.Status.IsTerminal() {
		log.Info().Str("status", string(attempt.Status)).Msg("Attempt already closed, showing summary")
		s.readOnly = true
		s.teardown()
		s.navigator.ShowSummary(attemptID)
		return s, nil
	}

	questions, err := s.loadQuestions(ctx, attempt.ExamID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	model.SortByOrder(questions)
	s.questions = questions
	for i, q := range questions {
		s.byID[q.ID] = i
	}

	answers, err := backend.GetAnswers(ctx, attemptID)
	if err != nil {
		log.Warn().Err(err).Msg("Prior answers unavailable, starting empty")
	} else {
		s.store.Load(answers)
	}

	if opts.Proctoring != nil {
		mo := *opts.Proctoring
		if mo.Clock == nil {
			mo.Clock = opts.Clock
		}
		mo.Logger = opts.Logger
		s.monitor = NewMonitor(sctx, attemptID, backend, mo)
		s.disableMonitor = s.monitor.Enable(sctx)
	}

	s.timer.Start(sctx)

	log.Info().
		Int("questions", len(questions)).
		Int("answers", len(answers)).
		Dur("remaining", s.timer.Remaining()).
		Msg("Session started")
	return s, nil
}

// loadQuestions fetches the question set, falling back to the exam detail
// endpoint when the primary one is unavailable.
func (s *Session) loadQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	questions, err := s.backend.GetQuestions(ctx, examID)
	if err == nil {
		return questions, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("get questions: %w", err)
	}
	s.log.Warn().Err(err).Msg("Question endpoint unavailable, using exam detail")

	detail, ferr := s.backend.GetExamWithQuestions(ctx, examID)
	if ferr != nil {
		return nil, fmt.Errorf("get questions: %w", errors.Join(err, ferr))
	}
	return detail.Questions, nil
}

// ─── Read access ────────────────────────────────────────────────────

// Attempt returns a copy of the attempt.
func (s *Session) Attempt() model.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Status returns the attempt status.
func (s *Session) Status() model.AttemptStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt.Status
}

// ReadOnly reports whether the session was opened on a closed attempt.
func (s *Session) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

// Remaining returns the time left, recomputed from the start anchor.
func (s *Session) Remaining() time.Duration {
	return s.timer.Remaining()
}

// TimerRunning reports whether the countdown is ticking.
func (s *Session) TimerRunning() bool {
	return s.timer.Running()
}

// Questions returns the questions in navigation order.
func (s *Session) Questions() []model.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.questions)
}

// Current returns the question at the current index with its answer.
func (s *Session) Current() (int, model.Question, model.AnswerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.questions) == 0 {
		return 0, model.Question{}, model.AnswerState{}, ErrIndexOutOfRange
	}
	q := s.questions[s.current]
	a, _ := s.store.Get(q.ID)
	return s.current, q, a, nil
}

// Answer returns the current answer of a question.
func (s *Session) Answer(questionID uuid.UUID) model.AnswerState {
	a, _ := s.store.Get(questionID)
	return a
}

// Answers returns every answer state.
func (s *Session) Answers() map[uuid.UUID]model.AnswerState {
	return s.store.Snapshot()
}

// Progress returns answered, flagged and total question counts.
func (s *Session) Progress() (answered, flagged, total int) {
	answered, flagged = s.store.Counts()
	s.mu.Lock()
	total = len(s.questions)
	s.mu.Unlock()
	return answered, flagged, total
}

// SaveStatus returns the save indicator state.
func (s *Session) SaveStatus() SaveStatus {
	return s.persist.Status()
}

// Ticket returns the latest persistence ticket of a question.
func (s *Session) Ticket(questionID uuid.UUID) (model.PersistenceTicket, bool) {
	return s.persist.Ticket(questionID)
}

// Violations returns the local violation log.
func (s *Session) Violations() []model.ViolationEvent {
	if s.monitor == nil {
		return nil
	}
	return s.monitor.Violations()
}

// TabSwitches returns the visible tab-switch counter.
func (s *Session) TabSwitches() int {
	if s.monitor == nil {
		return 0
	}
	return s.monitor.TabSwitches()
}

// ─── Navigation ─────────────────────────────────────────────────────

// NavigateTo moves to question index i. It is purely local.
func (s *Session) NavigateTo(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.questions) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	s.current = i
	return nil
}

// Next moves to the following question.
func (s *Session) Next() error {
	s.mu.Lock()
	i := s.current + 1
	s.mu.Unlock()
	return s.NavigateTo(i)
}

// Prev moves to the previous question.
func (s *Session) Prev() error {
	s.mu.Lock()
	i := s.current - 1
	s.mu.Unlock()
	return s.NavigateTo(i)
}

// ─── Mutations ──────────────────────────────────────────────────────

// SelectOption selects optionID. Single-choice questions replace the
// selection; multiple-choice questions toggle it.
func (s *Session) SelectOption(questionID uuid.UUID, optionID string) (model.AnswerState, error) {
	return s.edit(questionID, func(q *model.Question) (model.AnswerEdit, error) {
		if !q.Type.IsChoice() {
			return model.AnswerEdit{}, fmt.Errorf("%w: select on %s", ErrWrongQuestionType, q.Type)
		}
		if !q.HasOption(optionID) {
			return model.AnswerEdit{}, fmt.Errorf("%w: %q", ErrUnknownOption, optionID)
		}

		var selected []string
		if q.Type == model.QuestionTypeSingleChoice {
			selected = []string{optionID}
		} else {
			cur, _ := s.store.Get(questionID)
			chosen := make(map[string]bool, len(cur.SelectedOptions)+1)
			for _, id := range cur.SelectedOptions {
				chosen[id] = true
			}
			chosen[optionID] = !chosen[optionID]
			selected = []string{}
			for _, o := range q.Options {
				if chosen[o.ID] {
					selected = append(selected, o.ID)
				}
			}
		}
		return model.AnswerEdit{SelectedOptions: &selected}, nil
	})
}

// SetText replaces the free-text answer of an essay question.
func (s *Session) SetText(questionID uuid.UUID, text string) (model.AnswerState, error) {
	return s.edit(questionID, func(q *model.Question) (model.AnswerEdit, error) {
		if q.Type.IsChoice() {
			return model.AnswerEdit{}, fmt.Errorf("%w: text on %s", ErrWrongQuestionType, q.Type)
		}
		return model.AnswerEdit{AnswerText: &text}, nil
	})
}

// ToggleFlag flips the mark-for-review flag.
func (s *Session) ToggleFlag(questionID uuid.UUID) (model.AnswerState, error) {
	return s.edit(questionID, func(*model.Question) (model.AnswerEdit, error) {
		cur, _ := s.store.Get(questionID)
		flagged := !cur.Flagged
		return model.AnswerEdit{Flagged: &flagged}, nil
	})
}

// edit builds and records an edit under s.mu, so it cannot interleave with
// the start of a submit. The save status callback runs after the lock is
// released and may call back into the session.
func (s *Session) edit(questionID uuid.UUID, build func(q *model.Question) (model.AnswerEdit, error)) (model.AnswerState, error) {
	s.mu.Lock()
	q, err := s.mutableLocked(questionID)
	var e model.AnswerEdit
	if err == nil {
		e, err = build(q)
	}
	if err != nil {
		s.mu.Unlock()
		return model.AnswerState{}, err
	}
	state := s.persist.record(questionID, e)
	s.mu.Unlock()

	s.persist.notify()
	return state, nil
}

func (s *Session) mutableLocked(questionID uuid.UUID) (*model.Question, error) {
	if s.readOnly || s.submitting || s.attempt.Status != model.AttemptStatusInProgress {
		return nil, ErrSessionClosed
	}
	i, ok := s.byID[questionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	return &s.questions[i], nil
}

// ─── Submission ─────────────────────────────────────────────────────

// Submit submits the attempt. Concurrent calls, including a racing
// auto-submit, share a single backend call; calling it on a closed attempt
// returns the attempt without contacting the backend.
func (s *Session) Submit(ctx context.Context) (*model.Attempt, error) {
	return s.submit(ctx, false)
}

func (s *Session) autoSubmit() {
	if s.Status() != model.AttemptStatusInProgress || s.ctx.Err() != nil {
		return
	}
	s.log.Info().Msg("Time is up, auto-submitting")
	if _, err := s.submit(s.ctx, true); err != nil {
		s.log.Error().Err(err).Msg("Auto-submit failed, retrying on next tick")
	}
}

func (s *Session) submit(ctx context.Context, auto bool) (*model.Attempt, error) {
	v, err, _ := s.submitGroup.Do("submit", func() (any, error) {
		return s.doSubmit(ctx, auto)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Attempt), nil
}

func (s *Session) doSubmit(ctx context.Context, auto bool) (*model.Attempt, error) {
	s.mu.Lock()
	if s.readOnly || s.attempt.Status != model.AttemptStatusInProgress {
		a := s.attempt
		s.mu.Unlock()
		return &a, nil
	}
	s.submitting = true
	s.mu.Unlock()

	if err := s.persist.Flush(ctx); err != nil {
		if ctx.Err() != nil {
			s.mu.Lock()
			s.submitting = false
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: flush: %w", ErrSubmitFailed, err)
		}
		s.log.Warn().Err(err).Msg("Submitting with unsaved answers")
	}
	s.timer.Stop()

	// The status stays IN_PROGRESS while the call is in flight; submitting
	// alone blocks edits until the backend answers.
	res, err := s.backend.SubmitAttempt(ctx, s.attempt.ID, auto)
	if err != nil {
		s.mu.Lock()
		s.submitting = false
		s.mu.Unlock()
		s.log.Error().Err(err).Bool("auto", auto).Msg("Submit failed")
		if s.ctx.Err() == nil {
			s.timer.Restart(s.ctx)
		}
		return nil, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}

	next := model.AttemptStatusSubmitted
	if auto {
		next = model.AttemptStatusAutoSubmitted
	}
	if res != nil && res.Status.IsTerminal() {
		next = res.Status
	}
	s.mu.Lock()
	if s.attempt.Status.CanTransitionTo(next) {
		s.attempt.Status = next
		if res != nil && res.Status.IsTerminal() {
			s.attempt.SubmittedAt = res.SubmittedAt
			s.attempt.FinalScore = res.FinalScore
		}
	}
	s.submitting = false
	a := s.attempt
	s.mu.Unlock()

	s.log.Info().Str("status", string(a.Status)).Bool("auto", auto).Msg("Attempt submitted")
	s.teardown()
	s.navigator.ShowSummary(a.ID)
	return &a, nil
}

// ─── Teardown ───────────────────────────────────────────────────────

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.timer.Stop()
		if s.disableMonitor != nil {
			s.disableMonitor()
		}
		s.persist.Close()
	})
}

// Close disposes the session: the timer stops, every proctoring listener is
// removed, pending debounce timers are dropped and in-flight calls are
// cancelled. Edits not yet sent are lost. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.teardown()
		s.cancel()
		s.log.Debug().Msg("Session closed")
	})
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"
)

// Attempt errors.
var (
	ErrExamNotFound      = errors.New("exam not found")
	ErrExamNotAvailable  = errors.New("exam is not available")
	ErrInvalidEntryToken = errors.New("invalid entry token")
	ErrNoQuestions       = errors.New("exam has no questions")
	ErrAttemptNotFound   = errors.New("attempt not found")
	ErrAttemptClosed     = errors.New("attempt is no longer in progress")
	ErrAttemptInProgress = errors.New("attempt is still in progress")
	ErrDeadlinePassed    = errors.New("attempt deadline has passed")
	ErrQuestionNotFound  = errors.New("question not found in exam")
	ErrInvalidAnswer     = errors.New("answer does not fit the question")
)

const (
	examCacheTTL    = 30 * time.Minute
	attemptCacheTTL = 6 * time.Hour
)

// AttemptService owns the attempt lifecycle on the server: start, answer
// saves, submission with grading, and violation intake.
type AttemptService struct {
	attemptRepo  *repository.AttemptRepository
	answerRepo   *repository.AnswerRepository
	examRepo     *repository.ExamRepository
	questionRepo *repository.QuestionRepository
	rdb          *redis.Client
	clock        clockwork.Clock
	grace        time.Duration
	log          zerolog.Logger

	loads singleflight.Group
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	attemptRepo *repository.AttemptRepository,
	answerRepo *repository.AnswerRepository,
	examRepo *repository.ExamRepository,
	questionRepo *repository.QuestionRepository,
	rdb *redis.Client,
	clock clockwork.Clock,
	grace time.Duration,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		attemptRepo:  attemptRepo,
		answerRepo:   answerRepo,
		examRepo:     examRepo,
		questionRepo: questionRepo,
		rdb:          rdb,
		clock:        clock,
		grace:        grace,
		log:          log.With().Str("component", "attempt_service").Logger(),
	}
}

// StartAttempt creates the student's attempt for an exam, or returns the
// existing one. The entry token is only checked on first start.
func (s *AttemptService) StartAttempt(ctx context.Context, examID uuid.UUID, studentID int, entryToken string) (*model.Attempt, error) {
	exam, err := s.getExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	existing, err := s.attemptRepo.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing attempt: %w", err)
	}
	if existing != nil {
		s.cacheAttempt(ctx, existing)
		return existing, nil
	}

	if exam.Status != model.ExamStatusPublished {
		return nil, ErrExamNotAvailable
	}
	if exam.EntryTokenHash != "" {
		if err := checkEntryToken(exam.EntryTokenHash, entryToken); err != nil {
			return nil, err
		}
	}
	if exam.QuestionCount == 0 {
		return nil, ErrNoQuestions
	}

	attempt := &model.Attempt{
		ExamID:          examID,
		StudentID:       studentID,
		DurationSeconds: exam.DurationSeconds,
	}
	if err := s.attemptRepo.Create(ctx, attempt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Concurrent start from another device.
			existing, fetchErr := s.attemptRepo.GetByExamAndStudent(ctx, examID, studentID)
			if fetchErr != nil {
				return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", fetchErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	s.cacheAttempt(ctx, attempt)
	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Msg("Attempt started")
	return attempt, nil
}

// GetAttempt returns an attempt owned by the student. Attempts of other
// students are reported as not found.
func (s *AttemptService) GetAttempt(ctx context.Context, attemptID uuid.UUID, studentID int) (*model.Attempt, error) {
	if a, ok := s.cachedAttempt(ctx, attemptID); ok {
		if a.StudentID != studentID {
			return nil, ErrAttemptNotFound
		}
		return a, nil
	}

	a, err := s.attemptRepo.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if a.StudentID != studentID {
		return nil, ErrAttemptNotFound
	}
	if !a.Status.IsTerminal() {
		s.cacheAttempt(ctx, a)
	}
	return a, nil
}

// GetExam returns the exam of one of the student's attempts.
func (s *AttemptService) GetExam(ctx context.Context, examID uuid.UUID, studentID int) (*model.Exam, error) {
	if err := s.requireAttempt(ctx, examID, studentID); err != nil {
		return nil, err
	}
	return s.getExam(ctx, examID)
}

// GetQuestions returns the ordered question set of an exam the student has
// an attempt for. Answer keys are never included.
func (s *AttemptService) GetQuestions(ctx context.Context, examID uuid.UUID, studentID int) ([]model.Question, error) {
	if err := s.requireAttempt(ctx, examID, studentID); err != nil {
		return nil, err
	}
	return s.questions(ctx, examID)
}

// GetExamDetail returns the exam together with its questions.
func (s *AttemptService) GetExamDetail(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamDetail, error) {
	exam, err := s.GetExam(ctx, examID, studentID)
	if err != nil {
		return nil, err
	}
	qs, err := s.questions(ctx, examID)
	if err != nil {
		return nil, err
	}
	return &model.ExamDetail{Exam: *exam, Questions: qs}, nil
}

// GetAnswers returns the latest saved answers. Answers still queued in
// Redis take precedence over the rows in Postgres.
func (s *AttemptService) GetAnswers(ctx context.Context, attemptID uuid.UUID, studentID int) ([]model.AnswerState, error) {
	attempt, err := s.GetAttempt(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}
	return s.currentAnswers(ctx, attempt)
}

func (s *AttemptService) currentAnswers(ctx context.Context, attempt *model.Attempt) ([]model.AnswerState, error) {
	stored, err := s.answerRepo.ListByAttempt(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	if attempt.Status.IsTerminal() {
		return stored, nil
	}

	cached, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(attempt.ID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("get cached answers: %w", err)
	}
	return mergeAnswers(stored, cached, s.log), nil
}

// mergeAnswers overlays the cached hash on the stored rows, keeping the
// newer state of each question.
func mergeAnswers(stored []model.AnswerState, cached map[string]string, log zerolog.Logger) []model.AnswerState {
	byID := make(map[uuid.UUID]int, len(stored))
	out := slices.Clone(stored)
	for i, a := range out {
		byID[a.QuestionID] = i
	}
	for field, raw := range cached {
		var a model.AnswerState
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			log.Warn().Err(err).Str("question_id", field).Msg("Skipping malformed cached answer")
			continue
		}
		i, ok := byID[a.QuestionID]
		if !ok {
			byID[a.QuestionID] = len(out)
			out = append(out, a)
			continue
		}
		if newerOrEqual(a.UpdatedAt, out[i].UpdatedAt) {
			out[i] = a
		}
	}
	return out
}

func newerOrEqual(a, b *time.Time) bool {
	if b == nil {
		return true
	}
	if a == nil {
		return false
	}
	return !a.Before(*b)
}

// SaveAnswer applies a partial edit to one question's answer. Saves are
// accepted until the deadline plus the grace window.
func (s *AttemptService) SaveAnswer(ctx context.Context, attemptID uuid.UUID, studentID int, questionID uuid.UUID, edit model.AnswerEdit) (*model.AnswerState, error) {
	attempt, err := s.GetAttempt(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := s.checkOpen(attempt, now); err != nil {
		return nil, err
	}

	qs, err := s.questions(ctx, attempt.ExamID)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(qs, func(q model.Question) bool { return q.ID == questionID })
	if idx < 0 {
		return nil, ErrQuestionNotFound
	}
	if err := validateEdit(&qs[idx], edit); err != nil {
		return nil, err
	}

	answersKey := config.CacheKey.AttemptAnswersKey(attemptID.String())
	current := model.AnswerState{QuestionID: questionID}
	raw, err := s.rdb.HGet(ctx, answersKey, questionID.String()).Result()
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return nil, fmt.Errorf("decode cached answer: %w", err)
		}
	case errors.Is(err, redis.Nil):
		stored, err := s.answerRepo.ListByAttempt(ctx, attemptID)
		if err != nil {
			return nil, fmt.Errorf("list answers: %w", err)
		}
		if i := slices.IndexFunc(stored, func(a model.AnswerState) bool { return a.QuestionID == questionID }); i >= 0 {
			current = stored[i]
		}
	default:
		return nil, fmt.Errorf("get cached answer: %w", err)
	}

	next := edit.Apply(current)
	next.QuestionID = questionID
	next.UpdatedAt = &now

	state, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	job, err := json.Marshal(model.AnswerJob{AttemptID: attemptID, Answer: next})
	if err != nil {
		return nil, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, answersKey, questionID.String(), state)
	pipe.Expire(ctx, answersKey, attemptCacheTTL)
	pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, job)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store answer: %w", err)
	}
	return &next, nil
}

func (s *AttemptService) checkOpen(a *model.Attempt, now time.Time) error {
	if a.Status.IsTerminal() {
		return ErrAttemptClosed
	}
	if now.After(a.Deadline().Add(s.grace)) {
		return ErrDeadlinePassed
	}
	return nil
}

// validateEdit checks an edit against the question type and its options.
func validateEdit(q *model.Question, edit model.AnswerEdit) error {
	if edit.SelectedOptions != nil {
		opts := *edit.SelectedOptions
		if !q.Type.IsChoice() && len(opts) > 0 {
			return ErrInvalidAnswer
		}
		if q.Type == model.QuestionTypeSingleChoice && len(opts) > 1 {
			return ErrInvalidAnswer
		}
		seen := make(map[string]bool, len(opts))
		for _, id := range opts {
			if !q.HasOption(id) || seen[id] {
				return ErrInvalidAnswer
			}
			seen[id] = true
		}
	}
	if edit.AnswerText != nil && *edit.AnswerText != "" && q.Type.IsChoice() {
		return ErrInvalidAnswer
	}
	return nil
}

// SubmitAttempt closes the attempt and grades every answer in one
// transaction. Submitting a closed attempt returns it unchanged.
func (s *AttemptService) SubmitAttempt(ctx context.Context, attemptID uuid.UUID, studentID int, auto bool) (*model.Attempt, error) {
	attempt, err := s.GetAttempt(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}
	if attempt.Status.IsTerminal() {
		return attempt, nil
	}

	answers, err := s.currentAnswers(ctx, attempt)
	if err != nil {
		return nil, err
	}
	keys, err := s.answerKeys(ctx, attempt.ExamID)
	if err != nil {
		return nil, err
	}
	graded, score := gradeAnswers(answers, keys)

	status := model.AttemptStatusSubmitted
	if auto {
		status = model.AttemptStatusAutoSubmitted
	}

	tx, err := s.attemptRepo.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	closed, err := s.attemptRepo.Close(ctx, tx, attemptID, status, s.clock.Now(), score)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Closed by a concurrent submit.
			s.forgetAttempt(ctx, attemptID)
			latest, fetchErr := s.attemptRepo.GetByID(ctx, attemptID)
			if fetchErr != nil {
				return nil, fmt.Errorf("fetch closed attempt: %w", fetchErr)
			}
			return latest, nil
		}
		return nil, fmt.Errorf("close attempt: %w", err)
	}
	if err := s.answerRepo.SaveGraded(ctx, tx, attemptID, graded); err != nil {
		return nil, fmt.Errorf("save graded answers: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit submit: %w", err)
	}

	s.forgetAttempt(ctx, attemptID)
	s.log.Info().
		Str("attempt_id", attemptID.String()).
		Str("status", string(status)).
		Int("answers", len(graded)).
		Float64("score", score).
		Msg("Attempt submitted")
	return closed, nil
}

// gradeAnswers scores every answered question. Answers to questions that
// are no longer in the key are dropped.
func gradeAnswers(answers []model.AnswerState, keys map[uuid.UUID]model.AnswerKey) ([]repository.GradedAnswer, float64) {
	graded := make([]repository.GradedAnswer, 0, len(answers))
	total := 0.0
	for _, a := range answers {
		key, ok := keys[a.QuestionID]
		if !ok {
			continue
		}
		g := repository.GradedAnswer{State: a}
		if a.IsAnswered() {
			g.IsCorrect, g.Score = key.Grade(a)
		}
		if g.Score != nil {
			total += *g.Score
		}
		graded = append(graded, g)
	}
	return graded, total
}

// ReportViolation queues a violation for batched persistence.
func (s *AttemptService) ReportViolation(ctx context.Context, attemptID uuid.UUID, studentID int, ev model.ViolationEvent) error {
	if _, err := s.GetAttempt(ctx, attemptID, studentID); err != nil {
		return err
	}
	job, err := json.Marshal(model.ViolationJob{
		AttemptID:  attemptID,
		Event:      ev,
		RecordedAt: s.clock.Now(),
	})
	if err != nil {
		return err
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, job).Err(); err != nil {
		return fmt.Errorf("queue violation: %w", err)
	}
	return nil
}

// GetAnswerDetails returns the graded answers of a closed attempt.
func (s *AttemptService) GetAnswerDetails(ctx context.Context, attemptID uuid.UUID, studentID int) ([]model.AnswerDetail, error) {
	attempt, err := s.GetAttempt(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}
	if !attempt.Status.IsTerminal() {
		return nil, ErrAttemptInProgress
	}
	details, err := s.answerRepo.ListDetails(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list answer details: %w", err)
	}
	return details, nil
}

// PrewarmCaches loads the questions and answer keys of every published
// exam into Redis.
func (s *AttemptService) PrewarmCaches(ctx context.Context) error {
	ids, err := s.examRepo.ListPublishedIDs(ctx)
	if err != nil {
		return fmt.Errorf("list published exams: %w", err)
	}
	for _, id := range ids {
		if _, err := s.questions(ctx, id); err != nil {
			return err
		}
		if _, err := s.answerKeys(ctx, id); err != nil {
			return err
		}
	}
	s.log.Info().Int("exams", len(ids)).Msg("Exam caches prewarmed")
	return nil
}

func (s *AttemptService) requireAttempt(ctx context.Context, examID uuid.UUID, studentID int) error {
	_, err := s.attemptRepo.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAttemptNotFound
		}
		return fmt.Errorf("get attempt: %w", err)
	}
	return nil
}

func (s *AttemptService) getExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}
	return exam, nil
}

// questions reads the exam's question set through the Redis cache.
func (s *AttemptService) questions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	var qs []model.Question
	err := s.cached(ctx, config.CacheKey.ExamQuestionsKey(examID.String()), &qs, func() (any, error) {
		qs, err := s.questionRepo.ListByExam(ctx, examID)
		if err != nil {
			return nil, fmt.Errorf("list questions: %w", err)
		}
		model.SortByOrder(qs)
		return qs, nil
	})
	return qs, err
}

func (s *AttemptService) answerKeys(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]model.AnswerKey, error) {
	var keys []model.AnswerKey
	err := s.cached(ctx, config.CacheKey.ExamAnswerKey(examID.String()), &keys, func() (any, error) {
		keys, err := s.questionRepo.AnswerKeys(ctx, examID)
		if err != nil {
			return nil, fmt.Errorf("list answer keys: %w", err)
		}
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]model.AnswerKey, len(keys))
	for _, k := range keys {
		out[k.QuestionID] = k
	}
	return out, nil
}

// cached decodes key into dst, loading and storing it on a miss. Concurrent
// misses for the same key share one load.
func (s *AttemptService) cached(ctx context.Context, key string, dst any, load func() (any, error)) error {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		if err := json.Unmarshal(raw, dst); err == nil {
			return nil
		}
		s.log.Warn().Str("key", key).Msg("Discarding malformed cache entry")
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Str("key", key).Msg("Cache read failed, loading from database")
	}

	v, err, _ := s.loads.Do(key, func() (any, error) {
		v, err := load()
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if err := s.rdb.Set(ctx, key, b, examCacheTTL).Err(); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
		}
		return b, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), dst)
}

func (s *AttemptService) cacheAttempt(ctx context.Context, a *model.Attempt) {
	if a.Status.IsTerminal() {
		return
	}
	b, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, config.CacheKey.AttemptKey(a.ID.String()), b, attemptCacheTTL).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Failed to cache attempt")
	}
}

func (s *AttemptService) cachedAttempt(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, bool) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.AttemptKey(attemptID.String())).Bytes()
	if err != nil {
		return nil, false
	}
	var a model.Attempt
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, false
	}
	return &a, true
}

func (s *AttemptService) forgetAttempt(ctx context.Context, attemptID uuid.UUID) {
	id := attemptID.String()
	if err := s.rdb.Del(ctx, config.CacheKey.AttemptKey(id), config.CacheKey.AttemptAnswersKey(id)).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", id).Msg("Failed to clear attempt cache")
	}
}

func checkEntryToken(hash, token string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return ErrInvalidEntryToken
	}
	return nil
}

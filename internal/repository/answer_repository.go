package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// GradedAnswer is one answer with the grade computed at submit time.
type GradedAnswer struct {
	State     model.AnswerState
	IsCorrect *bool
	Score     *float64
}

// AnswerRepository handles attempt answer data access.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// ListByAttempt retrieves the saved answers of an attempt.
func (r *AnswerRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerState, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, selected_options, answer_text, flagged, updated_at
		 FROM attempt_answers WHERE attempt_id = $1`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	answers := []model.AnswerState{}
	for rows.Next() {
		var (
			a         model.AnswerState
			updatedAt time.Time
		)
		if err := rows.Scan(&a.QuestionID, &a.SelectedOptions, &a.AnswerText, &a.Flagged, &updatedAt); err != nil {
			return nil, err
		}
		a.UpdatedAt = &updatedAt
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// Upsert writes one answer. A row already carrying a newer updated_at is
// left untouched, so a late queue entry never overwrites a newer save.
// Writes for an attempt that is no longer in progress are dropped; the row
// lock waits out a submit in flight.
func (r *AnswerRepository) Upsert(ctx context.Context, attemptID uuid.UUID, a model.AnswerState) error {
	updatedAt := time.Now()
	if a.UpdatedAt != nil {
		updatedAt = *a.UpdatedAt
	}
	selected := a.SelectedOptions
	if selected == nil {
		selected = []string{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_answers (attempt_id, question_id, selected_options, answer_text, flagged, updated_at)
		 SELECT $1::uuid, $2::uuid, $3::text[], $4::text, $5::boolean, $6::timestamptz
		 WHERE EXISTS (
		     SELECT 1 FROM attempts
		     WHERE id = $1::uuid AND status = 'IN_PROGRESS'
		     FOR SHARE
		 )
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET selected_options = EXCLUDED.selected_options,
		     answer_text      = EXCLUDED.answer_text,
		     flagged          = EXCLUDED.flagged,
		     updated_at       = EXCLUDED.updated_at
		 WHERE attempt_answers.updated_at <= EXCLUDED.updated_at`,
		attemptID, a.QuestionID, selected, a.AnswerText, a.Flagged, updatedAt,
	)
	return err
}

// SaveGraded writes every answer of a submitted attempt with its grade in a
// single statement inside tx.
func (r *AnswerRepository) SaveGraded(ctx context.Context, tx pgx.Tx, attemptID uuid.UUID, answers []GradedAnswer) error {
	if len(answers) == 0 {
		return nil
	}
	n := len(answers)
	questionIDs := make([]uuid.UUID, 0, n)
	selected := make([]string, 0, n)
	texts := make([]string, 0, n)
	flags := make([]bool, 0, n)
	correct := make([]*bool, 0, n)
	scores := make([]*float64, 0, n)
	updatedAts := make([]time.Time, 0, n)

	now := time.Now()
	for _, g := range answers {
		questionIDs = append(questionIDs, g.State.QuestionID)
		// text[][] must be rectangular, so selections travel as a literal.
		selected = append(selected, textArrayLiteral(g.State.SelectedOptions))
		texts = append(texts, g.State.AnswerText)
		flags = append(flags, g.State.Flagged)
		correct = append(correct, g.IsCorrect)
		scores = append(scores, g.Score)
		at := now
		if g.State.UpdatedAt != nil {
			at = *g.State.UpdatedAt
		}
		updatedAts = append(updatedAts, at)
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO attempt_answers
			(attempt_id, question_id, selected_options, answer_text, flagged, is_correct, score, updated_at)
		SELECT $1, u.question_id, u.selected::text[], u.answer_text, u.flagged, u.is_correct, u.score, u.updated_at
		FROM UNNEST(
			$2::uuid[],
			$3::text[],
			$4::text[],
			$5::bool[],
			$6::bool[],
			$7::float8[],
			$8::timestamptz[]
		) AS u (question_id, selected, answer_text, flagged, is_correct, score, updated_at)
		ON CONFLICT (attempt_id, question_id) DO UPDATE
		SET selected_options = EXCLUDED.selected_options,
		    answer_text      = EXCLUDED.answer_text,
		    flagged          = EXCLUDED.flagged,
		    is_correct       = EXCLUDED.is_correct,
		    score            = EXCLUDED.score,
		    updated_at       = GREATEST(attempt_answers.updated_at, EXCLUDED.updated_at)`,
		attemptID, questionIDs, selected, texts, flags, correct, scores, updatedAts,
	)
	return err
}

// ListDetails retrieves the graded answers of an attempt.
func (r *AnswerRepository) ListDetails(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerDetail, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.question_id, a.selected_options, a.answer_text, a.is_correct, a.score
		 FROM attempt_answers a
		 JOIN questions q ON q.id = a.question_id
		 WHERE a.attempt_id = $1
		 ORDER BY q.order_num`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	details := []model.AnswerDetail{}
	for rows.Next() {
		var d model.AnswerDetail
		if err := rows.Scan(&d.QuestionID, &d.SelectedOptions, &d.AnswerText, &d.IsCorrect, &d.Score); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// textArrayLiteral renders ids as a Postgres text[] literal.
func textArrayLiteral(ids []string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(id))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

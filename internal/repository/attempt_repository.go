package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

const attemptColumns = `id, exam_id, student_id, status, started_at, duration_seconds, submitted_at, final_score`

// AttemptRepository handles attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := row.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.Status, &a.StartedAt,
		&a.DurationSeconds, &a.SubmittedAt, &a.FinalScore)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetByID retrieves an attempt by its UUID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
}

// GetByExamAndStudent retrieves the attempt of a specific exam-student combination.
func (r *AttemptRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID))
}

// Create inserts a new attempt. A concurrent start for the same exam and
// student returns pgx.ErrNoRows.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO attempts (exam_id, student_id, status, duration_seconds)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (exam_id, student_id) DO NOTHING
		 RETURNING id, status, started_at`,
		a.ExamID, a.StudentID, model.AttemptStatusInProgress, a.DurationSeconds,
	).Scan(&a.ID, &a.Status, &a.StartedAt)
}

// Close moves an in-progress attempt to a submitted status inside tx. It
// returns pgx.ErrNoRows when the attempt was already closed.
func (r *AttemptRepository) Close(ctx context.Context, tx pgx.Tx, id uuid.UUID, status model.AttemptStatus, at time.Time, score float64) (*model.Attempt, error) {
	return scanAttempt(tx.QueryRow(ctx,
		`UPDATE attempts
		 SET status = $1, submitted_at = $2, final_score = $3
		 WHERE id = $4 AND status = $5
		 RETURNING `+attemptColumns,
		status, at, score, id, model.AttemptStatusInProgress))
}

// Begin starts a transaction on the pool.
func (r *AttemptRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

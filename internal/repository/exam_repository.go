package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// ExamRepository handles exam data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam by its UUID, with its question count and total marks.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT e.id, e.title, e.duration_seconds, e.entry_token_hash, e.status, e.created_at,
		        COUNT(q.id), COALESCE(SUM(q.marks), 0)
		 FROM exams e
		 LEFT JOIN questions q ON q.exam_id = e.id
		 WHERE e.id = $1
		 GROUP BY e.id`, id,
	).Scan(&e.ID, &e.Title, &e.DurationSeconds, &e.EntryTokenHash, &e.Status, &e.CreatedAt,
		&e.QuestionCount, &e.TotalMarks)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListPublishedIDs returns the IDs of every published exam.
func (r *ExamRepository) ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM exams WHERE status = $1`, model.ExamStatusPublished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Create inserts a new exam.
func (r *ExamRepository) Create(ctx context.Context, e *model.Exam) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exams (title, duration_seconds, entry_token_hash, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		e.Title, e.DurationSeconds, e.EntryTokenHash, e.Status,
	).Scan(&e.ID, &e.CreatedAt)
}

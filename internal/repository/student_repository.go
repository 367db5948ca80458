package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// StudentRepository handles student data access.
type StudentRepository struct {
	pool *pgxpool.Pool
}

// NewStudentRepository creates a new StudentRepository.
func NewStudentRepository(pool *pgxpool.Pool) *StudentRepository {
	return &StudentRepository{pool: pool}
}

// GetByID retrieves a student by ID.
func (r *StudentRepository) GetByID(ctx context.Context, id int) (*model.Student, error) {
	s := &model.Student{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, nisn, created_at FROM students WHERE id = $1`, id,
	).Scan(&s.ID, &s.Name, &s.NISN, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert inserts a student or returns the existing one with the same NISN.
func (r *StudentRepository) Upsert(ctx context.Context, s *model.Student) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO students (name, nisn)
		 VALUES ($1, $2)
		 ON CONFLICT (nisn) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, created_at`,
		s.Name, s.NISN,
	).Scan(&s.ID, &s.CreatedAt)
}

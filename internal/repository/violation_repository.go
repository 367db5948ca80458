package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

var violationColumns = []string{"attempt_id", "kind", "severity", "description", "occurred_at", "recorded_at"}

// ViolationRepository stores reported proctoring violations.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

// CopyMany bulk-inserts jobs with the COPY protocol. One bad row fails the
// whole batch.
func (r *ViolationRepository) CopyMany(ctx context.Context, jobs []model.ViolationJob) error {
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"attempt_violations"},
		violationColumns,
		pgx.CopyFromSlice(len(jobs), func(i int) ([]any, error) {
			j := jobs[i]
			return []any{
				j.AttemptID, string(j.Event.Kind), string(j.Event.Severity),
				j.Event.Description, j.Event.OccurredAt, j.RecordedAt,
			}, nil
		}),
	)
	return err
}

// Insert stores a single violation.
func (r *ViolationRepository) Insert(ctx context.Context, j model.ViolationJob) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_violations (attempt_id, kind, severity, description, occurred_at, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		j.AttemptID, j.Event.Kind, j.Event.Severity, j.Event.Description, j.Event.OccurredAt, j.RecordedAt,
	)
	return err
}

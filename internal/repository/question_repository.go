package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// QuestionRepository handles question data access.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// ListByExam retrieves all questions for a given exam, ordered by order_num.
// The answer key is never selected here.
func (r *QuestionRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, order_num, question_text, question_type, options, marks
		 FROM questions WHERE exam_id = $1
		 ORDER BY order_num`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	questions := []model.Question{}
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.OrderNum, &q.Text, &q.Type, &q.Options, &q.Marks); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// AnswerKeys retrieves the grading data of every question in an exam.
func (r *QuestionRepository) AnswerKeys(ctx context.Context, examID uuid.UUID) ([]model.AnswerKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, question_type, correct_options, marks
		 FROM questions WHERE exam_id = $1`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []model.AnswerKey
	for rows.Next() {
		var k model.AnswerKey
		if err := rows.Scan(&k.QuestionID, &k.Type, &k.CorrectOptions, &k.Marks); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Create inserts a new question with its answer key.
func (r *QuestionRepository) Create(ctx context.Context, q *model.Question, correct []string) error {
	if correct == nil {
		correct = []string{}
	}
	if q.Options == nil {
		q.Options = []model.Option{}
	}
	return r.pool.QueryRow(ctx,
		`INSERT INTO questions (exam_id, order_num, question_text, question_type, options, correct_options, marks)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		q.ExamID, q.OrderNum, q.Text, q.Type, q.Options, correct, q.Marks,
	).Scan(&q.ID)
}

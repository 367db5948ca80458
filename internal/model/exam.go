package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusArchived  ExamStatus = "ARCHIVED"
)

// Exam is the owning exam definition of an attempt.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	DurationSeconds int        `json:"duration_seconds"`
	QuestionCount   int        `json:"question_count"`
	TotalMarks      float64    `json:"total_marks"`
	EntryTokenHash  string     `json:"-"`
	Status          ExamStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ExamDetail is the exam together with its question set. It backs the
// fallback question endpoint.
type ExamDetail struct {
	Exam
	Questions []Question `json:"questions"`
}

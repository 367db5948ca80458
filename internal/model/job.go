package model

import (
	"time"

	"github.com/google/uuid"
)

// AnswerJob is one entry of the answer persistence queue.
type AnswerJob struct {
	AttemptID uuid.UUID   `json:"attempt_id"`
	Answer    AnswerState `json:"answer"`
}

// ViolationJob is one entry of the violation persistence queue.
type ViolationJob struct {
	AttemptID  uuid.UUID      `json:"attempt_id"`
	Event      ViolationEvent `json:"event"`
	RecordedAt time.Time      `json:"recorded_at"`
}

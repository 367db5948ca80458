package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates attempt states. Transitions only move forward.
type AttemptStatus string

const (
	AttemptStatusInProgress    AttemptStatus = "IN_PROGRESS"
	AttemptStatusSubmitted     AttemptStatus = "SUBMITTED"
	AttemptStatusAutoSubmitted AttemptStatus = "AUTO_SUBMITTED"
	AttemptStatusGraded        AttemptStatus = "GRADED"
)

func (s AttemptStatus) rank() int {
	switch s {
	case AttemptStatusInProgress:
		return 0
	case AttemptStatusSubmitted, AttemptStatusAutoSubmitted:
		return 1
	case AttemptStatusGraded:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s AttemptStatus) Valid() bool {
	return s.rank() >= 0
}

// IsTerminal reports whether the attempt has left IN_PROGRESS.
func (s AttemptStatus) IsTerminal() bool {
	return s.rank() > 0
}

// CanTransitionTo reports whether moving from s to next keeps the status monotonic.
// SUBMITTED and AUTO_SUBMITTED share a rank and cannot replace each other.
func (s AttemptStatus) CanTransitionTo(next AttemptStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// Attempt is one student's run through one exam.
type Attempt struct {
	ID              uuid.UUID     `json:"id"`
	ExamID          uuid.UUID     `json:"exam_id"`
	StudentID       int           `json:"student_id"`
	Status          AttemptStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	DurationSeconds int           `json:"duration_seconds"`
	SubmittedAt     *time.Time    `json:"submitted_at,omitempty"`
	FinalScore      *float64      `json:"final_score,omitempty"`
}

// Duration returns the allotted time.
func (a *Attempt) Duration() time.Duration {
	return time.Duration(a.DurationSeconds) * time.Second
}

// Deadline is the instant the attempt expires.
func (a *Attempt) Deadline() time.Time {
	return a.StartedAt.Add(a.Duration())
}

// Remaining computes max(0, duration - (now - startedAt)). It is always derived
// from the fixed start anchor, never decremented.
func (a *Attempt) Remaining(now time.Time) time.Duration {
	return RemainingAt(a.StartedAt, a.Duration(), now)
}

// RemainingAt is the anchor-based remaining time computation.
func RemainingAt(startedAt time.Time, duration time.Duration, now time.Time) time.Duration {
	remaining := duration - now.Sub(startedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingSeconds rounds a remaining duration up to whole seconds for display,
// so the countdown shows 0 only once time has actually run out.
func RemainingSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

// StartAttemptRequest is the payload for starting (or re-joining) an attempt.
type StartAttemptRequest struct {
	EntryToken string `json:"entry_token" binding:"omitempty,min=4,max=20"`
}

// SubmitAttemptRequest is the payload for submitting an attempt.
type SubmitAttemptRequest struct {
	Auto bool `json:"auto"`
}

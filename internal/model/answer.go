package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// AnswerState is the current answer for one question.
type AnswerState struct {
	QuestionID      uuid.UUID  `json:"question_id"`
	SelectedOptions []string   `json:"selected_options"`
	AnswerText      string     `json:"answer_text"`
	Flagged         bool       `json:"flagged"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`

	// Dirty is true while the local state differs from the last acknowledged save.
	Dirty bool `json:"-"`
}

// IsAnswered reports whether the student has given any answer.
func (a *AnswerState) IsAnswered() bool {
	return len(a.SelectedOptions) > 0 || a.AnswerText != ""
}

// Clone returns a deep copy.
func (a AnswerState) Clone() AnswerState {
	a.SelectedOptions = slices.Clone(a.SelectedOptions)
	if a.UpdatedAt != nil {
		t := *a.UpdatedAt
		a.UpdatedAt = &t
	}
	return a
}

// AnswerEdit is a partial update to an AnswerState. Nil fields are left untouched.
type AnswerEdit struct {
	SelectedOptions *[]string `json:"selected_options,omitempty"`
	AnswerText      *string   `json:"answer_text,omitempty"`
	Flagged         *bool     `json:"flagged,omitempty"`
}

// IsEmpty reports whether the edit changes nothing.
func (e AnswerEdit) IsEmpty() bool {
	return e.SelectedOptions == nil && e.AnswerText == nil && e.Flagged == nil
}

// Apply returns s with the edit merged in.
func (e AnswerEdit) Apply(s AnswerState) AnswerState {
	out := s.Clone()
	if e.SelectedOptions != nil {
		out.SelectedOptions = slices.Clone(*e.SelectedOptions)
	}
	if e.AnswerText != nil {
		out.AnswerText = *e.AnswerText
	}
	if e.Flagged != nil {
		out.Flagged = *e.Flagged
	}
	return out
}

// EditFromState builds a full edit carrying every field of s.
func EditFromState(s AnswerState) AnswerEdit {
	opts := slices.Clone(s.SelectedOptions)
	if opts == nil {
		opts = []string{}
	}
	text := s.AnswerText
	flagged := s.Flagged
	return AnswerEdit{
		SelectedOptions: &opts,
		AnswerText:      &text,
		Flagged:         &flagged,
	}
}

// SaveAnswerRequest is the wire payload of a save.
type SaveAnswerRequest struct {
	SelectedOptions *[]string `json:"selected_options" binding:"omitempty,max=26,dive,min=1,max=16"`
	AnswerText      *string   `json:"answer_text" binding:"omitempty,max=20000"`
	Flagged         *bool     `json:"flagged"`
}

// Edit converts the request to an AnswerEdit.
func (r SaveAnswerRequest) Edit() AnswerEdit {
	return AnswerEdit{
		SelectedOptions: r.SelectedOptions,
		AnswerText:      r.AnswerText,
		Flagged:         r.Flagged,
	}
}

// AnswerDetail is a per-question answer as seen after submission.
// IsCorrect is nil while the answer awaits manual grading.
type AnswerDetail struct {
	QuestionID      uuid.UUID `json:"question_id"`
	SelectedOptions []string  `json:"selected_options"`
	AnswerText      string    `json:"answer_text"`
	IsCorrect       *bool     `json:"is_correct"`
	Score           *float64  `json:"score"`
}

// IsAnswered reports whether the detail carries an answer.
func (d *AnswerDetail) IsAnswered() bool {
	return len(d.SelectedOptions) > 0 || d.AnswerText != ""
}

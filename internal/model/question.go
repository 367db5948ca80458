package model

import (
	"slices"
	"sort"

	"github.com/google/uuid"
)

// QuestionType enumerates how a question is answered.
type QuestionType string

const (
	QuestionTypeSingleChoice   QuestionType = "SINGLE_CHOICE"
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeEssay          QuestionType = "ESSAY"
)

// IsChoice reports whether answers are option selections.
func (t QuestionType) IsChoice() bool {
	return t == QuestionTypeSingleChoice || t == QuestionTypeMultipleChoice
}

// Option is one selectable choice.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question is immutable for the duration of an attempt. It never carries the answer key.
type Question struct {
	ID       uuid.UUID    `json:"id"`
	ExamID   uuid.UUID    `json:"exam_id"`
	OrderNum int          `json:"order_num"`
	Text     string       `json:"question_text"`
	Type     QuestionType `json:"question_type"`
	Options  []Option     `json:"options"`
	Marks    float64      `json:"marks"`
}

// HasOption reports whether id is one of the question's options.
func (q *Question) HasOption(id string) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// SortByOrder orders questions for navigation, independent of storage order.
func SortByOrder(qs []Question) {
	sort.SliceStable(qs, func(i, j int) bool {
		return qs[i].OrderNum < qs[j].OrderNum
	})
}

// AnswerKey is the server-side grading data for one question.
type AnswerKey struct {
	QuestionID     uuid.UUID
	Type           QuestionType
	CorrectOptions []string
	Marks          float64
}

// Grade scores an answer against the key. Choice answers are correct only
// when the selected set equals the correct set. Essay answers are left
// ungraded and return nil for both values.
func (k *AnswerKey) Grade(a AnswerState) (isCorrect *bool, score *float64) {
	if !k.Type.IsChoice() {
		return nil, nil
	}
	got := slices.Clone(a.SelectedOptions)
	want := slices.Clone(k.CorrectOptions)
	slices.Sort(got)
	slices.Sort(want)

	correct := len(want) > 0 && slices.Equal(got, want)
	points := 0.0
	if correct {
		points = k.Marks
	}
	return &correct, &points
}

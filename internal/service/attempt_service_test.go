package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func choiceQuestion(typ model.QuestionType) *model.Question {
	return &model.Question{
		ID:      uuid.New(),
		Type:    typ,
		Options: []model.Option{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		Marks:   2,
	}
}

func opts(ids ...string) *[]string { return &ids }

func str(s string) *string { return &s }

func TestValidateEdit(t *testing.T) {
	single := choiceQuestion(model.QuestionTypeSingleChoice)
	multi := choiceQuestion(model.QuestionTypeMultipleChoice)
	essay := &model.Question{ID: uuid.New(), Type: model.QuestionTypeEssay}

	require.NoError(t, validateEdit(single, model.AnswerEdit{SelectedOptions: opts("B")}))
	require.NoError(t, validateEdit(single, model.AnswerEdit{SelectedOptions: opts()}))
	require.NoError(t, validateEdit(multi, model.AnswerEdit{SelectedOptions: opts("A", "C")}))
	require.NoError(t, validateEdit(essay, model.AnswerEdit{AnswerText: str("because")}))

	require.ErrorIs(t, validateEdit(single, model.AnswerEdit{SelectedOptions: opts("A", "B")}), ErrInvalidAnswer)
	require.ErrorIs(t, validateEdit(multi, model.AnswerEdit{SelectedOptions: opts("A", "A")}), ErrInvalidAnswer)
	require.ErrorIs(t, validateEdit(multi, model.AnswerEdit{SelectedOptions: opts("Z")}), ErrInvalidAnswer)
	require.ErrorIs(t, validateEdit(essay, model.AnswerEdit{SelectedOptions: opts("A")}), ErrInvalidAnswer)
	require.ErrorIs(t, validateEdit(single, model.AnswerEdit{AnswerText: str("text")}), ErrInvalidAnswer)
}

func TestCheckOpen(t *testing.T) {
	s := &AttemptService{grace: 30 * time.Second}
	a := &model.Attempt{Status: model.AttemptStatusInProgress, StartedAt: t0, DurationSeconds: 60}

	require.NoError(t, s.checkOpen(a, t0.Add(59*time.Second)))
	require.NoError(t, s.checkOpen(a, t0.Add(90*time.Second)))
	require.ErrorIs(t, s.checkOpen(a, t0.Add(91*time.Second)), ErrDeadlinePassed)

	a.Status = model.AttemptStatusSubmitted
	require.ErrorIs(t, s.checkOpen(a, t0), ErrAttemptClosed)
}

func TestMergeAnswersKeepsNewerState(t *testing.T) {
	older, newer := t0, t0.Add(time.Minute)
	q1, q2, q3 := uuid.New(), uuid.New(), uuid.New()

	stored := []model.AnswerState{
		{QuestionID: q1, SelectedOptions: []string{"A"}, UpdatedAt: &older},
		{QuestionID: q2, SelectedOptions: []string{"B"}, UpdatedAt: &newer},
	}
	encode := func(a model.AnswerState) string {
		b, err := json.Marshal(a)
		require.NoError(t, err)
		return string(b)
	}
	cached := map[string]string{
		q1.String(): encode(model.AnswerState{QuestionID: q1, SelectedOptions: []string{"C"}, UpdatedAt: &newer}),
		q2.String(): encode(model.AnswerState{QuestionID: q2, SelectedOptions: []string{"A"}, UpdatedAt: &older}),
		q3.String(): encode(model.AnswerState{QuestionID: q3, AnswerText: "essay", UpdatedAt: &newer}),
		"broken":    "{",
	}

	merged := mergeAnswers(stored, cached, zerolog.Nop())
	require.Len(t, merged, 3)
	byID := map[uuid.UUID]model.AnswerState{}
	for _, a := range merged {
		byID[a.QuestionID] = a
	}
	require.Equal(t, []string{"C"}, byID[q1].SelectedOptions)
	require.Equal(t, []string{"B"}, byID[q2].SelectedOptions)
	require.Equal(t, "essay", byID[q3].AnswerText)
	require.Equal(t, []string{"A"}, stored[0].SelectedOptions, "stored slice must not be modified")
}

func TestGradeAnswers(t *testing.T) {
	single := choiceQuestion(model.QuestionTypeSingleChoice)
	multi := choiceQuestion(model.QuestionTypeMultipleChoice)
	essayID, goneID, blankID := uuid.New(), uuid.New(), uuid.New()

	keys := map[uuid.UUID]model.AnswerKey{
		single.ID: {QuestionID: single.ID, Type: single.Type, CorrectOptions: []string{"B"}, Marks: 2},
		multi.ID:  {QuestionID: multi.ID, Type: multi.Type, CorrectOptions: []string{"A", "C"}, Marks: 3},
		essayID:   {QuestionID: essayID, Type: model.QuestionTypeEssay, Marks: 5},
		blankID:   {QuestionID: blankID, Type: model.QuestionTypeSingleChoice, CorrectOptions: []string{"A"}, Marks: 1},
	}
	answers := []model.AnswerState{
		{QuestionID: single.ID, SelectedOptions: []string{"B"}},
		{QuestionID: multi.ID, SelectedOptions: []string{"A"}},
		{QuestionID: essayID, AnswerText: "long answer"},
		{QuestionID: goneID, SelectedOptions: []string{"A"}},
		{QuestionID: blankID, Flagged: true},
	}

	graded, score := gradeAnswers(answers, keys)
	require.Len(t, graded, 4)
	require.InDelta(t, 2.0, score, 1e-9)

	require.True(t, *graded[0].IsCorrect)
	require.False(t, *graded[1].IsCorrect)
	require.InDelta(t, 0.0, *graded[1].Score, 1e-9)
	require.Nil(t, graded[2].IsCorrect, "essay waits for review")
	require.Nil(t, graded[3].IsCorrect, "unanswered question stays ungraded")
	require.True(t, graded[3].State.Flagged)
}

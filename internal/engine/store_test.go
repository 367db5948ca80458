package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stretchr/testify/require"
)

func TestAnswerStoreApplyCreatesLazily(t *testing.T) {
	s := NewAnswerStore()
	q := uuid.New()

	got, ok := s.Get(q)
	require.False(t, ok)
	require.Equal(t, q, got.QuestionID)

	opts := []string{"B"}
	st := s.Apply(q, model.AnswerEdit{SelectedOptions: &opts})
	require.True(t, st.Dirty)
	require.Equal(t, []string{"B"}, st.SelectedOptions)

	flag := true
	st = s.Apply(q, model.AnswerEdit{Flagged: &flag})
	require.Equal(t, []string{"B"}, st.SelectedOptions, "partial edit keeps other fields")
	require.True(t, st.Flagged)

	answered, flagged := s.Counts()
	require.Equal(t, 1, answered)
	require.Equal(t, 1, flagged)
}

func TestAnswerStoreGetReturnsCopy(t *testing.T) {
	s := NewAnswerStore()
	q := uuid.New()
	opts := []string{"A"}
	s.Apply(q, model.AnswerEdit{SelectedOptions: &opts})

	got, _ := s.Get(q)
	got.SelectedOptions[0] = "Z"

	again, _ := s.Get(q)
	require.Equal(t, []string{"A"}, again.SelectedOptions)
}

func TestAnswerStoreLoadKeepsDirtyEntries(t *testing.T) {
	s := NewAnswerStore()
	local, remote := uuid.New(), uuid.New()
	text := "mine"
	s.Apply(local, model.AnswerEdit{AnswerText: &text})

	s.Load([]model.AnswerState{
		{QuestionID: local, AnswerText: "server"},
		{QuestionID: remote, SelectedOptions: []string{"C"}},
	})

	got, _ := s.Get(local)
	require.Equal(t, "mine", got.AnswerText)
	require.True(t, got.Dirty)

	got, ok := s.Get(remote)
	require.True(t, ok)
	require.False(t, got.Dirty)
	require.Equal(t, []string{"C"}, got.SelectedOptions)

	s.MarkClean(local)
	got, _ = s.Get(local)
	require.False(t, got.Dirty)
	require.Len(t, s.Snapshot(), 2)
}

package engine

import (
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// AnswerStore maps question ID to the current answer state. The session
// controller is its only writer; the UI and the persistence manager read it.
type AnswerStore struct {
	mu      sync.RWMutex
	answers map[uuid.UUID]*model.AnswerState
}

// NewAnswerStore creates an empty store.
func NewAnswerStore() *AnswerStore {
	return &AnswerStore{answers: make(map[uuid.UUID]*model.AnswerState)}
}

// Get returns a copy of the state for questionID.
func (s *AnswerStore) Get(questionID uuid.UUID) (model.AnswerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.answers[questionID]
	if !ok {
		return model.AnswerState{QuestionID: questionID}, false
	}
	return a.Clone(), true
}

// Apply merges edit into the state for questionID, creating it lazily, and
// marks it dirty. It returns the new state.
func (s *AnswerStore) Apply(questionID uuid.UUID, edit model.AnswerEdit) model.AnswerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.answers[questionID]
	if !ok {
		cur = &model.AnswerState{QuestionID: questionID}
	}
	next := edit.Apply(*cur)
	next.QuestionID = questionID
	next.Dirty = true
	s.answers[questionID] = &next
	return next.Clone()
}

// Load merges server-side answers. Entries with unsaved local edits win.
func (s *AnswerStore) Load(states []model.AnswerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		if cur, ok := s.answers[st.QuestionID]; ok && cur.Dirty {
			continue
		}
		c := st.Clone()
		c.Dirty = false
		s.answers[st.QuestionID] = &c
	}
}

// MarkClean clears the dirty flag.
func (s *AnswerStore) MarkClean(questionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.answers[questionID]; ok {
		a.Dirty = false
	}
}

// Snapshot returns copies of every answer.
func (s *AnswerStore) Snapshot() map[uuid.UUID]model.AnswerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]model.AnswerState, len(s.answers))
	for id, a := range s.answers {
		out[id] = a.Clone()
	}
	return out
}

// Counts returns how many questions are answered and flagged.
func (s *AnswerStore) Counts() (answered, flagged int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.answers {
		if a.IsAnswered() {
			answered++
		}
		if a.Flagged {
			flagged++
		}
	}
	return answered, flagged
}

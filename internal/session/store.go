// internal/session/store.go
package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/kingside/gambit/internal/models"
)

// Store is the in-memory registry of live session actors.
type Store struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[uuid.UUID]*Session)}
}

func (st *Store) Add(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.State.ID] = s
}

func (st *Store) Get(id uuid.UUID) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	return s, ok
}

func (st *Store) Delete(id uuid.UUID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// GetByParticipant returns the live session a user is seated in, if any.
// Used for reconnect routing and spectate-by-participant lookups.
func (st *Store) GetByParticipant(userID uuid.UUID) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range st.sessions {
		if s.State.ParticipantColor(userID) != "" && s.State.Status == models.SessionActive {
			return s, true
		}
	}
	return nil, false
}

package websocket

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// session is what survives a dropped connection during the reconnect
// grace window
type session struct {
	ParticipantID string
	RoomID        string
	LastAcked     uint64
}

// SessionStore remembers resume tokens of recently dropped connections.
// Entries expire with the grace window; a token presented after that gets
// a full snapshot instead of a backfill.
type SessionStore struct {
	cache *expirable.LRU[string, session]
}

// NewSessionStore creates a session store whose entries live for the
// reconnect grace window
func NewSessionStore(size int, graceWindow time.Duration) *SessionStore {
	return &SessionStore{
		cache: expirable.NewLRU[string, session](size, nil, graceWindow),
	}
}

// Put records a resumable session under its token
func (s *SessionStore) Put(token string, sess session) {
	s.cache.Add(token, sess)
}

// Take returns and removes the session for the token, if still alive
func (s *SessionStore) Take(token string) (session, bool) {
	sess, ok := s.cache.Get(token)
	if ok {
		s.cache.Remove(token)
	}
	return sess, ok
}

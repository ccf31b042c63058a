package multipart

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of an upload session.
type State int

const (
	StateInitiated State = iota
	StateCompleting
	StateCompleted
	StateAborting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Session is one multipart upload. It is owned by a single Transfer call at a time.
type Session struct {
	UploadID    string
	FileID      string
	Key         string
	Size        int64
	ContentType string
	CreatedAt   time.Time

	mu    sync.Mutex
	state State
}

// NewSession returns an initiated session for an upload created by the store.
func NewSession(info SessionInfo, meta FileMetadata) *Session {
	return &Session{
		UploadID:    info.UploadID,
		FileID:      info.FileID,
		Key:         info.Key,
		Size:        meta.Size,
		ContentType: meta.ContentType,
		CreatedAt:   time.Now(),
		state:       StateInitiated,
	}
}

// Info returns the identifiers the store needs to address the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{UploadID: s.UploadID, FileID: s.FileID, Key: s.Key}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session to the given state if its current state is one of from.
func (s *Session) transition(to State, from ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return fmt.Errorf("%w: upload %s is %s", ErrSessionTerminal, s.UploadID, s.state)
	}
	for _, f := range from {
		if s.state == f {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("upload %s: cannot move from %s to %s", s.UploadID, s.state, to)
}

// checkActive returns ErrSessionTerminal if parts can no longer be uploaded to the session.
func (s *Session) checkActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInitiated {
		if s.state.Terminal() {
			return fmt.Errorf("%w: upload %s is %s", ErrSessionTerminal, s.UploadID, s.state)
		}
		return fmt.Errorf("upload %s is %s", s.UploadID, s.state)
	}
	return nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

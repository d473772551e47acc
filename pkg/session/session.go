package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nstogner/datachat/pkg/dataset"
	"github.com/nstogner/datachat/pkg/domain"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// State is the mutable state of one UI session.
type State struct {
	id string

	mu          sync.RWMutex
	answers     []domain.Answer
	uploaderKey int
	uploaded    bool
	dataset     *dataset.Dataset
	lastSeen    time.Time
	ended       bool
	subscribers map[chan domain.Event]struct{}
}

// NewState returns an empty session state.
func NewState(id string) *State {
	return &State{
		id:          id,
		lastSeen:    time.Now(),
		subscribers: make(map[chan domain.Event]struct{}),
	}
}

func (s *State) ID() string { return s.id }

// Answers returns a copy of the answers in submission order.
func (s *State) Answers() []domain.Answer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Answer, len(s.answers))
	copy(out, s.answers)
	return out
}

// AppendAnswer adds an answer at the end of the history.
func (s *State) AppendAnswer(a domain.Answer) {
	s.mu.Lock()
	s.answers = append(s.answers, a)
	s.mu.Unlock()
}

// UploaderKey is bumped on every reset so upload controls are re-created.
func (s *State) UploaderKey() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uploaderKey
}

// Uploaded reports whether a dataset has been uploaded since the last reset.
func (s *State) Uploaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uploaded
}

// Dataset returns the current dataset, or nil.
func (s *State) Dataset() *dataset.Dataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataset
}

// SetDataset records a new upload.
func (s *State) SetDataset(d *dataset.Dataset) {
	s.mu.Lock()
	s.dataset = d
	s.uploaded = true
	s.mu.Unlock()
}

// Reset clears answers and dataset and increments the uploader key.
func (s *State) Reset() {
	s.mu.Lock()
	s.answers = nil
	s.dataset = nil
	s.uploaded = false
	s.uploaderKey++
	s.mu.Unlock()
}

// Touch marks the session as active.
func (s *State) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns when the session was last active.
func (s *State) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// Subscribe returns a channel of session events and a function that
// unsubscribes and closes it.
func (s *State) Subscribe() (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subscribers[ch]; ok {
				delete(s.subscribers, ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

// Publish sends an event to all subscribers without blocking.
func (s *State) Publish(ev domain.Event) {
	ev.SessionID = s.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}

// Ended reports whether the session was removed from its manager.
func (s *State) Ended() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

// end marks the session ended, drops its dataset and closes every
// subscriber channel.
func (s *State) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	s.dataset = nil
	s.uploaded = false
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
}

// Manager tracks live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*State
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*State)}
}

// New creates a session with a fresh ID.
func (m *Manager) New() *State {
	s := NewState(uuid.New().String())
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Delete removes a session, marks it ended and closes its subscribers.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.end()
	return nil
}

// IDs returns the IDs of all live sessions.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Idle returns the IDs of sessions not seen since before the cutoff.
func (m *Manager) Idle(cutoff time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, s := range m.sessions {
		if s.LastSeen().Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

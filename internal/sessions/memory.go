package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tvb/internal/pkg/errors"
)

// MemStore is an in-memory Store used by tests.
type MemStore struct {
	mu   sync.Mutex
	rows map[string]*Session
}

func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[string]*Session)}
}

func (m *MemStore) GetActive(_ context.Context, ownerID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []*Session
	for _, s := range m.rows {
		if s.OwnerID == ownerID && s.IsActive {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	cp := *active[0]
	return &cp, nil
}

func (m *MemStore) CreateNew(_ context.Context, ownerID, chatID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.rows {
		if s.OwnerID == ownerID && s.IsActive {
			s.IsActive = false
		}
	}

	now := time.Now().UTC()
	s := &Session{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		ChatID:      chatID,
		State:       StateWaitVideo,
		IsActive:    true,
		AudioPolicy: AudioKeep,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.rows[s.ID] = s
	cp := *s
	return &cp, nil
}

func (m *MemStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, errors.NotFound("session", id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) update(id string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return errors.NotFound("session", id)
	}
	fn(s)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) SetState(_ context.Context, id string, state State) error {
	return m.update(id, func(s *Session) { s.State = state })
}

func (m *MemStore) SetSourceKey(_ context.Context, id, key string) error {
	return m.update(id, func(s *Session) { s.SourceKey = key })
}

func (m *MemStore) SetOutputKey(_ context.Context, id, key string) error {
	return m.update(id, func(s *Session) { s.OutputKey = key })
}

func (m *MemStore) SetOverlayComment(_ context.Context, id, comment string) error {
	if len(comment) > MaxOverlayComment {
		return errors.ValidationField("overlay_comment", "comment too long")
	}
	return m.update(id, func(s *Session) {
		s.OverlayComment = comment
		s.OverlayEnabled = comment != ""
	})
}

func (m *MemStore) SetAudioPolicy(_ context.Context, id string, policy AudioPolicy) error {
	if policy != AudioKeep && policy != AudioMute {
		return errors.ValidationField("audio_policy", "must be KEEP or MUTE")
	}
	return m.update(id, func(s *Session) { s.AudioPolicy = policy })
}

func (m *MemStore) SetAwaitingOverlayText(_ context.Context, id string, awaiting bool) error {
	return m.update(id, func(s *Session) { s.AwaitingOverlayText = awaiting })
}

func (m *MemStore) SetProgress(_ context.Context, id string, progress int) error {
	return m.update(id, func(s *Session) { s.Progress = progress })
}

func (m *MemStore) SetLastError(_ context.Context, id, message string) error {
	return m.update(id, func(s *Session) { s.LastError = message })
}

// ActiveCount reports how many active sessions an owner has. Test helper.
func (m *MemStore) ActiveCount(ownerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.rows {
		if s.OwnerID == ownerID && s.IsActive {
			n++
		}
	}
	return n
}

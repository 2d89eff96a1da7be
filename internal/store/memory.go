package store

import (
	"context"
	"sync"
	"time"

	"chat-game-host/internal/model"
)

// Memory is an in-process Store with TTL semantics, used in tests and
// single-node development. Expired entries are filtered on read and reaped
// lazily on write.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]memEntry
	players  map[string]map[string]time.Time // playerID -> sessionID -> expiry
	channels map[string]memRef               // channel key -> session binding
}

type memEntry struct {
	raw       []byte
	expiresAt time.Time
}

type memRef struct {
	sessionID string
	expiresAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		sessions: make(map[string]memEntry),
		players:  make(map[string]map[string]time.Time),
		channels: make(map[string]memRef),
	}
}

// SetNow overrides the clock. Test hook.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, s *model.Session, ttl time.Duration) error {
	raw, err := encodeSession(s)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = memEntry{raw: raw, expiresAt: m.now().Add(ttl)}
	return nil
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, sessionID string) (*model.Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if ok && m.now().After(e.expiresAt) {
		delete(m.sessions, sessionID)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	return decodeSession(e.raw)
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// IndexPlayerSession implements Store.
func (m *Memory) IndexPlayerSession(_ context.Context, playerID, sessionID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.players[playerID] == nil {
		m.players[playerID] = make(map[string]time.Time)
	}
	m.players[playerID][sessionID] = m.now().Add(ttl)
	return nil
}

// ListPlayerSessions implements Store.
func (m *Memory) ListPlayerSessions(_ context.Context, playerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var ids []string
	for id, exp := range m.players[playerID] {
		if now.After(exp) {
			delete(m.players[playerID], id)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RemovePlayerSession implements Store.
func (m *Memory) RemovePlayerSession(_ context.Context, playerID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.players[playerID], sessionID)
	return nil
}

// BindChannel implements Store.
func (m *Memory) BindChannel(_ context.Context, ch model.ChannelRef, sessionID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Key()] = memRef{sessionID: sessionID, expiresAt: m.now().Add(ttl)}
	return nil
}

// ChannelSession implements Store.
func (m *Memory) ChannelSession(_ context.Context, ch model.ChannelRef) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.channels[ch.Key()]
	if !ok || m.now().After(ref.expiresAt) {
		delete(m.channels, ch.Key())
		return "", ErrNotFound
	}
	return ref.sessionID, nil
}

// UnbindChannel implements Store.
func (m *Memory) UnbindChannel(_ context.Context, ch model.ChannelRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, ch.Key())
	return nil
}

// InjectRaw stores an arbitrary payload under a session id. Test hook for
// exercising corruption handling.
func (m *Memory) InjectRaw(sessionID string, raw []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = memEntry{raw: raw, expiresAt: m.now().Add(ttl)}
}

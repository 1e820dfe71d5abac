package conversation

import (
	"container/list"
	"context"
	"sync"
	"time"

	"ChatAssistant/internal/domain"
)

type session struct {
	id      string
	turns   []domain.Turn
	touched time.Time
}

// Memory is a process-local conversation buffer. Without options it keeps every
// session until Clear; WithMaxSessions and WithIdleTTL turn it into an LRU / idle
// expiring cache.
type Memory struct {
	mu          sync.Mutex
	sessions    map[string]*list.Element
	lru         *list.List
	maxSessions int
	idleTTL     time.Duration
	pins        map[string]int
	now         func() time.Time
}

type Option func(*Memory)

// WithMaxSessions evicts the least recently used session once n sessions exist.
func WithMaxSessions(n int) Option {
	return func(m *Memory) {
		m.maxSessions = n
	}
}

// WithIdleTTL drops sessions that were not touched for d.
func WithIdleTTL(d time.Duration) Option {
	return func(m *Memory) {
		m.idleTTL = d
	}
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		sessions: make(map[string]*list.Element),
		lru:      list.New(),
		pins:     make(map[string]int),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pin keeps sessionID out of LRU eviction and idle expiry until the returned
// func is called. Pins nest.
func (m *Memory) Pin(sessionID string) func() {
	m.mu.Lock()
	m.pins[sessionID]++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.pins[sessionID]--
			if m.pins[sessionID] <= 0 {
				delete(m.pins, sessionID)
			}
		})
	}
}

func (m *Memory) Append(_ context.Context, sessionID string, turns ...domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(sessionID)
	s.turns = append(s.turns, turns...)
	return nil
}

// Get returns a copy of the session's turns; an unknown session has none.
func (m *Memory) Get(_ context.Context, sessionID string) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el := m.lookup(sessionID)
	if el == nil {
		return []domain.Turn{}, nil
	}
	s := el.Value.(*session)
	s.touched = m.now()
	m.lru.MoveToFront(el)

	out := make([]domain.Turn, len(s.turns))
	copy(out, s.turns)
	return out, nil
}

func (m *Memory) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.sessions[sessionID]; ok {
		m.remove(el)
	}
	return nil
}

// Prune drops every idle session and reports how many were removed.
func (m *Memory) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.idleTTL <= 0 {
		return 0
	}
	removed := 0
	now := m.now()
	for el := m.lru.Back(); el != nil; {
		prev := el.Prev()
		if m.expired(el.Value.(*session), now) {
			m.remove(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// lookup returns the live element for sessionID, dropping it first if it went idle.
func (m *Memory) lookup(sessionID string) *list.Element {
	el, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	if m.expired(el.Value.(*session), m.now()) {
		m.remove(el)
		return nil
	}
	return el
}

func (m *Memory) getOrCreate(sessionID string) *session {
	now := m.now()
	if el := m.lookup(sessionID); el != nil {
		s := el.Value.(*session)
		s.touched = now
		m.lru.MoveToFront(el)
		return s
	}

	s := &session{id: sessionID, turns: make([]domain.Turn, 0, 8), touched: now}
	m.sessions[sessionID] = m.lru.PushFront(s)
	if m.maxSessions > 0 {
		// pinned sessions and the new one stay, so the cap may be exceeded briefly
		for el := m.lru.Back(); el != nil && m.lru.Len() > m.maxSessions; {
			prev := el.Prev()
			victim := el.Value.(*session)
			if victim != s && m.pins[victim.id] == 0 {
				m.remove(el)
			}
			el = prev
		}
	}
	return s
}

func (m *Memory) expired(s *session, now time.Time) bool {
	return m.idleTTL > 0 && m.pins[s.id] == 0 && now.Sub(s.touched) > m.idleTTL
}

func (m *Memory) remove(el *list.Element) {
	s := m.lru.Remove(el).(*session)
	delete(m.sessions, s.id)
}

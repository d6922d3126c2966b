package bridge

import (
	"sync"
	"time"
)

// Contraction is the cached read-model of one tracked contraction.
type Contraction struct {
	ID        string
	SubjectID string
	StartedAt time.Time
	EndedAt   *time.Time
	Intensity int
	Note      string
	Deleted   bool

	// Placeholder marks a record created optimistically, before the
	// server assigned its authoritative identifier.
	Placeholder bool
}

// Session is the cached read-model of a tracked session. The session
// is the subject of causal ordering: its ID equals the SubjectID of
// every mutation that touches it.
type Session struct {
	ID          string
	PlannedFor  time.Time
	CompletedAt *time.Time
	Placeholder bool
}

// StatusUpdate is a cached free-text update posted to a session.
type StatusUpdate struct {
	ID          string
	SubjectID   string
	Text        string
	PostedAt    time.Time
	Placeholder bool
}

// Cache is the local read-model the bridge projects mutations into.
// It is derived and disposable: authoritative state always comes from
// reconciliation. Implementations must be safe for concurrent use and
// must return copies, never shared references.
type Cache interface {
	Contraction(id string) (Contraction, bool)
	PutContraction(c Contraction)
	DeleteContraction(id string)

	Session(id string) (Session, bool)
	PutSession(s Session)
	DeleteSession(id string)

	Update(id string) (StatusUpdate, bool)
	PutUpdate(u StatusUpdate)
	DeleteUpdate(id string)
}

// MemoryCache is the in-process Cache used by tests and by apps that
// keep their read-model in memory.
type MemoryCache struct {
	mu           sync.RWMutex
	contractions map[string]Contraction
	sessions     map[string]Session
	updates      map[string]StatusUpdate
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		contractions: make(map[string]Contraction),
		sessions:     make(map[string]Session),
		updates:      make(map[string]StatusUpdate),
	}
}

func (c *MemoryCache) Contraction(id string) (Contraction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.contractions[id]
	return v, ok
}

func (c *MemoryCache) PutContraction(v Contraction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contractions[v.ID] = v
}

func (c *MemoryCache) DeleteContraction(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.contractions, id)
}

func (c *MemoryCache) Session(id string) (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.sessions[id]
	return v, ok
}

func (c *MemoryCache) PutSession(v Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[v.ID] = v
}

func (c *MemoryCache) DeleteSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

func (c *MemoryCache) Update(id string) (StatusUpdate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.updates[id]
	return v, ok
}

func (c *MemoryCache) PutUpdate(v StatusUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates[v.ID] = v
}

func (c *MemoryCache) DeleteUpdate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.updates, id)
}

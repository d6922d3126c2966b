package outbox

import "sync"

// SyncStatus is the process-wide, read-only snapshot consumed by the
// UI: it is recomputed whenever the queue or the network monitor
// changes.
type SyncStatus struct {
	IsOnline     bool
	PendingCount int
	FailedCount  int
	IsSyncing    bool
}

// statusHub fans a SyncStatus stream out to subscribers. Publishing
// never blocks; a subscriber that falls behind misses intermediate
// snapshots rather than stalling the engine.
type statusHub struct {
	mu      sync.Mutex
	subs    map[int]chan SyncStatus
	nextSub int
	last    SyncStatus
}

func newStatusHub() *statusHub {
	return &statusHub{subs: make(map[int]chan SyncStatus)}
}

func (h *statusHub) publish(s SyncStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s == h.last {
		return
	}
	h.last = s

	// Sends stay under the lock so a concurrent cancel cannot close
	// a channel mid-send. They cannot block: the channels are
	// buffered and the fallthrough drops the snapshot.
	for _, ch := range h.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (h *statusHub) current() SyncStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *statusHub) subscribe() (<-chan SyncStatus, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan SyncStatus, 8)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if ch, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}

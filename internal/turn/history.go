package turn

import (
	"sync"

	"github.com/loomctx/loomctx/pkg/models"
)

// History holds per-(agent,session) conversation turns and the
// refcounted session locks that give a running turn exclusive mutation
// rights over its own history, per spec.md's shared-resource policy.
type History struct {
	locksMu sync.Mutex
	locks   map[string]*sessionLock

	turnsMu sync.Mutex
	turns   map[string][]models.Turn
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewHistory builds an empty History.
func NewHistory() *History {
	return &History{
		locks: make(map[string]*sessionLock),
		turns: make(map[string][]models.Turn),
	}
}

func historyKey(agentID, sessionID string) string {
	return agentID + "\x00" + sessionID
}

// Lock acquires the writer lock for (agentID, sessionID), blocking until
// any concurrently-running turn for the same session releases it. The
// returned func releases the lock and must always be called.
func (h *History) Lock(agentID, sessionID string) func() {
	key := historyKey(agentID, sessionID)

	h.locksMu.Lock()
	lock := h.locks[key]
	if lock == nil {
		lock = &sessionLock{}
		h.locks[key] = lock
	}
	lock.refs++
	h.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		h.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(h.locks, key)
		}
		h.locksMu.Unlock()
	}
}

// Snapshot returns a copy of the committed turns for (agentID, sessionID).
// Callers holding the session's writer lock see every append made by a
// prior turn; callers without it get a point-in-time read.
func (h *History) Snapshot(agentID, sessionID string) []models.Turn {
	key := historyKey(agentID, sessionID)
	h.turnsMu.Lock()
	defer h.turnsMu.Unlock()
	existing := h.turns[key]
	out := make([]models.Turn, len(existing))
	copy(out, existing)
	return out
}

// Append commits turn to (agentID, sessionID)'s persistent history. The
// caller must hold the session's writer lock for the duration of the turn
// that is producing this append.
func (h *History) Append(agentID, sessionID string, t models.Turn) {
	key := historyKey(agentID, sessionID)
	h.turnsMu.Lock()
	defer h.turnsMu.Unlock()
	h.turns[key] = append(h.turns[key], t)
}

// TruncatePrefix drops every turn but the most recent keep turns from
// (agentID, sessionID)'s persisted history. Compaction calls this after
// summarizing the dropped prefix into a Summary block, so the prefix is
// never represented twice. The caller must hold the session's writer lock.
func (h *History) TruncatePrefix(agentID, sessionID string, keep int) {
	key := historyKey(agentID, sessionID)
	h.turnsMu.Lock()
	defer h.turnsMu.Unlock()

	existing := h.turns[key]
	if keep <= 0 || len(existing) <= keep {
		return
	}
	tail := make([]models.Turn, keep)
	copy(tail, existing[len(existing)-keep:])
	h.turns[key] = tail
}

// Tail returns the last n turns of turns (or all of them, if fewer than n).
func Tail(turns []models.Turn, n int) []models.Turn {
	if n <= 0 || len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

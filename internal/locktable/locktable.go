package locktable

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arkeep/arkeep/internal/metrics"
)

var (
	// ErrLockTimeout is returned when a lock is not granted within the
	// caller's wait budget. It is retriable.
	ErrLockTimeout = errors.New("lock wait timeout")

	// ErrWaitAborted is returned to a waiter whose transaction was
	// aborted while blocked, e.g. as a deadlock victim.
	ErrWaitAborted = errors.New("lock wait aborted")
)

// Mode is a lock mode on a resource key.
type Mode int

const (
	// ModeShared allows multiple concurrent holders.
	ModeShared Mode = iota
	// ModeExclusive allows exactly one holder and excludes all others.
	ModeExclusive
)

func (m Mode) String() string {
	if m == ModeExclusive {
		return "exclusive"
	}
	return "shared"
}

type waiter struct {
	txnID   string
	mode    Mode
	upgrade bool
	ready   chan struct{}
	granted bool
	err     error
}

type resourceLock struct {
	mu      sync.Mutex
	dead    bool
	holders map[string]Mode
	queue   []*waiter
}

// Table is the in-memory lock registry. Grants within a resource's wait
// queue are FIFO; a queued exclusive request blocks later shared
// requests so writers are never starved by a stream of readers.
type Table struct {
	mu        sync.Mutex
	resources map[string]*resourceLock
}

// New creates an empty lock table.
func New() *Table {
	return &Table{resources: make(map[string]*resourceLock)}
}

// resource returns the lock state for key with its mutex held.
func (t *Table) resource(key string) *resourceLock {
	for {
		t.mu.Lock()
		rl, ok := t.resources[key]
		if !ok {
			rl = &resourceLock{holders: make(map[string]Mode)}
			t.resources[key] = rl
		}
		t.mu.Unlock()

		rl.mu.Lock()
		if rl.dead {
			rl.mu.Unlock()
			continue
		}
		return rl
	}
}

// canGrant reports whether w could hold the lock right now.
func (rl *resourceLock) canGrant(w *waiter) bool {
	if w.mode == ModeExclusive {
		if len(rl.holders) == 0 {
			return true
		}
		// Upgrade: sole shared holder may take exclusive.
		if len(rl.holders) == 1 {
			_, self := rl.holders[w.txnID]
			return self
		}
		return false
	}
	for _, mode := range rl.holders {
		if mode == ModeExclusive {
			return false
		}
	}
	return true
}

// grantLocked hands the lock to queued waiters in FIFO order. Consecutive
// compatible shared waiters are granted together; the pass stops at the
// first waiter that cannot be granted.
func (rl *resourceLock) grantLocked() {
	for len(rl.queue) > 0 {
		w := rl.queue[0]
		if !rl.canGrant(w) {
			return
		}
		rl.holders[w.txnID] = w.mode
		rl.queue = rl.queue[1:]
		w.granted = true
		close(w.ready)
		if w.mode == ModeExclusive {
			return
		}
	}
}

// Acquire blocks until txnID holds the lock on key in the given mode, the
// context expires (ErrLockTimeout), or the wait is aborted
// (ErrWaitAborted). Re-acquiring a held mode is a no-op; a sole shared
// holder is upgraded in place when it requests exclusive.
func (t *Table) Acquire(ctx context.Context, txnID, key string, mode Mode) error {
	rl := t.resource(key)

	if cur, held := rl.holders[txnID]; held {
		if cur == ModeExclusive || cur == mode {
			rl.mu.Unlock()
			return nil
		}
		// Shared holder requesting exclusive.
		if len(rl.holders) == 1 {
			rl.holders[txnID] = ModeExclusive
			rl.mu.Unlock()
			return nil
		}
		// Other shared holders present: wait at the head of the queue so
		// the upgrade happens as soon as they release.
		w := &waiter{txnID: txnID, mode: ModeExclusive, upgrade: true, ready: make(chan struct{})}
		rl.queue = append([]*waiter{w}, rl.queue...)
		return t.wait(ctx, rl, w)
	}

	// Fast path: nothing queued and the request is compatible.
	w := &waiter{txnID: txnID, mode: mode, ready: make(chan struct{})}
	if len(rl.queue) == 0 && rl.canGrant(w) {
		rl.holders[txnID] = mode
		rl.mu.Unlock()
		return nil
	}

	rl.queue = append(rl.queue, w)
	return t.wait(ctx, rl, w)
}

// wait is entered with rl.mu held and w queued.
func (t *Table) wait(ctx context.Context, rl *resourceLock, w *waiter) error {
	metrics.LockWaitsTotal.WithLabelValues(w.mode.String()).Inc()
	start := time.Now()
	rl.mu.Unlock()

	select {
	case <-w.ready:
		if w.err != nil {
			return w.err
		}
		metrics.LockWaitDuration.WithLabelValues(w.mode.String()).Observe(time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		rl.mu.Lock()
		if w.granted && w.err == nil {
			// Granted concurrently with the timeout: give it back. An
			// upgrade waiter falls back to its original shared hold
			// instead of losing it.
			if w.upgrade {
				rl.holders[w.txnID] = ModeShared
			} else {
				delete(rl.holders, w.txnID)
			}
			rl.grantLocked()
		} else {
			rl.removeWaiterLocked(w)
		}
		rl.mu.Unlock()
		metrics.LockTimeoutsTotal.Inc()
		return ErrLockTimeout
	}
}

func (rl *resourceLock) removeWaiterLocked(w *waiter) {
	for i, queued := range rl.queue {
		if queued == w {
			rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
			break
		}
	}
	// Removing an exclusive waiter from the head may unblock shareds.
	rl.grantLocked()
}

// Release drops txnID's lock on key, granting queued waiters.
func (t *Table) Release(txnID, key string) {
	t.mu.Lock()
	rl, ok := t.resources[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	rl.mu.Lock()
	delete(rl.holders, txnID)
	rl.grantLocked()
	if len(rl.holders) == 0 && len(rl.queue) == 0 {
		rl.dead = true
		delete(t.resources, key)
	}
	rl.mu.Unlock()
	t.mu.Unlock()
}

// ReleaseAll drops every lock txnID holds and aborts its pending waits.
func (t *Table) ReleaseAll(txnID string) {
	t.AbortWaits(txnID, ErrWaitAborted)

	t.mu.Lock()
	for key, rl := range t.resources {
		rl.mu.Lock()
		if _, held := rl.holders[txnID]; held {
			delete(rl.holders, txnID)
			rl.grantLocked()
		}
		if len(rl.holders) == 0 && len(rl.queue) == 0 {
			rl.dead = true
			delete(t.resources, key)
		}
		rl.mu.Unlock()
	}
	t.mu.Unlock()
}

// AbortWaits wakes every pending wait of txnID with err. Used by the
// deadlock detector to evict a victim that is blocked.
func (t *Table) AbortWaits(txnID string, err error) {
	t.mu.Lock()
	for _, rl := range t.resources {
		rl.mu.Lock()
		kept := rl.queue[:0]
		for _, w := range rl.queue {
			if w.txnID == txnID {
				w.err = err
				close(w.ready)
				continue
			}
			kept = append(kept, w)
		}
		rl.queue = kept
		rl.grantLocked()
		rl.mu.Unlock()
	}
	t.mu.Unlock()
}

// HeldKeys returns the resource keys txnID currently holds.
func (t *Table) HeldKeys(txnID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []string
	for key, rl := range t.resources {
		rl.mu.Lock()
		if _, held := rl.holders[txnID]; held {
			keys = append(keys, key)
		}
		rl.mu.Unlock()
	}
	return keys
}

// WaitForGraph builds the waits-for adjacency from the current queues:
// an edge A -> B means transaction A is blocked on a lock B holds or is
// queued for ahead of A with a conflicting mode. The graph is rebuilt
// from scratch on every call rather than maintained incrementally.
func (t *Table) WaitForGraph() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	edges := make(map[string]map[string]struct{})
	addEdge := func(from, to string) {
		if from == to {
			return
		}
		if edges[from] == nil {
			edges[from] = make(map[string]struct{})
		}
		edges[from][to] = struct{}{}
	}

	for _, rl := range t.resources {
		rl.mu.Lock()
		for i, w := range rl.queue {
			for holder := range rl.holders {
				addEdge(w.txnID, holder)
			}
			for _, ahead := range rl.queue[:i] {
				if w.mode == ModeExclusive || ahead.mode == ModeExclusive {
					addEdge(w.txnID, ahead.txnID)
				}
			}
		}
		rl.mu.Unlock()
	}

	graph := make(map[string][]string, len(edges))
	for from, tos := range edges {
		for to := range tos {
			graph[from] = append(graph[from], to)
		}
	}
	return graph
}

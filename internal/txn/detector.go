package txn

import (
	"time"

	"github.com/arkeep/arkeep/internal/logger"
	"github.com/arkeep/arkeep/internal/metrics"
)

// terminalRetention is how long committed/aborted records stay queryable
// before the sweeper drops them.
const terminalRetention = 10 * time.Minute

// runDetector periodically rebuilds the wait-for graph from the lock
// table's queues and breaks any cycle by aborting one member, chosen by
// the configured victim policy.
func (m *Manager) runDetector() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.DeadlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.detectOnce()
			m.sweepTerminal()
		}
	}
}

// detectOnce breaks every cycle present at the time of the call. Each
// abort changes the graph, so it is rebuilt after every victim.
func (m *Manager) detectOnce() {
	for i := 0; i < 64; i++ {
		graph := m.locks.WaitForGraph()
		cycle := findCycle(graph)
		if len(cycle) == 0 {
			return
		}

		victim := m.chooseVictim(cycle)
		m.log.Warn("Deadlock detected",
			logger.Int("cycle_size", len(cycle)),
			logger.String("victim", victim))
		metrics.DeadlocksDetected.Inc()

		t, err := m.get(victim)
		if err != nil {
			return
		}
		t.mu.Lock()
		if !t.state.Terminal() {
			metrics.TxnConflictsTotal.WithLabelValues("deadlock").Inc()
			m.abortLocked(t, ErrDeadlockVictim)
		}
		t.mu.Unlock()
	}
}

// chooseVictim picks the cycle member to abort: "youngest" (latest start
// timestamp, the default) or "oldest".
func (m *Manager) chooseVictim(cycle []string) string {
	victim := cycle[0]
	var victimTS int64

	first := true
	for _, id := range cycle {
		t, err := m.get(id)
		if err != nil {
			continue
		}
		t.mu.Lock()
		ts := t.startTS
		t.mu.Unlock()

		if first {
			victim, victimTS = id, ts
			first = false
			continue
		}
		if m.cfg.VictimPolicy == "oldest" {
			if ts < victimTS {
				victim, victimTS = id, ts
			}
		} else if ts > victimTS {
			victim, victimTS = id, ts
		}
	}
	return victim
}

// findCycle runs a depth-first search over the adjacency map and returns
// the members of the first cycle found, or nil.
func findCycle(graph map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(graph))
	parent := make(map[string]string)

	var cycle []string
	var visit func(node string) bool
	visit = func(node string) bool {
		color[node] = gray
		for _, next := range graph[node] {
			switch color[next] {
			case white:
				parent[next] = node
				if visit(next) {
					return true
				}
			case gray:
				// Walk parents back to close the cycle.
				cycle = append(cycle, next)
				for at := node; at != next; at = parent[at] {
					cycle = append(cycle, at)
				}
				return true
			}
		}
		color[node] = black
		return false
	}

	for node := range graph {
		if color[node] == white && visit(node) {
			return cycle
		}
	}
	return nil
}

// sweepTerminal drops terminal transaction records past retention.
func (m *Manager) sweepTerminal() {
	cutoff := time.Now().Add(-terminalRetention)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.txns {
		t.mu.Lock()
		expired := t.state.Terminal() && !t.endedAt.IsZero() && t.endedAt.Before(cutoff)
		t.mu.Unlock()
		if expired {
			delete(m.txns, id)
		}
	}
}

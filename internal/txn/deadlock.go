package txn

import (
	"maps"
	"slices"
	"time"
)

// findCycle returns a wait-for cycle reachable from start, or nil.
func (m *Manager) findCycle(start ID) []ID {
	var (
		path    []ID
		onPath  = make(map[ID]bool)
		visited = make(map[ID]bool)
		dfs     func(ID) []ID
	)
	dfs = func(u ID) []ID {
		visited[u] = true
		onPath[u] = true
		path = append(path, u)
		for _, v := range m.waitsFor[u] {
			if onPath[v] {
				return slices.Clone(path[slices.Index(path, v):])
			}
			if !visited[v] {
				if c := dfs(v); c != nil {
					return c
				}
			}
		}
		onPath[u] = false
		path = path[:len(path)-1]
		return nil
	}
	return dfs(start)
}

// chooseVictim picks the youngest transaction of the cycle, breaking ties
// by the higher id.
func (m *Manager) chooseVictim(cycle []ID) *tx {
	var victim *tx
	for _, id := range cycle {
		t, ok := m.txs[id]
		if !ok {
			continue
		}
		if victim == nil || t.start > victim.start || (t.start == victim.start && t.id > victim.id) {
			victim = t
		}
	}
	return victim
}

// detectDeadlocks breaks every cycle currently in the wait-for graph and
// returns the number of victims.
func (m *Manager) detectDeadlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	victims := 0
	for {
		var cycle []ID
		waiters := slices.Sorted(maps.Keys(m.waitsFor))
		for _, id := range waiters {
			if cycle = m.findCycle(id); cycle != nil {
				break
			}
		}
		if cycle == nil {
			return victims
		}
		victim := m.chooseVictim(cycle)
		if victim == nil {
			// Stale edges of finished transactions.
			for _, id := range cycle {
				delete(m.waitsFor, id)
			}
			continue
		}
		m.abortLocked(victim, "deadlock")
		delete(m.waitsFor, victim.id)
		victims++
	}
}

func (m *Manager) runDetector() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.DeadlockCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closeCh:
			return
		case <-ticker.C:
			m.detectDeadlocks()
		}
	}
}

package txn

import (
	"context"
	"maps"
	"slices"

	"github.com/hupe1980/kvgo/internal/wal"
)

// SavepointID identifies a savepoint within the manager.
type SavepointID uint64

// CreateSavepoint records the current undo log length, held locks, and WAL
// position of id under name. A later savepoint with the same name shadows
// the earlier one.
func (m *Manager) CreateSavepoint(id ID, name string, pos wal.LogPosition) (SavepointID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.runnableLocked(id)
	if err != nil {
		return 0, err
	}
	m.nextSP++
	t.savepoints = append(t.savepoints, savepoint{
		id:      m.nextSP,
		name:    name,
		pos:     pos,
		undoLen: len(t.undo),
		locks:   maps.Clone(t.locks),
	})
	return m.nextSP, nil
}

// SavepointPosition returns the WAL position recorded by the newest
// savepoint called name.
func (m *Manager) SavepointPosition(id ID, name string) (wal.LogPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.runnableLocked(id)
	if err != nil {
		return wal.LogPosition{}, err
	}
	i := findSavepoint(t.savepoints, name)
	if i < 0 {
		return wal.LogPosition{}, ErrSavepointNotFound
	}
	return t.savepoints[i].pos, nil
}

func findSavepoint(sps []savepoint, name string) int {
	for i := len(sps) - 1; i >= 0; i-- {
		if sps[i].name == name {
			return i
		}
	}
	return -1
}

// RollbackToSavepoint undoes the operations recorded after the savepoint,
// in reverse order, and restores the lock set it captured. Locks acquired
// afterwards are released and upgraded locks return to their earlier mode.
// The savepoint itself survives; later ones are dropped.
func (m *Manager) RollbackToSavepoint(ctx context.Context, id ID, name string) error {
	m.mu.Lock()
	t, err := m.runnableLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	i := findSavepoint(t.savepoints, name)
	if i < 0 {
		m.mu.Unlock()
		return ErrSavepointNotFound
	}
	sp := t.savepoints[i]
	ops := slices.Clone(t.undo[sp.undoLen:])
	m.mu.Unlock()

	if err := m.applyUndo(context.WithoutCancel(ctx), t, ops); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t.undo = t.undo[:sp.undoLen]
	t.savepoints = t.savepoints[:i+1]
	for res, mode := range t.locks {
		prev, ok := sp.locks[res]
		switch {
		case !ok:
			m.releaseLocked(t, res)
		case prev != mode:
			m.setModeLocked(t, res, prev)
		}
	}
	return nil
}

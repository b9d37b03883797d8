package db

import (
	"sort"
	"sync"

	"github.com/marcus-crane/tilawah/models"
)

// MemoryStore keeps everything in process. Open returns it when
// PERSISTENCE_ENABLED is false, so history lasts until the process exits.
type MemoryStore struct {
	m          *sync.Mutex
	checkpoint *models.Checkpoint
	listens    []models.Listen
	nextID     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:       new(sync.Mutex),
		listens: []models.Listen{},
		nextID:  1,
	}
}

func (ms *MemoryStore) SaveCheckpoint(c models.Checkpoint) error {
	ms.m.Lock()
	defer ms.m.Unlock()
	ms.checkpoint = &c
	return nil
}

func (ms *MemoryStore) LoadCheckpoint() (models.Checkpoint, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	if ms.checkpoint == nil {
		return models.Checkpoint{}, ErrNoCheckpoint
	}
	return *ms.checkpoint, nil
}

func (ms *MemoryStore) RecordListen(l models.Listen) error {
	ms.m.Lock()
	defer ms.m.Unlock()
	l.ID = ms.nextID
	ms.nextID++
	ms.listens = append(ms.listens, l)
	return nil
}

func (ms *MemoryStore) GetHistory(limit int) ([]models.Listen, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	return newestFirst(ms.listens, limit), nil
}

func (ms *MemoryStore) PruneHistory(keep int) (int64, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	kept := newestFirst(ms.listens, keep)
	removed := int64(len(ms.listens) - len(kept))
	// Stored oldest first like rows in the table
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	ms.listens = kept
	return removed, nil
}

func (ms *MemoryStore) Close() error {
	return nil
}

func newestFirst(listens []models.Listen, limit int) []models.Listen {
	sorted := make([]models.Listen, len(listens))
	copy(sorted, listens)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].StartedAt.Equal(sorted[j].StartedAt) {
			return sorted[i].ID > sorted[j].ID
		}
		return sorted[i].StartedAt.After(sorted[j].StartedAt)
	})
	if limit >= 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

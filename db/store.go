package db

import (
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/marcus-crane/tilawah/models"
)

var ErrNoCheckpoint = errors.New("no session checkpoint saved")

// Store persists the session checkpoint and listening history.
type Store interface {
	SaveCheckpoint(c models.Checkpoint) error
	LoadCheckpoint() (models.Checkpoint, error)
	RecordListen(l models.Listen) error
	GetHistory(limit int) ([]models.Listen, error)
	PruneHistory(keep int) (int64, error)
	Close() error
}

// Open returns the sqlite store at dsn with migrations applied. With persist
// off nothing touches disk and a MemoryStore is returned instead.
func Open(persist bool, dsn string, migrations fs.FS) (Store, error) {
	if !persist {
		log.Print("Persistence is disabled, history is kept in memory")
		return NewMemoryStore(), nil
	}

	store, err := NewSqliteStore(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dsn, err)
	}

	if err := store.ApplyMigrations(migrations); err != nil {
		store.Close()
		return nil, err
	}

	return store, nil
}

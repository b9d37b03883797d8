package db

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/marcus-crane/tilawah/models"

	_ "modernc.org/sqlite"
)

type SqliteStore struct {
	DB *sqlx.DB
}

func NewSqliteStore(dsn string) (*SqliteStore, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer at a time
	db.SetMaxOpenConns(1)
	log.Print("Initialised DB connection")
	return &SqliteStore{
		DB: db,
	}, nil
}

// ApplyMigrations runs every pending goose migration found at the root of
// migrations.
func (s *SqliteStore) ApplyMigrations(migrations fs.FS) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect(string(goose.DialectSQLite3)); err != nil {
		return err
	}

	if err := goose.Up(s.DB.DB, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

func (s *SqliteStore) SaveCheckpoint(c models.Checkpoint) error {
	query := `
	INSERT INTO sessions (id, session_id, track_number, reciter_id, volume, position_seconds, state, updated_at)
	VALUES (1, :session_id, :track_number, :reciter_id, :volume, :position_seconds, :state, :updated_at)
	ON CONFLICT (id) DO UPDATE SET
	session_id = excluded.session_id,
	track_number = excluded.track_number,
	reciter_id = excluded.reciter_id,
	volume = excluded.volume,
	position_seconds = excluded.position_seconds,
	state = excluded.state,
	updated_at = excluded.updated_at
	`
	_, err := s.DB.NamedExec(query, c)
	return err
}

func (s *SqliteStore) LoadCheckpoint() (models.Checkpoint, error) {
	c := models.Checkpoint{}
	err := s.DB.Get(&c, "SELECT session_id, track_number, reciter_id, volume, position_seconds, state, updated_at FROM sessions WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNoCheckpoint
	}
	return c, err
}

func (s *SqliteStore) RecordListen(l models.Listen) error {
	_, err := s.DB.NamedExec(`
	INSERT INTO listens (media_id, session_id, track_number, reciter_id, started_at, elapsed, completed)
	VALUES (:media_id, :session_id, :track_number, :reciter_id, :started_at, :elapsed, :completed)`,
		l)
	if err != nil {
		return fmt.Errorf("failed to record listen: %w", err)
	}
	return nil
}

// GetHistory returns the most recent listens first.
func (s *SqliteStore) GetHistory(limit int) ([]models.Listen, error) {
	results := []models.Listen{}
	err := s.DB.Select(&results, `
	SELECT id, media_id, session_id, track_number, reciter_id, started_at, elapsed, completed
	FROM listens
	ORDER BY started_at DESC, id DESC
	LIMIT ?`, limit)
	return results, err
}

// PruneHistory keeps the newest keep listens and deletes the rest.
func (s *SqliteStore) PruneHistory(keep int) (int64, error) {
	res, err := s.DB.Exec(`
	DELETE FROM listens
	WHERE id NOT IN (
	  SELECT id FROM listens ORDER BY started_at DESC, id DESC LIMIT ?
	)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

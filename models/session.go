package models

import "time"

// Checkpoint is the last known state of the live playback session. There is
// only ever one row.
type Checkpoint struct {
	SessionID   string    `db:"session_id" json:"session_id"`
	TrackNumber int       `db:"track_number" json:"track_number"`
	ReciterID   string    `db:"reciter_id" json:"reciter_id"`
	Volume      float64   `db:"volume" json:"volume"`
	Position    float64   `db:"position_seconds" json:"position_seconds"`
	State       string    `db:"state" json:"state"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Listen is one uninterrupted stretch of listening to a recitation. Pausing
// and resuming the same track extends it; switching track or reciter starts a
// new one.
type Listen struct {
	ID          int       `db:"id" json:"-"`
	MediaID     string    `db:"media_id" json:"media_id"`
	SessionID   string    `db:"session_id" json:"session_id"`
	TrackNumber int       `db:"track_number" json:"track_number"`
	ReciterID   string    `db:"reciter_id" json:"reciter_id"`
	StartedAt   time.Time `db:"started_at" json:"started_at"`
	Elapsed     int       `db:"elapsed" json:"elapsed_ms"` // milliseconds
	Completed   bool      `db:"completed" json:"completed"`
}

package jobs

import (
	"errors"
	"log"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/marcus-crane/tilawah/config"
	"github.com/marcus-crane/tilawah/db"
	"github.com/marcus-crane/tilawah/models"
	"github.com/marcus-crane/tilawah/playback"
)

// SessionSource is anything that can report the live session.
type SessionSource interface {
	Snapshot() playback.Snapshot
}

func SetupInBackground(cfg config.Config, store db.Store, session SessionSource) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)

	s.Every(cfg.Tilawah.CheckpointInterval).Seconds().Do(SaveCheckpoint, store, session)
	s.Every(1).Hour().Do(PruneHistory, store, cfg.Tilawah.HistoryLimit)

	log.Print("Jobs scheduled. Scheduler not running yet.")

	return s
}

// SaveCheckpoint stores the live session so the next start can pick up the
// same track, reciter and volume.
func SaveCheckpoint(store db.Store, session SessionSource) {
	snap := session.Snapshot()
	err := store.SaveCheckpoint(models.Checkpoint{
		SessionID:   snap.SessionID,
		TrackNumber: snap.Track.Number,
		ReciterID:   snap.Reciter.ID,
		Volume:      snap.Volume,
		Position:    snap.Position,
		State:       string(snap.State),
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		slog.Error("Failed to save session checkpoint", slog.Any("error", err))
		return
	}
	slog.Debug("Saved session checkpoint",
		slog.Int("track", snap.Track.Number),
		slog.String("reciter", snap.Reciter.ID))
}

func PruneHistory(store db.Store, keep int) {
	removed, err := store.PruneHistory(keep)
	if err != nil {
		slog.Error("Failed to prune listening history", slog.Any("error", err))
		return
	}
	if removed > 0 {
		slog.Info("Pruned listening history", slog.Int64("removed", removed), slog.Int("kept", keep))
	}
}

// RestoreOptions seeds controller options from the last checkpoint, falling
// back to the configured defaults when there is none.
func RestoreOptions(cfg config.Config, store db.Store) playback.Options {
	volume := cfg.Player.DefaultVolume
	opts := playback.Options{
		TrackNumber: cfg.Player.DefaultTrack,
		ReciterID:   cfg.Player.DefaultReciter,
		Volume:      &volume,
		LoadTimeout: cfg.LoadTimeout(),
	}

	// Assuming we have just redeployed or have crashed, pick up where the
	// last session left off
	checkpoint, err := store.LoadCheckpoint()
	if err != nil {
		if !errors.Is(err, db.ErrNoCheckpoint) {
			slog.Error("Failed to load session checkpoint", slog.Any("error", err))
		}
		return opts
	}
	restored := checkpoint.Volume
	opts.TrackNumber = checkpoint.TrackNumber
	opts.ReciterID = checkpoint.ReciterID
	opts.Volume = &restored
	slog.Info("Restored last session",
		slog.String("previous_session_id", checkpoint.SessionID),
		slog.Int("track", checkpoint.TrackNumber),
		slog.String("reciter", checkpoint.ReciterID))
	return opts
}

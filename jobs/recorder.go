package jobs

import (
	"log/slog"
	"math"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/marcus-crane/tilawah/db"
	"github.com/marcus-crane/tilawah/models"
	"github.com/marcus-crane/tilawah/playback"
)

// MinimumListen is the least progress worth keeping in the history.
const MinimumListen = 1.0 // seconds

// Recorder turns session snapshots into listening history. A listen starts
// when a source begins playing and is written once that source stops being
// the live one, fails, or finishes. Writes happen on a background goroutine
// so a slow store never holds up the session.
type Recorder struct {
	store  db.Store
	clock  clock.Clock
	writes chan write
	done   chan struct{}

	m       sync.Mutex
	current *segment
	closed  bool
}

// write is either a listen to store or, when ack is set, a marker that
// everything queued before it has been stored.
type write struct {
	listen models.Listen
	ack    chan struct{}
}

const writeQueue = 64

type segment struct {
	listen   models.Listen
	source   string
	progress float64
}

func NewRecorder(store db.Store, clk clock.Clock) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	r := &Recorder{
		store:  store,
		clock:  clk,
		writes: make(chan write, writeQueue),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for w := range r.writes {
		if w.ack != nil {
			close(w.ack)
			continue
		}
		r.record(w.listen)
	}
}

// Observe is meant to be handed to Controller.Subscribe.
func (r *Recorder) Observe(snap playback.Snapshot) {
	r.m.Lock()
	defer r.m.Unlock()
	if r.closed {
		return
	}

	if r.current != nil && r.current.source != snap.AudioURL {
		r.flushLocked(false)
	}

	switch snap.State {
	case playback.StatePlaying:
		if r.current == nil {
			r.current = &segment{
				source: snap.AudioURL,
				listen: models.Listen{
					MediaID:     playback.MediaID(snap.Track, snap.Reciter),
					SessionID:   snap.SessionID,
					TrackNumber: snap.Track.Number,
					ReciterID:   snap.Reciter.ID,
					StartedAt:   r.clock.Now().UTC(),
				},
			}
		}
		r.advanceLocked(snap.Position)
	case playback.StatePaused:
		r.advanceLocked(snap.Position)
	case playback.StateIdle:
		r.advanceLocked(snap.Position)
		r.flushLocked(snap.Duration > 0 && snap.Position >= snap.Duration)
	case playback.StateLoading, playback.StateErrored:
		r.flushLocked(false)
	}
}

// Flush writes out the listen in progress, if any, and waits until every
// queued listen is stored.
func (r *Recorder) Flush() {
	r.m.Lock()
	r.flushLocked(false)
	if r.closed {
		r.m.Unlock()
		return
	}
	ack := make(chan struct{})
	r.writes <- write{ack: ack}
	r.m.Unlock()
	<-ack
}

// Close flushes and stops the writer. Later snapshots are ignored.
func (r *Recorder) Close() {
	r.m.Lock()
	if r.closed {
		r.m.Unlock()
		return
	}
	r.flushLocked(false)
	r.closed = true
	close(r.writes)
	r.m.Unlock()
	<-r.done
}

func (r *Recorder) advanceLocked(position float64) {
	if r.current == nil {
		return
	}
	r.current.progress = math.Max(r.current.progress, position)
}

func (r *Recorder) flushLocked(completed bool) {
	seg := r.current
	r.current = nil
	if seg == nil || seg.progress < MinimumListen {
		return
	}
	if r.closed {
		return
	}
	seg.listen.Elapsed = int(seg.progress * 1000)
	seg.listen.Completed = completed
	r.writes <- write{listen: seg.listen}
}

func (r *Recorder) record(l models.Listen) {
	if err := r.store.RecordListen(l); err != nil {
		slog.Error("Failed to record listen",
			slog.String("media_id", l.MediaID),
			slog.Any("error", err))
		return
	}
	slog.Debug("Recorded listen",
		slog.String("media_id", l.MediaID),
		slog.Int("elapsed_ms", l.Elapsed),
		slog.Bool("completed", l.Completed))
}

package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/marcus-crane/tilawah/catalog"
)

const (
	DefaultLoadTimeout = 15 * time.Second
	DefaultVolume      = 0.7
	SampleInterval     = time.Second
)

var (
	ErrUnknownTrack   = errors.New("unknown track")
	ErrNotErrored     = errors.New("retry is only possible after playback has failed")
	ErrSessionErrored = errors.New("playback has failed, retry or pick another track")
	ErrInvalidURL     = errors.New("could not build an audio url")
	ErrClosed         = errors.New("controller is closed")
)

// Catalog supplies the ordered tracks and the reciters a session can use.
type Catalog interface {
	Tracks() []catalog.Track
	Reciters() []catalog.Reciter
}

type Options struct {
	Clock    clock.Clock
	Notifier Notifier
	Logger   *slog.Logger

	// TrackNumber and ReciterID pick the initial selection. Unknown values
	// fall back to the first track and first reciter.
	TrackNumber int
	ReciterID   string
	// Volume is the initial volume; nil means DefaultVolume.
	Volume      *float64
	LoadTimeout time.Duration
}

// Snapshot is a point in time copy of the live session.
type Snapshot struct {
	SessionID     string          `json:"session_id"`
	Track         catalog.Track   `json:"track"`
	Reciter       catalog.Reciter `json:"reciter"`
	State         State           `json:"state"`
	Position      float64         `json:"position_seconds"`
	Duration      float64         `json:"duration_seconds"`
	Volume        float64         `json:"volume"`
	LastError     *ErrorInfo      `json:"last_error,omitempty"`
	AudioURL      string          `json:"audio_url"`
	PlayRequested bool            `json:"play_requested"`
}

// Download describes a save request for the selected recitation.
type Download struct {
	URL      string
	Filename string
	Track    catalog.Track
	Reciter  catalog.Reciter
}

// Controller owns the single live playback session. Every mutation happens
// under mu; timers and the progress sampler re-check that they are still the
// current ones before touching the session.
type Controller struct {
	mu          sync.Mutex
	catalog     Catalog
	resource    Resource
	notifier    Notifier
	clock       clock.Clock
	logger      *slog.Logger
	loadTimeout time.Duration

	id       string
	track    catalog.Track
	reciter  catalog.Reciter
	state    State
	position float64
	duration float64
	volume   float64
	lastErr  *ErrorInfo
	source   string
	load     uint64
	wantPlay bool

	gen     uint64
	timeout *clock.Timer
	sampler *sampler
	pending []Notification
	closed  bool
	done    chan struct{}

	pubMu     sync.Mutex
	obsMu     sync.RWMutex
	observers map[int]func(Snapshot)
	nextObs   int
}

type sampler struct {
	ticker *clock.Ticker
	stop   chan struct{}
}

func NewController(cat Catalog, resource Resource, opts Options) (*Controller, error) {
	tracks := cat.Tracks()
	reciters := cat.Reciters()
	if len(tracks) == 0 || len(reciters) == 0 {
		return nil, catalog.ErrEmptyCatalog
	}

	c := &Controller{
		catalog:     cat,
		resource:    resource,
		notifier:    opts.Notifier,
		clock:       opts.Clock,
		logger:      opts.Logger,
		loadTimeout: opts.LoadTimeout,
		id:          uuid.NewString(),
		track:       tracks[0],
		reciter:     reciters[0],
		state:       StateIdle,
		volume:      DefaultVolume,
		done:        make(chan struct{}),
		observers:   make(map[int]func(Snapshot)),
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.notifier == nil {
		c.notifier = NotifierFunc(func(Notification) {})
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("session_id", c.id))
	if c.loadTimeout <= 0 {
		c.loadTimeout = DefaultLoadTimeout
	}

	if t, ok := findTrack(tracks, opts.TrackNumber); ok {
		c.track = t
	}
	if r, ok := findReciter(reciters, opts.ReciterID); ok {
		c.reciter = r
	}
	if opts.Volume != nil && !math.IsNaN(*opts.Volume) {
		c.volume = clamp(*opts.Volume, 0, 1)
	}
	resource.SetVolume(c.volume)

	go c.watch(resource.Events())

	c.logger.Info("Playback session created",
		slog.Int("track", c.track.Number),
		slog.String("reciter", c.reciter.ID))

	return c, nil
}

func (c *Controller) watch(events <-chan ResourceEvent) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.HandleEvent(ev)
		}
	}
}

// Subscribe registers fn to receive a snapshot after every change, in the
// order the changes happened. fn must not call back into the Controller. The
// returned func removes the subscription.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// SelectTrack switches to the track with the given number and starts playing
// it once the resource is ready.
func (c *Controller) SelectTrack(number int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	track, ok := findTrack(c.catalog.Tracks(), number)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTrack, number)
	}
	defer c.unlockAndPublish()

	c.track = track
	c.loadLocked(true)
	return nil
}

// SelectReciter switches reciter. Unknown ids fall back to the first reciter.
// Playback resumes only if it was playing, or about to, before the switch.
func (c *Controller) SelectReciter(id string) catalog.Reciter {
	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return c.reciter
	}
	defer c.unlockAndPublish()

	reciters := c.catalog.Reciters()
	reciter, ok := findReciter(reciters, id)
	if !ok {
		c.logger.Debug("Unknown reciter, using default", slog.String("reciter", id))
		reciter = reciters[0]
	}
	c.reciter = reciter
	c.loadLocked(c.playIntentLocked())
	return reciter
}

// TogglePlayPause pauses when playing and plays otherwise. While loading it
// flips whether playback should start once the resource is ready.
func (c *Controller) TogglePlayPause() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	defer c.unlockAndPublish()

	switch c.state {
	case StatePlaying:
		c.resource.Pause()
		c.stopSamplingLocked()
		c.position = c.clampPosition(sanitize(c.resource.CurrentTime()))
		c.setStateLocked(StatePaused)
	case StatePaused:
		c.playLocked()
	case StateIdle:
		if c.source == "" {
			c.loadLocked(true)
			return nil
		}
		// Finished tracks restart from the beginning
		if c.duration > 0 && c.position >= c.duration {
			c.resource.SetCurrentTime(0)
			c.position = 0
		}
		c.playLocked()
	case StateLoading:
		c.wantPlay = !c.wantPlay
	case StateErrored:
		return ErrSessionErrored
	}
	return nil
}

// Seek moves the position, clamped to [0, duration].
func (c *Controller) Seek(seconds float64) float64 {
	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return c.position
	}
	defer c.unlockAndPublish()

	if math.IsNaN(seconds) {
		seconds = 0
	}
	c.position = clamp(seconds, 0, c.duration)
	if c.source != "" {
		c.resource.SetCurrentTime(c.position)
	}
	return c.position
}

// SetVolume sets the volume, clamped to [0, 1]. NaN leaves it unchanged.
func (c *Controller) SetVolume(v float64) float64 {
	c.mu.Lock()
	if c.closed || math.IsNaN(v) {
		defer c.mu.Unlock()
		return c.volume
	}
	defer c.unlockAndPublish()

	c.volume = clamp(v, 0, 1)
	c.resource.SetVolume(c.volume)
	return c.volume
}

// Next selects the following track. It reports false at the last track.
func (c *Controller) Next() bool {
	return c.step(1)
}

// Previous selects the preceding track. It reports false at the first track.
func (c *Controller) Previous() bool {
	return c.step(-1)
}

func (c *Controller) step(delta int) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	tracks := c.catalog.Tracks()
	idx := -1
	for i, t := range tracks {
		if t.Number == c.track.Number {
			idx = i
			break
		}
	}
	target := idx + delta
	if idx < 0 || target < 0 || target >= len(tracks) {
		c.mu.Unlock()
		return false
	}
	defer c.unlockAndPublish()

	c.track = tracks[target]
	c.loadLocked(c.playIntentLocked())
	return true
}

// Retry reloads the current selection after a failure and plays it.
func (c *Controller) Retry() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateErrored {
		c.mu.Unlock()
		return ErrNotErrored
	}
	defer c.unlockAndPublish()

	c.logger.Info("Retrying playback", slog.String("url", c.source))
	c.loadLocked(true)
	return nil
}

// PrepareDownload resolves the url and file name for saving the current
// selection. Outcomes are reported through the notifier only.
func (c *Controller) PrepareDownload() (Download, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Download{}, ErrClosed
	}
	defer c.unlockAndPublish()

	url := BuildAudioURL(c.track, c.reciter)
	if url == "" {
		c.pending = append(c.pending, downloadFailed())
		return Download{}, ErrInvalidURL
	}
	c.pending = append(c.pending, Notification{
		Level:   LevelInfo,
		Title:   "Download Started",
		Message: fmt.Sprintf("%s by %s is downloading.", c.track.EnglishName, c.reciter.Name),
	})
	return Download{
		URL:      url,
		Filename: DownloadFilename(c.track, c.reciter),
		Track:    c.track,
		Reciter:  c.reciter,
	}, nil
}

// DownloadFailed reports a download that could not be completed.
func (c *Controller) DownloadFailed(err error) {
	c.logger.Error("Download failed", slog.Any("error", err))
	c.notifier.Notify(downloadFailed())
}

func downloadFailed() Notification {
	return Notification{
		Level:   LevelError,
		Title:   "Download Failed",
		Message: "There was an error downloading the audio file.",
	}
}

// HandleEvent applies a resource lifecycle event to the session.
func (c *Controller) HandleEvent(ev ResourceEvent) {
	c.mu.Lock()
	if c.closed || (ev.Source != "" && ev.Source != c.source) || (ev.Load != 0 && ev.Load != c.load) {
		c.mu.Unlock()
		return
	}
	defer c.unlockAndPublish()

	switch ev.Kind {
	case EventReady:
		if c.state != StateLoading {
			return
		}
		c.cancelTimeoutLocked()
		c.duration = sanitize(c.resource.Duration())
		if c.wantPlay {
			c.playLocked()
		} else {
			c.setStateLocked(StatePaused)
		}
	case EventEnded:
		if c.state != StatePlaying {
			return
		}
		c.stopSamplingLocked()
		if d := sanitize(c.resource.Duration()); d > 0 {
			c.duration = d
		}
		c.position = c.duration
		c.wantPlay = false
		c.setStateLocked(StateIdle)
	case EventPaused:
		if c.state != StatePlaying {
			return
		}
		c.stopSamplingLocked()
		c.position = c.clampPosition(sanitize(c.resource.CurrentTime()))
		c.setStateLocked(StatePaused)
	case EventError:
		if c.state == StateErrored || c.source == "" {
			return
		}
		c.failLocked(classify(ev.Code, ev.Err))
	}
}

// Close tears the session down. Pending timers and the event watcher are
// released; the resource itself belongs to the caller.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.gen++
	c.cancelTimeoutLocked()
	c.stopSamplingLocked()
	close(c.done)
	c.logger.Info("Playback session closed")
}

func (c *Controller) loadLocked(autoPlay bool) {
	c.gen++
	c.cancelTimeoutLocked()
	c.stopSamplingLocked()
	c.position = 0
	c.duration = 0
	c.lastErr = nil
	c.wantPlay = autoPlay

	url := BuildAudioURL(c.track, c.reciter)
	if url == "" {
		if c.source != "" {
			c.resource.Pause()
		}
		c.source = ""
		c.failLocked(invalidURLError())
		return
	}

	c.source = url
	c.setStateLocked(StateLoading)
	c.resource.SetSource(url)
	c.load = c.resource.Load()

	gen := c.gen
	c.timeout = c.clock.AfterFunc(c.loadTimeout, func() {
		c.handleTimeout(gen)
	})
}

func (c *Controller) handleTimeout(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state != StateLoading {
		c.mu.Unlock()
		return
	}
	defer c.unlockAndPublish()
	c.timeout = nil
	// Stop the abandoned fetch; a retry sets the source again
	c.resource.SetSource("")
	c.failLocked(timeoutError())
}

func (c *Controller) playLocked() {
	if err := c.resource.Play(); err != nil {
		c.failLocked(classifyErr(err))
		return
	}
	c.wantPlay = false
	c.setStateLocked(StatePlaying)
	c.startSamplingLocked()
}

func (c *Controller) failLocked(info ErrorInfo) {
	c.cancelTimeoutLocked()
	c.stopSamplingLocked()
	c.wantPlay = false
	c.lastErr = &info
	c.setStateLocked(StateErrored)
	c.logger.Warn("Playback failed",
		slog.String("kind", string(info.Kind)),
		slog.String("url", c.source))
	c.pending = append(c.pending, Notification{
		Level:   LevelError,
		Title:   "Playback Failed",
		Message: info.Message,
	})
}

func (c *Controller) setStateLocked(next State) {
	if c.state == next {
		return
	}
	c.logger.Debug("Playback state changed",
		slog.String("old_state", string(c.state)),
		slog.String("new_state", string(next)))
	c.state = next
}

// playIntentLocked reports whether the user currently wants audio playing.
// An errored session never resumes on its own.
func (c *Controller) playIntentLocked() bool {
	return c.state == StatePlaying || (c.state == StateLoading && c.wantPlay)
}

func (c *Controller) cancelTimeoutLocked() {
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
}

func (c *Controller) startSamplingLocked() {
	c.stopSamplingLocked()
	s := &sampler{
		ticker: c.clock.Ticker(SampleInterval),
		stop:   make(chan struct{}),
	}
	c.sampler = s
	go func() {
		for {
			select {
			case <-s.stop:
				return
			case <-s.ticker.C:
				c.sample(s)
			}
		}
	}()
}

func (c *Controller) stopSamplingLocked() {
	if c.sampler == nil {
		return
	}
	c.sampler.ticker.Stop()
	close(c.sampler.stop)
	c.sampler = nil
}

func (c *Controller) sample(s *sampler) {
	c.mu.Lock()
	if c.closed || c.sampler != s || c.state != StatePlaying {
		c.mu.Unlock()
		return
	}
	defer c.unlockAndPublish()
	if d := sanitize(c.resource.Duration()); d > 0 {
		c.duration = d
	}
	c.position = c.clampPosition(sanitize(c.resource.CurrentTime()))
}

func (c *Controller) clampPosition(pos float64) float64 {
	if c.duration > 0 {
		return clamp(pos, 0, c.duration)
	}
	return math.Max(pos, 0)
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		SessionID:     c.id,
		Track:         c.track,
		Reciter:       c.reciter,
		State:         c.state,
		Position:      c.position,
		Duration:      c.duration,
		Volume:        c.volume,
		AudioURL:      c.source,
		PlayRequested: c.state == StateLoading && c.wantPlay,
	}
	if c.lastErr != nil {
		e := *c.lastErr
		s.LastError = &e
	}
	return s
}

// unlockAndPublish releases mu, then delivers queued notifications and the
// new snapshot outside of the lock.
func (c *Controller) unlockAndPublish() {
	snap := c.snapshotLocked()
	pending := c.pending
	c.pending = nil
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.mu.Unlock()

	for _, n := range pending {
		c.notifier.Notify(n)
	}

	c.obsMu.RLock()
	observers := make([]func(Snapshot), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(snap)
	}
}

func findTrack(tracks []catalog.Track, number int) (catalog.Track, bool) {
	for _, t := range tracks {
		if t.Number == number {
			return t, true
		}
	}
	return catalog.Track{}, false
}

func findReciter(reciters []catalog.Reciter, id string) (catalog.Reciter, bool) {
	for _, r := range reciters {
		if r.ID == id {
			return r, true
		}
	}
	return catalog.Reciter{}, false
}

func sanitize(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

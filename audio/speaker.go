package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/marcus-crane/tilawah/playback"
)

// SampleRate is the rate the output device is opened at. Files recorded at a
// different rate are resampled.
const SampleRate = beep.SampleRate(44100)

var errNotLoaded = errors.New("no audio loaded")

// Output is the device decoded audio is written to. Lock must be held while
// touching a streamer that has been handed to Play.
type Output interface {
	Init(sr beep.SampleRate) error
	Play(s beep.Streamer)
	Clear()
	Lock()
	Unlock()
}

// DeviceOutput plays through the default sound card.
type DeviceOutput struct{}

func (DeviceOutput) Init(sr beep.SampleRate) error {
	return speaker.Init(sr, sr.N(100*time.Millisecond))
}

func (DeviceOutput) Play(s beep.Streamer) { speaker.Play(s) }
func (DeviceOutput) Clear()               { speaker.Clear() }
func (DeviceOutput) Lock()                { speaker.Lock() }
func (DeviceOutput) Unlock()              { speaker.Unlock() }

// DecodeFunc turns a fetched file into a seekable stream.
type DecodeFunc func(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error)

// Speaker is a playback.Resource backed by beep. Files are fetched whole
// before decoding so that seeking works without range requests.
type Speaker struct {
	client *http.Client
	out    Output
	decode DecodeFunc
	events chan playback.ResourceEvent
	done   chan struct{}

	initOnce sync.Once
	initErr  error

	mu     sync.Mutex
	source string
	loads  uint64
	cancel context.CancelFunc
	volume float64
	track  *track
	closed bool
}

type track struct {
	source string
	load   uint64
	stream beep.StreamSeekCloser
	format beep.Format
	vol    *effects.Volume
	ctrl   *beep.Ctrl
	queued bool
}

type readCloser struct {
	*bytes.Reader
}

func (readCloser) Close() error { return nil }

func NewSpeaker(client *http.Client, out Output) *Speaker {
	if out == nil {
		out = DeviceOutput{}
	}
	return &Speaker{
		client: client,
		out:    out,
		decode: mp3.Decode,
		events: make(chan playback.ResourceEvent, 16),
		done:   make(chan struct{}),
		volume: 1,
	}
}

func (s *Speaker) Events() <-chan playback.ResourceEvent {
	return s.events
}

// SetSource stops whatever is playing and forgets it. Nothing is fetched
// until Load.
func (s *Speaker) SetSource(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
	s.source = url
}

// Load fetches and decodes the current source in the background. The outcome
// is reported on Events, tagged with the returned id. A load replaced by
// SetSource or another Load reports nothing.
func (s *Speaker) Load() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.closed || s.source == "" {
		return s.loads
	}
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.fetch(ctx, s.source, s.loads)
	return s.loads
}

func (s *Speaker) fetch(ctx context.Context, source string, load uint64) {
	logger := slog.With(slog.String("url", source), slog.Uint64("load", load))
	logger.Debug("Fetching audio")

	data, err := ReadAll(ctx, s.client, source)
	if err != nil {
		if !s.current(ctx, source, load) {
			logger.Debug("Abandoned audio fetch", slog.Any("error", err))
			return
		}
		var re *playback.ResourceError
		code := playback.MediaErrNetwork
		if errors.As(err, &re) {
			code = re.Code
		}
		logger.Warn("Failed to fetch audio", slog.Any("error", err))
		s.emit(playback.ResourceEvent{Kind: playback.EventError, Source: source, Load: load, Code: code, Err: err})
		return
	}

	stream, format, err := s.decode(readCloser{bytes.NewReader(data)})
	if err != nil {
		if !s.current(ctx, source, load) {
			return
		}
		logger.Warn("Failed to decode audio", slog.Any("error", err))
		s.emit(playback.ResourceEvent{Kind: playback.EventError, Source: source, Load: load, Code: playback.MediaErrDecode, Err: err})
		return
	}

	s.mu.Lock()
	if !s.currentLocked(ctx, source, load) {
		s.mu.Unlock()
		stream.Close()
		return
	}
	s.track = s.newTrack(source, load, stream, format)
	s.cancel = nil
	s.mu.Unlock()

	logger.Debug("Audio ready",
		slog.Int("sample_rate", int(format.SampleRate)),
		slog.Int("samples", stream.Len()))
	s.emit(playback.ResourceEvent{Kind: playback.EventReady, Source: source, Load: load})
}

// current reports whether the fetch for load is still the one wanted.
func (s *Speaker) current(ctx context.Context, source string, load uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked(ctx, source, load)
}

func (s *Speaker) currentLocked(ctx context.Context, source string, load uint64) bool {
	return !s.closed && ctx.Err() == nil && s.source == source && s.loads == load
}

func (s *Speaker) newTrack(source string, load uint64, stream beep.StreamSeekCloser, format beep.Format) *track {
	var st beep.Streamer = stream
	if format.SampleRate != SampleRate {
		st = beep.Resample(4, format.SampleRate, SampleRate, stream)
	}
	vol := &effects.Volume{Streamer: st, Base: 2}
	applyVolume(vol, s.volume)
	return &track{
		source: source,
		load:   load,
		stream: stream,
		format: format,
		vol:    vol,
		ctrl:   &beep.Ctrl{Streamer: vol, Paused: true},
	}
}

func (s *Speaker) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.track == nil {
		return &playback.ResourceError{Code: playback.MediaErrAborted, Err: errNotLoaded}
	}

	s.initOnce.Do(func() {
		s.initErr = s.out.Init(SampleRate)
	})
	if s.initErr != nil {
		return &playback.ResourceError{Code: playback.MediaErrUnknown, Err: s.initErr}
	}

	t := s.track
	s.out.Lock()
	t.ctrl.Paused = false
	s.out.Unlock()

	if !t.queued {
		t.queued = true
		s.out.Play(beep.Seq(t.ctrl, beep.Callback(func() {
			// Runs with the output locked
			go s.finished(t)
		})))
	}
	return nil
}

func (s *Speaker) finished(t *track) {
	s.mu.Lock()
	if s.track != t {
		s.mu.Unlock()
		return
	}
	t.queued = false
	s.mu.Unlock()
	s.emit(playback.ResourceEvent{Kind: playback.EventEnded, Source: t.source, Load: t.load})
}

func (s *Speaker) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return
	}
	s.out.Lock()
	s.track.ctrl.Paused = true
	s.out.Unlock()
}

func (s *Speaker) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return 0
	}
	s.out.Lock()
	pos := s.track.stream.Position()
	s.out.Unlock()
	return s.track.format.SampleRate.D(pos).Seconds()
}

func (s *Speaker) SetCurrentTime(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil || math.IsNaN(seconds) {
		return
	}
	t := s.track
	n := t.format.SampleRate.N(time.Duration(seconds * float64(time.Second)))
	// Seeking to Len would end the track immediately
	n = max(0, min(n, t.stream.Len()-1))

	s.out.Lock()
	err := t.stream.Seek(n)
	s.out.Unlock()
	if err != nil {
		slog.Warn("Failed to seek", slog.String("url", t.source), slog.Any("error", err))
	}
}

// Duration is 0 until the source has been loaded.
func (s *Speaker) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return 0
	}
	return s.track.format.SampleRate.D(s.track.stream.Len()).Seconds()
}

func (s *Speaker) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = v
	if s.track == nil {
		return
	}
	s.out.Lock()
	applyVolume(s.track.vol, v)
	s.out.Unlock()
}

// Close stops playback and releases the decoded file. Events is not closed.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.releaseLocked()
	close(s.done)
	return nil
}

func (s *Speaker) releaseLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.track == nil {
		return
	}
	if s.track.queued {
		s.out.Clear()
	}
	if err := s.track.stream.Close(); err != nil {
		slog.Debug("Failed to close stream", slog.Any("error", err))
	}
	s.track = nil
}

func (s *Speaker) emit(ev playback.ResourceEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// applyVolume maps a linear level in [0, 1] onto beep's exponential volume.
// With base 2, level 0.5 halves the amplitude.
func applyVolume(vol *effects.Volume, level float64) {
	if level <= 0 || math.IsNaN(level) {
		vol.Silent = true
		vol.Volume = 0
		return
	}
	vol.Silent = false
	vol.Volume = math.Log2(math.Min(level, 1))
}

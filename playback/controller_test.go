package playback

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/marcus-crane/tilawah/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResource struct {
	mu       sync.Mutex
	source   string
	loads    int
	plays    int
	pauses   int
	playErr  error
	current  float64
	duration float64
	volume   float64
	events   chan ResourceEvent
}

func newFakeResource() *fakeResource {
	return &fakeResource{events: make(chan ResourceEvent, 8), duration: 120}
}

func (f *fakeResource) SetSource(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source = url
	f.current = 0
}

func (f *fakeResource) Load() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return uint64(f.loads)
}

func (f *fakeResource) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
	return f.playErr
}

func (f *fakeResource) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
}

func (f *fakeResource) CurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeResource) SetCurrentTime(seconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = seconds
}

func (f *fakeResource) Duration() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration
}

func (f *fakeResource) SetVolume(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volume = v
}

func (f *fakeResource) Events() <-chan ResourceEvent {
	return f.events
}

func (f *fakeResource) set(fn func(f *fakeResource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeResource) counts() (loads, plays, pauses int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads, f.plays, f.pauses
}

type notifications struct {
	mu   sync.Mutex
	seen []Notification
}

func (n *notifications) Notify(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, note)
}

func (n *notifications) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var titles []string
	for _, note := range n.seen {
		titles = append(titles, note.Title)
	}
	return titles
}

type harness struct {
	ctrl     *Controller
	resource *fakeResource
	clock    *clock.Mock
	notes    *notifications
}

func testCatalog(t *testing.T, size int) *catalog.Catalog {
	t.Helper()
	tracks := make([]catalog.Track, 0, size)
	for i := 1; i <= size; i++ {
		tracks = append(tracks, catalog.Track{Number: i, EnglishName: "Surah", Verses: i})
	}
	c, err := catalog.New(tracks, []catalog.Reciter{
		{ID: "alafasy", Name: "Mishary Rashid Alafasy", URLTemplate: "https://server8.mp3quran.net/afs/{number}.mp3"},
		{ID: "broken", Name: "Broken", URLTemplate: "https://example.com/no-placeholder.mp3"},
		{ID: "basit", Name: "Abdul Basit", URLTemplate: "https://server7.mp3quran.net/basit/{number}.mp3"},
	})
	require.NoError(t, err)
	return c
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		resource: newFakeResource(),
		clock:    clock.NewMock(),
		notes:    &notifications{},
	}
	opts.Clock = h.clock
	opts.Notifier = h.notes
	ctrl, err := NewController(testCatalog(t, 114), h.resource, opts)
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)
	h.ctrl = ctrl
	return h
}

// ready drives the session from Loading to ready for the current source.
func (h *harness) ready() {
	h.ctrl.HandleEvent(ResourceEvent{Kind: EventReady, Source: h.ctrl.Snapshot().AudioURL})
}

func (h *harness) eventually(t *testing.T, cond func(s Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(h.ctrl.Snapshot())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewController_Defaults(t *testing.T) {
	h := newHarness(t, Options{})
	s := h.ctrl.Snapshot()

	assert.NotEmpty(t, s.SessionID)
	assert.Equal(t, 1, s.Track.Number)
	assert.Equal(t, "alafasy", s.Reciter.ID)
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, DefaultVolume, s.Volume)
	assert.Equal(t, DefaultVolume, h.resource.volume)
	assert.Empty(t, s.AudioURL)
}

func TestNewController_RestoresSelection(t *testing.T) {
	volume := 0.25
	h := newHarness(t, Options{TrackNumber: 36, ReciterID: "basit", Volume: &volume})
	s := h.ctrl.Snapshot()

	assert.Equal(t, 36, s.Track.Number)
	assert.Equal(t, "basit", s.Reciter.ID)
	assert.Equal(t, 0.25, s.Volume)
}

func TestNewController_UnknownSelectionFallsBack(t *testing.T) {
	h := newHarness(t, Options{TrackNumber: 500, ReciterID: "nobody"})
	s := h.ctrl.Snapshot()

	assert.Equal(t, 1, s.Track.Number)
	assert.Equal(t, "alafasy", s.Reciter.ID)
}

func TestSelectTrack_LoadsThenPlaysWhenReady(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.ctrl.SelectTrack(2))
	s := h.ctrl.Snapshot()
	assert.Equal(t, StateLoading, s.State)
	assert.True(t, s.PlayRequested)
	assert.Equal(t, "https://server8.mp3quran.net/afs/002.mp3", s.AudioURL)
	assert.Equal(t, s.AudioURL, h.resource.source)

	h.ready()
	s = h.ctrl.Snapshot()
	assert.Equal(t, StatePlaying, s.State)
	assert.Equal(t, 0.0, s.Position)
	assert.Equal(t, 120.0, s.Duration)

	_, plays, _ := h.resource.counts()
	assert.Equal(t, 1, plays)
}

func TestSelectTrack_UnknownTrack(t *testing.T) {
	h := newHarness(t, Options{})

	err := h.ctrl.SelectTrack(115)
	assert.ErrorIs(t, err, ErrUnknownTrack)
	assert.Equal(t, StateIdle, h.ctrl.Snapshot().State)
}

func TestSelectTrack_ResetsPositionAndError(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.ctrl.SelectTrack(2))
	h.ready()
	h.ctrl.Seek(42)
	assert.Equal(t, 42.0, h.ctrl.Snapshot().Position)

	require.NoError(t, h.ctrl.SelectTrack(3))
	s := h.ctrl.Snapshot()
	assert.Equal(t, 0.0, s.Position)
	assert.Equal(t, 0.0, s.Duration)

	h.ctrl.HandleEvent(ResourceEvent{Kind: EventError, Code: MediaErrNetwork})
	require.NotNil(t, h.ctrl.Snapshot().LastError)

	require.NoError(t, h.ctrl.SelectTrack(4))
	s = h.ctrl.Snapshot()
	assert.Nil(t, s.LastError)
	assert.Equal(t, StateLoading, s.State)
	assert.Equal(t, 0.0, s.Position)
}

func TestReadyWithoutPlayRequestPauses(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.ctrl.SelectTrack(2))
	require.NoError(t, h.ctrl.TogglePlayPause()) // cancel the pending play
	assert.False(t, h.ctrl.Snapshot().PlayRequested)

	h.ready()
	assert.Equal(t, StatePaused, h.ctrl.Snapshot().State)
	_, plays, _ := h.resource.counts()
	assert.Equal(t, 0, plays)
}

func TestLoadTimeout(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.ctrl.SelectTrack(2))
	h.clock.Add(14 * time.Second)
	assert.Equal(t, StateLoading, h.ctrl.Snapshot().State)

	h.clock.Add(time.Second)
	h.eventually(t, func(s Snapshot) bool { return s.State == StateErrored })

	s := h.ctrl.Snapshot()
	require.NotNil(t, s.LastError)
	assert.Equal(t, ErrorTimeout, s.LastError.Kind)
	assert.Contains(t, h.notes.titles(), "Playback Failed")
}

func TestLoadTimeout_CancelledByReady(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.ctrl.SelectTrack(2))
	h.ready()
	h.clock.Add(20 * time.Second)
	time.Sleep(20 * time.Millisecond)

	s := h.ctrl.Snapshot()
	assert.Equal(t, StatePlaying, s.State)
	assert.Nil(t, s.LastError)
}

func TestLoadTimeout_RestartedOnNewSelection(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.ctrl.SelectTrack(2))
	h.clock.Add(10 * time.Second)
	require.NoError(t, h.ctrl.SelectTrack(3))
	h.clock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateLoading, h.ctrl.Snapshot().State)

	h.clock.Add(5 * time.Second)
	h.eventually(t, func(s Snapshot) bool { return s.State == StateErrored })
}

func TestResourceErrorThenRetry(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.ctrl.SelectTrack(2))
	h.ctrl.HandleEvent(ResourceEvent{Kind: EventError, Code: MediaErrSrcNotSupported})

	s := h.ctrl.Snapshot()
	assert.Equal(t, StateErrored, s.State)
	require.NotNil(t, s.LastError)
	assert.Equal(t, ErrorSourceMissing, s.LastError.Kind)

	// The timeout armed for the failed load must not fire later
	h.clock.Add(10 * time.Second)

	require.NoError(t, h.ctrl.Retry())
	s = h.ctrl.Snapshot()
	assert.Equal(t, StateLoading, s.State)
	assert.Nil(t, s.LastError)
	loads, _, _ := h.resource.counts()
	assert.Equal(t, 2, loads)

	// Fresh 15 second window from the retry
	h.clock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateLoading, h.ctrl.Snapshot().State)
	h.clock.Add(5 * time.Second)
	h.eventually(t, func(s Snapshot) bool {
		return s.State == StateErrored && s.LastError != nil && s.LastError.Kind == ErrorTimeout
	})
}

func TestRetry_IgnoresEventsFromCancelledLoad(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.ctrl.SelectTrack(2))
	url := h.ctrl.Snapshot().AudioURL
	h.clock.Add(15 * time.Second)
	h.eventually(t, func(s Snapshot) bool { return s.State == StateErrored })
	h.resource.set(func(f *fakeResource) {
		assert.Empty(t, f.source, "a timed out load releases the source")
	})

	require.NoError(t, h.ctrl.Retry())
	assert.Equal(t, url, h.ctrl.Snapshot().AudioURL)

	// The first load reports its cancellation late, for the same url
	h.ctrl.HandleEvent(ResourceEvent{Kind: EventError, Source: url, Load: 1, Code: MediaErrAborted})
	h.ctrl.HandleEvent(ResourceEvent{Kind: EventReady, Source: url, Load: 1})
	s := h.ctrl.Snapshot()
	assert.Equal(t, StateLoading, s.State)
	assert.Nil(t, s.LastError)

	h.ctrl.HandleEvent(ResourceEvent{Kind: EventReady, Source: url, Load: 2})
	assert.Equal(t, StatePlaying, h.ctrl.Snapshot().State)
}

func TestSelectTrack_SameTrackIgnoresCancelledLoad(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.ctrl.SelectTrack(2))
	require.NoError(t, h.ctrl.SelectTrack(2))
	url := h.ctrl.Snapshot().AudioURL

	h.ctrl.HandleEvent(ResourceEvent{Kind: EventError, Source: url, Load: 1, Code: MediaErrAborted})
	assert.Equal(t, StateLoading, h.ctrl.Snapshot().State)

	h.ctrl.HandleEvent(ResourceEvent{Kind: EventError, Source: url, Load: 2, Code: MediaErrNetwork})
	s := h.ctrl.Snapshot()
	assert.Equal(t, StateErrored, s.State)
	require.NotNil(t, s.LastError)
	assert.Equal(t, ErrorNetwork, s.LastError.Kind)
}

func TestRetry_OnlyFromErrored(t *testing.T) {
	h := newHarness(t, Options{})
	assert.ErrorIs(t, h.ctrl.Retry(), ErrNotErrored)

	require.NoError(t, h.ctrl.SelectTrack(2))
	assert.ErrorIs(t, h.ctrl.Retry(), ErrNotErrored)
}

func TestErrorTaxonomy(t *testing.T) {
	cases := map[MediaErrorCode]ErrorKind{
		MediaErrAborted:         ErrorAborted,
		MediaErrNetwork:         ErrorNetwork,
		MediaErrDecode:          ErrorDecode,
		MediaErrSrcNotSupported: ErrorSourceMissing,
		MediaErrUnknown:         ErrorUnknown,
		MediaErrorCode(42):      ErrorUnknown,
	}
	for code, kind := range cases {
		h := newHarness(t, Options{})
		require.NoError(t, h.ctrl.SelectTrack(2))
		h.ctrl.HandleEvent(ResourceEvent{Kind: EventError, Code: code})
		s := h.ctrl.Snapshot()
		require.NotNil(t, s.LastError, "code %d", code)
		assert.Equal(t, kind, s.LastError.Kind, "code %d", code)
		assert.NotEmpty(t, s.LastError.Message)
	}
}

func TestPlayRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.resource.set(func(f *fakeResource) {
		f.playErr = &ResourceError{Code: MediaErrNetwork, Err: errors.New("connection reset")}
	})

	require.NoError(t, h.ctrl.SelectTrack(2))
	h.ready()

	s := h.ctrl.Snapshot()
	assert.Equal(t, StateErrored, s.State)
	require.NotNil(t, s.LastError)
	assert.Equal(t, ErrorNetwork, s.LastError.Kind)

	h.resource.set(func(f *fakeResource) { f.playErr = errors.New("autoplay blocked") })
	require.NoError(t, h.ctrl.Retry())
	h.ready()
	s = h.ctrl.Snapshot()
	require.NotNil(t, s.LastError)
	assert.Equal(t, ErrorUnknown, s.LastError.Kind)
	assert.Contains(t, s.LastError.Message, "autoplay blocked")
}

func TestInvalidURL(t *testing.T) {
	h := newHarness(t, Options{})

	h.ctrl.SelectReciter("broken")
	require.NoError(t, h.ctrl.SelectTrack(2))

	s := h.ctrl.Snapshot()
	assert.Equal(t, StateErrored, s.State)
	require.NotNil(t, s.LastError)
	assert.Equal(t, ErrorInvalidURL, s.LastError.Kind)
	assert.Empty(t, s.AudioURL)

	loads, _, _ := h.resource.counts()
	assert.Equal(t, 0, loads)
}

func TestTogglePlayPause(t *testing.T) {
	h := newHarness(t, Options{})

	// Idle with nothing loaded performs a load with auto play
	require.NoError(t, h.ctrl.TogglePlayPause())
	assert.Equal(t, StateLoading, h.ctrl.Snapshot().State)
	h.ready()
	assert.Equal(t, StatePlaying, h.ctrl.Snapshot().State)

	require.NoError(t, h.ctrl.TogglePlayPause())
	assert.Equal(t, StatePaused, h.ctrl.Snapshot().State)

	// Twice from paused returns to paused
	require.NoError(t, h.ctrl.TogglePlayPause())
	assert.Equal(t, StatePlaying, h.ctrl.Snapshot().State)
	require.NoError(t, h.ctrl.TogglePlayPause())
	assert.Equal(t, StatePaused, h.ctrl.Snapshot().State)

	_, plays, pauses := h.resource.counts()
	assert.Equal(t, 2, plays)
	assert.Equal(t, 2, pauses)
}

func TestTogglePlayPause_Errored(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.SelectTrack(2))
	h.ctrl.HandleEvent(ResourceEvent{Kind: EventError, Code: MediaErrNetwork})

	assert.ErrorIs(t, h.ctrl.TogglePlayPause(), ErrSessionErrored)
	assert.Equal(t, StateErrored, h.ctrl.Snapshot().State)
}

func TestEndedGoesIdleAndReplays(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.SelectTrack(2))
	h.ready()

	h.ctrl.HandleEvent(ResourceEvent{Kind: EventEnded})
	s := h.ctrl.Snapshot()
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, 2, s.Track.Number, "no auto advance")
	assert.Equal(t, 120.0, s.Position)

	require.NoError(t, h.ctrl.TogglePlayPause())
	s = h.ctrl.Snapshot()
	assert.Equal(t, StatePlaying, s.State)
	assert.Equal(t, 0.0, s.Position)
	loads, _, _ := h.resource.counts()
	assert.Equal(t, 1, loads)
}

func TestResourcePause(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.SelectTrack(2))
	h.ready()

	h.resource.set(func(f *fakeResource) { f.current = 12 })
	h.ctrl.HandleEvent(ResourceEvent{Kind: EventPaused})
	s := h.ctrl.Snapshot()
	assert.Equal(t, StatePaused, s.State)
	assert.Equal(t, 12.0, s.Position)
}

func TestStaleEventsAreIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.SelectTrack(2))
	old := h.ctrl.Snapshot().AudioURL
	require.NoError(t, h.ctrl.SelectTrack(3))

	h.ctrl.HandleEvent(ResourceEvent{Kind: EventError, Source: old, Code: MediaErrNetwork})
	assert.Equal(t, StateLoading, h.ctrl.Snapshot().State)

	h.ctrl.HandleEvent(ResourceEvent{Kind: EventReady, Source: old})
	assert.Equal(t, StateLoading, h.ctrl.Snapshot().State)
}

func TestEventsChannelIsWatched(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.SelectTrack(2))

	h.resource.events <- ResourceEvent{Kind: EventReady, Source: h.ctrl.Snapshot().AudioURL}
	h.eventually(t, func(s Snapshot) bool { return s.State == StatePlaying })
}

func TestSeekClamps(t *testing.T) {
	h := newHarness(t, Options{})

	// Unknown duration clamps everything to zero
	assert.Equal(t, 0.0, h.ctrl.Seek(30))

	require.NoError(t, h.ctrl.SelectTrack(2))
	h.ready()

	for _, tc := range []struct{ in, want float64 }{
		{-5, 0},
		{0, 0},
		{60.5, 60.5},
		{120, 120},
		{500, 120},
		{math.NaN(), 0},
		{math.Inf(1), 120},
	} {
		got := h.ctrl.Seek(tc.in)
		assert.Equal(t, tc.want, got, "seek(%v)", tc.in)
		assert.Equal(t, tc.want, h.ctrl.Snapshot().Position)
		assert.Equal(t, tc.want, h.resource.CurrentTime())
	}
}

func TestSetVolumeClamps(t *testing.T) {
	h := newHarness(t, Options{})

	for _, tc := range []struct{ in, want float64 }{
		{0.5, 0.5},
		{-1, 0},
		{0, 0},
		{1, 1},
		{7, 1},
	} {
		assert.Equal(t, tc.want, h.ctrl.SetVolume(tc.in))
		assert.Equal(t, tc.want, h.ctrl.Snapshot().Volume)
		assert.Equal(t, tc.want, h.resource.volume)
	}

	assert.Equal(t, 1.0, h.ctrl.SetVolume(math.NaN()))
}

func TestNextPreviousBounds(t *testing.T) {
	h := newHarness(t, Options{})

	assert.False(t, h.ctrl.Previous())
	assert.Equal(t, 1, h.ctrl.Snapshot().Track.Number)
	loads, _, _ := h.resource.counts()
	assert.Equal(t, 0, loads)

	assert.True(t, h.ctrl.Next())
	assert.Equal(t, 2, h.ctrl.Snapshot().Track.Number)
	assert.True(t, h.ctrl.Previous())
	assert.Equal(t, 1, h.ctrl.Snapshot().Track.Number)

	require.NoError(t, h.ctrl.SelectTrack(114))
	assert.False(t, h.ctrl.Next())
	assert.Equal(t, 114, h.ctrl.Snapshot().Track.Number)
	assert.True(t, h.ctrl.Previous())
	assert.Equal(t, 113, h.ctrl.Snapshot().Track.Number)
}

func TestNextPreservesPlayIntent(t *testing.T) {
	h := newHarness(t, Options{})

	// Not playing: the next track is loaded but stays paused
	assert.True(t, h.ctrl.Next())
	assert.False(t, h.ctrl.Snapshot().PlayRequested)
	h.ready()
	assert.Equal(t, StatePaused, h.ctrl.Snapshot().State)

	// Playing: the next track starts playing
	require.NoError(t, h.ctrl.TogglePlayPause())
	require.Equal(t, StatePlaying, h.ctrl.Snapshot().State)
	assert.True(t, h.ctrl.Next())
	assert.True(t, h.ctrl.Snapshot().PlayRequested)
	h.ready()
	assert.Equal(t, StatePlaying, h.ctrl.Snapshot().State)
	assert.Equal(t, 3, h.ctrl.Snapshot().Track.Number)
}

func TestSelectReciter(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.SelectTrack(9))
	h.ready()

	r := h.ctrl.SelectReciter("basit")
	assert.Equal(t, "basit", r.ID)
	s := h.ctrl.Snapshot()
	assert.Equal(t, StateLoading, s.State)
	assert.True(t, s.PlayRequested)
	assert.Equal(t, "https://server7.mp3quran.net/basit/009.mp3", s.AudioURL)

	r = h.ctrl.SelectReciter("does-not-exist")
	assert.Equal(t, "alafasy", r.ID)
	assert.Equal(t, "alafasy", h.ctrl.Snapshot().Reciter.ID)
}

func TestSelectReciter_NeverResumesFromErrored(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.SelectTrack(2))
	h.ready()
	h.ctrl.HandleEvent(ResourceEvent{Kind: EventError, Code: MediaErrNetwork})
	require.Equal(t, StateErrored, h.ctrl.Snapshot().State)

	h.ctrl.SelectReciter("basit")
	s := h.ctrl.Snapshot()
	assert.Equal(t, StateLoading, s.State)
	assert.False(t, s.PlayRequested)
	assert.Nil(t, s.LastError)

	h.ready()
	assert.Equal(t, StatePaused, h.ctrl.Snapshot().State)
}

func TestProgressSampling(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.SelectTrack(2))
	h.resource.set(func(f *fakeResource) { f.duration = 0 })
	h.ready()
	require.Equal(t, StatePlaying, h.ctrl.Snapshot().State)

	h.resource.set(func(f *fakeResource) {
		f.current = 5
		f.duration = 300
	})
	h.clock.Add(time.Second)
	h.eventually(t, func(s Snapshot) bool { return s.Position == 5 && s.Duration == 300 })

	// Sampling stops as soon as playback is paused
	require.NoError(t, h.ctrl.TogglePlayPause())
	h.resource.set(func(f *fakeResource) { f.current = 50 })
	h.clock.Add(3 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 5.0, h.ctrl.Snapshot().Position)

	// and picks up again on resume
	require.NoError(t, h.ctrl.TogglePlayPause())
	h.clock.Add(time.Second)
	h.eventually(t, func(s Snapshot) bool { return s.Position == 50 })
}

func TestProgressSampling_ClampsToDuration(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.SelectTrack(2))
	h.ready()

	h.resource.set(func(f *fakeResource) {
		f.current = 500
		f.duration = math.NaN()
	})
	h.clock.Add(time.Second)
	h.eventually(t, func(s Snapshot) bool { return s.Position == 120 })
	assert.Equal(t, 120.0, h.ctrl.Snapshot().Duration)
}

func TestClose_ReleasesTimers(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctrl.SelectTrack(2))

	h.ctrl.Close()
	h.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, StateLoading, h.ctrl.Snapshot().State)
	assert.ErrorIs(t, h.ctrl.SelectTrack(3), ErrClosed)
	assert.ErrorIs(t, h.ctrl.TogglePlayPause(), ErrClosed)
	assert.ErrorIs(t, h.ctrl.Retry(), ErrClosed)
	assert.False(t, h.ctrl.Next())

	// Closing twice is fine
	h.ctrl.Close()
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, Options{})

	var mu sync.Mutex
	var states []State
	cancel := h.ctrl.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s.State)
	})

	require.NoError(t, h.ctrl.SelectTrack(2))
	h.ready()
	cancel()
	require.NoError(t, h.ctrl.TogglePlayPause())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateLoading, StatePlaying}, states)
}

func TestPrepareDownload(t *testing.T) {
	h := newHarness(t, Options{TrackNumber: 18})

	d, err := h.ctrl.PrepareDownload()
	require.NoError(t, err)
	assert.Equal(t, "https://server8.mp3quran.net/afs/018.mp3", d.URL)
	assert.Equal(t, "Surah_Mishary Rashid Alafasy.mp3", d.Filename)
	assert.Equal(t, []string{"Download Started"}, h.notes.titles())

	// Download problems never touch the state machine
	h.ctrl.SelectReciter("broken")
	state := h.ctrl.Snapshot().State
	_, err = h.ctrl.PrepareDownload()
	assert.ErrorIs(t, err, ErrInvalidURL)
	assert.Equal(t, state, h.ctrl.Snapshot().State)
	assert.Contains(t, h.notes.titles(), "Download Failed")

	h.ctrl.DownloadFailed(errors.New("connection reset"))
	assert.Equal(t, "Download Failed", h.notes.titles()[len(h.notes.titles())-1])
}

func TestPrepareDownload_Closed(t *testing.T) {
	h := newHarness(t, Options{TrackNumber: 18})
	published := 0
	h.ctrl.Subscribe(func(Snapshot) { published++ })

	h.ctrl.Close()
	_, err := h.ctrl.PrepareDownload()
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, h.notes.titles())
	assert.Equal(t, 0, published)
}

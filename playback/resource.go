package playback

type EventKind string

const (
	EventReady  EventKind = "ready"
	EventEnded  EventKind = "ended"
	EventPaused EventKind = "paused"
	EventError  EventKind = "error"
)

// ResourceEvent is a lifecycle notification from a Resource. Source is the
// URL the event belongs to and Load the id returned by the Load call that
// produced it. Events from an older load, or for another source, are ignored.
// An empty Source or a zero Load always applies.
type ResourceEvent struct {
	Kind   EventKind
	Source string
	Load   uint64
	Code   MediaErrorCode
	Err    error
}

// Resource is the streaming media primitive driven by the Controller.
// Implementations must not call back into the Controller synchronously;
// lifecycle changes are reported through Events.
type Resource interface {
	SetSource(url string)
	// Load starts loading the current source and returns a non-zero id that
	// tags every event belonging to this load.
	Load() uint64
	Play() error
	Pause()
	CurrentTime() float64
	SetCurrentTime(seconds float64)
	Duration() float64
	SetVolume(v float64)
	Events() <-chan ResourceEvent
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notification is a transient user facing message.
type Notification struct {
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

type Notifier interface {
	Notify(n Notification)
}

type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

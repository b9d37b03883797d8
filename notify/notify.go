package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/gregdel/pushover"
	"github.com/marcus-crane/tilawah/events"
	"github.com/marcus-crane/tilawah/playback"
)

// Log writes notifications to the structured log.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(n playback.Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if n.Level == playback.LevelError {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, n.Title, slog.String("message", n.Message))
}

// Publisher is the part of the event broker notifications need.
type Publisher interface {
	Publish(stream, kind string, v any) error
}

// SSE forwards notifications to the notifications event stream.
type SSE struct {
	Publisher Publisher
}

func (s SSE) Notify(n playback.Notification) {
	if err := s.Publisher.Publish(events.StreamNotifications, "notification", n); err != nil {
		slog.Error("Failed to publish notification", slog.Any("error", err))
	}
}

type sender interface {
	SendMessage(message *pushover.Message, recipient *pushover.Recipient) (*pushover.Response, error)
}

// Pushover pushes error notifications to a phone. Informational notices are
// dropped since they are only useful while looking at the player.
type Pushover struct {
	app       sender
	recipient *pushover.Recipient
	device    string
	send      func(fn func())
}

func NewPushover(token, recipient string) *Pushover {
	return &Pushover{
		app:       pushover.New(token),
		recipient: pushover.NewRecipient(recipient),
		device:    "Tilawah",
		send:      func(fn func()) { go fn() },
	}
}

func (p *Pushover) Notify(n playback.Notification) {
	if n.Level != playback.LevelError {
		return
	}
	message := &pushover.Message{
		Title:      n.Title,
		Message:    n.Message,
		Priority:   pushover.PriorityNormal,
		Timestamp:  time.Now().Unix(),
		DeviceName: p.device,
	}
	p.send(func() {
		if _, err := p.app.SendMessage(message, p.recipient); err != nil {
			slog.Error("Failed to send pushover notification",
				slog.String("title", n.Title),
				slog.Any("error", err))
		}
	})
}

// Multi delivers each notification to every notifier in order.
type Multi []playback.Notifier

func (m Multi) Notify(n playback.Notification) {
	for _, notifier := range m {
		notifier.Notify(n)
	}
}

package events

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/r3labs/sse/v2"
)

const (
	StreamSession       = "session"
	StreamNotifications = "notifications"
)

// Broker fans out JSON payloads to server-sent event subscribers. Clients pick
// a stream with the ?stream= query parameter.
type Broker struct {
	server *sse.Server
}

func NewBroker() *Broker {
	server := sse.New()
	server.AutoReplay = false
	server.CreateStream(StreamSession)
	server.CreateStream(StreamNotifications)
	return &Broker{server: server}
}

// Publish encodes v as JSON and sends it to everyone subscribed to stream.
// kind is sent as the SSE event name so clients can filter on it.
func (b *Broker) Publish(stream, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", kind, err)
	}
	b.server.Publish(stream, &sse.Event{
		Event: []byte(kind),
		Data:  data,
	})
	return nil
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.server.ServeHTTP(w, r)
}

// Close disconnects every subscriber.
func (b *Broker) Close() {
	b.server.Close()
}

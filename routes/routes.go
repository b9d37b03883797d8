package routes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	hmacext "github.com/alexellis/hmac/v2"
	"github.com/rs/cors"

	"github.com/marcus-crane/tilawah/audio"
	"github.com/marcus-crane/tilawah/catalog"
	"github.com/marcus-crane/tilawah/db"
	"github.com/marcus-crane/tilawah/events"
	"github.com/marcus-crane/tilawah/models"
	"github.com/marcus-crane/tilawah/playback"
	"github.com/marcus-crane/tilawah/utils"
)

const (
	SignatureHeader = "X-Tilawah-Signature"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	maxBodyBytes        = 1 << 16
)

// Session is the playback session the API drives.
type Session interface {
	Snapshot() playback.Snapshot
	SelectTrack(number int) error
	SelectReciter(id string) catalog.Reciter
	TogglePlayPause() error
	Seek(seconds float64) float64
	SetVolume(v float64) float64
	Next() bool
	Previous() bool
	Retry() error
	PrepareDownload() (playback.Download, error)
	DownloadFailed(err error)
}

type Deps struct {
	Catalog *catalog.Catalog
	Session Session
	Store   db.Store
	Broker  *events.Broker
	Client  *http.Client

	AllowedOrigins []string
	// ControlSecret enables signature checks on every POST when set.
	ControlSecret string
}

type sessionResponse struct {
	playback.Snapshot
	PositionLabel string `json:"position_label"`
	DurationLabel string `json:"duration_label"`
}

type historyEntry struct {
	models.Listen
	TrackName    string `json:"track_name"`
	ReciterName  string `json:"reciter_name"`
	ElapsedLabel string `json:"elapsed_label"`
}

type trackRequest struct {
	Number int `json:"number"`
}

type reciterRequest struct {
	ID string `json:"id"`
}

type seekRequest struct {
	Seconds *float64 `json:"seconds"`
}

type volumeRequest struct {
	Volume *float64 `json:"volume"`
}

func renderJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ResponseHTTP{
		Success: status < http.StatusBadRequest,
		Data:    data,
	})
}

func renderJSONMessage(w http.ResponseWriter, status int, message string) {
	renderJSON(w, status, map[string]string{"message": message})
}

func newSessionResponse(s playback.Snapshot) sessionResponse {
	return sessionResponse{
		Snapshot:      s,
		PositionLabel: utils.FormatTime(s.Position),
		DurationLabel: utils.FormatTime(s.Duration),
	}
}

// PublishSnapshots returns a session observer that forwards every change to
// the session event stream.
func PublishSnapshots(broker *events.Broker) func(playback.Snapshot) {
	return func(s playback.Snapshot) {
		if err := broker.Publish(events.StreamSession, "snapshot", newSessionResponse(s)); err != nil {
			slog.Error("Failed to publish session snapshot", slog.Any("error", err))
		}
	}
}

func Register(mux *http.ServeMux, deps Deps) http.Handler {
	if deps.Client == nil {
		deps.Client = utils.NewHTTPClient(0)
	}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "Welcome to Tilawah, a small Quran recitation player.\nThe API lives under <a href=\"/api/v1/session\">/api/v1</a>\n")
	})

	mux.HandleFunc("GET /api", func(w http.ResponseWriter, r *http.Request) {
		renderJSONMessage(w, http.StatusOK, "This is the base of Tilawah's API")
	})

	mux.HandleFunc("GET /api/v1/tracks", func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, deps.Catalog.Search(r.URL.Query().Get("q")))
	})

	mux.HandleFunc("GET /api/v1/tracks/{number}", func(w http.ResponseWriter, r *http.Request) {
		number, err := strconv.Atoi(r.PathValue("number"))
		if err != nil {
			renderJSONMessage(w, http.StatusBadRequest, "track number must be an integer")
			return
		}
		track, err := deps.Catalog.TrackByNumber(number)
		if err != nil {
			renderJSONMessage(w, http.StatusNotFound, err.Error())
			return
		}
		renderJSON(w, http.StatusOK, track)
	})

	mux.HandleFunc("GET /api/v1/reciters", func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, deps.Catalog.Reciters())
	})

	mux.HandleFunc("GET /api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, newSessionResponse(deps.Session.Snapshot()))
	})

	control := func(pattern string, handler http.HandlerFunc) {
		mux.Handle(pattern, requireSignature(deps.ControlSecret, handler))
	}

	control("POST /api/v1/session/track", func(w http.ResponseWriter, r *http.Request) {
		var req trackRequest
		if !decode(w, r, &req) {
			return
		}
		if err := deps.Session.SelectTrack(req.Number); err != nil {
			renderSessionError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, newSessionResponse(deps.Session.Snapshot()))
	})

	control("POST /api/v1/session/reciter", func(w http.ResponseWriter, r *http.Request) {
		var req reciterRequest
		if !decode(w, r, &req) {
			return
		}
		deps.Session.SelectReciter(req.ID)
		renderJSON(w, http.StatusOK, newSessionResponse(deps.Session.Snapshot()))
	})

	control("POST /api/v1/session/toggle", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.TogglePlayPause(); err != nil {
			renderSessionError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, newSessionResponse(deps.Session.Snapshot()))
	})

	control("POST /api/v1/session/seek", func(w http.ResponseWriter, r *http.Request) {
		var req seekRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Seconds == nil {
			renderJSONMessage(w, http.StatusBadRequest, "seconds is required")
			return
		}
		deps.Session.Seek(*req.Seconds)
		renderJSON(w, http.StatusOK, newSessionResponse(deps.Session.Snapshot()))
	})

	control("POST /api/v1/session/volume", func(w http.ResponseWriter, r *http.Request) {
		var req volumeRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Volume == nil {
			renderJSONMessage(w, http.StatusBadRequest, "volume is required")
			return
		}
		deps.Session.SetVolume(*req.Volume)
		renderJSON(w, http.StatusOK, newSessionResponse(deps.Session.Snapshot()))
	})

	control("POST /api/v1/session/next", func(w http.ResponseWriter, r *http.Request) {
		if !deps.Session.Next() {
			renderJSONMessage(w, http.StatusConflict, "already at the last track")
			return
		}
		renderJSON(w, http.StatusOK, newSessionResponse(deps.Session.Snapshot()))
	})

	control("POST /api/v1/session/previous", func(w http.ResponseWriter, r *http.Request) {
		if !deps.Session.Previous() {
			renderJSONMessage(w, http.StatusConflict, "already at the first track")
			return
		}
		renderJSON(w, http.StatusOK, newSessionResponse(deps.Session.Snapshot()))
	})

	control("POST /api/v1/session/retry", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.Retry(); err != nil {
			renderSessionError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, newSessionResponse(deps.Session.Snapshot()))
	})

	mux.HandleFunc("GET /api/v1/session/download", func(w http.ResponseWriter, r *http.Request) {
		download, err := deps.Session.PrepareDownload()
		if err != nil {
			renderSessionError(w, err)
			return
		}

		remote, err := audio.Fetch(r.Context(), deps.Client, download.URL)
		if err != nil {
			deps.Session.DownloadFailed(err)
			renderJSONMessage(w, http.StatusBadGateway, "There was an error downloading the audio file.")
			return
		}
		defer remote.Body.Close()

		contentType := remote.ContentType
		if contentType == "" {
			contentType = "audio/mpeg"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": download.Filename}))
		if remote.ContentLength > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(remote.ContentLength, 10))
		}
		w.WriteHeader(http.StatusOK)

		if _, err := io.Copy(w, remote.Body); err != nil {
			// Headers are gone so the client only sees a truncated file
			deps.Session.DownloadFailed(err)
		}
	})

	mux.HandleFunc("GET /api/v1/history", func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				renderJSONMessage(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(parsed, maxHistoryLimit)
		}

		listens, err := deps.Store.GetHistory(limit)
		if err != nil {
			slog.Error("Failed to load history", slog.Any("error", err))
			renderJSONMessage(w, http.StatusInternalServerError, "failed to load listening history")
			return
		}

		response := []historyEntry{}
		for _, l := range listens {
			entry := historyEntry{
				Listen:       l,
				ElapsedLabel: utils.FormatTime(float64(l.Elapsed) / 1000),
			}
			if track, err := deps.Catalog.TrackByNumber(l.TrackNumber); err == nil {
				entry.TrackName = track.EnglishName
			}
			if reciter, ok := deps.Catalog.ReciterByID(l.ReciterID); ok {
				entry.ReciterName = reciter.Name
			}
			response = append(response, entry)
		}
		renderJSON(w, http.StatusOK, response)
	})

	mux.Handle("GET /events", deps.Broker)

	c := cors.New(cors.Options{
		AllowedOrigins: deps.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", SignatureHeader},
	})

	handler := c.Handler(mux)

	return handler
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		renderJSONMessage(w, http.StatusBadRequest, "failed to unmarshal request body")
		return false
	}
	return true
}

func renderSessionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, playback.ErrUnknownTrack):
		status = http.StatusNotFound
	case errors.Is(err, playback.ErrNotErrored), errors.Is(err, playback.ErrSessionErrored):
		status = http.StatusConflict
	case errors.Is(err, playback.ErrInvalidURL):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, playback.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	renderJSONMessage(w, status, err.Error())
}

// requireSignature checks the hex HMAC-SHA256 of the body against secret.
// An empty secret disables the check.
func requireSignature(secret string, next http.Handler) http.Handler {
	if secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.Header.Get(SignatureHeader)
		if signature == "" {
			renderJSONMessage(w, http.StatusUnauthorized, "no signature was provided")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			renderJSONMessage(w, http.StatusBadRequest, "failed to read request body as part of signature validation")
			return
		}

		if err := hmacext.Validate(body, fmt.Sprintf("sha256=%s", signature), secret); err != nil {
			slog.With(slog.Any("error", err)).Warn("Failed signature validation")
			renderJSONMessage(w, http.StatusForbidden, "signature failed validation")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/marcus-crane/tilawah/playback"
)

// Remote is an opened audio file.
type Remote struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// Fetch opens url for reading. Failures are returned as
// *playback.ResourceError with the media error code a browser would report.
func Fetch(ctx context.Context, client *http.Client, url string) (*Remote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &playback.ResourceError{Code: playback.MediaErrSrcNotSupported, Err: err}
	}
	req.Header.Set("Accept", "audio/mpeg, audio/*;q=0.9, */*;q=0.5")

	res, err := client.Do(req)
	if err != nil {
		return nil, fetchErr(ctx, err)
	}

	if code, ok := statusCode(res.StatusCode); !ok {
		res.Body.Close()
		return nil, &playback.ResourceError{Code: code, Err: fmt.Errorf("unexpected status %s", res.Status)}
	}

	contentType := res.Header.Get("Content-Type")
	if !isAudio(contentType) {
		res.Body.Close()
		return nil, &playback.ResourceError{
			Code: playback.MediaErrSrcNotSupported,
			Err:  fmt.Errorf("unsupported content type %q", contentType),
		}
	}

	return &Remote{
		Body:          res.Body,
		ContentType:   contentType,
		ContentLength: res.ContentLength,
	}, nil
}

// ReadAll fetches url fully into memory.
func ReadAll(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	remote, err := Fetch(ctx, client, url)
	if err != nil {
		return nil, err
	}
	defer remote.Body.Close()

	data, err := io.ReadAll(remote.Body)
	if err != nil {
		return nil, fetchErr(ctx, err)
	}
	return data, nil
}

func fetchErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return &playback.ResourceError{Code: playback.MediaErrAborted, Err: err}
	}
	return &playback.ResourceError{Code: playback.MediaErrNetwork, Err: err}
}

func statusCode(status int) (playback.MediaErrorCode, bool) {
	switch {
	case status >= 200 && status < 300:
		return 0, true
	case status >= 500:
		return playback.MediaErrNetwork, false
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return playback.MediaErrNetwork, false
	default:
		return playback.MediaErrSrcNotSupported, false
	}
}

// Some CDNs serve mp3s as generic binary, so only obviously wrong types are
// rejected. A missing header is accepted.
func isAudio(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case strings.HasPrefix(mediaType, "audio/"):
		return true
	case mediaType == "application/octet-stream", mediaType == "binary/octet-stream":
		return true
	}
	return false
}

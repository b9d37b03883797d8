package playback

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/marcus-crane/tilawah/catalog"
)

// Placeholder is replaced by the zero padded track number in a reciter's
// URL template.
const Placeholder = "{number}"

// BuildAudioURL returns the audio location of track for reciter, or an empty
// string when no valid absolute URL can be built from the template.
func BuildAudioURL(track catalog.Track, reciter catalog.Reciter) string {
	if track.Number < 1 || track.Number > 999 {
		return ""
	}
	if !strings.Contains(reciter.URLTemplate, Placeholder) {
		return ""
	}
	raw := strings.ReplaceAll(reciter.URLTemplate, Placeholder, fmt.Sprintf("%03d", track.Number))
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.String()
}

// DownloadFilename is the suggested file name for saving a recitation.
func DownloadFilename(track catalog.Track, reciter catalog.Reciter) string {
	return fmt.Sprintf("%s_%s.mp3", track.EnglishName, reciter.Name)
}

// MediaID is a stable identifier for a track/reciter pair. It's deterministic
// so doesn't matter how often it gets generated.
func MediaID(track catalog.Track, reciter catalog.Reciter) string {
	return fmt.Sprintf(
		"%s:surah:%d",
		reciter.ID,
		xxhash.Sum64String(fmt.Sprintf("%s-%d-%s", reciter.ID, track.Number, reciter.URLTemplate)),
	)
}

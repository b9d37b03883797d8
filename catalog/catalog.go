package catalog

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

//go:embed data/*.json
var embedData embed.FS

var (
	ErrEmptyCatalog  = errors.New("catalog must contain at least one track and one reciter")
	ErrTrackNotFound = errors.New("track not found")
)

// Track is a single surah. Tracks are immutable once loaded and are always
// ordered by Number, starting at 1.
type Track struct {
	Number      int    `json:"number"`
	Name        string `json:"name"`         // Arabic name
	EnglishName string `json:"english_name"` // transliteration
	Translation string `json:"translation"`
	Verses      int    `json:"verses"`
}

// Reciter is an audio source. URLTemplate contains a {number} placeholder
// which is replaced by the zero padded surah number.
type Reciter struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ArabicName  string `json:"arabic_name,omitempty"`
	URLTemplate string `json:"url_template"`
	Description string `json:"description,omitempty"`
}

// Catalog holds the ordered track list and the reciter list. The reciter list
// may be swapped at runtime (see Watch) but callers always receive copies so
// values they hold never change underneath them.
type Catalog struct {
	m        sync.RWMutex
	tracks   []Track
	reciters []Reciter
}

// New validates and wraps the given lists.
func New(tracks []Track, reciters []Reciter) (*Catalog, error) {
	if err := validateTracks(tracks); err != nil {
		return nil, err
	}
	if err := validateReciters(reciters); err != nil {
		return nil, err
	}
	return &Catalog{
		tracks:   append([]Track(nil), tracks...),
		reciters: append([]Reciter(nil), reciters...),
	}, nil
}

// Default returns the embedded 114 surah table with the bundled reciters.
func Default() (*Catalog, error) {
	var tracks []Track
	if err := decodeEmbedded("data/surahs.json", &tracks); err != nil {
		return nil, err
	}
	var reciters []Reciter
	if err := decodeEmbedded("data/reciters.json", &reciters); err != nil {
		return nil, err
	}
	return New(tracks, reciters)
}

func decodeEmbedded(name string, v any) error {
	raw, err := embedData.ReadFile(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}

func validateTracks(tracks []Track) error {
	if len(tracks) == 0 {
		return ErrEmptyCatalog
	}
	for i, t := range tracks {
		if t.Number != i+1 {
			return fmt.Errorf("track at position %d has number %d, expected %d", i, t.Number, i+1)
		}
		if t.Verses < 0 {
			return fmt.Errorf("track %d has a negative verse count", t.Number)
		}
	}
	return nil
}

func validateReciters(reciters []Reciter) error {
	if len(reciters) == 0 {
		return ErrEmptyCatalog
	}
	seen := make(map[string]struct{}, len(reciters))
	for _, r := range reciters {
		if r.ID == "" {
			return fmt.Errorf("reciter %q has no id", r.Name)
		}
		if _, ok := seen[r.ID]; ok {
			return fmt.Errorf("duplicate reciter id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

func (c *Catalog) Tracks() []Track {
	c.m.RLock()
	defer c.m.RUnlock()
	return append([]Track(nil), c.tracks...)
}

func (c *Catalog) Reciters() []Reciter {
	c.m.RLock()
	defer c.m.RUnlock()
	return append([]Reciter(nil), c.reciters...)
}

// TrackByNumber returns the track with the given number.
func (c *Catalog) TrackByNumber(number int) (Track, error) {
	c.m.RLock()
	defer c.m.RUnlock()
	// Numbers are dense and ordered so the index is number-1
	if number < 1 || number > len(c.tracks) {
		return Track{}, fmt.Errorf("%w: %d", ErrTrackNotFound, number)
	}
	return c.tracks[number-1], nil
}

// TrackIndex returns the position of the track in catalog order, or -1.
func (c *Catalog) TrackIndex(number int) int {
	c.m.RLock()
	defer c.m.RUnlock()
	for i, t := range c.tracks {
		if t.Number == number {
			return i
		}
	}
	return -1
}

// DefaultTrack mirrors the initial surah lookup of the player: an unknown or
// zero number falls back to the first track.
func (c *Catalog) DefaultTrack(number int) Track {
	t, err := c.TrackByNumber(number)
	if err != nil {
		c.m.RLock()
		defer c.m.RUnlock()
		return c.tracks[0]
	}
	return t
}

// ReciterByID looks up a reciter, falling back to the first reciter when the
// id is unknown. The second return value reports whether the id matched.
func (c *Catalog) ReciterByID(id string) (Reciter, bool) {
	c.m.RLock()
	defer c.m.RUnlock()
	for _, r := range c.reciters {
		if r.ID == id {
			return r, true
		}
	}
	return c.reciters[0], false
}

// Search filters tracks by Arabic name, English name, or number. The match is
// case insensitive and an empty query returns every track.
func (c *Catalog) Search(query string) []Track {
	q := strings.ToLower(strings.TrimSpace(query))
	tracks := c.Tracks()
	if q == "" {
		return tracks
	}
	results := []Track{}
	for _, t := range tracks {
		if strings.Contains(strings.ToLower(t.Name), q) ||
			strings.Contains(strings.ToLower(t.EnglishName), q) ||
			strings.Contains(strconv.Itoa(t.Number), q) {
			results = append(results, t)
		}
	}
	return results
}

// ReplaceReciters swaps the reciter list after validating it.
func (c *Catalog) ReplaceReciters(reciters []Reciter) error {
	if err := validateReciters(reciters); err != nil {
		return err
	}
	c.m.Lock()
	defer c.m.Unlock()
	c.reciters = append([]Reciter(nil), reciters...)
	return nil
}

package models

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// TrackMeta is the metadata block extracted from a media file. Every string
// field doubles as a secondary sort key, so fields are stored as empty
// strings rather than left absent.
type TrackMeta struct {
	Title          string `json:"title"`
	Artist         string `json:"artist"`
	Album          string `json:"album"`
	Genre          string `json:"genre"`
	TrackNumber    int    `json:"trackNumber"`
	TrackTotal     int    `json:"trackTotal"`
	DiscNumber     int    `json:"discNumber"`
	DiscTotal      int    `json:"discTotal"`
	Duration       int    `json:"duration"` // in seconds
	ArtworkSummary string `json:"artworkSummary,omitempty"`
}

// Generated holds metadata derived from TrackMeta by a pluggable generator.
type Generated struct {
	LibrarySortKey string `json:"librarySortKey"`
	GroupingKey    string `json:"groupingKey"`
}

// ArtworkKind discriminates the two mutually exclusive artwork variants.
type ArtworkKind int

const (
	// ArtworkNone means the track has no known artwork.
	ArtworkNone ArtworkKind = iota
	// ArtworkFile means an image file at ArtworkRef.Path holds the artwork.
	ArtworkFile
	// ArtworkEmbedded means artwork is embedded in the media file at
	// ArtworkRef.Path and must be extracted from its tags.
	ArtworkEmbedded
)

// ArtworkRef points at a track's artwork.
type ArtworkRef struct {
	Kind ArtworkKind `json:"kind"`
	Path string      `json:"path,omitempty"`
}

// Track represents one media file in the catalog. Tracks are identified by
// the composite key of library source id and file-relative path.
type Track struct {
	SourceID string `json:"sourceId"`
	RelPath  string `json:"relPath"`
	FilePath string `json:"-"` // don't expose absolute paths to clients

	Meta      TrackMeta `json:"meta"`
	Generated Generated `json:"generated"`

	AddedAt      time.Time `json:"addedAt"`
	IndexedAt    time.Time `json:"indexedAt"`
	IndexedMTime time.Time `json:"indexedMTime"`

	// PlaylistKeys holds membership keys of the form "playlistID|%06d".
	// A track may belong to several playlists at distinct sequence numbers.
	PlaylistKeys []string `json:"playlistKeys,omitempty"`

	Artwork ArtworkRef `json:"artwork"`
}

// Path returns the composite store key for the track.
func (t *Track) Path() string {
	return TrackPath(t.SourceID, t.RelPath)
}

// Clone returns a deep copy of the track.
func (t *Track) Clone() *Track {
	c := *t
	c.PlaylistKeys = slices.Clone(t.PlaylistKeys)
	return &c
}

// Equal reports whether two tracks hold identical field values.
func (t *Track) Equal(o *Track) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.SourceID == o.SourceID &&
		t.RelPath == o.RelPath &&
		t.FilePath == o.FilePath &&
		t.Meta == o.Meta &&
		t.Generated == o.Generated &&
		t.AddedAt.Equal(o.AddedAt) &&
		t.IndexedAt.Equal(o.IndexedAt) &&
		t.IndexedMTime.Equal(o.IndexedMTime) &&
		t.Artwork == o.Artwork &&
		slices.Equal(t.PlaylistKeys, o.PlaylistKeys)
}

// TrackPath joins a source id and relative path into a composite key.
func TrackPath(sourceID, relPath string) string {
	return sourceID + "|" + relPath
}

// SplitTrackPath splits a composite key back into source id and relative
// path. The relative path may itself contain the separator.
func SplitTrackPath(path string) (sourceID, relPath string) {
	sourceID, relPath, _ = strings.Cut(path, "|")
	return
}

// PlaylistKey builds a playlist membership key. The sequence number is
// zero-padded so lexicographic key order matches playlist order.
func PlaylistKey(playlistID string, seq int) string {
	return fmt.Sprintf("%s|%06d", playlistID, seq)
}

// PlaylistKeyPrefix returns the key-range prefix shared by every member of
// the given playlist.
func PlaylistKeyPrefix(playlistID string) string {
	return playlistID + "|"
}

// SplitPlaylistKey parses a membership key into playlist id and sequence
// number. ok is false for malformed keys.
func SplitPlaylistKey(key string) (playlistID string, seq int, ok bool) {
	i := strings.LastIndex(key, "|")
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return "", 0, false
	}
	return key[:i], n, true
}

// LibraryPath is a registered library root directory. Entries are
// deduplicated by path containment at insertion time.
type LibraryPath struct {
	ID              string    `json:"id"`
	Root            string    `json:"root"`
	IndexedSubpaths []string  `json:"indexedSubpaths,omitempty"`
	AddedAt         time.Time `json:"addedAt"`
}

// Playlist is a user-created ordered list of tracks. Membership lives on the
// track records themselves as PlaylistKeys.
type Playlist struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
	TrackCount int       `json:"trackCount"`
}

package models

import (
	"testing"
	"time"
)

func TestTrackPath(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		path := TrackPath("src-1", "albums/a/b.mp3")
		sourceID, relPath := SplitTrackPath(path)
		if sourceID != "src-1" || relPath != "albums/a/b.mp3" {
			t.Errorf("Round trip mismatch: %q, %q", sourceID, relPath)
		}
	})

	t.Run("RelPathMayContainSeparator", func(t *testing.T) {
		path := TrackPath("src", "weird|name.mp3")
		sourceID, relPath := SplitTrackPath(path)
		if sourceID != "src" || relPath != "weird|name.mp3" {
			t.Errorf("Expected separator to bind to the first occurrence, got %q, %q", sourceID, relPath)
		}
	})
}

func TestPlaylistKey(t *testing.T) {
	t.Run("LexicographicOrderMatchesSequence", func(t *testing.T) {
		if PlaylistKey("p", 2) >= PlaylistKey("p", 10) {
			t.Error("Expected zero-padded keys to sort numerically")
		}
	})

	t.Run("SplitRoundTrip", func(t *testing.T) {
		id, seq, ok := SplitPlaylistKey(PlaylistKey("list-1", 7))
		if !ok || id != "list-1" || seq != 7 {
			t.Errorf("Round trip mismatch: %q, %d, %v", id, seq, ok)
		}
	})

	t.Run("MalformedKeys", func(t *testing.T) {
		for _, key := range []string{"", "no-separator", "p|notanumber"} {
			if _, _, ok := SplitPlaylistKey(key); ok {
				t.Errorf("Expected %q to be rejected", key)
			}
		}
	})

	t.Run("PrefixCoversMembers", func(t *testing.T) {
		prefix := PlaylistKeyPrefix("list-1")
		key := PlaylistKey("list-1", 3)
		if key[:len(prefix)] != prefix {
			t.Errorf("Expected %q to share prefix %q", key, prefix)
		}
	})
}

func TestTrackEqual(t *testing.T) {
	base := func() *Track {
		return &Track{
			SourceID: "src",
			RelPath:  "a.mp3",
			FilePath: "/music/a.mp3",
			Meta: TrackMeta{
				Title:  "Song",
				Artist: "Band",
				Album:  "Record",
			},
			AddedAt:      time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			PlaylistKeys: []string{PlaylistKey("p", 0)},
		}
	}

	t.Run("CloneIsEqualAndIndependent", func(t *testing.T) {
		a := base()
		b := a.Clone()
		if !a.Equal(b) {
			t.Fatal("Expected clone to compare equal")
		}
		b.PlaylistKeys[0] = PlaylistKey("q", 0)
		if a.PlaylistKeys[0] != PlaylistKey("p", 0) {
			t.Error("Expected clone to hold an independent key slice")
		}
	})

	t.Run("MetaDifference", func(t *testing.T) {
		a, b := base(), base()
		b.Meta.Title = "Other"
		if a.Equal(b) {
			t.Error("Expected differing metadata to compare unequal")
		}
	})

	t.Run("TimeComparisonIgnoresLocation", func(t *testing.T) {
		a, b := base(), base()
		b.AddedAt = a.AddedAt.In(time.FixedZone("X", 3600))
		if !a.Equal(b) {
			t.Error("Expected identical instants to compare equal across zones")
		}
	})

	t.Run("NilSafety", func(t *testing.T) {
		var nilTrack *Track
		a := base()
		if a.Equal(nilTrack) || nilTrack.Equal(a) {
			t.Error("Expected nil comparison to be false")
		}
		if !nilTrack.Equal(nil) {
			t.Error("Expected nil == nil")
		}
	})
}

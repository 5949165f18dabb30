package metadata

import (
	"testing"

	"melodeon/pkg/models"

	"github.com/sirupsen/logrus"
)

func TestDefaultGenerator(t *testing.T) {
	gen := DefaultGenerator{}
	track := func(artist, album, title string, disc, num int) *models.Track {
		return &models.Track{
			SourceID: "src",
			RelPath:  "x.mp3",
			Meta: models.TrackMeta{
				Title: title, Artist: artist, Album: album,
				DiscNumber: disc, TrackNumber: num,
			},
		}
	}

	t.Run("Deterministic", func(t *testing.T) {
		a := gen.Generate(track("Artist", "Album", "Song", 1, 2))
		b := gen.Generate(track("Artist", "Album", "Song", 1, 2))
		if a != b {
			t.Errorf("Expected identical input to derive identical keys: %+v vs %+v", a, b)
		}
	})

	t.Run("SortKeyOrdersArtistMajor", func(t *testing.T) {
		a := gen.Generate(track("Abba", "Zzz", "Zzz", 9, 99))
		b := gen.Generate(track("Beatles", "Aaa", "Aaa", 1, 1))
		if a.LibrarySortKey >= b.LibrarySortKey {
			t.Error("Expected artist to dominate the sort key")
		}
	})

	t.Run("TrackNumbersSortNumerically", func(t *testing.T) {
		a := gen.Generate(track("X", "Y", "A", 1, 2))
		b := gen.Generate(track("X", "Y", "B", 1, 10))
		if a.LibrarySortKey >= b.LibrarySortKey {
			t.Error("Expected track 2 to sort before track 10")
		}
	})

	t.Run("LeadingArticlesIgnored", func(t *testing.T) {
		a := gen.Generate(track("The Beatles", "", "", 0, 0))
		b := gen.Generate(track("Beatles", "", "", 0, 0))
		if a.GroupingKey != b.GroupingKey {
			t.Errorf("Expected article-insensitive grouping: %q vs %q", a.GroupingKey, b.GroupingKey)
		}
	})

	t.Run("UntaggedFieldsSortLast", func(t *testing.T) {
		tagged := gen.Generate(track("Zz Top", "A", "A", 1, 1))
		untagged := gen.Generate(track("", "A", "A", 1, 1))
		if untagged.LibrarySortKey <= tagged.LibrarySortKey {
			t.Error("Expected empty artist to sort after tagged artists")
		}
	})
}

type panickyGenerator struct{}

func (panickyGenerator) Generate(*models.Track) models.Generated {
	panic("derivation exploded")
}

func TestSafeGenerator(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	t.Run("KeepsPreviousKeysOnPanic", func(t *testing.T) {
		g := SafeGenerator{Inner: panickyGenerator{}, Logger: logger}
		tr := &models.Track{
			SourceID:  "src",
			RelPath:   "x.mp3",
			Generated: models.Generated{LibrarySortKey: "existing", GroupingKey: "keys"},
		}
		got := g.Generate(tr)
		if got != tr.Generated {
			t.Errorf("Expected previous keys to survive a panic, got %+v", got)
		}
	})

	t.Run("DelegatesNormally", func(t *testing.T) {
		g := SafeGenerator{Inner: DefaultGenerator{}, Logger: logger}
		tr := &models.Track{Meta: models.TrackMeta{Artist: "A", Album: "B", Title: "C"}}
		if got := g.Generate(tr); got != (DefaultGenerator{}).Generate(tr) {
			t.Error("Expected safe wrapper to be transparent on success")
		}
	})
}

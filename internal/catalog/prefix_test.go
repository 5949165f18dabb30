package catalog

import (
	"testing"

	"melodeon/pkg/models"
)

func TestPrefixes(t *testing.T) {
	t.Run("SlidingWindow", func(t *testing.T) {
		got := prefixes("abcd", 2)
		want := []string{"ab", "bc", "cd"}
		if len(got) != len(want) {
			t.Fatalf("Expected %v, got %v", want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("Expected %v, got %v", want, got)
			}
		}
	})

	t.Run("Deduplicates", func(t *testing.T) {
		got := prefixes("aaaa", 2)
		if len(got) != 1 || got[0] != "aa" {
			t.Errorf("Expected single deduplicated window, got %v", got)
		}
	})

	t.Run("Lowercases", func(t *testing.T) {
		got := prefixes("AbC", 3)
		if len(got) != 1 || got[0] != "abc" {
			t.Errorf("Expected lowercase windows, got %v", got)
		}
	})

	t.Run("ShorterThanWindow", func(t *testing.T) {
		if got := prefixes("ab", 3); got != nil {
			t.Errorf("Expected no windows for short input, got %v", got)
		}
	})

	t.Run("MultibyteRunes", func(t *testing.T) {
		got := prefixes("日本語", 2)
		if len(got) != 2 || got[0] != "日本" || got[1] != "本語" {
			t.Errorf("Expected rune-wise windows, got %v", got)
		}
	})
}

func TestParseQuery(t *testing.T) {
	t.Run("FreeText", func(t *testing.T) {
		q := parseQuery([]string{"  Hello  "})
		if len(q) != 1 || q[0].ctx != ctxAll || q[0].text != "hello" {
			t.Errorf("Unexpected parse: %+v", q)
		}
	})

	t.Run("ScopedTokens", func(t *testing.T) {
		q := parseQuery([]string{"artist:Beatles", "album: Revolver"})
		if len(q) != 2 {
			t.Fatalf("Expected 2 tokens, got %d", len(q))
		}
		if q[0].ctx != ctxArtist || q[0].text != "beatles" {
			t.Errorf("Unexpected scoped token: %+v", q[0])
		}
		if q[1].ctx != ctxAlbum || q[1].text != "revolver" {
			t.Errorf("Unexpected scoped token: %+v", q[1])
		}
	})

	t.Run("UnknownScopeIsFreeText", func(t *testing.T) {
		q := parseQuery([]string{"year:1966"})
		if len(q) != 1 || q[0].ctx != ctxAll || q[0].text != "year:1966" {
			t.Errorf("Expected unknown scope to stay free text, got %+v", q)
		}
	})

	t.Run("DropsEmptyTokens", func(t *testing.T) {
		q := parseQuery([]string{"", "  ", "title:  "})
		if len(q) != 0 {
			t.Errorf("Expected empty tokens dropped, got %+v", q)
		}
	})
}

func TestLookupKeys(t *testing.T) {
	cases := []struct {
		text   string
		length int
		prefix string
	}{
		{"a", 1, "a"},
		{"ab", 2, "ab"},
		{"abc", 3, "abc"},
		{"abcdef", 3, "abc"},
		{"日本語はすごい", 3, "日本語"},
	}
	for _, c := range cases {
		if got := lookupLength(c.text); got != c.length {
			t.Errorf("lookupLength(%q) = %d, want %d", c.text, got, c.length)
		}
		if got := lookupPrefix(c.text); got != c.prefix {
			t.Errorf("lookupPrefix(%q) = %q, want %q", c.text, got, c.prefix)
		}
	}
}

func TestMatchesQuery(t *testing.T) {
	track := &models.Track{
		SourceID: "src",
		RelPath:  "beatles/revolver/01.mp3",
		Meta: models.TrackMeta{
			Title:  "Taxman",
			Artist: "The Beatles",
			Album:  "Revolver",
			Genre:  "Rock",
		},
	}

	t.Run("FreeTextSpansFields", func(t *testing.T) {
		if !matchesQuery(track, parseQuery([]string{"beatle"})) {
			t.Error("Expected artist substring to match free text")
		}
		if !matchesQuery(track, parseQuery([]string{"revolver/01"})) {
			t.Error("Expected relative path to match free text")
		}
	})

	t.Run("ScopedMatch", func(t *testing.T) {
		if !matchesQuery(track, parseQuery([]string{"title:tax"})) {
			t.Error("Expected scoped title match")
		}
		if matchesQuery(track, parseQuery([]string{"title:beatles"})) {
			t.Error("Expected scoped token to ignore other fields")
		}
	})

	t.Run("AllTokensMustMatch", func(t *testing.T) {
		if !matchesQuery(track, parseQuery([]string{"tax", "genre:rock"})) {
			t.Error("Expected conjunction of matching tokens to match")
		}
		if matchesQuery(track, parseQuery([]string{"tax", "genre:jazz"})) {
			t.Error("Expected one failing token to fail the query")
		}
	})
}

package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"melodeon/internal/catalog"
	"melodeon/internal/metadata"
	"melodeon/pkg/models"

	"github.com/sirupsen/logrus"
)

type testGenerator struct{}

func (testGenerator) Generate(t *models.Track) models.Generated {
	return models.Generated{LibrarySortKey: strings.ToLower(t.Meta.Title)}
}

func newScanFixture(t *testing.T) (*catalog.Store, *Scanner, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), catalog.Options{
		Logger:    logger,
		Generator: testGenerator{},
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	libDir := t.TempDir()
	writeFixture(t, libDir, "First Song.mp3")
	writeFixture(t, libDir, filepath.Join("album", "Second Song.mp3"))
	writeFixture(t, libDir, "liner-notes.txt")
	writeFixture(t, libDir, ".hidden.mp3")

	extractor := metadata.NewExtractor([]string{".mp3"}, logger)
	sc := New(store, extractor, Options{Logger: logger, Workers: 2, UpdateBatch: 2})
	return store, sc, libDir
}

func writeFixture(t *testing.T, dir, rel string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create fixture dir: %v", err)
	}
	if err := os.WriteFile(path, []byte("fixture payload, not valid audio"), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}
}

func TestScanAll(t *testing.T) {
	store, sc, libDir := newScanFixture(t)
	ctx := context.Background()

	if _, err := store.AddLibraryPath(ctx, libDir); err != nil {
		t.Fatalf("AddLibraryPath failed: %v", err)
	}
	if err := sc.ScanAll(ctx); err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}

	src := models.LibrarySource(models.SortTitle)
	count, err := store.CountTracks(src)
	if err != nil {
		t.Fatalf("CountTracks failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("Expected 2 indexed tracks (hidden and non-media skipped), got %d", count)
	}

	tracks, err := store.FetchRange(src, 0, 1)
	if err != nil {
		t.Fatalf("FetchRange failed: %v", err)
	}
	if tracks[0].Meta.Title != "First Song" || tracks[1].Meta.Title != "Second Song" {
		t.Errorf("Unexpected titles: %q, %q", tracks[0].Meta.Title, tracks[1].Meta.Title)
	}
	if tracks[1].RelPath != filepath.Join("album", "Second Song.mp3") {
		t.Errorf("Unexpected relative path: %q", tracks[1].RelPath)
	}

	t.Run("RescanSkipsUnchangedFiles", func(t *testing.T) {
		epoch := store.ListEpoch()
		if err := sc.ScanAll(ctx); err != nil {
			t.Fatalf("Rescan failed: %v", err)
		}
		if store.ListEpoch() != epoch {
			t.Error("Expected unchanged files to commit no updates")
		}
		if count, _ := store.CountTracks(src); count != 2 {
			t.Errorf("Expected stable track count, got %d", count)
		}
	})
}

func TestIgnoredFile(t *testing.T) {
	cases := map[string]bool{
		"/lib/song.mp3":        false,
		"/lib/.hidden.mp3":     true,
		"/lib/upload.mp3.tmp":  true,
		"/lib/.folder/ok.mp3":  false, // only the basename is checked
		"/lib/normal-file.txt": false,
	}
	for path, want := range cases {
		if got := ignoredFile(path); got != want {
			t.Errorf("ignoredFile(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestOwningRoot(t *testing.T) {
	roots := []models.LibraryPath{
		{ID: "a", Root: "/media/music"},
		{ID: "b", Root: "/srv/podcasts"},
	}
	w := &Watcher{roots: roots}

	if root, ok := w.owningRoot("/media/music/jazz/track.mp3"); !ok || root.ID != "a" {
		t.Errorf("Expected root a, got %+v, %v", root, ok)
	}
	if root, ok := w.owningRoot("/srv/podcasts/ep1.mp3"); !ok || root.ID != "b" {
		t.Errorf("Expected root b, got %+v, %v", root, ok)
	}
	if _, ok := w.owningRoot("/tmp/outside.mp3"); ok {
		t.Error("Expected no owning root for an outside path")
	}
	if _, ok := w.owningRoot("/media/music-other/track.mp3"); ok {
		t.Error("Expected sibling prefix not to match")
	}
}

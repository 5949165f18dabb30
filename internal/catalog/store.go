// Package catalog implements the persistent track catalog: a SQLite-backed
// indexed table of track records, prefix-search side tables with
// double-buffered result tables, and the serialized record-update protocol.
package catalog

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"melodeon/internal/async"
	"melodeon/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	defaultSearchBatchSize  = 64
	defaultPartialThreshold = 50
)

// Generator derives the generated-metadata block from a track's fields.
// Implementations must be deterministic for unchanged input.
type Generator interface {
	Generate(t *models.Track) models.Generated
}

// Options configures a Store. Zero values select defaults.
type Options struct {
	Logger           *logrus.Logger
	Generator        Generator
	SearchBatchSize  int
	PartialThreshold int
}

// Store is the catalog engine's single shared mutable resource. All writes
// funnel through its operation queue; reads go straight to SQLite, which is
// safe under WAL. Subscribers are notified after committed updates.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
	opts   Options
	gen    Generator
	ops    *async.OpQueue

	listEpoch atomic.Uint64

	subMu      sync.Mutex
	nextSubID  int
	pathSubs   map[int]func(paths []string)
	searchSubs map[int]func(models.SearchState)

	searchMu      sync.Mutex
	searchCurrent string // table currently serving committed results
	searchState   models.SearchState
	pendingQuery  []searchToken
	pendingCanon  string
	rebuildCancel func()
	rebuilds      sync.WaitGroup

	closed atomic.Bool
}

// Open opens (or creates) the catalog database at dbPath and ensures all
// tables and indices exist. Callers should Close the store when finished.
func Open(dbPath string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works better with few connections
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=2000;",
		"PRAGMA temp_store=memory;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	if opts.SearchBatchSize <= 0 {
		opts.SearchBatchSize = defaultSearchBatchSize
	}
	if opts.PartialThreshold <= 0 {
		opts.PartialThreshold = defaultPartialThreshold
	}

	s := &Store{
		db:         conn,
		logger:     logger,
		opts:       opts,
		gen:        opts.Generator,
		ops:        async.NewOpQueue(),
		pathSubs:   make(map[int]func([]string)),
		searchSubs: make(map[int]func(models.SearchState)),
	}

	if err := s.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := s.loadSearchPointer(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to load search table pointer: %w", err)
	}

	logger.WithField("db_path", dbPath).Info("Catalog store opened")
	return s, nil
}

// createTables creates tables and indices if they do not already exist. It
// is idempotent and safe to call multiple times.
func (s *Store) createTables() error {
	tracksTable := `
	CREATE TABLE IF NOT EXISTS tracks (
		path TEXT PRIMARY KEY,
		source_id TEXT NOT NULL DEFAULT '',
		rel_path TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		artist TEXT NOT NULL DEFAULT '',
		album TEXT NOT NULL DEFAULT '',
		genre TEXT NOT NULL DEFAULT '',
		track_number INTEGER NOT NULL DEFAULT 0,
		track_total INTEGER NOT NULL DEFAULT 0,
		disc_number INTEGER NOT NULL DEFAULT 0,
		disc_total INTEGER NOT NULL DEFAULT 0,
		duration INTEGER NOT NULL DEFAULT 0,
		artwork_summary TEXT NOT NULL DEFAULT '',
		artwork_kind INTEGER NOT NULL DEFAULT 0,
		artwork_path TEXT NOT NULL DEFAULT '',
		library_sort_key TEXT NOT NULL DEFAULT '',
		grouping_key TEXT NOT NULL DEFAULT '',
		added_at DATETIME,
		indexed_at DATETIME,
		indexed_mtime DATETIME
	);`

	prefixTable := `
	CREATE TABLE IF NOT EXISTS prefix_index (
		ctx INTEGER NOT NULL,
		length INTEGER NOT NULL,
		prefix TEXT NOT NULL,
		track_path TEXT NOT NULL,
		PRIMARY KEY (ctx, length, prefix, track_path)
	);`

	libraryPathsTable := `
	CREATE TABLE IF NOT EXISTS library_paths (
		id TEXT PRIMARY KEY,
		root TEXT NOT NULL,
		subpaths TEXT NOT NULL DEFAULT '[]',
		added_at DATETIME
	);`

	playlistsTable := `
	CREATE TABLE IF NOT EXISTS playlists (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME
	);`

	playlistMembersTable := `
	CREATE TABLE IF NOT EXISTS playlist_members (
		playlist_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		track_path TEXT NOT NULL,
		PRIMARY KEY (playlist_id, seq)
	);`

	prefsTable := `
	CREATE TABLE IF NOT EXISTS prefs (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	);`

	tables := []string{
		tracksTable, prefixTable, libraryPathsTable,
		playlistsTable, playlistMembersTable, prefsTable,
	}
	// the two search tables are interchangeable and share one schema
	for _, name := range []string{searchTableA, searchTableB} {
		tables = append(tables, fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		path TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		artist TEXT NOT NULL DEFAULT '',
		album TEXT NOT NULL DEFAULT '',
		genre TEXT NOT NULL DEFAULT '',
		track_number INTEGER NOT NULL DEFAULT 0,
		disc_number INTEGER NOT NULL DEFAULT 0,
		library_sort_key TEXT NOT NULL DEFAULT ''
	);`, name))
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_tracks_title ON tracks(title, path);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_artist ON tracks(artist, album, disc_number, track_number, title);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_album ON tracks(album, disc_number, track_number, title);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_genre ON tracks(genre, artist, album, track_number);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_sort_key ON tracks(library_sort_key, path);",
		"CREATE INDEX IF NOT EXISTS idx_prefix_path ON prefix_index(track_path);",
		"CREATE INDEX IF NOT EXISTS idx_members_path ON playlist_members(track_path);",
	}
	for _, name := range []string{searchTableA, searchTableB} {
		indices = append(indices,
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_title ON %s(title, path);", name, name),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_artist ON %s(artist, album, disc_number, track_number, title);", name, name),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_album ON %s(album, disc_number, track_number, title);", name, name),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_genre ON %s(genre, artist, album, track_number);", name, name),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_sort_key ON %s(library_sort_key, path);", name, name),
		)
	}

	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return err
		}
	}
	for _, index := range indices {
		if _, err := s.db.Exec(index); err != nil {
			return err
		}
	}
	return nil
}

// ListEpoch returns the monotonic counter bumped whenever a committed update
// changes list membership or ordering.
func (s *Store) ListEpoch() uint64 {
	return s.listEpoch.Load()
}

// SubscribePaths registers a callback fired with the exact set of committed
// paths after each successful update. The callback runs on the store's
// operation goroutine and must not block on store mutations. The returned
// function unsubscribes.
func (s *Store) SubscribePaths(fn func(paths []string)) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.pathSubs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.pathSubs, id)
		s.subMu.Unlock()
	}
}

// SubscribeSearch registers a callback fired on every search status change.
// The returned function unsubscribes.
func (s *Store) SubscribeSearch(fn func(models.SearchState)) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.searchSubs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.searchSubs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notifyPaths(paths []string) {
	s.subMu.Lock()
	subs := make([]func([]string), 0, len(s.pathSubs))
	for _, fn := range s.pathSubs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(paths)
	}
}

func (s *Store) notifySearch(state models.SearchState) {
	s.subMu.Lock()
	subs := make([]func(models.SearchState), 0, len(s.searchSubs))
	for _, fn := range s.searchSubs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

// setPref stores a key/value pair in the prefs table.
func (s *Store) setPref(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`
		INSERT INTO prefs (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// getPref reads a pref value, returning fallback when absent.
func (s *Store) getPref(key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM prefs WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Close cancels any in-flight search rebuild, drains the operation queue and
// closes the database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.searchMu.Lock()
	if s.rebuildCancel != nil {
		s.rebuildCancel()
	}
	s.searchMu.Unlock()
	s.rebuilds.Wait()
	s.ops.Close()
	return s.db.Close()
}

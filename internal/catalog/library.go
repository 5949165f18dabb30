package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"melodeon/pkg/models"

	"github.com/google/uuid"
)

// pathContains reports whether child equals parent or lives underneath it.
func pathContains(parent, child string) bool {
	if parent == child {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// AddLibraryPath registers a library root directory. Entries are
// deduplicated by path containment: a root that is an ancestor of, the same
// as, or contained in an existing entry reuses that entry; contained roots
// are recorded as indexed subpaths.
func (s *Store) AddLibraryPath(ctx context.Context, root string) (models.LibraryPath, error) {
	res := s.ops.Push(func() (any, error) {
		return s.addLibraryPathOp(filepath.Clean(root))
	})
	v, err := res.Await(ctx)
	if err != nil {
		return models.LibraryPath{}, err
	}
	return v.(models.LibraryPath), nil
}

func (s *Store) addLibraryPathOp(root string) (models.LibraryPath, error) {
	entries, err := s.libraryPathRows()
	if err != nil {
		return models.LibraryPath{}, err
	}

	for _, e := range entries {
		if pathContains(root, e.Root) {
			// the new root is an ancestor of (or the same as) an
			// existing entry
			return e, nil
		}
		if pathContains(e.Root, root) {
			rel, err := filepath.Rel(e.Root, root)
			if err != nil {
				return models.LibraryPath{}, err
			}
			if slices.Contains(e.IndexedSubpaths, rel) {
				return e, nil
			}
			e.IndexedSubpaths = append(e.IndexedSubpaths, rel)
			if err := s.writeLibraryPath(e); err != nil {
				return models.LibraryPath{}, err
			}
			return e, nil
		}
	}

	entry := models.LibraryPath{
		ID:      uuid.NewString(),
		Root:    root,
		AddedAt: time.Now(),
	}
	if err := s.writeLibraryPath(entry); err != nil {
		return models.LibraryPath{}, err
	}
	s.logger.WithField("root", root).WithField("id", entry.ID).Info("Registered library path")
	return entry, nil
}

func (s *Store) writeLibraryPath(e models.LibraryPath) error {
	subpaths, err := json.Marshal(e.IndexedSubpaths)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO library_paths (id, root, subpaths, added_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET root = excluded.root, subpaths = excluded.subpaths`,
		e.ID, e.Root, string(subpaths), e.AddedAt)
	return err
}

// LibraryPaths returns all registered library roots.
func (s *Store) LibraryPaths() ([]models.LibraryPath, error) {
	return s.libraryPathRows()
}

func (s *Store) libraryPathRows() ([]models.LibraryPath, error) {
	rows, err := s.db.Query("SELECT id, root, subpaths, added_at FROM library_paths ORDER BY added_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LibraryPath
	for rows.Next() {
		var e models.LibraryPath
		var subpaths string
		var addedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.Root, &subpaths, &addedAt); err != nil {
			return nil, err
		}
		if subpaths != "" {
			if err := json.Unmarshal([]byte(subpaths), &e.IndexedSubpaths); err != nil {
				s.logger.WithError(err).WithField("id", e.ID).Warn("Dropping malformed subpath list")
			}
		}
		e.AddedAt = addedAt.Time
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreatePlaylist inserts a new empty playlist and returns it.
func (s *Store) CreatePlaylist(ctx context.Context, name string) (models.Playlist, error) {
	res := s.ops.Push(func() (any, error) {
		p := models.Playlist{ID: uuid.NewString(), Name: name, CreatedAt: time.Now()}
		_, err := s.db.Exec(`
			INSERT INTO playlists (id, name, created_at) VALUES (?, ?, ?)`,
			p.ID, p.Name, p.CreatedAt)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	v, err := res.Await(ctx)
	if err != nil {
		return models.Playlist{}, err
	}
	return v.(models.Playlist), nil
}

// RenamePlaylist updates a playlist's display name. Unknown ids are a
// silent no-op.
func (s *Store) RenamePlaylist(ctx context.Context, playlistID, name string) error {
	_, err := s.ops.Push(func() (any, error) {
		_, err := s.db.Exec("UPDATE playlists SET name = ? WHERE id = ?", name, playlistID)
		return nil, err
	}).Await(ctx)
	return err
}

// Playlists returns all playlists with derived track counts.
func (s *Store) Playlists() ([]models.Playlist, error) {
	rows, err := s.db.Query(`
		SELECT p.id, p.name, p.created_at, COALESCE(COUNT(pm.track_path), 0)
		FROM playlists p
		LEFT JOIN playlist_members pm ON pm.playlist_id = p.id
		GROUP BY p.id, p.name, p.created_at
		ORDER BY p.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var playlists []models.Playlist
	for rows.Next() {
		var p models.Playlist
		var createdAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &createdAt, &p.TrackCount); err != nil {
			return nil, err
		}
		p.CreatedAt = createdAt.Time
		playlists = append(playlists, p)
	}
	return playlists, rows.Err()
}

// AppendToPlaylist adds a track to the end of a playlist. Unknown playlists
// and paths are silent no-ops, as is an existing membership.
func (s *Store) AppendToPlaylist(ctx context.Context, playlistID, path string) error {
	_, err := s.ops.Push(func() (any, error) {
		return nil, s.appendToPlaylistOp(playlistID, path)
	}).Await(ctx)
	return err
}

func (s *Store) appendToPlaylistOp(playlistID, path string) (err error) {
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM playlists WHERE id = ?", playlistID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	t, err := s.getTrackTx(tx, path)
	if err != nil || t == nil {
		if err == nil {
			tx.Rollback()
		}
		return err
	}

	prefix := models.PlaylistKeyPrefix(playlistID)
	for _, key := range t.PlaylistKeys {
		if strings.HasPrefix(key, prefix) {
			tx.Rollback()
			return nil
		}
	}

	var next sql.NullInt64
	if err = tx.QueryRow(`
		SELECT MAX(seq) FROM playlist_members WHERE playlist_id = ?`,
		playlistID).Scan(&next); err != nil {
		return err
	}
	seq := 0
	if next.Valid {
		seq = int(next.Int64) + 1
	}

	t.PlaylistKeys = append(t.PlaylistKeys, models.PlaylistKey(playlistID, seq))
	if err = s.persistTrackTx(tx, t); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit playlist append: %w", err)
	}

	s.listEpoch.Add(1)
	s.notifyPaths([]string{path})
	return nil
}

// RemoveFromPlaylist removes a track's membership in a playlist. Remaining
// members keep their sequence numbers; playlist order tolerates gaps.
func (s *Store) RemoveFromPlaylist(ctx context.Context, playlistID, path string) error {
	_, err := s.ops.Push(func() (any, error) {
		return nil, s.removeFromPlaylistOp(playlistID, path)
	}).Await(ctx)
	return err
}

func (s *Store) removeFromPlaylistOp(playlistID, path string) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	t, err := s.getTrackTx(tx, path)
	if err != nil || t == nil {
		if err == nil {
			tx.Rollback()
		}
		return err
	}

	prefix := models.PlaylistKeyPrefix(playlistID)
	kept := t.PlaylistKeys[:0:0]
	for _, key := range t.PlaylistKeys {
		if !strings.HasPrefix(key, prefix) {
			kept = append(kept, key)
		}
	}
	if len(kept) == len(t.PlaylistKeys) {
		tx.Rollback()
		return nil
	}

	t.PlaylistKeys = kept
	if err = s.persistTrackTx(tx, t); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit playlist removal: %w", err)
	}

	s.listEpoch.Add(1)
	s.notifyPaths([]string{path})
	return nil
}

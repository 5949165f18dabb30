package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sort"

	"melodeon/pkg/models"
)

// UpdateMode controls how UpdateTracks treats existing and missing records.
type UpdateMode int

const (
	// CreateOnly creates missing records and leaves existing ones alone.
	CreateOnly UpdateMode = iota
	// UpdateOnly updates existing records and skips missing ones.
	UpdateOnly
	// Upsert creates missing records and updates existing ones.
	Upsert
)

// Lookup gives an updater mutable access to one of the records fetched or
// created for the batch. It returns nil for paths outside the batch and for
// paths skipped by the update mode.
type Lookup func(path string) *models.Track

type recordState struct {
	original *models.Track // nil for freshly created records
	current  *models.Track
	touched  bool
	skipped  bool
}

// UpdateTracks applies one transactional update to a batch of records. The
// updater is called once with a lookup; only records it actually touched are
// persisted, along with their prefix-index rows and playlist memberships.
// On success subscribers receive exactly the set of changed paths. On any
// failure the whole transaction aborts and no notification fires.
//
// The update runs serialized behind all other mutations; UpdateTracks
// returns once it has committed or aborted.
func (s *Store) UpdateTracks(ctx context.Context, paths []string, mode UpdateMode, updater func(get Lookup) error) error {
	res := s.ops.Push(func() (any, error) {
		return nil, s.updateTracksOp(paths, mode, updater)
	})
	_, err := res.Await(ctx)
	return err
}

func (s *Store) updateTracksOp(paths []string, mode UpdateMode, updater func(Lookup) error) (err error) {
	inBatch := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		inBatch[p] = struct{}{}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin update transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	states := make(map[string]*recordState)
	var lookupErr error
	lookup := func(path string) *models.Track {
		if st, ok := states[path]; ok {
			if st.skipped {
				return nil
			}
			st.touched = true
			return st.current
		}
		if _, ok := inBatch[path]; !ok {
			return nil
		}

		existing, ferr := s.getTrackTx(tx, path)
		if ferr != nil {
			if lookupErr == nil {
				lookupErr = ferr
			}
			return nil
		}

		st := &recordState{}
		switch {
		case existing != nil && mode == CreateOnly:
			st.skipped = true
		case existing == nil && mode == UpdateOnly:
			st.skipped = true
		case existing != nil:
			st.original = existing
			st.current = existing.Clone()
		default:
			sourceID, relPath := models.SplitTrackPath(path)
			st.current = &models.Track{SourceID: sourceID, RelPath: relPath}
		}
		states[path] = st
		if st.skipped {
			return nil
		}
		st.touched = true
		return st.current
	}

	if err = updater(lookup); err != nil {
		return fmt.Errorf("track updater failed: %w", err)
	}
	if lookupErr != nil {
		err = fmt.Errorf("failed to fetch record for update: %w", lookupErr)
		return err
	}

	var changed []string
	orderChanged := false
	for path, st := range states {
		if st.skipped || !st.touched || st.current == nil {
			continue
		}
		if st.original != nil && st.current.Equal(st.original) {
			continue
		}
		if s.gen != nil && (st.original == nil || st.original.Meta != st.current.Meta) {
			st.current.Generated = s.gen.Generate(st.current)
		}
		if err = s.persistTrackTx(tx, st.current); err != nil {
			return err
		}
		changed = append(changed, path)
		if orderingChanged(st.original, st.current) {
			orderChanged = true
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update transaction: %w", err)
	}

	if len(changed) == 0 {
		return nil
	}
	sort.Strings(changed)
	if orderChanged {
		s.listEpoch.Add(1)
	}
	s.logger.WithField("paths", len(changed)).Debug("Committed track update")
	s.notifyPaths(changed)
	s.refreshSearchAfterUpdate()
	return nil
}

// orderingChanged reports whether a persisted change can move the record
// within any secondary sort order or playlist.
func orderingChanged(old, new *models.Track) bool {
	if old == nil {
		return true
	}
	return old.Meta.Title != new.Meta.Title ||
		old.Meta.Artist != new.Meta.Artist ||
		old.Meta.Album != new.Meta.Album ||
		old.Meta.Genre != new.Meta.Genre ||
		old.Meta.TrackNumber != new.Meta.TrackNumber ||
		old.Meta.DiscNumber != new.Meta.DiscNumber ||
		old.Generated.LibrarySortKey != new.Generated.LibrarySortKey ||
		!slices.Equal(old.PlaylistKeys, new.PlaylistKeys)
}

// getTrackTx loads one full record, including playlist membership keys,
// inside a transaction. It returns (nil, nil) when the path is unknown.
func (s *Store) getTrackTx(tx *sql.Tx, path string) (*models.Track, error) {
	row := tx.QueryRow(`
		SELECT `+trackColumns+`
		FROM tracks WHERE path = ?`, path)
	t, err := scanTrack(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(`
		SELECT playlist_id, seq FROM playlist_members
		WHERE track_path = ? ORDER BY playlist_id, seq`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var playlistID string
		var seq int
		if err := rows.Scan(&playlistID, &seq); err != nil {
			return nil, err
		}
		t.PlaylistKeys = append(t.PlaylistKeys, models.PlaylistKey(playlistID, seq))
	}
	return t, rows.Err()
}

// persistTrackTx writes a record to the primary table and rebuilds its
// prefix-index rows and playlist membership rows.
func (s *Store) persistTrackTx(tx *sql.Tx, t *models.Track) error {
	path := t.Path()
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO tracks (`+trackColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		path, t.SourceID, t.RelPath, t.FilePath,
		t.Meta.Title, t.Meta.Artist, t.Meta.Album, t.Meta.Genre,
		t.Meta.TrackNumber, t.Meta.TrackTotal, t.Meta.DiscNumber, t.Meta.DiscTotal,
		t.Meta.Duration, t.Meta.ArtworkSummary,
		int(t.Artwork.Kind), t.Artwork.Path,
		t.Generated.LibrarySortKey, t.Generated.GroupingKey,
		nullableTime(t.AddedAt), nullableTime(t.IndexedAt), nullableTime(t.IndexedMTime))
	if err != nil {
		return fmt.Errorf("failed to write track %s: %w", path, err)
	}

	if err := s.reindexPrefixesTx(tx, t); err != nil {
		return err
	}
	return s.syncMembershipTx(tx, t)
}

// reindexPrefixesTx replaces every prefix-index row for the track.
func (s *Store) reindexPrefixesTx(tx *sql.Tx, t *models.Track) error {
	path := t.Path()
	if _, err := tx.Exec("DELETE FROM prefix_index WHERE track_path = ?", path); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO prefix_index (ctx, length, prefix, track_path)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for ctx, fields := range contextFields(t) {
		for _, k := range prefixLengths {
			for _, field := range fields {
				for _, p := range prefixes(field, k) {
					if _, err := stmt.Exec(int(ctx), k, p, path); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// syncMembershipTx replaces the track's playlist membership rows from its
// PlaylistKeys. Malformed keys are dropped with a warning.
func (s *Store) syncMembershipTx(tx *sql.Tx, t *models.Track) error {
	path := t.Path()
	if _, err := tx.Exec("DELETE FROM playlist_members WHERE track_path = ?", path); err != nil {
		return err
	}
	for _, key := range t.PlaylistKeys {
		playlistID, seq, ok := models.SplitPlaylistKey(key)
		if !ok {
			s.logger.WithField("key", key).Warn("Dropping malformed playlist key")
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO playlist_members (playlist_id, seq, track_path)
			VALUES (?, ?, ?)`, playlistID, seq, path); err != nil {
			return fmt.Errorf("failed to write playlist membership %s: %w", key, err)
		}
	}
	return nil
}

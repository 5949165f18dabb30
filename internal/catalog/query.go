package catalog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"melodeon/pkg/models"
)

// trackColumns is the canonical column list of the tracks table.
const trackColumns = `path, source_id, rel_path, file_path,
	title, artist, album, genre,
	track_number, track_total, disc_number, disc_total,
	duration, artwork_summary, artwork_kind, artwork_path,
	library_sort_key, grouping_key,
	added_at, indexed_at, indexed_mtime`

func aliasedTrackColumns(alias string) string {
	cols := strings.Split(trackColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanTrack reads one full track row (playlist keys are loaded separately).
func scanTrack(row rowScanner) (*models.Track, error) {
	var t models.Track
	var path string
	var artworkKind int
	var addedAt, indexedAt, indexedMTime sql.NullTime
	err := row.Scan(
		&path, &t.SourceID, &t.RelPath, &t.FilePath,
		&t.Meta.Title, &t.Meta.Artist, &t.Meta.Album, &t.Meta.Genre,
		&t.Meta.TrackNumber, &t.Meta.TrackTotal, &t.Meta.DiscNumber, &t.Meta.DiscTotal,
		&t.Meta.Duration, &t.Meta.ArtworkSummary, &artworkKind, &t.Artwork.Path,
		&t.Generated.LibrarySortKey, &t.Generated.GroupingKey,
		&addedAt, &indexedAt, &indexedMTime)
	if err != nil {
		return nil, err
	}
	t.Artwork.Kind = models.ArtworkKind(artworkKind)
	t.AddedAt = addedAt.Time
	t.IndexedAt = indexedAt.Time
	t.IndexedMTime = indexedMTime.Time
	return &t, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// orderClause renders the ORDER BY column list for a sort context over the
// given table alias. Every ordering ends on path so ranks are total.
func orderClause(sort models.SortContext, alias string) string {
	a := alias
	switch sort {
	case models.SortTitle:
		return fmt.Sprintf("%s.title, %s.path", a, a)
	case models.SortArtist:
		return fmt.Sprintf("%s.artist, %s.album, %s.disc_number, %s.track_number, %s.title, %s.path", a, a, a, a, a, a)
	case models.SortAlbum:
		return fmt.Sprintf("%s.album, %s.disc_number, %s.track_number, %s.title, %s.path", a, a, a, a, a)
	case models.SortGenre:
		return fmt.Sprintf("%s.genre, %s.artist, %s.album, %s.track_number, %s.path", a, a, a, a, a)
	default:
		return fmt.Sprintf("%s.library_sort_key, %s.path", a, a)
	}
}

type sourceQuery struct {
	countSQL string
	fetchSQL string // carries trailing LIMIT ? OFFSET ? placeholders
	rankSQL  string // ordered path-only projection
	args     []any
}

// resolveSource maps a Source to the concrete index and key-range
// restriction it reads from.
func (s *Store) resolveSource(src models.Source) sourceQuery {
	switch src.Kind {
	case models.SourceSearch:
		cur := s.currentSearchTable()
		order := orderClause(src.Sort, "r")
		return sourceQuery{
			countSQL: fmt.Sprintf("SELECT COUNT(*) FROM %s", cur),
			fetchSQL: fmt.Sprintf(
				"SELECT %s FROM %s r JOIN tracks t ON t.path = r.path ORDER BY %s LIMIT ? OFFSET ?",
				aliasedTrackColumns("t"), cur, order),
			rankSQL: fmt.Sprintf("SELECT r.path FROM %s r ORDER BY %s", cur, order),
		}
	case models.SourcePlaylist:
		return sourceQuery{
			countSQL: "SELECT COUNT(*) FROM playlist_members pm WHERE pm.playlist_id = ?",
			fetchSQL: fmt.Sprintf(
				"SELECT %s FROM playlist_members pm JOIN tracks t ON t.path = pm.track_path WHERE pm.playlist_id = ? ORDER BY pm.seq LIMIT ? OFFSET ?",
				aliasedTrackColumns("t")),
			rankSQL: "SELECT pm.track_path FROM playlist_members pm WHERE pm.playlist_id = ? ORDER BY pm.seq",
			args:    []any{src.PlaylistID},
		}
	default:
		order := orderClause(src.Sort, "t")
		return sourceQuery{
			countSQL: "SELECT COUNT(*) FROM tracks",
			fetchSQL: fmt.Sprintf(
				"SELECT %s FROM tracks t ORDER BY %s LIMIT ? OFFSET ?",
				aliasedTrackColumns("t"), order),
			rankSQL: fmt.Sprintf("SELECT t.path FROM tracks t ORDER BY %s", order),
		}
	}
}

// CountTracks returns the number of records visible under the source.
func (s *Store) CountTracks(src models.Source) (int, error) {
	q := s.resolveSource(src)
	var count int
	if err := s.db.QueryRow(q.countSQL, q.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s source: %w", src.Kind, err)
	}
	return count, nil
}

// FetchRange reads the records ranked minIndex..maxIndex (inclusive) in the
// source's order. Fewer records are returned if the range runs past the end.
func (s *Store) FetchRange(src models.Source, minIndex, maxIndex int) ([]models.Track, error) {
	if minIndex < 0 {
		minIndex = 0
	}
	if maxIndex < minIndex {
		return nil, nil
	}
	q := s.resolveSource(src)
	args := append(append([]any{}, q.args...), maxIndex-minIndex+1, minIndex)
	rows, err := s.db.Query(q.fetchSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch range from %s source: %w", src.Kind, err)
	}
	defer rows.Close()

	var tracks []models.Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, *t)
	}
	return tracks, rows.Err()
}

// FindFirstIndex locates the 0-based rank of a record within the source's
// order. For playlist sources the rank is derived from a count over the
// playlist's restricted key range. found is false when the path is not
// present in the source's resolved order.
func (s *Store) FindFirstIndex(src models.Source, path string) (rank int, found bool, err error) {
	if src.Kind == models.SourcePlaylist {
		var seq int
		err = s.db.QueryRow(`
			SELECT seq FROM playlist_members
			WHERE playlist_id = ? AND track_path = ?
			ORDER BY seq LIMIT 1`, src.PlaylistID, path).Scan(&seq)
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		// base offset: members ranked ahead of this one in the key range
		err = s.db.QueryRow(`
			SELECT COUNT(*) FROM playlist_members
			WHERE playlist_id = ? AND seq < ?`, src.PlaylistID, seq).Scan(&rank)
		if err != nil {
			return 0, false, err
		}
		return rank, true, nil
	}

	q := s.resolveSource(src)
	rows, err := s.db.Query(q.rankSQL, q.args...)
	if err != nil {
		return 0, false, fmt.Errorf("failed to rank-scan %s source: %w", src.Kind, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return 0, false, err
		}
		if p == path {
			return rank, true, nil
		}
		rank++
	}
	return 0, false, rows.Err()
}

// GetTrack loads one record, including playlist membership keys. found is
// false for unknown paths.
func (s *Store) GetTrack(path string) (*models.Track, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()
	t, err := s.getTrackTx(tx, path)
	if err != nil {
		return nil, false, err
	}
	return t, t != nil, nil
}

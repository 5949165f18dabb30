package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"melodeon/internal/async"
	"melodeon/pkg/models"
)

const (
	searchTableA = "search_a"
	searchTableB = "search_b"

	searchCurrentPref = "search.current"

	// searchSummaryCap bounds the sample of matched paths kept in
	// SearchState.
	searchSummaryCap = 20
)

func otherSearchTable(table string) string {
	if table == searchTableA {
		return searchTableB
	}
	return searchTableA
}

func (s *Store) currentSearchTable() string {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	return s.searchCurrent
}

// loadSearchPointer restores the committed-table pointer and resets the
// search view; queries do not survive restarts.
func (s *Store) loadSearchPointer() error {
	cur, err := s.getPref(searchCurrentPref, searchTableA)
	if err != nil {
		return err
	}
	if cur != searchTableA && cur != searchTableB {
		cur = searchTableA
	}
	for _, table := range []string{searchTableA, searchTableB} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return err
		}
	}
	s.searchMu.Lock()
	s.searchCurrent = cur
	s.searchState = models.SearchState{Status: models.SearchNoQuery}
	s.searchMu.Unlock()
	return nil
}

// SearchState returns the current search status, query and epoch.
func (s *Store) SearchState() models.SearchState {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	return s.searchState
}

func (s *Store) setSearchState(status models.SearchStatus, q []searchToken, count int, summary []string) {
	s.searchMu.Lock()
	s.searchState.Status = status
	s.searchState.Epoch++
	s.searchState.Query = queryStrings(q)
	s.searchState.Count = count
	s.searchState.Summary = summary
	state := s.searchState
	s.searchMu.Unlock()
	s.notifySearch(state)
}

func queryStrings(q []searchToken) []string {
	if len(q) == 0 {
		return nil
	}
	out := make([]string, len(q))
	for i, tok := range q {
		if tok.ctx == ctxAll {
			out[i] = tok.text
		} else {
			out[i] = scopeName(tok.ctx) + ":" + tok.text
		}
	}
	return out
}

// SetSearchQuery canonicalizes the query tokens and starts a rebuild of the
// search result tables. A query equal to the one in flight or already
// applied is ignored; a different one supersedes any in-flight rebuild
// rather than queuing behind it.
func (s *Store) SetSearchQuery(tokens []string) {
	q := parseQuery(tokens)
	canon := canonicalQuery(q)

	s.searchMu.Lock()
	if canon == s.pendingCanon {
		// same query is in flight or already applied
		s.searchMu.Unlock()
		return
	}
	s.startRebuildLocked(q, canon)
	s.searchMu.Unlock()
}

// refreshSearchAfterUpdate re-runs the active query after committed record
// changes so search placement tracks metadata edits. No-op without a query.
func (s *Store) refreshSearchAfterUpdate() {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	if len(s.pendingQuery) == 0 {
		return
	}
	s.startRebuildLocked(s.pendingQuery, s.pendingCanon)
}

func (s *Store) startRebuildLocked(q []searchToken, canon string) {
	if s.rebuildCancel != nil {
		s.rebuildCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.rebuildCancel = cancel
	s.pendingCanon = canon
	s.pendingQuery = q
	s.rebuilds.Add(1)
	go s.rebuildSearch(ctx, q, canon)
}

// rebuildSearch streams matching records into the non-current search table,
// flips the committed pointer early once enough rows have been committed to
// the target, and flips permanently at the end of the scan. A superseded
// rebuild drains its batching flow without waiting for consumers and leaves
// committed state untouched.
func (s *Store) rebuildSearch(ctx context.Context, q []searchToken, canon string) {
	defer s.rebuilds.Done()

	target := otherSearchTable(s.currentSearchTable())
	log := s.logger.WithField("query", canon)

	// stale rows from older rebuilds are cleared before streaming so the
	// committed row count only grows
	if err := s.clearSearchTable(ctx, target); err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Error("Failed to clear search rebuild target")
		}
		return
	}

	if len(q) == 0 {
		if err := s.swapSearchTable(ctx, target); err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Error("Failed to commit empty search view")
			}
			return
		}
		s.setSearchState(models.SearchNoQuery, nil, 0, nil)
		return
	}

	tok, candidates, err := s.cheapestToken(q)
	if err != nil {
		log.WithError(err).Error("Failed to pick search scan token")
		return
	}
	log.WithField("token", tok.text).WithField("candidates", candidates).
		Debug("Starting search rebuild")

	// The early flip happens on the consumer side, after a batch's insert
	// has committed: flipping from the scan loop would publish a table that
	// holds none of the matches still buffered in the flow, and a reader
	// would watch the committed count collapse to zero mid-rebuild.
	flow := async.NewFlow[models.Track](s.opts.SearchBatchSize)
	inserted := 0
	flipped := false
	var partialSummary []string
	flow.Consume(func(batch []models.Track) error {
		_, err := s.ops.Push(func() (any, error) {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, s.insertSearchRows(target, batch)
		}).Await(context.Background())
		if err != nil || ctx.Err() != nil {
			return err
		}
		inserted += len(batch)
		for i := range batch {
			if len(partialSummary) < searchSummaryCap {
				partialSummary = append(partialSummary, batch[i].Path())
			}
		}
		if !flipped && inserted >= s.opts.PartialThreshold {
			if err := s.swapSearchTable(ctx, target); err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Error("Failed to flip partial search results")
				}
				return nil
			}
			flipped = true
			s.setSearchState(models.SearchPartial, q, inserted, partialSummary)
		}
		return nil
	})

	rows, err := s.db.Query(`
		SELECT DISTINCT track_path FROM prefix_index
		WHERE ctx = ? AND length = ? AND prefix = ?`,
		int(tok.ctx), lookupLength(tok.text), lookupPrefix(tok.text))
	if err != nil {
		log.WithError(err).Error("Failed to open prefix index scan")
		flow.Join(context.Background(), true)
		return
	}

	matched := 0
	var summary []string
	for rows.Next() {
		if ctx.Err() != nil {
			rows.Close()
			flow.Join(context.Background(), true)
			log.Debug("Search rebuild superseded mid-scan")
			return
		}
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			flow.Join(context.Background(), true)
			log.WithError(err).Error("Search candidate scan failed")
			return
		}
		t, err := s.getTrackNoMembership(path)
		if err != nil {
			rows.Close()
			flow.Join(context.Background(), true)
			log.WithError(err).Error("Failed to fetch search candidate")
			return
		}
		if t == nil || !matchesQuery(t, q) {
			continue
		}
		flow.Produce(*t)
		matched++
		if len(summary) < searchSummaryCap {
			summary = append(summary, path)
		}
		if matched == s.opts.PartialThreshold {
			// push the buffered partial batch out so the consumer can
			// flip as soon as these rows land
			flow.FlushProduced()
		}
	}
	scanErr := rows.Err()
	rows.Close()

	if ctx.Err() != nil {
		flow.Join(context.Background(), true)
		log.Debug("Search rebuild superseded after scan")
		return
	}
	if scanErr != nil {
		flow.Join(context.Background(), true)
		log.WithError(scanErr).Error("Search candidate scan failed")
		return
	}
	if err := flow.Join(context.Background(), false); err != nil {
		log.WithError(err).Error("Search rebuild writes failed")
		return
	}
	if err := s.swapSearchTable(ctx, target); err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Error("Failed to commit search results")
		}
		return
	}

	s.setSearchState(models.SearchReady, q, matched, summary)
	log.WithField("matches", matched).Info("Search rebuild complete")
}

// cheapestToken picks, among all tokens, the one whose prefix-index entry
// set is smallest, as a scan cost heuristic.
func (s *Store) cheapestToken(q []searchToken) (searchToken, int, error) {
	best := q[0]
	bestCount := -1
	for _, tok := range q {
		var count int
		err := s.db.QueryRow(`
			SELECT COUNT(*) FROM prefix_index
			WHERE ctx = ? AND length = ? AND prefix = ?`,
			int(tok.ctx), lookupLength(tok.text), lookupPrefix(tok.text)).Scan(&count)
		if err != nil {
			return best, 0, err
		}
		if bestCount < 0 || count < bestCount {
			best = tok
			bestCount = count
		}
	}
	return best, bestCount, nil
}

// getTrackNoMembership loads a record without its playlist keys; search
// matching only needs metadata and the relative path.
func (s *Store) getTrackNoMembership(path string) (*models.Track, error) {
	row := s.db.QueryRow(`
		SELECT `+trackColumns+`
		FROM tracks WHERE path = ?`, path)
	t, err := scanTrack(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *Store) clearSearchTable(ctx context.Context, table string) error {
	_, err := s.ops.Push(func() (any, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		_, err := s.db.Exec("DELETE FROM " + table)
		return nil, err
	}).Await(context.Background())
	return err
}

// swapSearchTable atomically points committed reads at table. Readers never
// observe a half-built table: they read whichever table the pointer names.
func (s *Store) swapSearchTable(ctx context.Context, table string) error {
	_, err := s.ops.Push(func() (any, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		tx, err := s.db.Begin()
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()
		if err := s.setPref(tx, searchCurrentPref, table); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		s.searchMu.Lock()
		s.searchCurrent = table
		s.searchMu.Unlock()
		return nil, nil
	}).Await(context.Background())
	return err
}

func (s *Store) insertSearchRows(table string, batch []models.Track) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(fmt.Sprintf(`
		INSERT OR REPLACE INTO %s
		(path, title, artist, album, genre, track_number, disc_number, library_sort_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := range batch {
		t := &batch[i]
		if _, err := stmt.Exec(t.Path(), t.Meta.Title, t.Meta.Artist, t.Meta.Album,
			t.Meta.Genre, t.Meta.TrackNumber, t.Meta.DiscNumber,
			t.Generated.LibrarySortKey); err != nil {
			return err
		}
	}
	return tx.Commit()
}

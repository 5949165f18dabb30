// Package cursor provides a windowed, rank-addressable view over one of the
// catalog's ordered sources. A cursor serves requested index windows from a
// bounded block cache, refetches invalidated blocks asynchronously in
// strictly ordered epochs, and re-bases a remembered anchor position when
// the underlying order changes.
package cursor

import (
	"context"
	"sync"

	"melodeon/internal/async"
	"melodeon/internal/cache"
	"melodeon/pkg/models"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultBlockSize is the number of consecutive ranks fetched and
	// cached as one unit.
	DefaultBlockSize = 128
	// DefaultCacheBlocks bounds the live block cache.
	DefaultCacheBlocks = 16
)

// Store is the slice of the catalog a cursor consumes.
type Store interface {
	FetchRange(src models.Source, minIndex, maxIndex int) ([]models.Track, error)
	FindFirstIndex(src models.Source, path string) (rank int, found bool, err error)
	SubscribePaths(fn func(paths []string)) func()
	SubscribeSearch(fn func(models.SearchState)) func()
	ListEpoch() uint64
	SearchState() models.SearchState
}

// Block is one cached run of consecutive ranks.
type Block struct {
	Number int
	Tracks []models.Track
}

// Anchor is a remembered {rank, path} pair used to keep the cursor's
// logical position stable across reorders.
type Anchor struct {
	Rank int
	Path string
}

// RegionUpdate is the authoritative result of a background window fetch.
// Start is the absolute rank of Tracks[0] after any anchor rebase;
// RebasedDelta is the signed shift applied to the cursor's position.
type RegionUpdate struct {
	Start        int
	RebasedDelta int
	Tracks       []models.Track
}

// PeekResult is returned synchronously by PeekRegion. Dirty holds whatever
// the caches can answer today, with nil entries for gaps; Updated is set
// only when a background refetch was started.
type PeekResult struct {
	ContextChanged bool
	Dirty          []*models.Track
	Updated        *async.Deferred[RegionUpdate]
}

// Options configures a cursor. Zero values select defaults.
type Options struct {
	Logger      *logrus.Logger
	BlockSize   int
	CacheBlocks int
	// OnEvictBlock is invoked for blocks pushed out of the live cache by
	// capacity pressure, for callers holding resources per block.
	OnEvictBlock func(*Block)
}

// fetchEpoch orders background fetches: an epoch's tasks do not start
// populating the cache until every task of the previous epoch has settled,
// so a late-arriving older fetch can never clobber newer data.
type fetchEpoch struct {
	id   uint64
	wg   sync.WaitGroup
	prev *fetchEpoch
}

// Cursor is a per-consumer view over a Source. It is safe for concurrent
// use. The block cache and shadow map are owned exclusively by the cursor.
type Cursor struct {
	store     Store
	logger    *logrus.Logger
	blockSize int

	mu     sync.Mutex
	source models.Source
	index  int
	anchor *Anchor

	live   *cache.LRU[int, *Block]
	shadow map[int]*Block // invalidated but still servable blocks

	sourceDirty bool
	tracksDirty bool
	dirtyBlocks map[int]struct{}

	lastListEpoch   uint64
	lastSearchEpoch uint64

	epoch    *fetchEpoch
	inflight map[int]*async.Deferred[[]models.Track]

	onInvalidate func()

	unsubPaths  func()
	unsubSearch func()
}

// New opens a cursor over src. Callers should Close it when finished.
func New(store Store, src models.Source, opts Options) *Cursor {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.CacheBlocks <= 0 {
		opts.CacheBlocks = DefaultCacheBlocks
	}

	c := &Cursor{
		store:       store,
		logger:      logger,
		blockSize:   opts.BlockSize,
		source:      src,
		shadow:      make(map[int]*Block),
		dirtyBlocks: make(map[int]struct{}),
		epoch:       &fetchEpoch{id: 1},
		inflight:    make(map[int]*async.Deferred[[]models.Track]),

		// force a full fetch on first peek
		sourceDirty: true,
	}
	c.live = cache.NewLRU(opts.CacheBlocks, func(_ int, b *Block) {
		if opts.OnEvictBlock != nil {
			opts.OnEvictBlock(b)
		}
	})
	c.lastListEpoch = store.ListEpoch()
	c.lastSearchEpoch = store.SearchState().Epoch

	c.unsubPaths = store.SubscribePaths(c.handlePathsUpdated)
	c.unsubSearch = store.SubscribeSearch(c.handleSearchState)
	return c
}

// Close unsubscribes the cursor from store notifications.
func (c *Cursor) Close() {
	if c.unsubPaths != nil {
		c.unsubPaths()
	}
	if c.unsubSearch != nil {
		c.unsubSearch()
	}
}

// OnInvalidate registers the owner's invalidation callback, fired at most
// once per dirty epoch. The owner is expected to re-peek (and re-resolve
// its anchor) at its own pace; the cursor never refetches on its own.
func (c *Cursor) OnInvalidate(fn func()) {
	c.mu.Lock()
	c.onInvalidate = fn
	c.mu.Unlock()
}

// Seek sets the cursor's target rank. Pure; no I/O.
func (c *Cursor) Seek(index int) {
	c.mu.Lock()
	c.index = index
	c.mu.Unlock()
}

// Index returns the cursor's current target rank.
func (c *Cursor) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// SetSource retargets the cursor at a different source, marking every
// cached block stale.
func (c *Cursor) SetSource(src models.Source) {
	c.mu.Lock()
	if src != c.source {
		c.source = src
		c.sourceDirty = true
	}
	c.mu.Unlock()
}

// Source returns the cursor's current source.
func (c *Cursor) Source() models.Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// SetAnchor remembers a {rank, path} pair used to re-derive the cursor's
// position after reorders. Pass nil to clear.
func (c *Cursor) SetAnchor(a *Anchor) {
	c.mu.Lock()
	if a == nil {
		c.anchor = nil
	} else {
		copied := *a
		c.anchor = &copied
	}
	c.mu.Unlock()
}

// Anchor returns a copy of the current anchor, or nil.
func (c *Cursor) Anchor() *Anchor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.anchor == nil {
		return nil
	}
	copied := *c.anchor
	return &copied
}

// PeekRegion returns the window [startOff, endOff] around the cursor's
// index (or the absolute ranks when absolute is true). It answers
// immediately from the live cache and the shadow map; if any requested
// block is missing or the source is dirty it also starts a background
// refetch whose authoritative result settles PeekResult.Updated.
func (c *Cursor) PeekRegion(startOff, endOff int, absolute bool) PeekResult {
	c.mu.Lock()

	contextChanged := c.refreshDirtyLocked()

	start, end := startOff, endOff
	if !absolute {
		start += c.index
		end += c.index
	}
	if start < 0 {
		start = 0
	}
	if end < start {
		c.mu.Unlock()
		return PeekResult{ContextChanged: contextChanged}
	}
	size := end - start + 1

	refetch := contextChanged
	if c.tracksDirty {
		// stale blocks become servable-but-dirty so the refetch reads the
		// store instead of the cache
		c.tracksDirty = false
		for num := range c.dirtyBlocks {
			if blk, ok := c.live.Remove(num); ok {
				c.shadow[num] = blk
			}
		}
		c.dirtyBlocks = make(map[int]struct{})
		c.bumpEpochLocked()
		refetch = true
	}

	dirty := make([]*models.Track, size)
	for i := 0; i < size; i++ {
		rank := start + i
		num := rank / c.blockSize
		blk, ok := c.live.Get(num)
		if !ok {
			blk, ok = c.shadow[num]
		}
		if !ok {
			refetch = true
			continue
		}
		idx := rank - num*c.blockSize
		if idx < len(blk.Tracks) {
			t := blk.Tracks[idx]
			dirty[i] = &t
		}
	}

	if !refetch {
		c.mu.Unlock()
		return PeekResult{Dirty: dirty}
	}

	upd := async.NewDeferred[RegionUpdate]()
	e := c.epoch
	e.wg.Add(1)
	src := c.source
	var anchor *Anchor
	if c.anchor != nil {
		copied := *c.anchor
		anchor = &copied
	}
	c.mu.Unlock()

	go c.fetchRegion(e, src, start, size, anchor, upd)
	return PeekResult{ContextChanged: contextChanged, Dirty: dirty, Updated: upd}
}

// refreshDirtyLocked folds store-side epoch movement into the dirty flags
// and, on a source identity change, moves every live block to the shadow
// map and begins a new fetch epoch.
func (c *Cursor) refreshDirtyLocked() bool {
	listEpoch := c.store.ListEpoch()
	searchEpoch := c.store.SearchState().Epoch

	changed := c.sourceDirty || listEpoch != c.lastListEpoch
	if c.source.Kind == models.SourceSearch && searchEpoch != c.lastSearchEpoch {
		changed = true
	}
	c.lastListEpoch = listEpoch
	c.lastSearchEpoch = searchEpoch
	if !changed {
		return false
	}

	c.sourceDirty = false
	c.tracksDirty = false
	c.dirtyBlocks = make(map[int]struct{})
	c.live.Range(func(num int, blk *Block) bool {
		c.shadow[num] = blk
		return true
	})
	c.live.Clear()
	c.bumpEpochLocked()
	return true
}

func (c *Cursor) bumpEpochLocked() {
	c.epoch = &fetchEpoch{id: c.epoch.id + 1, prev: c.epoch}
	c.inflight = make(map[int]*async.Deferred[[]models.Track])
}

// fetchRegion is the async continuation of PeekRegion: it waits out the
// previous fetch epoch, re-bases the anchor, fetches missing blocks and
// resolves upd with the authoritative window.
func (c *Cursor) fetchRegion(e *fetchEpoch, src models.Source, start, size int, anchor *Anchor, upd *async.Deferred[RegionUpdate]) {
	defer e.wg.Done()

	c.mu.Lock()
	prev := e.prev
	c.mu.Unlock()
	if prev != nil {
		prev.wg.Wait()
		c.mu.Lock()
		e.prev = nil // release the settled chain
		c.mu.Unlock()
	}

	delta, err := c.rebaseAnchor(e, src, anchor)
	if err != nil {
		upd.Reject(err)
		return
	}

	// everything below uses the rebased position, never the one captured
	// synchronously
	start += delta
	if start < 0 {
		start = 0
	}

	first := start / c.blockSize
	last := (start + size - 1) / c.blockSize
	blocks := make(map[int][]models.Track, last-first+1)
	for num := first; num <= last; num++ {
		tracks, err := c.fetchBlock(e, src, num)
		if err != nil {
			upd.Reject(err)
			return
		}
		blocks[num] = tracks
	}

	out := make([]models.Track, 0, size)
	for i := 0; i < size; i++ {
		rank := start + i
		num := rank / c.blockSize
		idx := rank - num*c.blockSize
		if idx < len(blocks[num]) {
			out = append(out, blocks[num][idx])
		}
	}

	c.mu.Lock()
	if c.epoch.id == e.id {
		for num, tracks := range blocks {
			c.live.Put(num, &Block{Number: num, Tracks: tracks})
			delete(c.shadow, num)
		}
	}
	c.mu.Unlock()

	upd.Resolve(RegionUpdate{Start: start, RebasedDelta: delta, Tracks: out})
}

// rebaseAnchor checks whether the anchored path still sits at its
// remembered rank and, if not, locates its new rank and shifts the cursor
// by the resulting delta. An anchor whose path left the source is cleared;
// the caller must re-set it deliberately.
func (c *Cursor) rebaseAnchor(e *fetchEpoch, src models.Source, anchor *Anchor) (int, error) {
	if anchor == nil {
		return 0, nil
	}

	recs, err := c.store.FetchRange(src, anchor.Rank, anchor.Rank)
	if err != nil {
		return 0, err
	}
	if len(recs) > 0 && recs[0].Path() == anchor.Path {
		return 0, nil
	}

	newRank, found, err := c.store.FindFirstIndex(src, anchor.Path)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !found {
		if c.epoch.id == e.id && c.anchor != nil && c.anchor.Path == anchor.Path {
			c.anchor = nil
			c.logger.WithField("path", anchor.Path).Debug("Anchor no longer resolvable, cleared")
		}
		return 0, nil
	}

	delta := newRank - anchor.Rank
	if c.epoch.id == e.id {
		if c.anchor != nil && c.anchor.Path == anchor.Path {
			c.anchor.Rank = newRank
		}
		c.index += delta
	}
	return delta, nil
}

// fetchBlock returns one block's records, deduplicating concurrent
// requests for the same block number within an epoch. Superseded epochs
// fetch directly and let their results be discarded.
func (c *Cursor) fetchBlock(e *fetchEpoch, src models.Source, num int) ([]models.Track, error) {
	minIndex := num * c.blockSize
	maxIndex := minIndex + c.blockSize - 1

	c.mu.Lock()
	if c.epoch.id != e.id {
		c.mu.Unlock()
		return c.store.FetchRange(src, minIndex, maxIndex)
	}
	if blk, ok := c.live.Get(num); ok {
		c.mu.Unlock()
		return blk.Tracks, nil
	}
	if d, ok := c.inflight[num]; ok {
		c.mu.Unlock()
		return d.Await(context.Background())
	}
	d := async.NewDeferred[[]models.Track]()
	c.inflight[num] = d
	e.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer e.wg.Done()
		tracks, err := c.store.FetchRange(src, minIndex, maxIndex)
		if err != nil {
			d.Reject(err)
		} else {
			d.Resolve(tracks)
		}
		c.mu.Lock()
		if c.inflight[num] == d {
			delete(c.inflight, num)
		}
		c.mu.Unlock()
	}()
	return d.Await(context.Background())
}

// handlePathsUpdated is the cheap invalidation path: scan only live cached
// blocks for a touched path and, on a hit, mark tracks-dirty and fire the
// owner's invalidation callback. No refetch happens here.
func (c *Cursor) handlePathsUpdated(paths []string) {
	touched := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		touched[p] = struct{}{}
	}

	c.mu.Lock()
	hit := false
	c.live.Range(func(num int, blk *Block) bool {
		for i := range blk.Tracks {
			if _, ok := touched[blk.Tracks[i].Path()]; ok {
				c.dirtyBlocks[num] = struct{}{}
				hit = true
				break
			}
		}
		return true
	})
	var fire func()
	if hit && !c.tracksDirty {
		c.tracksDirty = true
		fire = c.onInvalidate
	}
	c.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// handleSearchState nudges owners of search-backed cursors to re-peek;
// staleness itself is detected by epoch comparison inside PeekRegion.
func (c *Cursor) handleSearchState(st models.SearchState) {
	c.mu.Lock()
	fire := c.source.Kind == models.SourceSearch && st.Epoch != c.lastSearchEpoch
	fn := c.onInvalidate
	c.mu.Unlock()
	if fire && fn != nil {
		fn()
	}
}

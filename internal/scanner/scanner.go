// Package scanner walks registered library roots, extracts metadata from
// media files with a worker pool and upserts the results into the catalog
// in batches. A watcher keeps the catalog current while the process runs.
package scanner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"melodeon/internal/async"
	"melodeon/internal/catalog"
	"melodeon/internal/metadata"
	"melodeon/pkg/models"

	"github.com/sirupsen/logrus"
)

const defaultUpdateBatch = 32

// Catalog is the slice of the store the scanner writes through.
type Catalog interface {
	LibraryPaths() ([]models.LibraryPath, error)
	GetTrack(path string) (*models.Track, bool, error)
	UpdateTracks(ctx context.Context, paths []string, mode catalog.UpdateMode, updater func(get catalog.Lookup) error) error
}

// Options configures a Scanner. Zero values select defaults.
type Options struct {
	Logger      *logrus.Logger
	Workers     int // extraction workers; defaults to NumCPU
	UpdateBatch int // records per catalog update transaction
}

// Scanner indexes media files under the catalog's library roots.
type Scanner struct {
	store     Catalog
	extractor *metadata.Extractor
	logger    *logrus.Logger
	workers   int
	batch     int
}

// New creates a scanner writing through store.
func New(store Catalog, extractor *metadata.Extractor, opts Options) *Scanner {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.UpdateBatch <= 0 {
		opts.UpdateBatch = defaultUpdateBatch
	}
	return &Scanner{
		store:     store,
		extractor: extractor,
		logger:    logger,
		workers:   opts.Workers,
		batch:     opts.UpdateBatch,
	}
}

// scanJob is one file queued for extraction.
type scanJob struct {
	path     string // composite catalog key
	filePath string
}

// scanResult carries a finished extraction to the batching consumer.
type scanResult struct {
	scanJob
	res metadata.Result
}

// ScanAll walks every registered library root and upserts changed files.
// Files whose modification time matches their indexed record are skipped
// without extraction.
func (sc *Scanner) ScanAll(ctx context.Context) error {
	roots, err := sc.store.LibraryPaths()
	if err != nil {
		return err
	}
	for _, root := range roots {
		if err := sc.ScanRoot(ctx, root); err != nil {
			return err
		}
	}
	return nil
}

// ScanRoot walks one library root. Recorded subpaths always lie inside the
// root, so one walk covers them.
func (sc *Scanner) ScanRoot(ctx context.Context, root models.LibraryPath) error {
	log := sc.logger.WithField("root", root.Root)
	log.Info("Scanning library root")

	jobs := make(chan scanJob, 100)
	flow := async.NewFlow[scanResult](sc.batch)
	flow.Consume(func(batch []scanResult) error {
		return sc.upsertBatch(ctx, batch)
	})

	var indexed, skipped int64
	var wg sync.WaitGroup
	for i := 0; i < sc.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				res, err := sc.extractor.Extract(job.filePath)
				if err != nil {
					log.WithError(err).WithField("filePath", job.filePath).
						Error("Failed to extract metadata")
					continue
				}
				flow.Produce(scanResult{scanJob: job, res: res})
				atomic.AddInt64(&indexed, 1)
			}
		}()
	}

	walkErr := filepath.Walk(root.Root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || ignoredFile(p) || !sc.extractor.IsMediaFile(p) {
			return nil
		}
		rel, err := filepath.Rel(root.Root, p)
		if err != nil {
			return err
		}
		path := models.TrackPath(root.ID, rel)

		existing, ok, err := sc.store.GetTrack(path)
		if err != nil {
			return err
		}
		if ok && existing.IndexedMTime.Equal(info.ModTime()) {
			atomic.AddInt64(&skipped, 1)
			return nil
		}
		jobs <- scanJob{path: path, filePath: p}
		return nil
	})

	close(jobs)
	wg.Wait()
	err := flow.Join(context.Background(), ctx.Err() != nil)

	log.WithFields(logrus.Fields{
		"indexed": atomic.LoadInt64(&indexed),
		"skipped": atomic.LoadInt64(&skipped),
	}).Info("Library root scan complete")
	if walkErr != nil {
		return walkErr
	}
	return err
}

// upsertBatch commits one batch of extractions in a single catalog update.
func (sc *Scanner) upsertBatch(ctx context.Context, batch []scanResult) error {
	paths := make([]string, len(batch))
	for i := range batch {
		paths[i] = batch[i].path
	}
	return sc.store.UpdateTracks(ctx, paths, catalog.Upsert, func(get catalog.Lookup) error {
		for i := range batch {
			r := &batch[i]
			t := get(r.path)
			if t == nil {
				continue
			}
			if t.AddedAt.IsZero() {
				t.AddedAt = time.Now()
			}
			t.FilePath = r.filePath
			t.Meta = r.res.Meta
			t.Artwork = r.res.Artwork
			t.IndexedAt = time.Now()
			t.IndexedMTime = r.res.MTime
			if !r.res.Tagged {
				sc.logger.WithField("filePath", r.filePath).
					Debug("Indexed untagged file by filename")
			}
		}
		return nil
	})
}

// ignoredFile filters temp and hidden files from scans and watch events.
func ignoredFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp")
}

package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"melodeon/pkg/models"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher monitors library roots with fsnotify and feeds created or
// modified media files back through the scanner's upsert path. Removed
// files are logged but their records are kept; a catalog record only
// leaves the store through an explicit rescan policy, never a watch event.
type Watcher struct {
	scanner *Scanner
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	roots   []models.LibraryPath

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher over the given library roots.
func NewWatcher(sc *Scanner, roots []models.LibraryPath) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		scanner: sc,
		logger:  sc.logger,
		watcher: fsw,
		roots:   roots,
		done:    make(chan struct{}),
	}, nil
}

// Start registers every directory under the roots and begins dispatching
// events until Stop is called.
func (w *Watcher) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.watchLoop(ctx)

	for _, root := range w.roots {
		if err := w.addDirectoryTree(root.Root); err != nil {
			return err
		}
		w.logger.WithField("root", root.Root).Info("File watcher started")
	}
	return nil
}

// addDirectoryTree recursively registers dir and its subdirectories.
func (w *Watcher) addDirectoryTree(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// watchLoop selects on watcher channels and dispatches events.
func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("File watcher error")
		}
	}
}

// handleEvent filters an event and dispatches the matching action.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if ignoredFile(event.Name) {
		return
	}
	isMedia := w.scanner.extractor.IsMediaFile(event.Name)

	switch {
	case event.Has(fsnotify.Create) && isMedia,
		event.Has(fsnotify.Write) && isMedia:
		go func(name string) {
			time.Sleep(500 * time.Millisecond) // let the file finish writing
			w.indexFile(ctx, name)
		}(event.Name)

	case event.Has(fsnotify.Remove) && isMedia:
		w.logger.WithField("filePath", event.Name).
			Info("Media file removed, keeping catalog record")

	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.watcher.Add(event.Name)
			w.logger.WithField("directory", event.Name).Info("Watching new directory")
		}
	}
}

// indexFile extracts one file and upserts it under its owning root.
func (w *Watcher) indexFile(ctx context.Context, filePath string) {
	root, ok := w.owningRoot(filePath)
	if !ok {
		w.logger.WithField("filePath", filePath).
			Warn("Changed file is outside every library root")
		return
	}
	rel, err := filepath.Rel(root.Root, filePath)
	if err != nil {
		w.logger.WithError(err).WithField("filePath", filePath).
			Error("Failed to resolve file against its root")
		return
	}

	res, err := w.scanner.extractor.Extract(filePath)
	if err != nil {
		w.logger.WithError(err).WithField("filePath", filePath).
			Error("Failed to extract metadata")
		return
	}

	batch := []scanResult{{
		scanJob: scanJob{path: models.TrackPath(root.ID, rel), filePath: filePath},
		res:     res,
	}}
	if err := w.scanner.upsertBatch(ctx, batch); err != nil {
		w.logger.WithError(err).WithField("filePath", filePath).
			Error("Failed to index changed file")
		return
	}
	w.logger.WithFields(logrus.Fields{
		"artist": res.Meta.Artist,
		"title":  res.Meta.Title,
		"album":  res.Meta.Album,
	}).Info("Indexed changed media file")
}

// owningRoot finds the library root containing filePath.
func (w *Watcher) owningRoot(filePath string) (models.LibraryPath, bool) {
	for _, root := range w.roots {
		if pathContainsDir(root.Root, filePath) {
			return root, true
		}
	}
	return models.LibraryPath{}, false
}

func pathContainsDir(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." &&
		!strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Stop shuts the watcher down and waits for the event loop to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

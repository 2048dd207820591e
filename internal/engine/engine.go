// Package engine wires the Catalog, Encoder, HNSW graph, ingestion
// pipeline, watcher, reconciler, and query service into the single
// object the CLI (and any future UI shell) drives. Its methods are a
// one-to-one mapping of spec.md §6's external command surface.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/screenager/visage/internal/catalog"
	"github.com/screenager/visage/internal/clip"
	"github.com/screenager/visage/internal/config"
	"github.com/screenager/visage/internal/hnsw"
	"github.com/screenager/visage/internal/ingest"
	"github.com/screenager/visage/internal/preprocess"
	"github.com/screenager/visage/internal/query"
	"github.com/screenager/visage/internal/reconcile"
	"github.com/screenager/visage/internal/taskbus"
	"github.com/screenager/visage/internal/watcher"
)

// ThumbnailProducer renders a thumbnail image for a file and returns
// where it was written. Thumbnail generation is out of scope for this
// engine (spec.md §1); callers that want thumbnails populated supply
// their own implementation.
type ThumbnailProducer interface {
	Produce(ctx context.Context, sourcePath, destDir string) (path string, err error)
}

// Engine is the process-wide collection of components.
type Engine struct {
	cfg config.Config
	log *slog.Logger

	Catalog *catalog.Catalog
	Encoder *clip.Encoder
	Index   *hnsw.Graph
	Bus     *taskbus.Bus

	ingest *ingest.Pipeline
	query  *query.Service
	thumbs ThumbnailProducer

	watchMu sync.Mutex
	watch   *watcher.Watcher
	watchWG sync.WaitGroup
	stopCh  chan struct{}

	rebuildCancel context.CancelFunc
	rebuildWG     sync.WaitGroup
}

// Open constructs every component and returns a ready-to-use Engine
// immediately; the HNSW graph rebuild (internal/reconcile) runs in the
// background so startup isn't gated on catalog or filesystem size
// (spec.md §4.6). The caller must call Close when done.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger, thumbs ThumbnailProducer) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	cat, err := catalog.Open(filepath.Join(cfg.DataDir, "sqlite.visage.db"))
	if err != nil {
		return nil, fmt.Errorf("engine: open catalog: %w", err)
	}

	enc, err := clip.New(clip.Options{
		ModelDir:   cfg.ModelDir,
		OrtLibPath: cfg.OrtLibPath,
		NumThreads: cfg.Threads,
	})
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("engine: open encoder: %w", err)
	}

	idx := hnsw.New(hnsw.DefaultM, hnsw.DefaultEfConstruction, hnsw.DefaultEfSearch)
	bus := &taskbus.Bus{}

	e := &Engine{
		cfg:     cfg,
		log:     log,
		Catalog: cat,
		Encoder: enc,
		Index:   idx,
		Bus:     bus,
		ingest:  ingest.New(cat, enc, idx, bus, log),
		query:   query.New(cat, idx, enc),
		thumbs:  thumbs,
		stopCh:  make(chan struct{}),
	}

	rec := reconcile.New(cat, idx, bus, log, e.ingest)
	rebuildCtx, cancel := context.WithCancel(context.Background())
	e.rebuildCancel = cancel
	e.rebuildWG.Add(1)
	go func() {
		defer e.rebuildWG.Done()
		if err := rec.Rebuild(rebuildCtx); err != nil {
			log.Error("engine.reconcile_failed", "error", err)
		}
	}()

	return e, nil
}

// Close releases every underlying resource.
func (e *Engine) Close() error {
	if e.rebuildCancel != nil {
		e.rebuildCancel()
	}
	e.rebuildWG.Wait()

	close(e.stopCh)
	e.watchWG.Wait()

	if e.Encoder != nil {
		e.Encoder.Close()
	}
	if e.Catalog != nil {
		return e.Catalog.Close()
	}
	return nil
}

// --- external command surface (spec.md §6) ---

// SearchResult is one ranked search hit.
type SearchResult struct {
	FileID   uuid.UUID
	Path     string
	Distance float32
}

// Search implements search_images.
func (e *Engine) Search(ctx context.Context, pathPrefixes []string, text string, k, ef int, maxDistance float32) ([]SearchResult, error) {
	matches, err := e.query.Search(ctx, query.Request{
		PathPrefixes: pathPrefixes,
		QueryText:    text,
		K:            k,
		Ef:           ef,
		MaxDistance:  maxDistance,
	})
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, len(matches))
	for i, m := range matches {
		out[i] = SearchResult{FileID: m.File.ID, Path: m.File.Path, Distance: m.Distance}
	}
	return out, nil
}

// FetchMetadata implements fetch_metadata.
func (e *Engine) FetchMetadata(ctx context.Context, fileID uuid.UUID) (catalog.File, error) {
	return e.Catalog.FileByID(ctx, fileID)
}

// FetchThumbnails implements fetch_thumbnails.
func (e *Engine) FetchThumbnails(ctx context.Context, fileIDs []uuid.UUID) ([]catalog.Thumbnail, error) {
	return e.Catalog.ThumbnailsByFiles(ctx, fileIDs)
}

// AddWatchedDirectory implements add_watched_directory: it registers
// the root, performs an initial bulk ingest of everything already
// inside it, and starts watching it for future changes.
func (e *Engine) AddWatchedDirectory(ctx context.Context, dir string) (catalog.WatchedRoot, error) {
	root, err := e.Catalog.AddWatchedRoot(ctx, dir)
	if err != nil {
		return catalog.WatchedRoot{}, err
	}

	paths, err := preprocess.WalkImages(dir)
	if err != nil {
		return root, fmt.Errorf("engine: walk %s: %w", dir, err)
	}
	if _, err := e.ingest.IngestFiles(ctx, root.ID, "ingest-"+root.ID.String(), paths); err != nil {
		return root, fmt.Errorf("engine: initial ingest: %w", err)
	}

	if err := e.ensureWatcher(); err != nil {
		return root, fmt.Errorf("engine: start watcher: %w", err)
	}
	if err := e.watch.AddRoot(root.ID, dir); err != nil {
		return root, fmt.Errorf("engine: watch %s: %w", dir, err)
	}
	return root, nil
}

// DeleteWatchedDirectory implements delete_watched_directory.
func (e *Engine) DeleteWatchedDirectory(ctx context.Context, rootID uuid.UUID) error {
	return e.Catalog.DeleteWatchedRoot(ctx, rootID)
}

// WatchedDirectories implements get_watched_directories.
func (e *Engine) WatchedDirectories(ctx context.Context) ([]catalog.WatchedRoot, error) {
	return e.Catalog.WatchedRoots(ctx)
}

// --- watcher.EventSink ---

func (e *Engine) OnFileCreated(root uuid.UUID, path string) {
	if err := e.ingest.IngestOne(context.Background(), root, path); err != nil {
		e.log.Error("engine.ingest_one_failed", "path", path, "error", err)
	}
}

func (e *Engine) OnFileRemoved(_ uuid.UUID, path string) {
	if err := e.ingest.Remove(context.Background(), path); err != nil {
		e.log.Error("engine.remove_failed", "path", path, "error", err)
	}
}

func (e *Engine) OnFileRenamed(root uuid.UUID, fromPath, toPath string) {
	if err := e.ingest.Rename(context.Background(), root, fromPath, toPath); err != nil {
		e.log.Error("engine.rename_failed", "from", fromPath, "to", toPath, "error", err)
	}
}

func (e *Engine) ensureWatcher() error {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if e.watch != nil {
		return nil
	}
	w, err := watcher.New(e, e.log)
	if err != nil {
		return err
	}
	e.watch = w
	e.watchWG.Add(1)
	go func() {
		defer e.watchWG.Done()
		if err := e.watch.Run(e.stopCh); err != nil {
			e.log.Error("engine.watcher_run_failed", "error", err)
		}
	}()
	return nil
}

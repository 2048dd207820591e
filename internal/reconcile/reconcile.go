// Package reconcile rebuilds the in-memory HNSW graph from the
// Catalog on every process start, since the graph is never persisted
// to disk (see SPEC_FULL.md §4.3/§9 and DESIGN.md), and then walks
// every watched root to pick up files that appeared on disk while the
// process wasn't running. This mirrors the original model's
// populate_hnsw (load every stored feature vector into a fresh graph)
// fused with the teacher's IndexDirWithProgress walk-and-queue shape
// (spec.md §4.6).
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/screenager/visage/internal/catalog"
	"github.com/screenager/visage/internal/hnsw"
	"github.com/screenager/visage/internal/ingest"
	"github.com/screenager/visage/internal/preprocess"
	"github.com/screenager/visage/internal/taskbus"
)

// Ingestor is the subset of ingest.Pipeline the reconciler needs to
// queue files discovered by its filesystem walk. IngestFiles already
// skips paths that are already cataloged, so the reconciler can pass
// every path it finds under a root without pre-filtering.
type Ingestor interface {
	IngestFiles(ctx context.Context, rootID uuid.UUID, taskID string, paths []string) (ingest.Result, error)
}

// Reconciler rebuilds idx from cat and re-scans watched roots.
type Reconciler struct {
	cat *catalog.Catalog
	idx *hnsw.Graph
	bus *taskbus.Bus
	log *slog.Logger
	ing Ingestor
}

// New creates a Reconciler. bus and log may be nil.
func New(cat *catalog.Catalog, idx *hnsw.Graph, bus *taskbus.Bus, log *slog.Logger, ing Ingestor) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{cat: cat, idx: idx, bus: bus, log: log, ing: ing}
}

// Rebuild loads every feature vector from the catalog into the graph,
// then walks each watched root for files the catalog doesn't yet know
// about and queues them for ingestion. Callers run it in its own
// goroutine (engine.Engine.Open) so a large collection doesn't delay
// startup; the HNSW graph is safe for concurrent Search while this
// runs, so queries answered mid-rebuild simply miss whatever hasn't
// been inserted yet.
func (r *Reconciler) Rebuild(ctx context.Context) error {
	const taskID = "reconcile"
	start := time.Now()

	if err := r.rebuildGraph(ctx, taskID); err != nil {
		if r.bus != nil {
			r.bus.End(taskID, "failed to rebuild index", err)
		}
		return err
	}

	scanned, err := r.scanWatchedRoots(ctx, taskID)
	if err != nil {
		if r.bus != nil {
			r.bus.End(taskID, "failed to scan watched roots", err)
		}
		return err
	}

	r.log.Info("reconcile.done", "elapsed", time.Since(start), "roots_scanned", scanned)
	if r.bus != nil {
		r.bus.End(taskID, fmt.Sprintf("rebuilt index, scanned %d root(s)", scanned), nil)
	}
	return nil
}

// rebuildGraph is spec.md §4.6 step 1: load every stored feature
// vector and insert it into the graph.
func (r *Reconciler) rebuildGraph(ctx context.Context, taskID string) error {
	vectors, err := r.cat.AllFeatureVectors(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: load feature vectors: %w", err)
	}

	total := len(vectors)
	r.log.Info("reconcile.start", "vector_count", total)

	done := 0
	for id, vec := range vectors {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("reconcile: cancelled after %d/%d: %w", done, total, err)
		}
		r.idx.Insert(id, vec)
		done++
		if r.bus != nil && done%100 == 0 {
			r.bus.Status(taskID, "rebuilding index", done, total)
		}
	}
	return nil
}

// scanWatchedRoots is spec.md §4.6 steps 2-3: walk every watched
// root's filesystem tree and queue anything the catalog doesn't
// already track. A root whose directory has vanished since it was
// registered is logged and skipped rather than aborting the rest of
// the reconcile.
func (r *Reconciler) scanWatchedRoots(ctx context.Context, taskID string) (int, error) {
	roots, err := r.cat.WatchedRoots(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile: list watched roots: %w", err)
	}

	scanned := 0
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return scanned, fmt.Errorf("reconcile: cancelled after %d/%d roots: %w", scanned, len(roots), err)
		}

		paths, err := preprocess.WalkImages(root.Path)
		if err != nil {
			r.log.Warn("reconcile.walk_root_failed", "root", root.ID, "path", root.Path, "error", err)
			continue
		}

		if r.bus != nil {
			r.bus.Status(taskID, fmt.Sprintf("scanning %s", root.Path), scanned, len(roots))
		}

		result, err := r.ing.IngestFiles(ctx, root.ID, taskID+"-"+root.ID.String(), paths)
		if err != nil {
			return scanned, fmt.Errorf("reconcile: ingest root %s: %w", root.Path, err)
		}
		r.log.Info("reconcile.root_scanned", "root", root.ID, "path", root.Path,
			"found", len(paths), "encoded", result.Encoded, "failed", result.Failed)
		scanned++
	}
	return scanned, nil
}

package reconcile

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/screenager/visage/internal/catalog"
	"github.com/screenager/visage/internal/hnsw"
	"github.com/screenager/visage/internal/ingest"
)

// fakeIngestor records every call IngestFiles receives without
// touching a real encoder, so Rebuild's root-scanning step can be
// exercised in isolation.
type fakeIngestor struct {
	calls []fakeIngestCall
}

type fakeIngestCall struct {
	rootID uuid.UUID
	paths  []string
}

func (f *fakeIngestor) IngestFiles(_ context.Context, rootID uuid.UUID, _ string, paths []string) (ingest.Result, error) {
	f.calls = append(f.calls, fakeIngestCall{rootID: rootID, paths: paths})
	return ingest.Result{Encoded: len(paths)}, nil
}

func TestRebuildPopulatesGraphFromCatalog(t *testing.T) {
	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	defer cat.Close()

	ctx := context.Background()
	root, err := cat.AddWatchedRoot(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("AddWatchedRoot: %v", err)
	}

	vectors := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	for i, v := range vectors {
		f, err := cat.InsertFile(ctx, "/img"+string(rune('a'+i))+".jpg", root.ID)
		if err != nil {
			t.Fatalf("InsertFile: %v", err)
		}
		if err := cat.PutFeatureVector(ctx, f.ID, v); err != nil {
			t.Fatalf("PutFeatureVector: %v", err)
		}
	}

	idx := hnsw.New(16, 200, 50)
	r := New(cat, idx, nil, nil, &fakeIngestor{})
	if err := r.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if idx.Len() != len(vectors) {
		t.Fatalf("expected %d graph entries, got %d", len(vectors), idx.Len())
	}
}

func TestRebuildEmptyCatalogLeavesEmptyGraph(t *testing.T) {
	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	defer cat.Close()

	idx := hnsw.New(16, 200, 50)
	r := New(cat, idx, nil, nil, &fakeIngestor{})
	if err := r.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if idx.Len() != 0 {
		t.Fatalf("expected empty graph, got %d entries", idx.Len())
	}
}

func TestRebuildScansWatchedRootsForUntrackedFiles(t *testing.T) {
	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	defer cat.Close()

	ctx := context.Background()
	dir := t.TempDir()
	root, err := cat.AddWatchedRoot(ctx, dir)
	if err != nil {
		t.Fatalf("AddWatchedRoot: %v", err)
	}
	writeFile(t, dir+"/photo.jpg")

	idx := hnsw.New(16, 200, 50)
	ing := &fakeIngestor{}
	r := New(cat, idx, nil, nil, ing)
	if err := r.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	if len(ing.calls) != 1 {
		t.Fatalf("expected one IngestFiles call, got %d", len(ing.calls))
	}
	if ing.calls[0].rootID != root.ID {
		t.Fatalf("expected call for root %s, got %s", root.ID, ing.calls[0].rootID)
	}
	if len(ing.calls[0].paths) != 1 || ing.calls[0].paths[0] != dir+"/photo.jpg" {
		t.Fatalf("expected the untracked photo to be queued, got %+v", ing.calls[0].paths)
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("fake image bytes"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

package catalog

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestVectorCodecRoundTrip(t *testing.T) {
	cases := [][]float32{
		nil,
		{},
		{1, 2, 3},
		{0.5, -0.5, 3.14159, -1e10, 1e-10},
	}
	for _, vec := range cases {
		blob := EncodeVector(vec)
		got, err := DecodeVector(blob)
		if err != nil {
			t.Fatalf("DecodeVector(%v): %v", vec, err)
		}
		if len(got) != len(vec) {
			t.Fatalf("round trip length mismatch: want %d got %d", len(vec), len(got))
		}
		for i := range vec {
			if got[i] != vec[i] {
				t.Errorf("element %d: want %v got %v", i, vec[i], got[i])
			}
		}
	}
}

func TestDecodeVectorRejectsTruncated(t *testing.T) {
	blob := EncodeVector([]float32{1, 2, 3})
	if _, err := DecodeVector(blob[:len(blob)-1]); err == nil {
		t.Fatal("expected error decoding truncated blob")
	}
}

func TestWatchedRootLifecycle(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()

	root, err := c.AddWatchedRoot(ctx, "/photos")
	if err != nil {
		t.Fatalf("AddWatchedRoot: %v", err)
	}

	if _, err := c.AddWatchedRoot(ctx, "/photos"); !errors.Is(err, ErrDuplicateRoot) {
		t.Fatalf("expected ErrDuplicateRoot, got %v", err)
	}

	roots, err := c.WatchedRoots(ctx)
	if err != nil {
		t.Fatalf("WatchedRoots: %v", err)
	}
	if len(roots) != 1 || roots[0].ID != root.ID {
		t.Fatalf("unexpected roots: %+v", roots)
	}

	if err := c.DeleteWatchedRoot(ctx, root.ID); err != nil {
		t.Fatalf("DeleteWatchedRoot: %v", err)
	}
	if err := c.DeleteWatchedRoot(ctx, root.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestFileCascadeDelete(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()

	root, err := c.AddWatchedRoot(ctx, "/photos")
	if err != nil {
		t.Fatalf("AddWatchedRoot: %v", err)
	}
	f, err := c.InsertFile(ctx, "/photos/a.jpg", root.ID)
	if err != nil {
		t.Fatalf("InsertFile: %v", err)
	}

	if err := c.PutFeatureVector(ctx, f.ID, []float32{1, 2, 3}); err != nil {
		t.Fatalf("PutFeatureVector: %v", err)
	}
	if _, err := c.PutThumbnail(ctx, f.ID, "/thumbs/a.webp"); err != nil {
		t.Fatalf("PutThumbnail: %v", err)
	}

	var removed []string
	err = c.DeleteFileWithThumbnailRemoval(ctx, f.ID, func(path string) error {
		removed = append(removed, path)
		return nil
	})
	if err != nil {
		t.Fatalf("DeleteFileWithThumbnailRemoval: %v", err)
	}
	if !reflect.DeepEqual(removed, []string{"/thumbs/a.webp"}) {
		t.Fatalf("unexpected removed thumbnails: %v", removed)
	}

	if _, err := c.FeatureVector(ctx, f.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected feature vector gone, got %v", err)
	}
	if _, err := c.FileByID(ctx, f.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected file gone, got %v", err)
	}
}

func TestRenameFileRejectsRootMismatch(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()

	rootA, _ := c.AddWatchedRoot(ctx, "/a")
	f, err := c.InsertFile(ctx, "/a/x.jpg", rootA.ID)
	if err != nil {
		t.Fatalf("InsertFile: %v", err)
	}

	otherRoot := uuid.New()
	if err := c.RenameFile(ctx, f.ID, "/a/y.jpg", otherRoot); !errors.Is(err, ErrRootMismatch) {
		t.Fatalf("expected ErrRootMismatch, got %v", err)
	}

	if err := c.RenameFile(ctx, f.ID, "/a/y.jpg", rootA.ID); err != nil {
		t.Fatalf("RenameFile: %v", err)
	}
	got, err := c.FileByID(ctx, f.ID)
	if err != nil {
		t.Fatalf("FileByID: %v", err)
	}
	if got.Path != "/a/y.jpg" {
		t.Fatalf("expected renamed path, got %q", got.Path)
	}
}

func TestAllFeatureVectors(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()

	root, _ := c.AddWatchedRoot(ctx, "/a")
	f1, _ := c.InsertFile(ctx, "/a/1.jpg", root.ID)
	f2, _ := c.InsertFile(ctx, "/a/2.jpg", root.ID)

	if err := c.PutFeatureVector(ctx, f1.ID, []float32{1, 0}); err != nil {
		t.Fatalf("PutFeatureVector: %v", err)
	}
	if err := c.PutFeatureVector(ctx, f2.ID, []float32{0, 1}); err != nil {
		t.Fatalf("PutFeatureVector: %v", err)
	}

	all, err := c.AllFeatureVectors(ctx)
	if err != nil {
		t.Fatalf("AllFeatureVectors: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(all))
	}
	if !reflect.DeepEqual(all[f1.ID], []float32{1, 0}) {
		t.Errorf("unexpected vector for f1: %v", all[f1.ID])
	}
}

func TestPutFeatureVectorsIsAllOrNothing(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()

	root, _ := c.AddWatchedRoot(ctx, "/a")
	f1, _ := c.InsertFile(ctx, "/a/1.jpg", root.ID)

	err := c.PutFeatureVectors(ctx, map[uuid.UUID][]float32{
		f1.ID:      {1, 0},
		uuid.New(): {0, 1}, // no matching file row: violates the FK constraint
	})
	if err == nil {
		t.Fatal("expected PutFeatureVectors to fail on an unknown file id")
	}

	all, err := c.AllFeatureVectors(ctx)
	if err != nil {
		t.Fatalf("AllFeatureVectors: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected the whole chunk to roll back on failure, got %d vectors", len(all))
	}
}

func TestFailedEncoding(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()

	root, _ := c.AddWatchedRoot(ctx, "/a")
	f, _ := c.InsertFile(ctx, "/a/bad.jpg", root.ID)

	if err := c.PutFailedEncoding(ctx, f.ID, "unsupported format", time.Unix(1000, 0)); err != nil {
		t.Fatalf("PutFailedEncoding: %v", err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.FailedEncodings != 1 {
		t.Fatalf("expected 1 failed encoding, got %d", stats.FailedEncodings)
	}
}

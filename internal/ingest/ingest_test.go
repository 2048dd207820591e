package ingest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/screenager/visage/internal/catalog"
	"github.com/screenager/visage/internal/hnsw"
)

// fakeEncoder returns a deterministic vector per image, taken from
// the RGB value of its top-left pixel, and can be told to fail for
// specific call indices to exercise the chunk-retry path.
type fakeEncoder struct {
	calls   int
	failOn  map[int]bool
}

func (f *fakeEncoder) EncodeImages(imgs []*image.RGBA) ([][]float32, error) {
	idx := f.calls
	f.calls++
	if f.failOn[idx] {
		return nil, fmt.Errorf("fake encoder failure on call %d", idx)
	}
	out := make([][]float32, len(imgs))
	for i, img := range imgs {
		r, g, b, _ := img.At(0, 0).RGBA()
		out[i] = []float32{float32(r), float32(g), float32(b)}
	}
	return out, nil
}

func writeTestImage(t *testing.T, dir, name string, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
	return path
}

func TestIngestFilesEncodesAndPersists(t *testing.T) {
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

	dir := root.Path
	paths := []string{
		writeTestImage(t, dir, "a.png", color.RGBA{R: 255, A: 255}),
		writeTestImage(t, dir, "b.png", color.RGBA{G: 255, A: 255}),
	}

	enc := &fakeEncoder{}
	idx := hnsw.New(16, 200, 50)
	p := New(cat, enc, idx, nil, nil)

	result, err := p.IngestFiles(ctx, root.ID, "task-1", paths)
	if err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}
	if result.Encoded != 2 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if idx.Len() != 2 {
		t.Fatalf("expected 2 graph entries, got %d", idx.Len())
	}

	stats, err := cat.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.FeatureVectors != 2 {
		t.Fatalf("expected 2 persisted vectors, got %d", stats.FeatureVectors)
	}
}

func TestIngestFilesSkipsUnsupportedAndDuplicates(t *testing.T) {
	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	defer cat.Close()
	ctx := context.Background()

	dir := t.TempDir()
	root, _ := cat.AddWatchedRoot(ctx, dir)
	img := writeTestImage(t, dir, "a.png", color.RGBA{B: 255, A: 255})
	textFile := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(textFile, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write notes.txt: %v", err)
	}

	enc := &fakeEncoder{}
	idx := hnsw.New(16, 200, 50)
	p := New(cat, enc, idx, nil, nil)

	// Ingest once, then again with the same path, which should be a no-op.
	if _, err := p.IngestFiles(ctx, root.ID, "t", []string{img, textFile}); err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}
	if _, err := p.IngestFiles(ctx, root.ID, "t", []string{img, textFile}); err != nil {
		t.Fatalf("IngestFiles (rerun): %v", err)
	}

	stats, err := cat.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Files != 1 {
		t.Fatalf("expected exactly 1 cataloged file, got %d", stats.Files)
	}
}

func TestEncodeChunkFailurePartitionsAndRecordsFailedEncoding(t *testing.T) {
	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	defer cat.Close()
	ctx := context.Background()

	dir := t.TempDir()
	root, _ := cat.AddWatchedRoot(ctx, dir)
	good := writeTestImage(t, dir, "good.png", color.RGBA{R: 10, A: 255})
	bad := filepath.Join(dir, "bad.png")
	if err := os.WriteFile(bad, []byte("not a png"), 0o644); err != nil {
		t.Fatalf("write bad.png: %v", err)
	}

	enc := &fakeEncoder{}
	idx := hnsw.New(16, 200, 50)
	p := New(cat, enc, idx, nil, nil)

	result, err := p.IngestFiles(ctx, root.ID, "t", []string{good, bad})
	if err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}
	if result.Encoded != 1 || result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	stats, err := cat.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.FailedEncodings != 1 {
		t.Fatalf("expected 1 failed encoding, got %d", stats.FailedEncodings)
	}
}

// deletingEncoder simulates a file being removed from the catalog
// concurrently with its encoding: by the time the chunk is ready to
// persist, one file's row is already gone, so the write violates the
// feature_vectors -> files foreign key.
type deletingEncoder struct {
	cat        *catalog.Catalog
	targetPath string
}

func (e *deletingEncoder) EncodeImages(imgs []*image.RGBA) ([][]float32, error) {
	if f, err := e.cat.FileByPath(context.Background(), e.targetPath); err == nil {
		_ = e.cat.DeleteFile(context.Background(), f.ID)
	}
	out := make([][]float32, len(imgs))
	for i := range imgs {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestIngestFilesPropagatesChunkWriteFailure(t *testing.T) {
	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	defer cat.Close()
	ctx := context.Background()

	dir := t.TempDir()
	root, _ := cat.AddWatchedRoot(ctx, dir)
	a := writeTestImage(t, dir, "a.png", color.RGBA{R: 10, A: 255})
	b := writeTestImage(t, dir, "b.png", color.RGBA{G: 10, A: 255})

	enc := &deletingEncoder{cat: cat, targetPath: a}
	idx := hnsw.New(16, 200, 50)
	p := New(cat, enc, idx, nil, nil)

	result, err := p.IngestFiles(ctx, root.ID, "t", []string{a, b})
	if err == nil {
		t.Fatal("expected a chunk write failure to propagate")
	}
	if result.Encoded != 0 {
		t.Fatalf("expected no files counted as encoded when the chunk write fails, got %+v", result)
	}
	if idx.Len() != 0 {
		t.Fatalf("expected nothing inserted into the graph when the chunk write fails, got %d", idx.Len())
	}
}

func TestRemoveDeletesCatalogRow(t *testing.T) {
	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	defer cat.Close()
	ctx := context.Background()

	dir := t.TempDir()
	root, _ := cat.AddWatchedRoot(ctx, dir)
	img := writeTestImage(t, dir, "a.png", color.RGBA{A: 255})

	enc := &fakeEncoder{}
	idx := hnsw.New(16, 200, 50)
	p := New(cat, enc, idx, nil, nil)

	if _, err := p.IngestFiles(ctx, root.ID, "t", []string{img}); err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}
	if err := p.Remove(ctx, img); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := cat.FileByPath(ctx, img); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected file removed from catalog, got %v", err)
	}
}

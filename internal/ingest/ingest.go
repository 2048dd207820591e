// Package ingest turns newly discovered files into catalog rows, HNSW
// graph entries, and (for files that fail to encode) failed_encoding
// rows. It processes files in fixed-size chunks so a single batch's
// ONNX call stays within a predictable memory/latency envelope,
// grounded on the original model's encode_image_files chunking and on
// kraklabs-cie's worker-pool ingestion pipeline shape.
package ingest

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/screenager/visage/internal/catalog"
	"github.com/screenager/visage/internal/hnsw"
	"github.com/screenager/visage/internal/preprocess"
	"github.com/screenager/visage/internal/taskbus"
)

// Encoder is the subset of clip.Encoder the pipeline depends on,
// narrowed to an interface so tests can exercise the pipeline's
// batching/failure-partitioning logic without a real ONNX runtime.
type Encoder interface {
	EncodeImages(imgs []*image.RGBA) ([][]float32, error)
}

// ChunkSize is the number of images encoded per ONNX call, matching
// the original model's encode_image_files batching.
const ChunkSize = 32

// maxParallelChunks bounds how many chunks are in flight at once; the
// encoder itself serializes ONNX calls behind its own mutex, so this
// mainly overlaps decode/resize of the next chunk with the current
// chunk's inference.
const maxParallelChunks = 2

// Pipeline wires the Catalog, Encoder, and HNSW graph together for
// bulk ingestion.
type Pipeline struct {
	cat *catalog.Catalog
	enc Encoder
	idx *hnsw.Graph
	bus *taskbus.Bus
	log *slog.Logger
}

// New creates a Pipeline. bus and log may be nil.
func New(cat *catalog.Catalog, enc Encoder, idx *hnsw.Graph, bus *taskbus.Bus, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{cat: cat, enc: enc, idx: idx, bus: bus, log: log}
}

// Result summarizes one IngestFiles call.
type Result struct {
	Encoded int
	Failed  int
}

// IngestFiles registers and encodes every supported image path under
// rootID that isn't already cataloged, in chunks of ChunkSize,
// reporting progress on the task bus under taskID.
func (p *Pipeline) IngestFiles(ctx context.Context, rootID uuid.UUID, taskID string, paths []string) (Result, error) {
	var toEncode []catalog.File
	for _, path := range paths {
		if !preprocess.IsSupportedImage(path) {
			continue
		}
		if _, err := p.cat.FileByPath(ctx, path); err == nil {
			continue // already cataloged
		}
		f, err := p.cat.InsertFile(ctx, path, rootID)
		if err != nil {
			p.log.Warn("ingest.insert_file_failed", "path", path, "error", err)
			continue
		}
		toEncode = append(toEncode, f)
	}

	var result Result
	total := len(toEncode)
	var processed int32

	chunks := chunkFiles(toEncode, ChunkSize)
	sem := make(chan struct{}, maxParallelChunks)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(chunk []catalog.File) {
			defer wg.Done()
			defer func() { <-sem }()

			enc, fail, err := p.encodeChunk(ctx, chunk)

			mu.Lock()
			result.Encoded += enc
			result.Failed += fail
			if err != nil && firstErr == nil {
				firstErr = err
			}
			mu.Unlock()

			n := atomic.AddInt32(&processed, int32(len(chunk)))
			if p.bus != nil {
				p.bus.Status(taskID, "encoding", int(n), total)
			}
		}(chunk)
	}
	wg.Wait()

	if p.bus != nil {
		p.bus.End(taskID, fmt.Sprintf("encoded %d, failed %d", result.Encoded, result.Failed), firstErr)
	}
	return result, firstErr
}

// IngestOne encodes a single newly-created file, used by the watcher
// for incremental updates where batching would only add latency.
func (p *Pipeline) IngestOne(ctx context.Context, rootID uuid.UUID, path string) error {
	if !preprocess.IsSupportedImage(path) {
		return nil
	}
	f, err := p.cat.InsertFile(ctx, path, rootID)
	if err != nil {
		return fmt.Errorf("ingest: insert file: %w", err)
	}
	enc, fail, err := p.encodeChunk(ctx, []catalog.File{f})
	if err != nil {
		return fmt.Errorf("ingest: persist %s: %w", path, err)
	}
	if fail > 0 && enc == 0 {
		return fmt.Errorf("ingest: failed to encode %s", path)
	}
	return nil
}

// Remove deletes a file's catalog row, cascading to its feature
// vector, failed-encoding, and thumbnail rows, and unlinking the
// thumbnail's on-disk file (invariant W2). The HNSW graph itself is
// never mutated here — the file's vector becomes unreachable from
// search once the catalog stops returning it, and the next reconcile
// drops it from the graph for good.
func (p *Pipeline) Remove(ctx context.Context, path string) error {
	f, err := p.cat.FileByPath(ctx, path)
	if err != nil {
		return fmt.Errorf("ingest: remove: %w", err)
	}
	if err := p.cat.DeleteFileWithThumbnailRemoval(ctx, f.ID, removeThumbnailFile); err != nil {
		return fmt.Errorf("ingest: remove: %w", err)
	}
	return nil
}

// removeThumbnailFile unlinks a thumbnail's backing file, treating
// "already gone" as success.
func removeThumbnailFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Rename updates a file's catalog path in place.
func (p *Pipeline) Rename(ctx context.Context, rootID uuid.UUID, fromPath, toPath string) error {
	f, err := p.cat.FileByPath(ctx, fromPath)
	if err != nil {
		return fmt.Errorf("ingest: rename: %w", err)
	}
	return p.cat.RenameFile(ctx, f.ID, toPath, rootID)
}

// encodeChunk decodes, resizes, and encodes one chunk of files,
// partitioning successes from failures exactly as the original
// model's encode_image_files does: a decode or inference failure for
// one file never discards the rest of the chunk. A Catalog write
// failure is different: it aborts the rest of the chunk and is
// returned to the caller (spec.md §4.4) rather than swallowed, since a
// silently-dropped write would leave the HNSW graph and the catalog
// disagreeing about which files are encoded.
func (p *Pipeline) encodeChunk(ctx context.Context, chunk []catalog.File) (encoded, failed int, err error) {
	paths := make([]string, len(chunk))
	for i, f := range chunk {
		paths[i] = f.Path
	}

	decoded, err := preprocess.LoadBatch(ctx, paths)
	if err != nil {
		p.log.Error("ingest.load_batch_failed", "error", err)
		return 0, len(chunk), nil
	}

	var okFiles []catalog.File
	var okImages []*image.RGBA
	for i, d := range decoded {
		if d.Err != nil {
			p.recordFailure(ctx, chunk[i], d.Err)
			failed++
			continue
		}
		okFiles = append(okFiles, chunk[i])
		okImages = append(okImages, preprocess.Resize(d.Image))
	}

	if len(okImages) == 0 {
		return 0, failed, nil
	}

	vecs, encErr := p.enc.EncodeImages(okImages)
	if encErr != nil {
		// The whole chunk's inference call failed (e.g. a malformed
		// tensor); fall back to encoding one at a time so a single bad
		// image doesn't sink its batch-mates.
		p.log.Warn("ingest.batch_encode_failed_retrying_individually", "error", encErr, "chunk_size", len(okImages))
		for i, f := range okFiles {
			single, err := p.enc.EncodeImages([]*image.RGBA{okImages[i]})
			if err != nil {
				p.recordFailure(ctx, f, err)
				failed++
				continue
			}
			if werr := p.cat.PutFeatureVector(ctx, f.ID, single[0]); werr != nil {
				return encoded, failed, fmt.Errorf("ingest: persist %s: %w", f.Path, werr)
			}
			p.idx.Insert(f.ID, single[0])
			encoded++
		}
		return encoded, failed, nil
	}

	vecByFile := make(map[uuid.UUID][]float32, len(okFiles))
	for i, f := range okFiles {
		vecByFile[f.ID] = vecs[i]
	}
	if werr := p.cat.PutFeatureVectors(ctx, vecByFile); werr != nil {
		return 0, failed, fmt.Errorf("ingest: persist chunk: %w", werr)
	}
	for i, f := range okFiles {
		p.idx.Insert(f.ID, vecs[i])
	}
	return len(okFiles), failed, nil
}

func (p *Pipeline) recordFailure(ctx context.Context, f catalog.File, cause error) {
	if err := p.cat.PutFailedEncoding(ctx, f.ID, cause.Error(), time.Now()); err != nil {
		p.log.Error("ingest.record_failure_failed", "path", f.Path, "error", err)
	}
}

func chunkFiles(files []catalog.File, size int) [][]catalog.File {
	if len(files) == 0 {
		return nil
	}
	var out [][]catalog.File
	for i := 0; i < len(files); i += size {
		end := i + size
		if end > len(files) {
			end = len(files)
		}
		out = append(out, files[i:end])
	}
	return out
}

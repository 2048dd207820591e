// Package preprocess turns files on disk into the tensors the CLIP
// encoder expects: decode, resize to the model's square input
// resolution with a high-quality filter, and pack into NCHW float32
// batches in [0,1] with no mean/std subtraction (the ONNX graphs this
// engine targets bake normalization into the graph itself).
package preprocess

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

// ImageSize is the square side length the vision tower expects
// (ViT-L/14 336px).
const ImageSize = 336

// SupportedExtensions is the set of image extensions the pipeline will
// attempt to decode and encode.
var SupportedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
}

// IsSupportedImage reports whether path's extension is one this engine
// indexes. It does not attempt to decode the file — that happens (and
// can fail per-file) in LoadBatch.
func IsSupportedImage(path string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// WalkImages returns every supported-image path under dir, skipping
// hidden directories (dotfiles), the same filter both the watcher and
// the reconciler's initial-scan use.
func WalkImages(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsSupportedImage(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// DecodeResult is the outcome of attempting to load a single image: on
// success Image is set and Err is nil, and vice versa. Keeping
// successes and failures in one slice, indexed the same as the input
// paths, lets callers partition a batch without losing the association
// between a path and its failure the way a bare (path, error) map would.
type DecodeResult struct {
	Path  string
	Image image.Image
	Err   error
}

// LoadBatch decodes every path concurrently, bounded by GOMAXPROCS via
// errgroup, and returns one DecodeResult per input path in the same
// order. A decode failure for one path never aborts the others.
func LoadBatch(ctx context.Context, paths []string) ([]DecodeResult, error) {
	results := make([]DecodeResult, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = DecodeResult{Path: p, Err: err}
				return nil
			}
			img, err := decodeOne(p)
			results[i] = DecodeResult{Path: p, Image: img, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func decodeOne(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// Resize scales img to ImageSize x ImageSize using a Catmull-Rom
// filter, the sharpest of x/image/draw's built-in kernels and the one
// closest to the bicubic resampling CLIP's own preprocessing uses.
// Images with an alpha channel are flattened onto a white background
// first, since the vision tower's input is strictly 3-channel.
func Resize(img image.Image) *image.RGBA {
	flattened := flattenAlpha(img)
	dst := image.NewRGBA(image.Rect(0, 0, ImageSize, ImageSize))
	draw.CatmullRom.Scale(dst, dst.Bounds(), flattened, flattened.Bounds(), draw.Over, nil)
	return dst
}

func flattenAlpha(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(out, b, img, b.Min, draw.Over)
	return out
}

// ToTensor packs a batch of already-resized RGBA images into a single
// NCHW float32 tensor, channel values scaled to [0,1]. shape is
// {N, 3, ImageSize, ImageSize}.
func ToTensor(imgs []*image.RGBA) (data []float32, shape [4]int64) {
	n := len(imgs)
	shape = [4]int64{int64(n), 3, ImageSize, ImageSize}
	data = make([]float32, n*3*ImageSize*ImageSize)

	planeSize := ImageSize * ImageSize
	for b, img := range imgs {
		base := b * 3 * planeSize
		for y := 0; y < ImageSize; y++ {
			for x := 0; x < ImageSize; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				idx := y*ImageSize + x
				data[base+0*planeSize+idx] = float32(r>>8) / 255
				data[base+1*planeSize+idx] = float32(g>>8) / 255
				data[base+2*planeSize+idx] = float32(bl>>8) / 255
			}
		}
	}
	return data, shape
}

// Package clip runs the CLIP dual-encoder (ViT-L/14 336px) over ONNX
// Runtime: a vision tower for images and a text tower for queries,
// each L2-normalizing its output so the HNSW index can treat cosine
// similarity as a plain dot product.
package clip

import (
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/screenager/visage/internal/preprocess"
	ort "github.com/yalue/onnxruntime_go"
)

// ErrEmptyBatch is returned by EncodeImages and EncodeText when given
// no inputs, rather than running a zero-row ONNX call.
var ErrEmptyBatch = errors.New("clip: empty batch")

// FeatureVectorLength is the dimensionality of ViT-L/14 336px's output
// embedding space.
const FeatureVectorLength = 768

// LogitScale is CLIP's learned temperature (exp of the trained
// logit_scale parameter, baked in here since Forward never loads the
// combined similarity graph the original model ships — see
// SPEC_FULL.md §4.2 and DESIGN.md).
const LogitScale = 100.0

// Encoder wraps the two ONNX sessions. A single mutex guards both: the
// spec favors simple ownership over exploiting ONNX Runtime's own
// thread safety, since the encoder already saturates available cores
// via intra-op parallelism.
type Encoder struct {
	mu            sync.Mutex
	visionSession *ort.DynamicAdvancedSession
	textSession   *ort.DynamicAdvancedSession
	tokenizer     *preprocess.Tokenizer
}

// Options configures session construction.
type Options struct {
	// ModelDir must contain visual.onnx and text.onnx plus a CLIP
	// tokenizer.json.
	ModelDir string
	// OrtLibPath is the path to the onnxruntime shared library; pass
	// "" to use the platform default search path.
	OrtLibPath string
	// NumThreads controls intra-op parallelism; 0 picks min(4, NumCPU).
	NumThreads int
}

// New loads both ONNX sessions and the tokenizer from opts.ModelDir.
func New(opts Options) (*Encoder, error) {
	visualPath := filepath.Join(opts.ModelDir, "visual.onnx")
	textPath := filepath.Join(opts.ModelDir, "text.onnx")
	tokenPath := filepath.Join(opts.ModelDir, "tokenizer.json")

	for _, p := range []string{visualPath, textPath, tokenPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("clip: required file missing at %s: %w", p, err)
		}
	}

	if opts.OrtLibPath != "" {
		ort.SetSharedLibraryPath(opts.OrtLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("clip: init ort: %w", err)
	}

	numThreads := opts.NumThreads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
		if numThreads > 4 {
			numThreads = 4
		}
	}

	visionSession, err := newSession(visualPath, numThreads, []string{"pixel_values"}, []string{"FEATURES_EMBEDDED"})
	if err != nil {
		return nil, fmt.Errorf("clip: vision session: %w", err)
	}
	textSession, err := newSession(textPath, numThreads, []string{"input_ids"}, []string{"FEATURES_EMBEDDED"})
	if err != nil {
		visionSession.Destroy()
		return nil, fmt.Errorf("clip: text session: %w", err)
	}

	tk, err := preprocess.NewTokenizer(tokenPath)
	if err != nil {
		visionSession.Destroy()
		textSession.Destroy()
		return nil, fmt.Errorf("clip: tokenizer: %w", err)
	}

	return &Encoder{
		visionSession: visionSession,
		textSession:   textSession,
		tokenizer:     tk,
	}, nil
}

func newSession(modelPath string, numThreads int, inputNames, outputNames []string) (*ort.DynamicAdvancedSession, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set graph optimization level: %w", err)
	}
	// Accelerator execution providers (e.g. DirectML, CUDA) are
	// appended here when available on the host; appendAccelerators is
	// a best-effort call that silently leaves CPU as the sole provider
	// when nothing else registers, matching the "GPU then CPU
	// fallback" policy in SPEC_FULL.md §4.2.
	appendAccelerators(opts)

	return ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, opts)
}

// Close releases both ONNX sessions and the tokenizer.
func (e *Encoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.visionSession != nil {
		e.visionSession.Destroy()
	}
	if e.textSession != nil {
		e.textSession.Destroy()
	}
	if e.tokenizer != nil {
		e.tokenizer.Close()
	}
}

// EncodeImages runs the vision tower over a batch of already-resized,
// already-tensor-packed images and returns one L2-normalized feature
// vector per image.
func (e *Encoder) EncodeImages(imgs []*image.RGBA) ([][]float32, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("clip: encode images: %w", ErrEmptyBatch)
	}
	data, shape := preprocess.ToTensor(imgs)

	e.mu.Lock()
	defer e.mu.Unlock()

	tensor, err := ort.NewTensor(ort.NewShape(shape[0], shape[1], shape[2], shape[3]), data)
	if err != nil {
		return nil, fmt.Errorf("clip: image tensor: %w", err)
	}
	defer tensor.Destroy()

	outputs := []ort.Value{nil}
	if err := e.visionSession.Run([]ort.Value{tensor}, outputs); err != nil {
		return nil, fmt.Errorf("clip: vision session run: %w", err)
	}
	defer destroyIfSet(outputs[0])

	return extractNormalizedRows(outputs[0], int(shape[0]))
}

// EncodeText runs the text tower over a batch of query/caption strings
// and returns one L2-normalized feature vector per string.
func (e *Encoder) EncodeText(texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("clip: encode text: %w", ErrEmptyBatch)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rows := e.tokenizer.EncodeBatch(texts)
	data, shape := preprocess.FlattenTokens(rows)

	tensor, err := ort.NewTensor(ort.NewShape(shape[0], shape[1]), data)
	if err != nil {
		return nil, fmt.Errorf("clip: text tensor: %w", err)
	}
	defer tensor.Destroy()

	outputs := []ort.Value{nil}
	if err := e.textSession.Run([]ort.Value{tensor}, outputs); err != nil {
		return nil, fmt.Errorf("clip: text session run: %w", err)
	}
	defer destroyIfSet(outputs[0])

	return extractNormalizedRows(outputs[0], int(shape[0]))
}

// ForwardResult holds the diagnostic similarity logits Forward computes.
type ForwardResult struct {
	LogitsPerImage [][]float32 // [numImages][numTexts]
	LogitsPerText  [][]float32 // [numTexts][numImages]
}

// Forward computes CLIP's similarity logits between a batch of images
// and a batch of texts: the scaled cosine similarity of their encoded,
// normalized feature vectors. The original model ships a third,
// combined ONNX graph for this; here it is a pure function of the two
// encoder outputs (see DESIGN.md), used only for diagnostics and
// benchmarking, never on the indexing or query hot path.
func (e *Encoder) Forward(imgs []*image.RGBA, texts []string) (ForwardResult, error) {
	imageVecs, err := e.EncodeImages(imgs)
	if err != nil {
		return ForwardResult{}, err
	}
	textVecs, err := e.EncodeText(texts)
	if err != nil {
		return ForwardResult{}, err
	}

	logitsPerImage := make([][]float32, len(imageVecs))
	for i, iv := range imageVecs {
		row := make([]float32, len(textVecs))
		for j, tv := range textVecs {
			row[j] = float32(LogitScale) * dot(iv, tv)
		}
		logitsPerImage[i] = row
	}
	logitsPerText := make([][]float32, len(textVecs))
	for j := range textVecs {
		row := make([]float32, len(imageVecs))
		for i := range imageVecs {
			row[i] = logitsPerImage[i][j]
		}
		logitsPerText[j] = row
	}
	return ForwardResult{LogitsPerImage: logitsPerImage, LogitsPerText: logitsPerText}, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func extractNormalizedRows(v ort.Value, batchSize int) ([][]float32, error) {
	tensor, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("clip: unexpected output type (want *Tensor[float32])")
	}
	flat := tensor.GetData()
	if len(flat)%batchSize != 0 {
		return nil, fmt.Errorf("clip: output length %d not divisible by batch size %d", len(flat), batchSize)
	}
	dim := len(flat) / batchSize

	rows := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		row := make([]float32, dim)
		copy(row, flat[i*dim:(i+1)*dim])
		l2Normalize(row)
		rows[i] = row
	}
	return rows, nil
}

func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}

func destroyIfSet(v ort.Value) {
	if v != nil {
		v.Destroy()
	}
}

package clip

import (
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// appendAccelerators tries to register a hardware execution provider
// ahead of the default CPU provider, mirroring the original model's
// GPU-first policy (DirectML on Windows in the reference
// implementation this was ported from). Every call is best-effort: if
// the provider isn't compiled into the local ONNX Runtime build, the
// append fails and opts is left with CPU as the sole provider, which
// is always correct, just slower.
func appendAccelerators(opts *ort.SessionOptions) {
	switch runtime.GOOS {
	case "windows":
		_ = opts.AppendExecutionProviderDirectML(0)
	case "linux":
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err == nil {
			defer cudaOpts.Destroy()
			_ = opts.AppendExecutionProviderCUDA(cudaOpts)
		}
	case "darwin":
		_ = opts.AppendExecutionProviderCoreML(0)
	}
}

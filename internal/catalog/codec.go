package catalog

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector packs a feature vector into the stable on-disk blob
// format: a little-endian uint32 element count followed by that many
// little-endian float32 values. This is the format every feature_vectors
// row stores, independent of the encoder's output dimension.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4+4*len(vec))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(vec)))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4+4*i:8+4*i], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < 4 {
		return nil, fmt.Errorf("catalog: feature vector blob too short (%d bytes)", len(blob))
	}
	n := binary.LittleEndian.Uint32(blob[0:4])
	want := 4 + 4*int(n)
	if len(blob) != want {
		return nil, fmt.Errorf("catalog: feature vector blob length mismatch: want %d got %d", want, len(blob))
	}
	vec := make([]float32, n)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(blob[4+4*i : 8+4*i])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}

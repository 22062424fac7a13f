package storage

import (
	"errors"
	"math"
	"testing"
)

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3, 0}
	decoded, err := decodeVector(encodeVector(vec))
	if err != nil {
		t.Fatalf("decodeVector: %v", err)
	}
	if len(decoded) != len(vec) {
		t.Fatalf("len = %d, want %d", len(decoded), len(vec))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Errorf("element %d = %v, want %v", i, decoded[i], vec[i])
		}
	}
}

func TestDecodeVectorEmpty(t *testing.T) {
	out, err := decodeVector("[]")
	if err != nil {
		t.Fatalf("decodeVector: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("len = %d, want 0", len(out))
	}
}

func TestDecodeVectorMalformed(t *testing.T) {
	for _, s := range []string{"", "0.1,0.2", "[0.1,", "[a,b]"} {
		if _, err := decodeVector(s); err == nil {
			t.Errorf("decodeVector(%q): expected error", s)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	if err != nil {
		t.Fatalf("CosineSimilarity: %v", err)
	}
	if math.Abs(sim-1) > 1e-9 {
		t.Errorf("identical vectors: sim = %v, want 1", sim)
	}

	sim, _ = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if math.Abs(sim) > 1e-9 {
		t.Errorf("orthogonal vectors: sim = %v, want 0", sim)
	}

	sim, _ = CosineSimilarity([]float32{1, 0}, []float32{-1, 0})
	if math.Abs(sim+1) > 1e-9 {
		t.Errorf("opposite vectors: sim = %v, want -1", sim)
	}

	sim, _ = CosineSimilarity([]float32{0, 0}, []float32{1, 0})
	if sim != 0 {
		t.Errorf("zero vector: sim = %v, want 0", sim)
	}

	if _, err := CosineSimilarity([]float32{1}, []float32{1, 2}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("dimension mismatch: err = %v, want ErrInvalidArgument", err)
	}
}

package shadowkv

import (
	"math"
	"testing"

	"github.com/Chen3776/shadowKV-based/ml"
)

func TestCosineSimilarityIdentical(t *testing.T) {
	a := []float32{1, 2, 3}
	if got := cosineSimilarity(a, a); math.Abs(float64(got-1)) > 1e-5 {
		t.Errorf("cosineSimilarity(a, a) = %f, want 1", got)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if got := cosineSimilarity(a, b); math.Abs(float64(got)) > 1e-6 {
		t.Errorf("cosineSimilarity(orthogonal) = %f, want 0", got)
	}
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{1, 2, 3}
	if got := cosineSimilarity(a, b); got != 0 {
		t.Errorf("cosineSimilarity(zero, b) = %f, want 0", got)
	}
}

func TestSqrt32(t *testing.T) {
	tests := []float32{0, 1, 4, 2, 100, 0.25}
	for _, v := range tests {
		got := sqrt32(v)
		want := float32(math.Sqrt(float64(v)))
		if math.Abs(float64(got-want)) > 1e-3 {
			t.Errorf("sqrt32(%f) = %f, want %f", v, got, want)
		}
	}
}

func TestDetectOutliersTieBreakAscending(t *testing.T) {
	c := &Cache{cfg: Config{ChunkSize: 1}}
	lb := &layerBuffers{
		landmarks: constTensor(t, 1, 1, 4, 1, 1),
		keys:      constTensor(t, 1, 1, 4, 1, 1),
	}
	// All four chunks (1 position each, chunk size 1) score identically: a
	// landmark equal to its only member gives cosine similarity 1 for every
	// chunk. With a four-way tie for two "worst" slots, the documented
	// tie-break keeps the lowest chunk ids.
	c.cfg.KVHeads = 1
	c.cfg.HeadDim = 1
	c.cfg.MaxLength = 4
	outliers := c.detectOutliers(lb, 0, 0, 4, []int{0, 1, 2, 3}, 2)

	if len(outliers) != 2 {
		t.Fatalf("expected 2 outliers, got %d: %v", len(outliers), outliers)
	}
	if outliers[0] >= outliers[1] {
		t.Errorf("expected ascending order, got %v", outliers)
	}
}

func TestDetectOutliersPicksWorstRepresented(t *testing.T) {
	// chunk 0: keys == landmark (perfect match, cosine 1)
	// chunk 1: keys orthogonal to landmark (cosine 0, the worst)
	c := &Cache{cfg: Config{ChunkSize: 1, KVHeads: 1, HeadDim: 2, MaxLength: 2}}
	keysData := []float32{1, 0, 0, 1}
	landmarkData := []float32{1, 0, 1, 0}
	lb := &layerBuffers{
		keys:      tensorFromFloats(t, keysData, 1, 1, 2, 2),
		landmarks: tensorFromFloats(t, landmarkData, 1, 1, 2, 2),
	}

	outliers := c.detectOutliers(lb, 0, 0, 2, []int{0, 1}, 1)
	if len(outliers) != 1 || outliers[0] != 1 {
		t.Errorf("detectOutliers = %v, want [1] (the orthogonal chunk)", outliers)
	}
}

func constTensor(t *testing.T, b, hkv, n, d int, value float32) *fakeTensor {
	t.Helper()
	data := make([]float32, b*hkv*n*d)
	for i := range data {
		data[i] = value
	}
	return &fakeTensor{shape: []int{b, hkv, n, d}, data: data}
}

func tensorFromFloats(t *testing.T, data []float32, shape ...int) *fakeTensor {
	t.Helper()
	return &fakeTensor{shape: shape, data: data}
}

// fakeTensor is a minimal ml.Tensor used where only Floats() is exercised by
// the function under test, avoiding the overhead of standing up a full
// cpu.Backend for single-function unit tests.
type fakeTensor struct {
	shape []int
	data  []float32
}

func (f *fakeTensor) Shape() []int     { return f.shape }
func (f *fakeTensor) DType() ml.DType  { return ml.DTypeF32 }
func (f *fakeTensor) Dim(n int) int    { return f.shape[n] }
func (f *fakeTensor) Stride(n int) int {
	stride := 1
	for i := n + 1; i < len(f.shape); i++ {
		stride *= f.shape[i]
	}
	return stride
}
func (f *fakeTensor) Floats() []float32 { return f.data }
func (f *fakeTensor) View(offset int, shape ...int) ml.Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &fakeTensor{shape: shape, data: f.data[offset : offset+n]}
}
func (f *fakeTensor) Reshape(shape ...int) ml.Tensor {
	return &fakeTensor{shape: shape, data: f.data}
}
func (f *fakeTensor) CopyFrom(src ml.Tensor, dstOffset int) {
	copy(f.data[dstOffset:], src.Floats())
}

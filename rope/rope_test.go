package rope

import (
	"math"
	"testing"
)

func TestApplyPreservesNorm(t *testing.T) {
	c := NewCosSinCache(8, 16, WithBase(10000), WithScale(1))

	vec := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	want := norm(vec)

	c.Apply(vec, 5, false)
	got := norm(vec)

	if math.Abs(float64(got-want)) > 1e-4 {
		t.Errorf("rotation changed vector norm: got %f, want %f", got, want)
	}
}

func TestApplyZeroPositionIsIdentity(t *testing.T) {
	c := NewCosSinCache(8, 16)

	vec := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	want := append([]float32(nil), vec...)

	c.Apply(vec, 0, false)

	for i := range vec {
		if math.Abs(float64(vec[i]-want[i])) > 1e-5 {
			t.Errorf("position 0 should be a no-op rotation: index %d got %f want %f", i, vec[i], want[i])
		}
	}
}

func TestApplyNeoXVsInterleavedDiffer(t *testing.T) {
	c := NewCosSinCache(8, 16)

	a := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	b := append([]float32(nil), a...)

	c.Apply(a, 3, false)
	c.Apply(b, 3, true)

	same := true
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > 1e-6 {
			same = false
		}
	}
	if same {
		t.Error("NeoX and interleaved layouts should rotate differently at a non-zero position")
	}
}

func TestFuncMatchesApply(t *testing.T) {
	c := NewCosSinCache(8, 16)
	fn := c.Func(false)

	a := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	b := append([]float32(nil), a...)

	c.Apply(a, 7, false)
	fn(b, 7)

	for i := range a {
		if a[i] != b[i] {
			t.Errorf("Func should match Apply at index %d: got %f want %f", i, b[i], a[i])
		}
	}
}

func norm(v []float32) float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	return float32(math.Sqrt(float64(sum)))
}

package shadowkv

import (
	"math"
	"testing"
)

func TestFactorizeKeysDenseRoundTrip(t *testing.T) {
	cfg := baseTestConfig()
	cfg.Rank = cfg.HeadDim // dense-degenerate: rank equals the full head dimension
	c := newTestCache(t, cfg)
	lb := c.layers[0]

	prefillLen := 6
	original := make([][]float32, prefillLen)
	for n := 0; n < prefillLen; n++ {
		vec := c.keyVec(lb, 0, 0, n)
		for d := range vec {
			vec[d] = float32((n+1)*3+d) * 0.1
		}
		original[n] = append([]float32(nil), vec...)
	}

	if ok := c.factorizeKeys(lb, 0, 0, prefillLen); !ok {
		t.Fatal("factorizeKeys should converge on a well-conditioned dense input")
	}

	dst := make([]float32, cfg.HeadDim)
	for n := 0; n < prefillLen; n++ {
		c.reconstructKey(lb, 0, 0, n, dst)

		want := append([]float32(nil), original[n]...)
		c.ropeCos.Apply(want, n, cfg.RopeNeoX)

		if relErr(dst, want) > 1e-3 {
			t.Errorf("position %d: reconstructed %v, want ~%v (rel err %f)", n, dst, want, relErr(dst, want))
		}
	}
}

func TestFactorizeKeysLowRankExactOnRankOneData(t *testing.T) {
	cfg := baseTestConfig()
	cfg.Rank = 1
	c := newTestCache(t, cfg)
	lb := c.layers[0]

	prefillLen := 5
	direction := []float32{1, 2, 0, -1}
	for n := 0; n < prefillLen; n++ {
		vec := c.keyVec(lb, 0, 0, n)
		scale := float32(n + 1)
		for d := range vec {
			vec[d] = scale * direction[d]
		}
	}

	if ok := c.factorizeKeys(lb, 0, 0, prefillLen); !ok {
		t.Fatal("factorizeKeys should converge")
	}

	dst := make([]float32, cfg.HeadDim)
	for n := 0; n < prefillLen; n++ {
		c.reconstructKey(lb, 0, 0, n, dst)

		want := make([]float32, cfg.HeadDim)
		scale := float32(n + 1)
		for d := range want {
			want[d] = scale * direction[d]
		}
		c.ropeCos.Apply(want, n, cfg.RopeNeoX)

		if relErr(dst, want) > 1e-3 {
			t.Errorf("position %d: rank-1 data should reconstruct near-exactly with Rank=1: got %v want %v (rel err %f)", n, dst, want, relErr(dst, want))
		}
	}
}

func TestFactorizeKeysEmptyPrefillIsNoop(t *testing.T) {
	cfg := baseTestConfig()
	c := newTestCache(t, cfg)
	lb := c.layers[0]

	if ok := c.factorizeKeys(lb, 0, 0, 0); !ok {
		t.Error("factorizeKeys on an empty prefill should trivially succeed")
	}
}

func relErr(got, want []float32) float64 {
	var num, den float64
	for i := range want {
		diff := float64(got[i] - want[i])
		num += diff * diff
		den += float64(want[i]) * float64(want[i])
	}
	if den == 0 {
		return math.Sqrt(num)
	}
	return math.Sqrt(num / den)
}

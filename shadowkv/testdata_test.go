package shadowkv

import (
	"testing"

	"github.com/Chen3776/shadowKV-based/ml"
	"github.com/Chen3776/shadowKV-based/ml/cpu"
)

// newTestCache builds a single-layer, single-batch, single-kv-head cache
// sized for small deterministic test fixtures, following the same
// small-fixture-over-synthetic-backend approach as
// ollama/kvcache/causal_test.go's testBackend-driven TestStore.
func newTestCache(t *testing.T, cfg Config, opts ...Option) *Cache {
	t.Helper()
	c, err := NewCache(cfg, opts...)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c
}

// baseTestConfig returns a small fixture-sized Config with its Backend
// already set, so callers can both construct a Cache from it and build
// tensors against cfg.Backend afterward without losing the assignment (cfg
// is passed by value throughout the test files).
func baseTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Layers = 1
	cfg.QueryHeads = 1
	cfg.KVHeads = 1
	cfg.HeadDim = 4
	cfg.MaxLength = 32
	cfg.BatchSize = 1
	cfg.ChunkSize = 2
	cfg.SparseBudget = 2
	cfg.Rank = 4
	cfg.LocalChunk = 1
	cfg.OutlierChunk = 1
	cfg.Backend = cpu.New()
	return cfg
}

func tensorOf(t *testing.T, backend ml.Backend, data []float32, shape ...int) ml.Tensor {
	t.Helper()
	ctx := backend.NewContext()
	defer ctx.Close()
	return ctx.FromFloats(data, shape...)
}

// flatKV builds a [B, HKV, N, D] tensor where position n's vector is every
// element set to float32(n)+offset, making positions trivially
// distinguishable in assertions.
func flatKV(t *testing.T, backend ml.Backend, b, hkv, n, d int, offset float32) ml.Tensor {
	t.Helper()
	data := make([]float32, b*hkv*n*d)
	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < hkv; hi++ {
			for ni := 0; ni < n; ni++ {
				base := ((bi*hkv+hi)*n + ni) * d
				for di := 0; di < d; di++ {
					data[base+di] = float32(ni) + offset
				}
			}
		}
	}
	return tensorOf(t, backend, data, b, hkv, n, d)
}

package shadowkv

import (
	"fmt"

	"github.com/Chen3776/shadowKV-based/ml"
)

// Config is ShadowKV's construction-time configuration. Every ShadowKV
// tuning field has a default (see DefaultConfig); the model-shape fields and
// Backend do not. NewCache validates the config, per spec ref §6.
type Config struct {
	// Layers is the model's layer count L. Prefill must be called once per
	// layer, in order, before the cache becomes Ready.
	Layers int
	// QueryHeads is H.
	QueryHeads int
	// KVHeads is H_kv. Group size G = QueryHeads / KVHeads.
	KVHeads int
	// HeadDim is D.
	HeadDim int
	// MaxLength is N_max: the maximum number of positions (prefill +
	// generated) the cache will ever hold. Must be positive and divisible
	// by ChunkSize.
	MaxLength int
	// BatchSize is B.
	BatchSize int

	// ChunkSize is C, the retrieval unit. Default 8.
	ChunkSize int
	// SparseBudget is S*C, the number of positions retrieved per decode
	// step from the indexed set. Must be divisible by ChunkSize. Default
	// 2048.
	SparseBudget int
	// Rank is r, the low-rank key factorization truncation dimension.
	// Default 160.
	Rank int
	// LocalChunk is T_local, the number of most-recent chunks always kept
	// resident. Default 4.
	LocalChunk int
	// OutlierChunk is K_outlier, the cap on the number of outlier chunks
	// selected at prefill. Default 48.
	OutlierChunk int

	// Backend supplies tensor storage and contexts. Required.
	Backend ml.Backend
	// DType is the storage precision for factor tables (U, SV) and
	// resident buffers.
	DType ml.DType

	// RopeBase and RopeScale parameterize the rotary embedding applied
	// during key reconstruction (spec ref §4.3).
	RopeBase  float32
	RopeScale float32
	RopeNeoX  bool
}

// DefaultConfig returns a Config with every optional field set to the
// values spec.md documents as typical, leaving the model-shape fields
// (Layers, QueryHeads, KVHeads, HeadDim, MaxLength, BatchSize) and Backend
// for the caller to fill in.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    8,
		SparseBudget: 2048,
		Rank:         160,
		LocalChunk:   4,
		OutlierChunk: 48,
		DType:        ml.DTypeF16,
		RopeBase:     10000,
		RopeScale:    1,
	}
}

func (c Config) validate() error {
	if c.Layers <= 0 {
		return fmt.Errorf("%w: Layers must be positive, got %d", ErrShapeMismatch, c.Layers)
	}
	if c.QueryHeads <= 0 || c.KVHeads <= 0 {
		return fmt.Errorf("%w: QueryHeads/KVHeads must be positive", ErrShapeMismatch)
	}
	if c.QueryHeads%c.KVHeads != 0 {
		return fmt.Errorf("%w: QueryHeads (%d) must be a multiple of KVHeads (%d)", ErrShapeMismatch, c.QueryHeads, c.KVHeads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("%w: HeadDim must be positive", ErrShapeMismatch)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: BatchSize must be positive", ErrShapeMismatch)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: ChunkSize must be positive", ErrShapeMismatch)
	}
	if c.MaxLength <= 0 || c.MaxLength%c.ChunkSize != 0 {
		return fmt.Errorf("%w: MaxLength (%d) must be positive and divisible by ChunkSize (%d)", ErrShapeMismatch, c.MaxLength, c.ChunkSize)
	}
	if c.SparseBudget <= 0 || c.SparseBudget%c.ChunkSize != 0 {
		return fmt.Errorf("%w: SparseBudget (%d) must be positive and divisible by ChunkSize (%d)", ErrShapeMismatch, c.SparseBudget, c.ChunkSize)
	}
	if c.Rank <= 0 {
		return fmt.Errorf("%w: Rank must be positive, got %d", ErrShapeMismatch, c.Rank)
	}
	if c.LocalChunk < 0 {
		return fmt.Errorf("%w: LocalChunk must not be negative", ErrShapeMismatch)
	}
	if c.OutlierChunk < 0 {
		return fmt.Errorf("%w: OutlierChunk must not be negative", ErrShapeMismatch)
	}
	if c.Backend == nil {
		return fmt.Errorf("%w: Backend must not be nil", ErrShapeMismatch)
	}
	return nil
}

// groupSize returns G = H / H_kv.
func (c Config) groupSize() int { return c.QueryHeads / c.KVHeads }

// maxChunks returns the maximum number of chunks MaxLength can hold.
func (c Config) maxChunks() int { return c.MaxLength / c.ChunkSize }

// sparseChunks returns S, the number of chunks retrieved per step.
func (c Config) sparseChunks() int { return c.SparseBudget / c.ChunkSize }

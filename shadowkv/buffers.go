package shadowkv

import (
	"fmt"
	"log/slog"

	"github.com/Chen3776/shadowKV-based/hoststore"
	"github.com/Chen3776/shadowKV-based/ml"
	"github.com/Chen3776/shadowKV-based/rope"
)

// ChunkKind classifies how a chunk's positions are represented after
// prefill, per spec ref §3's partition invariant: every chunk is exactly
// one of indexed (landmark lookup), outlier (resident, bypasses landmark
// scoring) or local-tail (resident, always kept verbatim).
type ChunkKind int

const (
	ChunkIndexed ChunkKind = iota
	ChunkOutlier
	ChunkLocalTail
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkIndexed:
		return "indexed"
	case ChunkOutlier:
		return "outlier"
	case ChunkLocalTail:
		return "local-tail"
	default:
		return "unknown"
	}
}

// headMeta holds the per-(layer, batch, kv-head) chunk bookkeeping built at
// prefill time and held fixed until Clear.
type headMeta struct {
	nChunks     int
	kind        []ChunkKind // len nChunks
	outlierIDs  []int       // chunk ids with kind == ChunkOutlier, ascending
	localTailID int         // first chunk id with kind == ChunkLocalTail (tail is always the suffix)
	svdFallback bool        // true if SVD failed to converge for this head; dense resident mode
}

// layerBuffers holds the Tensor Buffers component's storage for one layer
// (spec ref §4.1's "Tensor Buffers" leaf component).
type layerBuffers struct {
	keys   ml.Tensor // [B, HKV, NMax, D], pre-RoPE, resident
	values ml.Tensor // [B, HKV, NMax, D], resident (offloaded variant: indexed chunks are also copied into the store, and FetchValues reads them from there)

	landmarks ml.Tensor // [B, HKV, NChunksMax, D], pre-RoPE chunk means, one row per chunk (unused rows for non-indexed chunks are simply never read)

	u  ml.Tensor // [B, HKV, R, D]
	sv ml.Tensor // [B, HKV, NMax, R]

	heads [][]*headMeta // [B][HKV]
}

// Cache is the ShadowKV sparse-attention KV cache: a per-model singleton
// composed of the components in spec ref §2. One Cache instance serves a
// single generation session for a batch of up to Config.BatchSize
// sequences.
type Cache struct {
	cfg     Config
	logger  *slog.Logger
	ropeCos *rope.CosSinCache
	store   *hoststore.Store // nil for the Resident (GPU-only) variant

	state          State
	lastPrefilled  int // -1 until the first Prefill call
	prefillLen     []int32
	generatedLen   []int32

	layers []*layerBuffers // len Layers
}

// Option configures optional Cache behavior at construction.
type Option func(*Cache)

// WithHostStore selects the Offloaded (host-backed) variant: indexed value
// chunks are copied into store at prefill and FetchValues reads them from
// there. The resident value buffer still keeps its own copy of every
// position.
func WithHostStore(store *hoststore.Store) Option {
	return func(c *Cache) { c.store = store }
}

// WithLogger overrides the default slog.Logger. ShadowKV logs SVD-fallback
// warnings through it; state transitions are not logged.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// NewCache validates cfg and allocates every buffer up front (the resident
// buffers, landmark tables and factor tables for every layer). Allocation
// failure surfaces as ErrResourceExhausted; a malformed configuration
// surfaces as ErrShapeMismatch. Neither is recoverable — per spec ref §7,
// resource exhaustion is fatal at construction.
func NewCache(cfg Config, opts ...Option) (*Cache, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:           cfg,
		logger:        slog.Default(),
		state:         Uninitialised,
		lastPrefilled: -1,
		prefillLen:    make([]int32, cfg.BatchSize),
		generatedLen:  make([]int32, cfg.BatchSize),
		layers:        make([]*layerBuffers, cfg.Layers),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.ropeCos = rope.NewCosSinCache(cfg.HeadDim, cfg.MaxLength,
		rope.WithBase(orDefault(cfg.RopeBase, 10000)),
		rope.WithScale(orDefault(cfg.RopeScale, 1)))

	nChunksMax := cfg.maxChunks()
	for l := 0; l < cfg.Layers; l++ {
		lb, err := allocLayerBuffers(cfg, nChunksMax)
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d: %v", ErrResourceExhausted, l, err)
		}
		c.layers[l] = lb
	}

	return c, nil
}

func orDefault(v, def float32) float32 {
	if v == 0 {
		return def
	}
	return v
}

func allocLayerBuffers(cfg Config, nChunksMax int) (*layerBuffers, error) {
	ctx := cfg.Backend.NewContext()
	defer ctx.Close()

	lb := &layerBuffers{
		keys:      ctx.Zeros(cfg.DType, cfg.BatchSize, cfg.KVHeads, cfg.MaxLength, cfg.HeadDim),
		values:    ctx.Zeros(cfg.DType, cfg.BatchSize, cfg.KVHeads, cfg.MaxLength, cfg.HeadDim),
		landmarks: ctx.Zeros(ml.DTypeF32, cfg.BatchSize, cfg.KVHeads, nChunksMax, cfg.HeadDim),
		u:         ctx.Zeros(cfg.DType, cfg.BatchSize, cfg.KVHeads, cfg.Rank, cfg.HeadDim),
		sv:        ctx.Zeros(cfg.DType, cfg.BatchSize, cfg.KVHeads, cfg.MaxLength, cfg.Rank),
		heads:     make([][]*headMeta, cfg.BatchSize),
	}
	for b := range lb.heads {
		lb.heads[b] = make([]*headMeta, cfg.KVHeads)
	}

	// The CPU backend never fails to allocate (it's Go-heap memory), but a
	// real accelerator backend can; the error path above is exercised by
	// ml.Backend implementations other than cpu.Backend.
	return lb, nil
}

// State returns the cache's current lifecycle state.
func (c *Cache) State() State {
	return c.state
}

// Stats summarizes one layer's chunk bookkeeping for a given batch/head,
// useful for operating the cache outside of tests (spec ref SPEC_FULL.md §11).
type Stats struct {
	NChunks      int
	OutlierChunks []int
	LocalTailFrom int
	SVDFallback  bool
	PrefillLen   int32
	GeneratedLen int32
}

func (c *Cache) Stats(layer, batch, kvHead int) Stats {
	hm := c.layers[layer].heads[batch][kvHead]
	if hm == nil {
		return Stats{PrefillLen: c.prefillLen[batch], GeneratedLen: c.generatedLen[batch]}
	}
	return Stats{
		NChunks:       hm.nChunks,
		OutlierChunks: append([]int(nil), hm.outlierIDs...),
		LocalTailFrom: hm.localTailID,
		SVDFallback:   hm.svdFallback,
		PrefillLen:    c.prefillLen[batch],
		GeneratedLen:  c.generatedLen[batch],
	}
}

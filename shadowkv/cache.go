package shadowkv

import (
	"fmt"
	"math"

	"github.com/Chen3776/shadowKV-based/hoststore"
	"github.com/Chen3776/shadowKV-based/ml"
)

// Prefill builds every prefill-time structure for one layer (spec ref §6's
// prefill_kv_cache): landmark table, outlier/local-tail classification, and
// the low-rank key factorization. It must be called exactly once per layer,
// in increasing layer order — violating that ordering is a contract
// violation and panics, matching how ollama/kvcache/causal.go panics on
// reentrant Init rather than returning an error a caller might paper over.
//
// k_post_rope is accepted for interface parity with spec ref §6 but is not
// otherwise consulted during prefill: every structure ShadowKV builds
// (landmarks, outlier detection, the low-rank factorization) operates on
// the rotation-free key tensor. Rotation itself is not dropped on the
// floor, though — the resident buffers and the low-rank factor tables both
// store pre-RoPE keys (spec ref §4.2), and it is fetch_keys, not the
// caller, that owns reapplying rotation from the rope cache before handing
// a key to attention (spec ref §4.5 step 5, §6): reconstructKey fuses it
// into the gather+matmul for indexed positions, and FetchKeys applies it
// directly for resident (outlier/local-tail/generated) positions. Prefill
// itself never needs to rotate anything.
func (c *Cache) Prefill(layer int, kPostRope, kPreRope, v ml.Tensor) error {
	if !c.state.canPrefill() {
		panic(fmt.Errorf("%w: cache is in state %s", ErrAlreadyPrefilled, c.state))
	}
	if layer != c.lastPrefilled+1 {
		panic(fmt.Errorf("%w: expected layer %d, got %d", ErrAlreadyPrefilled, c.lastPrefilled+1, layer))
	}

	if err := c.checkPrefillShape(kPreRope, "k_pre_rope"); err != nil {
		return err
	}
	if err := c.checkPrefillShape(v, "v"); err != nil {
		return err
	}

	prefillLen := kPreRope.Dim(2)
	if prefillLen > c.cfg.MaxLength {
		panic(fmt.Errorf("%w: prefill length %d exceeds MaxLength %d", ErrLengthExceeded, prefillLen, c.cfg.MaxLength))
	}

	if layer == 0 {
		for b := range c.prefillLen {
			c.prefillLen[b] = int32(prefillLen)
		}
		c.state = Prefilling
	} else if int(c.prefillLen[0]) != prefillLen {
		return fmt.Errorf("%w: layer %d prefill length %d disagrees with layer 0's %d", ErrShapeMismatch, layer, prefillLen, c.prefillLen[0])
	}

	lb := c.layers[layer]
	for b := 0; b < c.cfg.BatchSize; b++ {
		for h := 0; h < c.cfg.KVHeads; h++ {
			c.copyResidentHead(lb, kPreRope, c.keyVec, b, h, prefillLen)
			c.copyResidentHead(lb, v, c.valueVec, b, h, prefillLen)
			c.prefillHead(lb, layer, b, h, prefillLen)
		}
	}

	c.lastPrefilled = layer
	if layer == c.cfg.Layers-1 {
		c.state = Ready
	}

	return nil
}

// copyResidentHead copies one (batch, kv-head) slice of a freshly supplied
// prefill tensor (shaped for exactly prefillLen positions) into the
// resident buffer's corresponding slots (shaped for MaxLength positions).
// The strides differ, so this must walk position-by-position rather than
// being a single flat copy.
func (c *Cache) copyResidentHead(lb *layerBuffers, src ml.Tensor, destVec func(*layerBuffers, int, int, int) []float32, b, h, prefillLen int) {
	data := src.Floats()
	for n := 0; n < prefillLen; n++ {
		copy(destVec(lb, b, h, n), bhVector(data, c.cfg.KVHeads, prefillLen, c.cfg.HeadDim, b, h, n))
	}
}

func (c *Cache) checkPrefillShape(t ml.Tensor, name string) error {
	if t.Dim(0) != c.cfg.BatchSize || t.Dim(1) != c.cfg.KVHeads || t.Dim(3) != c.cfg.HeadDim {
		return fmt.Errorf("%w: %s has shape %v, want [%d, %d, *, %d]", ErrShapeMismatch, name, t.Shape(), c.cfg.BatchSize, c.cfg.KVHeads, c.cfg.HeadDim)
	}
	return nil
}

// prefillHead runs the per-(layer, batch, kv-head) portion of prefill: chunk
// classification (spec ref §4.2), landmark construction (§4.1) and
// low-rank factorization (§4.3).
func (c *Cache) prefillHead(lb *layerBuffers, layer, b, h, prefillLen int) {
	nChunks := c.buildLandmarks(lb, b, h, prefillLen)

	localTailChunks := c.cfg.LocalChunk
	localTailStart := nChunks - localTailChunks
	if localTailStart < 0 {
		localTailStart = 0
	}

	candidates := make([]int, 0, localTailStart)
	for chunk := 0; chunk < localTailStart; chunk++ {
		candidates = append(candidates, chunk)
	}

	kOutlier := c.cfg.OutlierChunk
	if kOutlier > len(candidates) {
		kOutlier = len(candidates)
	}
	outliers := c.detectOutliers(lb, b, h, prefillLen, candidates, kOutlier)

	kind := make([]ChunkKind, nChunks)
	for chunk := localTailStart; chunk < nChunks; chunk++ {
		kind[chunk] = ChunkLocalTail
	}
	for _, chunk := range outliers {
		kind[chunk] = ChunkOutlier
	}
	for chunk := 0; chunk < localTailStart; chunk++ {
		if kind[chunk] != ChunkOutlier {
			kind[chunk] = ChunkIndexed
		}
	}

	hm := &headMeta{
		nChunks:     nChunks,
		kind:        kind,
		outlierIDs:  outliers,
		localTailID: localTailStart,
	}
	lb.heads[b][h] = hm

	ok := c.factorizeKeys(lb, b, h, prefillLen)
	hm.svdFallback = !ok

	if c.store != nil {
		c.offloadIndexedChunks(lb, layer, b, h, prefillLen, hm)
	}
}

// offloadIndexedChunks implements the Value Offload Store's prefill-time
// population (spec ref §4.4): every indexed chunk's raw value bytes are
// copied into the host store; outlier and local-tail chunks are read from
// the resident buffer only. The resident copy of indexed chunks is left in
// place.
func (c *Cache) offloadIndexedChunks(lb *layerBuffers, layer, b, h, prefillLen int, hm *headMeta) {
	chunkSize := c.cfg.ChunkSize
	for chunk := 0; chunk < hm.nChunks; chunk++ {
		if hm.kind[chunk] != ChunkIndexed {
			continue
		}

		start := chunk * chunkSize
		end := start + chunkSize
		if end > prefillLen {
			end = prefillLen
		}

		data := make([]float32, 0, (end-start)*c.cfg.HeadDim)
		for n := start; n < end; n++ {
			data = append(data, c.valueVec(lb, b, h, n)...)
		}

		key := hoststore.ChunkKey{Layer: layer, Batch: b, KVHead: h, ChunkID: chunk}
		c.store.Put(key, float32sToBytes(data))
	}
}

func float32sToBytes(data []float32) []byte {
	out := make([]byte, 4*len(data))
	for i, f := range data {
		bits := math.Float32bits(f)
		out[4*i] = byte(bits)
		out[4*i+1] = byte(bits >> 8)
		out[4*i+2] = byte(bits >> 16)
		out[4*i+3] = byte(bits >> 24)
	}
	return out
}

func bytesToFloat32s(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		bits := uint32(buf[4*i]) | uint32(buf[4*i+1])<<8 | uint32(buf[4*i+2])<<16 | uint32(buf[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// Clear returns the cache to Uninitialised while preserving buffer
// allocations (spec ref §4.5): the tensors are zeroed and reused rather
// than freed, matching how ollama/kvcache/causal.go's Init reuses c.cells
// across generations instead of reallocating.
func (c *Cache) Clear() {
	for _, lb := range c.layers {
		zero(lb.keys.Floats())
		zero(lb.values.Floats())
		zero(lb.landmarks.Floats())
		zero(lb.u.Floats())
		zero(lb.sv.Floats())
		for b := range lb.heads {
			for h := range lb.heads[b] {
				lb.heads[b][h] = nil
			}
		}
	}
	for b := range c.prefillLen {
		c.prefillLen[b] = 0
		c.generatedLen[b] = 0
	}
	c.lastPrefilled = -1
	c.state = Uninitialised
}

func zero(s []float32) {
	for i := range s {
		s[i] = 0
	}
}

// ToDevice migrates pinned-host staging data for the Offloaded variant. The
// CPU reference backend has no separate device address space, so this is a
// no-op other than validating the cache is in a state where staging would
// be meaningful; a real accelerator-backed Backend would overlay a
// synchronous host->device copy here (spec ref §5's "suspension point (b)").
func (c *Cache) ToDevice() error {
	if c.state == Uninitialised {
		return ErrNotReady
	}
	return nil
}

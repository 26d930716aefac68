package shadowkv

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/Chen3776/shadowKV-based/hoststore"
	"github.com/Chen3776/shadowKV-based/ml"
)

// RetrievalResult groups one (batch, kv-head) pair's retrieval output
// (spec ref §4.5): the absolute sequence positions selected for the current
// decode step's attention, ascending and deduplicated, plus the gathered
// key/value rows for those positions. The Cache methods do not build it:
// GetRetrievalPositionIDs returns the positions, and FetchValues/FetchKeys
// fill caller-supplied rows.
type RetrievalResult struct {
	Positions []int32
	Keys      [][]float32 // len(Positions), each len HeadDim
	Values    [][]float32
}

// GetRetrievalPositionIDs implements spec ref §4.5 steps 1-4: affinity
// scoring of indexed chunks against the current query, softmax
// normalization per query head, group-max reduction across the G
// query heads sharing kv-head h, and top-S chunk selection. query must have
// shape [B, QueryHeads, D] (a single decode-step query per head).
//
// Two bypasses short-circuit the scoring machinery entirely, per spec ref
// §4.5's edge cases: a short context (prefillLen <= (T_local+K_outlier)*C)
// never built an indexed set at all, and a head whose SVD fell back to
// dense resident mode has no factor table to reconstruct keys from. Both return
// every resident position directly.
func (c *Cache) GetRetrievalPositionIDs(ctx context.Context, layer, b, h int, query ml.Tensor) ([]int32, error) {
	if !c.state.canDecode() {
		return nil, fmt.Errorf("%w: cache is in state %s", ErrNotReady, c.state)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lb := c.layers[layer]
	hm := lb.heads[b][h]
	prefillLen := int(c.prefillLen[b])
	generatedLen := int(c.generatedLen[b])

	shortContext := prefillLen <= (c.cfg.LocalChunk+c.cfg.OutlierChunk)*c.cfg.ChunkSize
	if hm == nil || shortContext || hm.svdFallback {
		return denseResidentPositions(prefillLen, generatedLen), nil
	}

	indexed := make([]int, 0, hm.localTailID)
	for chunk := 0; chunk < hm.localTailID; chunk++ {
		if hm.kind[chunk] == ChunkIndexed {
			indexed = append(indexed, chunk)
		}
	}

	sparseChunks := c.cfg.sparseChunks()
	selected := c.selectTopChunks(lb, b, h, query, indexed, sparseChunks)

	positions := make([]int32, 0, len(selected)*c.cfg.ChunkSize+hm.nChunks*c.cfg.ChunkSize)
	for _, chunk := range selected {
		positions = appendChunkPositions(positions, chunk, c.cfg.ChunkSize, prefillLen)
	}
	for _, chunk := range hm.outlierIDs {
		positions = appendChunkPositions(positions, chunk, c.cfg.ChunkSize, prefillLen)
	}
	for chunk := hm.localTailID; chunk < hm.nChunks; chunk++ {
		positions = appendChunkPositions(positions, chunk, c.cfg.ChunkSize, prefillLen)
	}
	for n := prefillLen; n < prefillLen+generatedLen; n++ {
		positions = append(positions, int32(n))
	}

	positions = dedupSortInt32(positions)
	return positions, nil
}

// denseResidentPositions returns every position currently held, used by both
// bypass paths: every position is simply attended to directly, with no
// chunk selection involved.
func denseResidentPositions(prefillLen, generatedLen int) []int32 {
	total := prefillLen + generatedLen
	out := make([]int32, total)
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

func appendChunkPositions(dst []int32, chunk, chunkSize, prefillLen int) []int32 {
	start := chunk * chunkSize
	end := start + chunkSize
	if end > prefillLen {
		end = prefillLen
	}
	for n := start; n < end; n++ {
		dst = append(dst, int32(n))
	}
	return dst
}

// selectTopChunks scores every candidate indexed chunk's landmark against
// the query (spec ref §4.5 steps 1-4) and returns the budget highest-scoring
// chunk ids. If fewer than budget candidates exist, every candidate is
// returned (the "fewer than S indexed chunks" edge case) rather than padded
// with a sentinel, since appendChunkPositions already tolerates a short
// result.
func (c *Cache) selectTopChunks(lb *layerBuffers, b, h int, query ml.Tensor, candidates []int, budget int) []int {
	if len(candidates) == 0 {
		return nil
	}

	group := c.cfg.groupSize()
	qData := query.Floats()

	// perHeadAffinity[g][i] = softmax_i( dot(query_g, landmark_candidates[i]) )
	perHeadAffinity := make([][]float64, group)
	for g := 0; g < group; g++ {
		qh := h*group + g
		qvec := bhVector(qData, c.cfg.QueryHeads, 1, c.cfg.HeadDim, b, qh, 0)

		raw := make([]float64, len(candidates))
		for i, chunk := range candidates {
			raw[i] = float64(dot32(qvec, c.landmarkVec(lb, b, h, chunk)))
		}
		softmaxInPlace(raw)
		perHeadAffinity[g] = raw
	}

	// groupMax[i] = max over g of perHeadAffinity[g][i]: the group-query
	// reduction collapsing G query heads down to their shared kv-head's
	// decision, per spec ref §4.5 step 3.
	groupMax := make([]float64, len(candidates))
	for i := range candidates {
		best := perHeadAffinity[0][i]
		for g := 1; g < group; g++ {
			if perHeadAffinity[g][i] > best {
				best = perHeadAffinity[g][i]
			}
		}
		groupMax[i] = best
	}

	if budget >= len(candidates) {
		out := append([]int(nil), candidates...)
		sort.Ints(out)
		return out
	}

	bh := &bestHeap{}
	heap.Init(bh)
	for i, chunk := range candidates {
		heap.Push(bh, chunkScoreF{chunk: chunk, score: groupMax[i]})
		if bh.Len() > budget {
			heap.Pop(bh)
		}
	}

	out := make([]int, 0, bh.Len())
	for bh.Len() > 0 {
		out = append(out, heap.Pop(bh).(chunkScoreF).chunk)
	}
	sort.Ints(out)
	return out
}

func dot32(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// softmaxInPlace normalizes s into a probability distribution, subtracting
// the max first for numerical stability. Built on gonum/floats the way
// ollama/sample's samplers lean on gonum for dense vector reductions rather
// than hand-rolled loops.
func softmaxInPlace(s []float64) {
	max := floats.Max(s)
	for i := range s {
		s[i] = math.Exp(s[i] - max)
	}
	sum := floats.Sum(s)
	if sum == 0 {
		return
	}
	floats.Scale(1/sum, s)
}

// chunkScoreF pairs a candidate chunk with its group-max affinity score.
type chunkScoreF struct {
	chunk int
	score float64
}

// bestHeap is a bounded min-heap keyed on score: it retains the budget
// chunks with the *largest* score, popping the currently-smallest whenever
// it grows past capacity. Same bounded-heap idiom as outlier.go's worstHeap,
// inverted because chunk selection wants the best-matching chunks.
type bestHeap []chunkScoreF

func (h bestHeap) Len() int           { return len(h) }
func (h bestHeap) Less(i, j int) bool { return h[i].score < h[j].score }
func (h bestHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *bestHeap) Push(x any)        { *h = append(*h, x.(chunkScoreF)) }
func (h *bestHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func dedupSortInt32(s []int32) []int32 {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	out := s[:0]
	var last int32 = -1
	for _, v := range s {
		if v != last {
			out = append(out, v)
			last = v
		}
	}
	return out
}

// FetchValues implements spec ref §4.5 step 5's copy stream: gathering the
// value rows for positions into dst, reading resident chunks directly and
// offloaded ones from the host store. Run on its own ml.Stream so it
// proceeds concurrently with FetchKeys' reconstruction stream; the caller
// joins both with ml.Barrier before attention consumes dst.
func (c *Cache) FetchValues(stream *ml.Stream, layer, b, h int, positions []int32, dst [][]float32) {
	stream.Go(func() error {
		lb := c.layers[layer]
		hm := lb.heads[b][h]
		chunkSize := c.cfg.ChunkSize
		prefillLen := int(c.prefillLen[b])

		for i, pos := range positions {
			n := int(pos)
			if hm == nil || c.store == nil || n >= prefillLen || hm.kind[chunkOf(n, chunkSize)] != ChunkIndexed {
				copy(dst[i], c.valueVec(lb, b, h, n))
				continue
			}

			key := hoststore.ChunkKey{Layer: layer, Batch: b, KVHead: h, ChunkID: chunkOf(n, chunkSize)}
			raw, ok, err := c.store.Get(key)
			if err != nil {
				return fmt.Errorf("shadowkv: fetch value chunk %s: %w", key, err)
			}
			if !ok {
				return fmt.Errorf("shadowkv: value chunk %s missing from host store", key)
			}

			floatsOut := bytesToFloat32s(raw)
			within := n - chunkOf(n, chunkSize)*chunkSize
			copy(dst[i], floatsOut[within*c.cfg.HeadDim:(within+1)*c.cfg.HeadDim])
		}
		return nil
	})
}

// FetchKeys implements spec ref §4.5 step 5's reconstruction stream:
// producing the key row for every selected position, either by fused
// low-rank reconstruction (indexed positions with a valid factorization,
// via reconstructKey, which gathers+matmuls+rotates in one step) or by a
// direct resident lookup followed by rotation (outlier, local-tail and
// Update-appended positions, or any head that fell back to dense resident
// mode). Every position fetch_keys returns is rotated before it reaches the
// caller — the resident buffers and Update both store pre-RoPE keys (spec
// ref §4.2, §4.6), so the raw-copy branch applies the same rope cache
// reconstructKey uses internally rather than leaving rotation to an
// external caller.
func (c *Cache) FetchKeys(stream *ml.Stream, layer, b, h int, positions []int32, dst [][]float32) {
	stream.Go(func() error {
		lb := c.layers[layer]
		hm := lb.heads[b][h]
		chunkSize := c.cfg.ChunkSize
		prefillLen := int(c.prefillLen[b])

		for i, pos := range positions {
			n := int(pos)
			if hm == nil || hm.svdFallback || n >= prefillLen || hm.kind[chunkOf(n, chunkSize)] != ChunkIndexed {
				copy(dst[i], c.keyVec(lb, b, h, n))
				c.ropeCos.Apply(dst[i], n, c.cfg.RopeNeoX)
				continue
			}
			c.reconstructKey(lb, b, h, n, dst[i])
		}
		return nil
	})
}

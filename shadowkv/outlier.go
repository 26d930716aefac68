package shadowkv

import "container/heap"

// chunkScore pairs a candidate chunk id with its minimum intra-chunk cosine
// similarity to its own landmark (spec ref §4.2).
type chunkScore struct {
	chunk     int
	minCosine float32
}

// worstHeap is a bounded max-heap keyed on minCosine: it retains the K
// chunks with the *smallest* minCosine seen so far, popping the
// currently-largest (best-represented) candidate whenever it grows past
// capacity. On equal minCosine the higher chunk id is popped first, so ties
// keep the lowest chunk ids. This mirrors the bounded-heap top-k idiom in
// ollama/vector/store.go's TopK, inverted because outlier selection wants
// the worst-represented chunks rather than the best-matching embeddings.
type worstHeap []chunkScore

func (h worstHeap) Len() int { return len(h) }
func (h worstHeap) Less(i, j int) bool {
	if h[i].minCosine != h[j].minCosine {
		return h[i].minCosine > h[j].minCosine
	}
	return h[i].chunk > h[j].chunk
}
func (h worstHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *worstHeap) Push(x any)         { *h = append(*h, x.(chunkScore)) }
func (h *worstHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrt32(na) * sqrt32(nb))
}

func sqrt32(v float32) float32 {
	// Newton's method avoids pulling in math.Sqrt's float64 round-trip for
	// what is a tight inner loop over every prefill position.
	if v == 0 {
		return 0
	}
	x := v
	for i := 0; i < 8; i++ {
		x = 0.5 * (x + v/x)
	}
	return x
}

// detectOutliers implements the Outlier Detector (spec ref §4.2): for each
// candidate chunk (every chunk not already reserved as local tail), compute
// the minimum cosine similarity between its landmark and its C member
// keys, then select the kOutlier chunks with the smallest minima. Returns
// the selected chunk ids, ascending.
func (c *Cache) detectOutliers(l *layerBuffers, b, h, prefillLen int, candidates []int, kOutlier int) []int {
	chunkSize := c.cfg.ChunkSize

	h2 := &worstHeap{}
	heap.Init(h2)

	for _, chunk := range candidates {
		start := chunk * chunkSize
		end := start + chunkSize
		if end > prefillLen {
			end = prefillLen
		}

		landmark := c.landmarkVec(l, b, h, chunk)
		min := float32(1)
		for n := start; n < end; n++ {
			sim := cosineSimilarity(landmark, c.keyVec(l, b, h, n))
			if sim < min {
				min = sim
			}
		}

		heap.Push(h2, chunkScore{chunk: chunk, minCosine: min})
		if h2.Len() > kOutlier {
			heap.Pop(h2)
		}
	}

	outliers := make([]int, 0, h2.Len())
	for h2.Len() > 0 {
		outliers = append(outliers, heap.Pop(h2).(chunkScore).chunk)
	}

	// Ascending by chunk id, the order headMeta.outlierIDs holds. Ties on
	// minCosine were already resolved toward the lowest chunk ids by
	// worstHeap.
	insertionSortInts(outliers)
	return outliers
}

func insertionSortInts(s []int) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

package shadowkv

// buildLandmarks implements the Landmark Builder (spec ref §4.1): the
// landmark for chunk i is the arithmetic mean, across the sequence axis,
// of the C pre-RoPE key vectors making up that chunk. Landmarks are stored
// pre-rotation and in their unreduced D-dimensional form, one row per
// chunk in [0, nChunks) — including rows for chunks that will later be
// classified as outlier or local-tail, which simply go unread by the
// retrieval engine (see the layout.go section of DESIGN.md).
func (c *Cache) buildLandmarks(l *layerBuffers, b, h, prefillLen int) int {
	chunkSize := c.cfg.ChunkSize
	nChunks := numChunks(prefillLen, chunkSize)

	for chunk := 0; chunk < nChunks; chunk++ {
		start := chunk * chunkSize
		end := start + chunkSize
		if end > prefillLen {
			end = prefillLen
		}

		landmark := c.landmarkVec(l, b, h, chunk)
		for d := range landmark {
			landmark[d] = 0
		}
		for n := start; n < end; n++ {
			key := c.keyVec(l, b, h, n)
			for d, v := range key {
				landmark[d] += v
			}
		}
		count := float32(end - start)
		for d := range landmark {
			landmark[d] /= count
		}
	}

	return nChunks
}

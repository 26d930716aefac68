package shadowkv

// layout.go centralizes the flat-index arithmetic for the row-major
// [B, H_kv, N, D]-shaped resident buffers (and their [B, H_kv, N_chunks, D]
// / [B, H_kv, R, D] / [B, H_kv, N_max, R] cousins). Every buffer's Floats()
// aliases its backing storage directly (see ml/cpu.Tensor), so the slices
// returned here are read/write views the caller may mutate in place — the
// same "no intermediate copy" discipline spec ref §4.3 asks of key
// reconstruction.

func chunkOf(pos, chunkSize int) int { return pos / chunkSize }

func numChunks(length, chunkSize int) int {
	return (length + chunkSize - 1) / chunkSize
}

// bhVector returns the length-dim slice for (b, h, n) out of a flat buffer
// shaped [B, heads, positions, dim].
func bhVector(data []float32, heads, positions, dim, b, h, n int) []float32 {
	offset := ((b*heads+h)*positions + n) * dim
	return data[offset : offset+dim]
}

func (c *Cache) keyVec(l *layerBuffers, b, h, n int) []float32 {
	return bhVector(l.keys.Floats(), c.cfg.KVHeads, c.cfg.MaxLength, c.cfg.HeadDim, b, h, n)
}

func (c *Cache) valueVec(l *layerBuffers, b, h, n int) []float32 {
	return bhVector(l.values.Floats(), c.cfg.KVHeads, c.cfg.MaxLength, c.cfg.HeadDim, b, h, n)
}

func (c *Cache) landmarkVec(l *layerBuffers, b, h, chunk int) []float32 {
	nChunksMax := c.cfg.maxChunks()
	return bhVector(l.landmarks.Floats(), c.cfg.KVHeads, nChunksMax, c.cfg.HeadDim, b, h, chunk)
}

func (c *Cache) uVec(l *layerBuffers, b, h, r int) []float32 {
	return bhVector(l.u.Floats(), c.cfg.KVHeads, c.cfg.Rank, c.cfg.HeadDim, b, h, r)
}

func (c *Cache) svVec(l *layerBuffers, b, h, n int) []float32 {
	return bhVector(l.sv.Floats(), c.cfg.KVHeads, c.cfg.MaxLength, c.cfg.Rank, b, h, n)
}

package shadowkv

import (
	"gonum.org/v1/gonum/mat"
)

// factorizeKeys implements the Low-Rank Key Codec's build stage (spec ref
// §4.3): K ≈ U · diag(Σ) · Vᵀ, truncated to the configured rank. It uses
// gonum's thin SVD the same way ollama/convert and ollama/sample reach for
// gonum for dense numeric work elsewhere in the pack, rather than hand-
// rolling an iterative solver.
//
// On non-convergence (gonum's Factorize returning false) this falls back
// to dense resident mode for the head: svdFallback is set, U/SV are left
// zeroed, and the retrieval engine reconstructs indexed positions straight
// from the resident key buffer instead of the factor tables, per spec ref
// §7's numeric-failure policy ("fall back to dense resident mode for that
// layer and emit a warning; the cache remains usable").
func (c *Cache) factorizeKeys(l *layerBuffers, b, h, prefillLen int) bool {
	n, d := prefillLen, c.cfg.HeadDim
	if n == 0 {
		return true
	}

	m := mat.NewDense(n, d, nil)
	row := make([]float64, d)
	for i := 0; i < n; i++ {
		kv := c.keyVec(l, b, h, i)
		for j := range kv {
			row[j] = float64(kv[j])
		}
		m.SetRow(i, row)
	}

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThin); !ok {
		c.logger.Warn("shadowkv: SVD did not converge, falling back to dense resident mode",
			"batch", b, "kv_head", h, "prefill_len", prefillLen)
		return false
	}

	kmin := min(n, d)
	rank := min(c.cfg.Rank, kmin)

	var uThin, vThin mat.Dense
	svd.UTo(&uThin)
	svd.VTo(&vThin)
	sigma := svd.Values(nil)

	// SV[p, k] = U_thin[p, k] * sigma[k]   (shape [N, rank])
	for p := 0; p < n; p++ {
		sv := c.svVec(l, b, h, p)
		for k := 0; k < len(sv); k++ {
			if k < rank {
				sv[k] = float32(uThin.At(p, k) * sigma[k])
			} else {
				sv[k] = 0
			}
		}
	}

	// U_stored[k, d] = V_thin[d, k]^T   (shape [rank, D])
	for k := 0; k < c.cfg.Rank; k++ {
		u := c.uVec(l, b, h, k)
		if k >= rank {
			for d := range u {
				u[d] = 0
			}
			continue
		}
		for d := 0; d < len(u); d++ {
			u[d] = float32(vThin.At(d, k))
		}
	}

	return true
}

// reconstructKey fuses gather + matmul + RoPE into a single call that
// writes directly into dst (spec ref §4.3's tie-break: write directly into
// the destination scratch offset, no intermediate copy). dst must have
// length D. pos is the absolute sequence position being reconstructed,
// used both to select the SV row and to look up the rotation angle.
func (c *Cache) reconstructKey(l *layerBuffers, b, h, pos int, dst []float32) {
	sv := c.svVec(l, b, h, pos)
	for d := range dst {
		dst[d] = 0
	}
	for k, coef := range sv {
		if coef == 0 {
			continue
		}
		urow := c.uVec(l, b, h, k)
		for d := range dst {
			dst[d] += coef * urow[d]
		}
	}
	c.ropeCos.Apply(dst, pos, c.cfg.RopeNeoX)
}

package shadowkv

import (
	"fmt"

	"github.com/Chen3776/shadowKV-based/ml"
)

// Update implements the Update Path (spec ref §4.6): appends newly computed
// raw key/value for delta new positions into the resident tail region of
// the buffers, for every batch index, advancing that batch's generation
// offset by delta. k and v must have shape [B, H_kv, delta, D]. delta is
// always 1 during ordinary decoding; delta == 0 is a no-op (the only case
// in which Update is idempotent, per spec ref §4.6).
func (c *Cache) Update(layer int, k, v ml.Tensor) error {
	if !c.state.canDecode() {
		panic(fmt.Errorf("%w: cache is in state %s", ErrNotReady, c.state))
	}
	if err := c.checkPrefillShape(k, "k_new"); err != nil {
		return err
	}
	if err := c.checkPrefillShape(v, "v_new"); err != nil {
		return err
	}

	delta := k.Dim(2)
	if delta == 0 {
		return nil
	}

	lb := c.layers[layer]
	for b := 0; b < c.cfg.BatchSize; b++ {
		offset := int(c.prefillLen[b]) + int(c.generatedLen[b])
		if offset+delta > c.cfg.MaxLength {
			panic(fmt.Errorf("%w: position %d exceeds MaxLength %d", ErrLengthExceeded, offset+delta-1, c.cfg.MaxLength))
		}

		for h := 0; h < c.cfg.KVHeads; h++ {
			kData := k.Floats()
			vData := v.Floats()
			for d := 0; d < delta; d++ {
				copy(c.keyVec(lb, b, h, offset+d), bhVector(kData, c.cfg.KVHeads, delta, c.cfg.HeadDim, b, h, d))
				copy(c.valueVec(lb, b, h, offset+d), bhVector(vData, c.cfg.KVHeads, delta, c.cfg.HeadDim, b, h, d))
			}
		}

		// Only the last layer's Update call advances the shared generation
		// offset: callers invoke Update once per layer per step, in
		// increasing layer order, so every layer of one step writes at the
		// same offset.
		if layer == c.cfg.Layers-1 {
			c.generatedLen[b] += int32(delta)
		}
	}

	c.state = Decoding
	return nil
}

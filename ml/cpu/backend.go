// Package cpu is ShadowKV's resident/debug-baseline backend: every buffer
// lives in regular process memory, addressed through the ml.Tensor seam.
// It exists so the cache's control flow (landmark building, outlier
// detection, low-rank factorization, retrieval index math) can be exercised
// and tested without an accelerator, per the "Resident (GPU-only)" variant
// described for ShadowKV — here "GPU-only" is read as "one flat address
// space", which a CPU backend satisfies just as well for correctness
// purposes.
package cpu

import (
	"fmt"

	"github.com/Chen3776/shadowKV-based/ml"
)

type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return "cpu" }

func (b *Backend) NewContext() ml.Context { return &Context{} }

// Context allocates plain Go-heap tensors. There is no arena reuse; the CPU
// backend favors simplicity over the allocation discipline a real
// accelerator context would need.
type Context struct {
	closed bool
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape)
}

func (c *Context) FromFloats(data []float32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeF32, shape)
	if len(data) != elemCount(shape) {
		panic(fmt.Errorf("cpu: FromFloats: %d values for shape %v", len(data), shape))
	}
	t.setFloats(data)
	return t
}

func (c *Context) Close() error {
	c.closed = true
	return nil
}

func elemCount(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Package rope implements rotary positional embedding as the narrow
// external-collaborator primitive the Low-Rank Key Codec calls during
// key reconstruction (spec ref §4.3, §9): the codec fuses gather + matmul
// with a rotation step taken from a CosSinCache and a layout flag rather
// than hard-coding one RoPE variant, mirroring how ollama/ml/nn/rope.Options
// decouples RoPE's
// base/scale/type knobs from the tensor op that applies it.
package rope

import "math"

// Options mirrors the tunables ollama/ml/nn/rope.Options exposes for a
// RoPE application: base frequency, scale, and (for NeoX-style models) the
// split-half-vs-interleaved layout choice.
type Options struct {
	Base  float32
	Scale float32
	NeoX  bool
}

func defaultOptions() Options {
	return Options{Base: 10000, Scale: 1}
}

type Option func(*Options)

func WithBase(base float32) Option   { return func(o *Options) { o.Base = base } }
func WithScale(scale float32) Option { return func(o *Options) { o.Scale = scale } }
func WithNeoX() Option                { return func(o *Options) { o.NeoX = true } }

// CosSinCache precomputes cos/sin values for every absolute position in
// [0, maxPos) and every rotation pair in a head of dimension dim, so that
// reconstruction at decode time is a table lookup rather than a
// trigonometric evaluation per gathered position.
type CosSinCache struct {
	dim    int
	cos    []float32 // [maxPos][dim/2]
	sin    []float32
	maxPos int
}

// NewCosSinCache builds the cache for head dimension dim over positions
// [0, maxPos), using the given options (base/scale).
func NewCosSinCache(dim, maxPos int, opts ...Option) *CosSinCache {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	half := dim / 2
	c := &CosSinCache{dim: dim, maxPos: maxPos, cos: make([]float32, maxPos*half), sin: make([]float32, maxPos*half)}
	for pos := 0; pos < maxPos; pos++ {
		for i := 0; i < half; i++ {
			freq := 1.0 / math.Pow(float64(o.Base), float64(2*i)/float64(dim))
			angle := float64(o.Scale) * float64(pos) * freq
			c.cos[pos*half+i] = float32(math.Cos(angle))
			c.sin[pos*half+i] = float32(math.Sin(angle))
		}
	}
	return c
}

// Apply rotates vec (length dim) in place, assuming it is the pre-RoPE key
// for absolute position pos. NeoX layout rotates (x[i], x[i+half]) pairs;
// the default (GPT-J / interleaved) layout rotates (x[2i], x[2i+1]) pairs.
func (c *CosSinCache) Apply(vec []float32, pos int, neoX bool) {
	half := c.dim / 2
	base := pos * half

	if neoX {
		for i := 0; i < half; i++ {
			cos, sin := c.cos[base+i], c.sin[base+i]
			a, b := vec[i], vec[i+half]
			vec[i] = a*cos - b*sin
			vec[i+half] = a*sin + b*cos
		}
		return
	}

	for i := 0; i < half; i++ {
		cos, sin := c.cos[base+i], c.sin[base+i]
		a, b := vec[2*i], vec[2*i+1]
		vec[2*i] = a*cos - b*sin
		vec[2*i+1] = a*sin + b*cos
	}
}

// ApplyFunc is Apply in callable form, bound to one cache and layout. The
// shadowkv key codec does not take an ApplyFunc; it calls Apply directly.
type ApplyFunc func(vec []float32, pos int)

// Func returns an ApplyFunc bound to this cache and layout.
func (c *CosSinCache) Func(neoX bool) ApplyFunc {
	return func(vec []float32, pos int) { c.Apply(vec, pos, neoX) }
}

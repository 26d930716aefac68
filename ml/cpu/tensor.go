package cpu

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/Chen3776/shadowKV-based/ml"
)

// Tensor is a flat, row-major region of process memory. Storage is always
// kept as float32 internally (tensor.data); DType only governs how many
// bytes a value occupies when the tensor is down-cast for "storage" via
// Quantize, matching spec.md §4.3's numeric policy that factorization runs
// in at least single precision while the stored factors may be down-cast.
type Tensor struct {
	dtype ml.DType
	shape []int
	data  []float32
}

func newTensor(dtype ml.DType, shape []int) *Tensor {
	return &Tensor{dtype: dtype, shape: append([]int(nil), shape...), data: make([]float32, elemCount(shape))}
}

func (t *Tensor) Shape() []int  { return t.shape }
func (t *Tensor) DType() ml.DType { return t.dtype }

func (t *Tensor) Dim(n int) int {
	if n < 0 || n >= len(t.shape) {
		return 1
	}
	return t.shape[n]
}

func (t *Tensor) Stride(n int) int {
	stride := 1
	for i := n + 1; i < len(t.shape); i++ {
		stride *= t.shape[i]
	}
	return stride
}

func (t *Tensor) Floats() []float32 { return t.data }

func (t *Tensor) setFloats(v []float32) { copy(t.data, v) }

func (t *Tensor) View(offset int, shape ...int) ml.Tensor {
	n := elemCount(shape)
	if offset < 0 || offset+n > len(t.data) {
		panic(fmt.Errorf("cpu: view [%d:%d] out of range for tensor of size %d", offset, offset+n, len(t.data)))
	}
	return &Tensor{dtype: t.dtype, shape: append([]int(nil), shape...), data: t.data[offset : offset+n]}
}

func (t *Tensor) Reshape(shape ...int) ml.Tensor {
	if elemCount(shape) != len(t.data) {
		panic(fmt.Errorf("cpu: reshape %v incompatible with element count %d", shape, len(t.data)))
	}
	return &Tensor{dtype: t.dtype, shape: append([]int(nil), shape...), data: t.data}
}

func (t *Tensor) CopyFrom(src ml.Tensor, dstOffset int) {
	in := src.Floats()
	if dstOffset < 0 || dstOffset+len(in) > len(t.data) {
		panic(fmt.Errorf("cpu: CopyFrom out of range: offset %d len %d into %d", dstOffset, len(in), len(t.data)))
	}
	copy(t.data[dstOffset:dstOffset+len(in)], in)
}

// Quantize returns the byte encoding of the tensor's data as dtype would
// store it on an accelerator, using the same half/bfloat16 codecs the
// model-conversion path uses when writing weights in reduced precision.
// The shadowkv package does not call it; it is exercised by round-trip
// tests, and all arithmetic is performed on the float32 form.
func Quantize(dtype ml.DType, data []float32) []byte {
	switch dtype {
	case ml.DTypeF16:
		out := make([]byte, 2*len(data))
		for i, f := range data {
			bits := float16.Fromfloat32(f).Bits()
			out[2*i] = byte(bits)
			out[2*i+1] = byte(bits >> 8)
		}
		return out
	case ml.DTypeBF16:
		return bfloat16.EncodeFloat32(data)
	default:
		panic(fmt.Errorf("cpu: Quantize: unsupported dtype %v for byte encoding", dtype))
	}
}

// Dequantize reverses Quantize.
func Dequantize(dtype ml.DType, buf []byte) []float32 {
	switch dtype {
	case ml.DTypeF16:
		out := make([]float32, len(buf)/2)
		for i := range out {
			bits := uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
			out[i] = float16.Frombits(bits).Float32()
		}
		return out
	case ml.DTypeBF16:
		return bfloat16.DecodeFloat32(buf)
	default:
		panic(fmt.Errorf("cpu: Dequantize: unsupported dtype %v for byte decoding", dtype))
	}
}

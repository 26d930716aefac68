package shadowkv

import "errors"

// Error kinds, per spec ref §7. Contract violations are programmer errors:
// code reachable only by misusing the API panics with one of these wrapped
// in a descriptive message, the way ollama/kvcache/causal.go panics on
// inconsistent batch sizes or a double-Init. Shape mismatches are returned
// as errors. Resource exhaustion at construction is returned as a plain
// error because NewCache can legitimately fail on a constrained host.
var (
	// ErrNotReady is returned/panicked when a decode-time operation is
	// requested before the cache has finished prefill for every layer.
	ErrNotReady = errors.New("shadowkv: decode requested before prefill completed")

	// ErrAlreadyPrefilled is panicked when Prefill is called twice for the
	// same layer, or out of order.
	ErrAlreadyPrefilled = errors.New("shadowkv: prefill called out of order or twice for a layer")

	// ErrLengthExceeded is panicked when prefill_len + generated_len would
	// exceed MaxLength.
	ErrLengthExceeded = errors.New("shadowkv: sequence length exceeds configured MaxLength")

	// ErrShapeMismatch is returned when an input tensor's shape disagrees
	// with the committed configuration, or at config validation time.
	ErrShapeMismatch = errors.New("shadowkv: tensor shape does not match configuration")

	// ErrResourceExhausted is returned when allocating buffers or the host
	// offload store fails at construction.
	ErrResourceExhausted = errors.New("shadowkv: failed to allocate cache resources")
)

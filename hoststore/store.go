// Package hoststore implements the Value Offload Store: pinned-host-memory
// storage for indexed (non-outlier, non-local-tail) value chunks (spec ref
// §4.4).
//
// Real pinned host memory is allocated through the accelerator driver and
// is not reachable from pure Go; this package simulates the "pinned host"
// tier as a contiguous in-process byte arena keyed the same way the
// accelerator-side gather would address it: one contiguous byte range per
// (layer, batch, kv head, chunk id). The indexing and compression scheme is
// adapted from databloom-ollama-kv-cache-tiering/diskstore.Store, which
// solves the identical "evicted/offloaded KV block, keyed by (seq, layer,
// position range)" problem for a disk tier; here the tier is host RAM
// instead of disk, so the file I/O is dropped and only the block index and
// optional zstd compression survive.
package hoststore

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ChunkKey uniquely identifies one offloaded value chunk.
type ChunkKey struct {
	Layer   int
	Batch   int
	KVHead  int
	ChunkID int
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("L%d_B%d_H%d_C%d", k.Layer, k.Batch, k.KVHead, k.ChunkID)
}

// Config controls the store's behavior.
type Config struct {
	// Compress applies zstd to each chunk before storing it. Chunks beyond
	// the local tail and outlier set are typically cold (read once every
	// few steps at most), so the CPU/memory tradeoff usually favors this.
	Compress bool
}

// Store holds offloaded value chunk bytes, contiguous per chunk.
type Store struct {
	mu      sync.RWMutex
	chunks  map[ChunkKey][]byte
	sizes   map[ChunkKey]int // uncompressed size, for Stats
	compress bool
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New creates an empty store.
func New(cfg Config) (*Store, error) {
	s := &Store{
		chunks: make(map[ChunkKey][]byte),
		sizes:  make(map[ChunkKey]int),
	}

	if cfg.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("hoststore: create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("hoststore: create zstd decoder: %w", err)
		}
		s.compress = true
		s.encoder = enc
		s.decoder = dec
	}

	return s, nil
}

// Put stores the raw bytes for one value chunk, replacing any prior
// contents for the same key. Put never aliases data: it copies (after
// optional compression) into store-owned storage, per the cache's
// ownership model that offloaded chunks are copied, never aliased, into
// device scratch.
func (s *Store) Put(key ChunkKey, data []byte) {
	payload := data
	if s.compress {
		payload = s.encoder.EncodeAll(data, nil)
	}

	owned := make([]byte, len(payload))
	copy(owned, payload)

	s.mu.Lock()
	s.chunks[key] = owned
	s.sizes[key] = len(data)
	s.mu.Unlock()
}

// Get returns a fresh copy of the chunk's raw bytes, or false if absent.
func (s *Store) Get(key ChunkKey) ([]byte, bool, error) {
	s.mu.RLock()
	payload, ok := s.chunks[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if !s.compress {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, true, nil
	}

	data, err := s.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, true, fmt.Errorf("hoststore: decompress %s: %w", key, err)
	}
	return data, true, nil
}

// Has reports whether a chunk is present without decompressing it.
func (s *Store) Has(key ChunkKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chunks[key]
	return ok
}

// Delete removes a chunk's storage. The cache itself never calls it: chunk
// classification is fixed at prefill.
func (s *Store) Delete(key ChunkKey) {
	s.mu.Lock()
	delete(s.chunks, key)
	delete(s.sizes, key)
	s.mu.Unlock()
}

// Stats reports current storage usage.
type Stats struct {
	Chunks        int
	UncompressedBytes int
	StoredBytes   int
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uncompressed, stored int
	for k, v := range s.chunks {
		uncompressed += s.sizes[k]
		stored += len(v)
	}
	return Stats{Chunks: len(s.chunks), UncompressedBytes: uncompressed, StoredBytes: stored}
}

// Close releases the compressor/decompressor resources.
func (s *Store) Close() error {
	if s.encoder != nil {
		s.encoder.Close()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	return nil
}

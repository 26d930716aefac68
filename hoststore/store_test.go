package hoststore

import (
	"bytes"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		store, err := New(Config{Compress: compress})
		if err != nil {
			t.Fatalf("compress=%v: New: %v", compress, err)
		}
		defer store.Close()

		key := ChunkKey{Layer: 1, Batch: 0, KVHead: 2, ChunkID: 5}
		data := []byte{1, 2, 3, 4, 5, 6, 7, 8}

		store.Put(key, data)

		got, ok, err := store.Get(key)
		if err != nil {
			t.Fatalf("compress=%v: Get: %v", compress, err)
		}
		if !ok {
			t.Fatalf("compress=%v: expected key to be present", compress)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("compress=%v: round trip mismatch: got %v want %v", compress, got, data)
		}
	}
}

func TestGetMissing(t *testing.T) {
	store, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	_, ok, err := store.Get(ChunkKey{Layer: 0, Batch: 0, KVHead: 0, ChunkID: 0})
	if err != nil {
		t.Fatalf("Get on missing key should not error: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing key")
	}
}

func TestHasAndDelete(t *testing.T) {
	store, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	key := ChunkKey{Layer: 0, Batch: 0, KVHead: 0, ChunkID: 0}
	store.Put(key, []byte{9, 9})

	if !store.Has(key) {
		t.Fatal("expected Has to report true after Put")
	}

	store.Delete(key)

	if store.Has(key) {
		t.Error("expected Has to report false after Delete")
	}
	if _, ok, _ := store.Get(key); ok {
		t.Error("expected Get to report ok=false after Delete")
	}
}

func TestStatsTracksStoredChunks(t *testing.T) {
	store, err := New(Config{Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	data := bytes.Repeat([]byte{0}, 256) // highly compressible
	store.Put(ChunkKey{Layer: 0, Batch: 0, KVHead: 0, ChunkID: 0}, data)
	store.Put(ChunkKey{Layer: 0, Batch: 0, KVHead: 0, ChunkID: 1}, data)

	stats := store.Stats()
	if stats.Chunks != 2 {
		t.Errorf("expected 2 chunks, got %d", stats.Chunks)
	}
	if stats.UncompressedBytes != 512 {
		t.Errorf("expected 512 uncompressed bytes, got %d", stats.UncompressedBytes)
	}
	if stats.StoredBytes >= stats.UncompressedBytes {
		t.Errorf("expected compression to shrink highly repetitive data: stored=%d uncompressed=%d", stats.StoredBytes, stats.UncompressedBytes)
	}
}

func TestChunkKeyString(t *testing.T) {
	key := ChunkKey{Layer: 1, Batch: 2, KVHead: 3, ChunkID: 4}
	want := "L1_B2_H3_C4"
	if got := key.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

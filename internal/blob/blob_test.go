package blob

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestSourceChunking(t *testing.T) {
	data := make([]byte, 3500)
	for i := range data {
		data[i] = byte(i % 251)
	}
	src, err := OpenSource(writeTemp(t, data), 1024)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	if src.Count != 4 || src.Size != 3500 {
		t.Fatalf("count=%d size=%d", src.Count, src.Size)
	}
	c0, err := src.Chunk(0)
	if err != nil || len(c0) != 1024 {
		t.Fatalf("chunk 0: %d bytes, %v", len(c0), err)
	}
	c3, err := src.Chunk(3)
	if err != nil || len(c3) != 3500-3*1024 {
		t.Fatalf("last chunk: %d bytes, %v", len(c3), err)
	}
	if !bytes.Equal(c3, data[3*1024:]) {
		t.Fatal("last chunk content mismatch")
	}
	if _, err := src.Chunk(4); !errors.Is(err, ErrChunkRange) {
		t.Fatalf("chunk 4: %v", err)
	}
}

func TestEmptyFileShipsOneChunk(t *testing.T) {
	src, err := OpenSource(writeTemp(t, nil), 1024)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()
	if src.Count != 1 || src.Size != 0 {
		t.Fatalf("count=%d size=%d", src.Count, src.Size)
	}
	c, err := src.Chunk(0)
	if err != nil || len(c) != 0 {
		t.Fatalf("chunk: %d bytes, %v", len(c), err)
	}
}

func TestAssemblyOutOfOrderRoundTrip(t *testing.T) {
	data := make([]byte, 3500)
	for i := range data {
		data[i] = byte(i % 17)
	}
	src, _ := OpenSource(writeTemp(t, data), 1024)
	defer src.Close()

	dir := t.TempDir()
	asm, err := NewAssembly(dir, "payload.bin", src.Size, 1024, src.Count)
	if err != nil {
		t.Fatalf("assembly: %v", err)
	}

	// Deliver chunks shuffled, then one duplicate.
	for _, idx := range []int{2, 0, 3, 1} {
		chunk, err := src.Chunk(idx)
		if err != nil {
			t.Fatalf("chunk %d: %v", idx, err)
		}
		if dup, err := asm.Put(idx, chunk); err != nil || dup {
			t.Fatalf("put %d: dup=%v err=%v", idx, dup, err)
		}
	}
	chunk2, _ := src.Chunk(2)
	if dup, err := asm.Put(2, chunk2); err != nil || !dup {
		t.Fatalf("redelivery should report dup, got dup=%v err=%v", dup, err)
	}
	if !asm.Complete() || asm.Received() != 4 {
		t.Fatalf("complete=%v received=%d", asm.Complete(), asm.Received())
	}

	final, err := asm.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got, err := os.ReadFile(final)
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("assembled file differs from source")
	}
	// No stray temp files remain.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("dir has %d entries", len(entries))
	}
}

func TestAssemblyValidation(t *testing.T) {
	dir := t.TempDir()
	asm, err := NewAssembly(dir, "x.bin", 100, 64, 2)
	if err != nil {
		t.Fatalf("assembly: %v", err)
	}
	defer asm.Abort()

	if _, err := asm.Put(5, []byte("x")); !errors.Is(err, ErrChunkRange) {
		t.Fatalf("range: %v", err)
	}
	if _, err := asm.Put(1, make([]byte, 64)); !errors.Is(err, ErrChunkBounds) {
		t.Fatalf("bounds: %v", err)
	}
	if _, err := asm.Finalize(); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("finalize incomplete: %v", err)
	}
}

func TestFinalizeCollisionSuffix(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "report.txt"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	asm, _ := NewAssembly(dir, "report.txt", 3, 64, 1)
	if _, err := asm.Put(0, []byte("new")); err != nil {
		t.Fatalf("put: %v", err)
	}
	final, err := asm.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if filepath.Base(final) != "report (1).txt" {
		t.Fatalf("final = %q", final)
	}
	if old, _ := os.ReadFile(filepath.Join(dir, "report.txt")); string(old) != "old" {
		t.Fatal("existing file was clobbered")
	}
}

func TestAnnouncedNameCannotEscapeDir(t *testing.T) {
	dir := t.TempDir()
	asm, err := NewAssembly(dir, "../../etc/evil", 1, 64, 1)
	if err != nil {
		t.Fatalf("assembly: %v", err)
	}
	asm.Put(0, []byte("x"))
	final, err := asm.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	rel, err := filepath.Rel(dir, final)
	if err != nil || rel != "evil" {
		t.Fatalf("final escaped dir: %q (rel %q)", final, rel)
	}
}

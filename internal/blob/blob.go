// Package blob performs the disk I/O of file transfers: slicing an
// outgoing file into chunks and assembling inbound chunks into a
// finished download. Incoming data lands in a temp file that is renamed
// into place only when every chunk arrived, so a crashed transfer never
// leaves a half-written file under the final name.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrChunkRange  = errors.New("chunk index out of range")
	ErrChunkBounds = errors.New("chunk exceeds file bounds")
	ErrIncomplete  = errors.New("assembly incomplete")
)

// Source is an outgoing file opened for chunked reads.
type Source struct {
	f         *os.File
	Name      string
	Size      int64
	ChunkSize int
	Count     int
}

// OpenSource opens path for transfer with the given chunk size.
func OpenSource(path string, chunkSize int) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("open source: %s is a directory", path)
	}
	size := info.Size()
	count := int((size + int64(chunkSize) - 1) / int64(chunkSize))
	if count == 0 {
		count = 1 // an empty file still ships one empty chunk
	}
	return &Source{
		f:         f,
		Name:      filepath.Base(path),
		Size:      size,
		ChunkSize: chunkSize,
		Count:     count,
	}, nil
}

// Chunk reads chunk index. Every chunk is ChunkSize bytes except the
// last, which carries the remainder.
func (s *Source) Chunk(index int) ([]byte, error) {
	if index < 0 || index >= s.Count {
		return nil, fmt.Errorf("%w: %d of %d", ErrChunkRange, index, s.Count)
	}
	offset := int64(index) * int64(s.ChunkSize)
	n := int64(s.ChunkSize)
	if offset+n > s.Size {
		n = s.Size - offset
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := s.f.ReadAt(buf, offset); err != nil {
			return nil, fmt.Errorf("read chunk %d: %w", index, err)
		}
	}
	return buf, nil
}

func (s *Source) Close() error { return s.f.Close() }

// Assembly collects the chunks of one incoming transfer.
type Assembly struct {
	dir      string
	filename string
	tmp      *os.File
	size     int64
	chunk    int
	count    int
	got      map[int]bool
}

// NewAssembly creates the download directory and a temp file for the
// incoming transfer. The announced filename is reduced to its base name;
// whatever path the sender put there never escapes dir.
func NewAssembly(dir, filename string, size int64, chunkSize, count int) (*Assembly, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".lsnp-*.part")
	if err != nil {
		return nil, fmt.Errorf("create temp: %w", err)
	}
	return &Assembly{
		dir:      dir,
		filename: safeName(filename),
		tmp:      tmp,
		size:     size,
		chunk:    chunkSize,
		count:    count,
		got:      make(map[int]bool, count),
	}, nil
}

// Put writes chunk index at its offset. A chunk already written reports
// dup without touching the file; chunks may arrive in any order.
func (a *Assembly) Put(index int, data []byte) (dup bool, err error) {
	if index < 0 || index >= a.count {
		return false, fmt.Errorf("%w: %d of %d", ErrChunkRange, index, a.count)
	}
	if a.got[index] {
		return true, nil
	}
	offset := int64(index) * int64(a.chunk)
	if offset+int64(len(data)) > a.size {
		return false, fmt.Errorf("%w: chunk %d", ErrChunkBounds, index)
	}
	if len(data) > 0 {
		if _, err := a.tmp.WriteAt(data, offset); err != nil {
			return false, fmt.Errorf("write chunk %d: %w", index, err)
		}
	}
	a.got[index] = true
	return false, nil
}

// Received counts distinct chunks written so far.
func (a *Assembly) Received() int { return len(a.got) }

// Complete reports whether every chunk arrived.
func (a *Assembly) Complete() bool { return len(a.got) == a.count }

// Finalize syncs the temp file and renames it to the announced filename,
// suffixing " (n)" when the name is taken. It returns the final path.
func (a *Assembly) Finalize() (string, error) {
	if !a.Complete() {
		return "", fmt.Errorf("%w: %d of %d chunks", ErrIncomplete, len(a.got), a.count)
	}
	if err := a.tmp.Truncate(a.size); err != nil {
		a.Abort()
		return "", fmt.Errorf("truncate: %w", err)
	}
	if err := a.tmp.Sync(); err != nil {
		a.Abort()
		return "", fmt.Errorf("sync: %w", err)
	}
	tmpName := a.tmp.Name()
	if err := a.tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp: %w", err)
	}
	final := uniquePath(a.dir, a.filename)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("finalize %s: %w", a.filename, err)
	}
	return final, nil
}

// Abort discards the temp file.
func (a *Assembly) Abort() {
	name := a.tmp.Name()
	a.tmp.Close()
	os.Remove(name)
}

func safeName(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "download.bin"
	}
	return name
}

func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
	}
}

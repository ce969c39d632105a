package export

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
)

// DirSaver writes downloads into a directory, never overwriting existing files.
type DirSaver struct {
	Dir string

	mu    sync.Mutex
	paths []string
}

// NewDirSaver returns a DirSaver rooted at dir.
func NewDirSaver(dir string) *DirSaver {
	return &DirSaver{Dir: dir}
}

// Save writes d to a unique path under Dir.
func (s *DirSaver) Save(ctx context.Context, d Download) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	path := uniqueOutputPath(filepath.Join(s.Dir, filepath.Base(d.Filename)))
	if err := os.WriteFile(path, d.Data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	s.paths = append(s.paths, path)
	return nil
}

// Paths returns the files written so far, in order.
func (s *DirSaver) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// uniqueOutputPath returns path, or "name (n).ext" for the first n that does
// not exist yet.
func uniqueOutputPath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	return nextFreeName(path, func(candidate string) bool {
		_, err := os.Stat(candidate)
		return os.IsNotExist(err)
	})
}

func nextFreeName(path string, free func(string) bool) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]

	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s (%d)%s", name, counter, ext)
		if dir != "." {
			candidate = filepath.Join(dir, candidate)
		}
		if free(candidate) {
			return candidate
		}
	}
}

// ZipSaver streams downloads as entries of one zip archive. JPEG data is
// already compressed, so entries are stored rather than deflated.
type ZipSaver struct {
	mu    sync.Mutex
	zw    *zip.Writer
	names map[string]bool
	count int
}

// NewZipSaver returns a ZipSaver writing the archive to w. Close must be called
// to finish the archive.
func NewZipSaver(w io.Writer) *ZipSaver {
	return &ZipSaver{zw: zip.NewWriter(w), names: make(map[string]bool)}
}

// Save adds d as a new entry. Duplicate names get a " (n)" suffix.
func (s *ZipSaver) Save(ctx context.Context, d Download) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := filepath.Base(d.Filename)
	if s.names[name] {
		name = nextFreeName(name, func(c string) bool { return !s.names[c] })
	}

	fw, err := s.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Store,
		Modified: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", name, err)
	}
	if _, err := fw.Write(d.Data); err != nil {
		return fmt.Errorf("write zip entry %s: %w", name, err)
	}
	s.names[name] = true
	s.count++
	return nil
}

// Count returns the number of entries written.
func (s *ZipSaver) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close writes the zip central directory.
func (s *ZipSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zw.Close()
}

// ResponseSaver sends a single download as an HTTP attachment.
type ResponseSaver struct {
	W http.ResponseWriter
}

// Save writes d to the response with attachment headers.
func (s ResponseSaver) Save(ctx context.Context, d Download) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := s.W.Header()
	h.Set("Content-Type", d.MimeType)
	h.Set("Content-Length", strconv.Itoa(len(d.Data)))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Filename}))
	s.W.WriteHeader(http.StatusOK)
	_, err := s.W.Write(d.Data)
	return err
}

package ingest

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Source is a raw file handle supplied by a host (file picker, upload, disk).
type Source interface {
	Name() string
	MimeType() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// BytesSource is an in-memory Source.
type BytesSource struct {
	FileName string
	Type     string
	Data     []byte
}

// NewBytesSource returns a Source over data.
func NewBytesSource(name, mimeType string, data []byte) *BytesSource {
	return &BytesSource{FileName: name, Type: mimeType, Data: data}
}

func (s *BytesSource) Name() string     { return s.FileName }
func (s *BytesSource) MimeType() string { return s.Type }
func (s *BytesSource) Size() int64      { return int64(len(s.Data)) }

func (s *BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.Data)), nil
}

// FileSource is a Source backed by a path on disk.
type FileSource struct {
	path     string
	size     int64
	mimeType string
}

// NewFileSource stats path and detects its media type from the extension,
// falling back to content sniffing.
func NewFileSource(path string) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{
		path:     path,
		size:     info.Size(),
		mimeType: detectMimeType(path),
	}, nil
}

func (s *FileSource) Name() string     { return filepath.Base(s.path) }
func (s *FileSource) MimeType() string { return s.mimeType }
func (s *FileSource) Size() int64      { return s.size }

func (s *FileSource) Open() (io.ReadCloser, error) {
	return os.Open(s.path)
}

func detectMimeType(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	return http.DetectContentType(head[:n])
}

// IsImageType reports whether mimeType belongs to the image class.
func IsImageType(mimeType string) bool {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mimeType))
	}
	return strings.HasPrefix(mt, "image/") && len(mt) > len("image/")
}

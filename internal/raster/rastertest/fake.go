// Package rastertest provides a deterministic raster.Backend for tests.
//
// Fake sources are byte strings of the form "FAKE:<w>x<h>;<padding>". Anything
// else fails to decode. A source containing "encodefail" decodes but fails to
// encode. Encoded output grows with the surface area and the quality.
package rastertest

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"image-compressor-go/internal/raster"
)

// ErrCorrupt is returned by Decode for sources that are not fake images.
var ErrCorrupt = errors.New("fake: corrupt image")

// ErrEncode is returned by Encode for sources marked "encodefail".
var ErrEncode = errors.New("fake: encoder failure")

// Source builds a fake image of w x h padded to size bytes.
func Source(w, h int, size int) []byte {
	head := []byte(fmt.Sprintf("FAKE:%dx%d;", w, h))
	if size <= len(head) {
		return head
	}
	return append(head, bytes.Repeat([]byte{'x'}, size-len(head))...)
}

// EncodeFailSource builds a fake image that decodes but cannot be encoded.
func EncodeFailSource(w, h int) []byte {
	return []byte(fmt.Sprintf("FAKE:%dx%d;encodefail", w, h))
}

// Handle is the fake bitmap.
type Handle struct {
	W, H       int
	encodeFail bool
}

func (h *Handle) Width() int  { return h.W }
func (h *Handle) Height() int { return h.H }

// Backend is a fake raster.Backend. The zero value is ready to use.
type Backend struct {
	// DecodeDelay is slept inside Decode, which makes overlap observable.
	DecodeDelay time.Duration
	// BeforeDecode, if set, runs at the start of every Decode.
	BeforeDecode func()

	active    atomic.Int32
	maxActive atomic.Int32

	mu      sync.Mutex
	decodes int
	encodes int
	sizes   [][2]int
}

var _ raster.Backend = (*Backend)(nil)

// Decode parses a fake source.
func (b *Backend) Decode(data []byte) (raster.Handle, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		cur := b.maxActive.Load()
		if n <= cur || b.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	if b.BeforeDecode != nil {
		b.BeforeDecode()
	}
	if b.DecodeDelay > 0 {
		time.Sleep(b.DecodeDelay)
	}

	b.mu.Lock()
	b.decodes++
	b.mu.Unlock()

	var w, h int
	if _, err := fmt.Sscanf(string(data), "FAKE:%dx%d;", &w, &h); err != nil || w <= 0 || h <= 0 {
		return nil, ErrCorrupt
	}
	return &Handle{W: w, H: h, encodeFail: bytes.Contains(data, []byte("encodefail"))}, nil
}

// RenderResized returns a handle with the new size.
func (b *Backend) RenderResized(h raster.Handle, width, height int) (raster.Handle, error) {
	fh, ok := h.(*Handle)
	if !ok {
		return nil, fmt.Errorf("fake: unsupported handle %T", h)
	}
	b.mu.Lock()
	b.sizes = append(b.sizes, [2]int{width, height})
	b.mu.Unlock()
	return &Handle{W: width, H: height, encodeFail: fh.encodeFail}, nil
}

// Encode returns width*height*quality/10000 bytes (at least 16).
func (b *Backend) Encode(h raster.Handle, quality int) ([]byte, error) {
	fh, ok := h.(*Handle)
	if !ok {
		return nil, fmt.Errorf("fake: unsupported handle %T", h)
	}
	if fh.encodeFail {
		return nil, ErrEncode
	}
	b.mu.Lock()
	b.encodes++
	b.mu.Unlock()

	n := max(fh.W*fh.H*raster.ClampQuality(quality)/10000, 16)
	out := bytes.Repeat([]byte{0xAB}, n)
	out[0], out[1] = 0xFF, 0xD8
	return out, nil
}

// MaxConcurrentDecodes is the highest number of overlapping Decode calls seen.
func (b *Backend) MaxConcurrentDecodes() int {
	return int(b.maxActive.Load())
}

// Decodes returns how many Decode calls completed their delay.
func (b *Backend) Decodes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decodes
}

// Encodes returns how many successful Encode calls happened.
func (b *Backend) Encodes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.encodes
}

// RenderedSizes returns every size passed to RenderResized, in call order.
func (b *Backend) RenderedSizes() [][2]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][2]int(nil), b.sizes...)
}

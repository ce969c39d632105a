package raster

import (
	"bytes"
	"fmt"
	"image"

	// Additional input formats; imaging itself registers bmp and tiff.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Bitmap is the Handle produced by ImagingBackend.
type Bitmap struct {
	img image.Image
}

func (b *Bitmap) Width() int  { return b.img.Bounds().Dx() }
func (b *Bitmap) Height() int { return b.img.Bounds().Dy() }

// ImagingBackend implements Backend with github.com/disintegration/imaging.
type ImagingBackend struct {
	// Filter is the resampling filter used when the size changes.
	Filter imaging.ResampleFilter
}

// NewImagingBackend returns a backend using Lanczos resampling.
func NewImagingBackend() *ImagingBackend {
	return &ImagingBackend{Filter: imaging.Lanczos}
}

// Decode decodes data and applies its EXIF orientation so that the reported
// dimensions match what a viewer displays.
func (b *ImagingBackend) Decode(data []byte) (Handle, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decode image: empty bounds")
	}
	return &Bitmap{img: applyOrientation(img, readOrientation(data))}, nil
}

// RenderResized draws h onto a fresh NRGBA surface of width x height.
func (b *ImagingBackend) RenderResized(h Handle, width, height int) (Handle, error) {
	bm, ok := h.(*Bitmap)
	if !ok {
		return nil, fmt.Errorf("render: unsupported handle %T", h)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("render: invalid size %dx%d", width, height)
	}
	if width == bm.Width() && height == bm.Height() {
		return &Bitmap{img: imaging.Clone(bm.img)}, nil
	}
	return &Bitmap{img: imaging.Resize(bm.img, width, height, b.Filter)}, nil
}

// Encode writes h as JPEG at the given quality.
func (b *ImagingBackend) Encode(h Handle, quality int) ([]byte, error) {
	bm, ok := h.(*Bitmap)
	if !ok {
		return nil, fmt.Errorf("encode: unsupported handle %T", h)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, bm.img, imaging.JPEG, imaging.JPEGQuality(ClampQuality(quality))); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("encode jpeg: empty output")
	}
	return buf.Bytes(), nil
}

// Info is what can be learned about an encoded image without decoding pixels.
type Info struct {
	Width  int
	Height int
	Format string
}

// Probe reads only the header of data.
func Probe(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, err
	}
	info := Info{Width: cfg.Width, Height: cfg.Height, Format: format}
	if swapsAxes(readOrientation(data)) {
		info.Width, info.Height = info.Height, info.Width
	}
	return info, nil
}

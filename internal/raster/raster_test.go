package raster

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noisyImage(w, h int, seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8((x + rng.Intn(64)) % 256),
				G: uint8((y + rng.Intn(64)) % 256),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestTargetSize(t *testing.T) {
	tests := []struct {
		name         string
		w, h, max    int
		wantW, wantH int
	}{
		{"fits", 800, 600, 2048, 800, 600},
		{"exactly max", 2048, 1024, 2048, 2048, 1024},
		{"landscape", 4000, 3000, 2048, 2048, 1536},
		{"portrait", 3000, 4000, 2048, 1536, 2048},
		{"square", 5000, 5000, 2048, 2048, 2048},
		{"wide strip", 10000, 3, 2048, 2048, 1},
		{"one side over", 2049, 10, 2048, 2048, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := TargetSize(tt.w, tt.h, tt.max)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestTargetSizePreservesAspectRatio(t *testing.T) {
	for _, dims := range [][2]int{{4000, 3000}, {3024, 4032}, {6000, 4000}, {2500, 2100}, {7360, 4912}} {
		w, h := TargetSize(dims[0], dims[1], 2048)
		assert.LessOrEqual(t, max(w, h), 2048)
		in := float64(dims[0]) / float64(dims[1])
		out := float64(w) / float64(h)
		assert.Less(t, math.Abs(out-in), 0.01, "dims %v -> %dx%d", dims, w, h)
	}
}

func TestImagingBackendPipeline(t *testing.T) {
	b := NewImagingBackend()
	src := encodePNG(t, noisyImage(300, 100, 1))

	h, err := b.Decode(src)
	require.NoError(t, err)
	assert.Equal(t, 300, h.Width())
	assert.Equal(t, 100, h.Height())

	w, hh := TargetSize(h.Width(), h.Height(), 150)
	surface, err := b.RenderResized(h, w, hh)
	require.NoError(t, err)
	assert.Equal(t, 150, surface.Width())
	assert.Equal(t, 50, surface.Height())

	out, err := b.Encode(surface, 80)
	require.NoError(t, err)
	decoded, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 150, 50), decoded.Bounds())
}

func TestImagingBackendNoUpscale(t *testing.T) {
	b := NewImagingBackend()
	h, err := b.Decode(encodePNG(t, noisyImage(64, 48, 2)))
	require.NoError(t, err)

	w, hh := TargetSize(h.Width(), h.Height(), 2048)
	surface, err := b.RenderResized(h, w, hh)
	require.NoError(t, err)
	assert.Equal(t, 64, surface.Width())
	assert.Equal(t, 48, surface.Height())
}

func TestImagingBackendDecodeErrors(t *testing.T) {
	b := NewImagingBackend()
	_, err := b.Decode([]byte("definitely not an image"))
	assert.Error(t, err)
	_, err = b.Decode(nil)
	assert.Error(t, err)
}

func TestImagingBackendRejectsForeignHandles(t *testing.T) {
	b := NewImagingBackend()
	_, err := b.RenderResized(fakeHandle{}, 10, 10)
	assert.Error(t, err)
	_, err = b.Encode(fakeHandle{}, 80)
	assert.Error(t, err)
}

type fakeHandle struct{}

func (fakeHandle) Width() int  { return 1 }
func (fakeHandle) Height() int { return 1 }

func TestQualityMonotonicity(t *testing.T) {
	b := NewImagingBackend()
	h, err := b.Decode(encodePNG(t, noisyImage(256, 256, 3)))
	require.NoError(t, err)

	high, err := b.Encode(h, 90)
	require.NoError(t, err)
	low, err := b.Encode(h, 40)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(high), len(low))
}

func TestProbe(t *testing.T) {
	info, err := Probe(encodePNG(t, noisyImage(40, 20, 4)))
	require.NoError(t, err)
	assert.Equal(t, Info{Width: 40, Height: 20, Format: "png"}, info)

	_, err = Probe([]byte("<svg/>"))
	assert.Error(t, err)
}

func TestOrientation(t *testing.T) {
	img := noisyImage(30, 10, 5)
	assert.Equal(t, image.Rect(0, 0, 10, 30), applyOrientation(img, 6).Bounds())
	assert.Equal(t, image.Rect(0, 0, 10, 30), applyOrientation(img, 8).Bounds())
	assert.Equal(t, image.Rect(0, 0, 30, 10), applyOrientation(img, 3).Bounds())
	assert.Equal(t, image.Rect(0, 0, 30, 10), applyOrientation(img, 1).Bounds())
	assert.True(t, swapsAxes(5))
	assert.False(t, swapsAxes(4))

	// No EXIF segment at all.
	assert.Equal(t, 1, readOrientation(encodePNG(t, img)))
}

func TestDataURLAndClamp(t *testing.T) {
	assert.Equal(t, "data:image/jpeg;base64,AQI=", DataURL("image/jpeg", []byte{1, 2}))
	assert.Equal(t, 1, ClampQuality(-3))
	assert.Equal(t, 100, ClampQuality(250))
	assert.Equal(t, 55, ClampQuality(55))
}

// Package raster abstracts the pixel operations of the compression pipeline:
// decoding an upload into an addressable bitmap, rendering it onto a surface of
// a target size, and encoding the surface to a lossy format.
//
// The pipeline only talks to Backend, so it can be driven by the imaging-based
// implementation in production and by a fake in tests.
package raster

import (
	"encoding/base64"
	"math"
)

// OutputMimeType is the media type of every encoded artifact.
const OutputMimeType = "image/jpeg"

// Handle is a decoded or rendered bitmap.
type Handle interface {
	Width() int
	Height() int
}

// Backend is the capability set the compression engine needs.
type Backend interface {
	// Decode turns encoded bytes into a bitmap.
	Decode(data []byte) (Handle, error)
	// RenderResized draws h onto a new surface of exactly width x height.
	RenderResized(h Handle, width, height int) (Handle, error)
	// Encode serialises h with quality in the range 1-100.
	Encode(h Handle, quality int) ([]byte, error)
}

// TargetSize returns the output dimensions for a width x height bitmap bounded
// by maxDim on its longest edge. Images that already fit are never upscaled;
// larger ones are scaled by maxDim/max(width, height) with aspect ratio kept.
func TargetSize(width, height, maxDim int) (int, int) {
	if width <= 0 || height <= 0 || maxDim <= 0 {
		return width, height
	}
	if width <= maxDim && height <= maxDim {
		return width, height
	}

	scale := float64(maxDim) / float64(max(width, height))
	w := int(math.Round(float64(width) * scale))
	h := int(math.Round(float64(height) * scale))
	return min(max(w, 1), maxDim), min(max(h, 1), maxDim)
}

// DataURL renders data as a base64 data URL.
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ClampQuality forces q into the encoder's accepted range.
func ClampQuality(q int) int {
	return min(max(q, 1), 100)
}

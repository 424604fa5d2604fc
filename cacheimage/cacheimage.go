// Package cacheimage holds the decoded-image value type shared by every
// tier of the cache, plus the pluggable decode collaborator the core
// treats as an external dependency. Format-specific pixel decoding is
// not this core's job; callers supply a real codec.
package cacheimage

// BytesPerPixel is assumed for cost accounting across all formats, since
// format-specific pixel layout isn't tracked here.
const BytesPerPixel = 4

// CachedImage is a decoded image plus its original encoded byte payload.
type CachedImage struct {
	Width      int
	Height     int
	Scale      float64 // 1.0 for unscaled
	FrameCount int     // 1 for static images
	Format     string  // e.g. "png", "jpeg", "gif"
	Data       []byte  // original encoded bytes, exactly as received
}

// Cost is the memory footprint attributed to this entry for eviction
// accounting: width * height * scale^2 * bytes-per-pixel * frameCount.
func (c *CachedImage) Cost() int64 {
	if c == nil {
		return 0
	}
	scale := c.Scale
	if scale <= 0 {
		scale = 1
	}
	frames := c.FrameCount
	if frames <= 0 {
		frames = 1
	}
	return int64(float64(c.Width) * float64(c.Height) * scale * scale * float64(BytesPerPixel) * float64(frames))
}

// Decoder turns raw encoded bytes into a CachedImage. Callers inject a
// real decoder through the Manager constructor, or construct one around
// a decoder of their choice. StubDecoder below keeps the core runnable
// without one.
type Decoder interface {
	Decode(data []byte, formatHint string) (*CachedImage, error)
}

// StubDecoder wraps raw bytes into a CachedImage without inspecting pixel
// content, reporting a single frame with placeholder 1x1 dimensions. It
// exists so Manager and the cache tiers are exercisable without wiring a
// real image codec.
type StubDecoder struct{}

// Decode implements Decoder.
func (StubDecoder) Decode(data []byte, formatHint string) (*CachedImage, error) {
	return &CachedImage{
		Width:      1,
		Height:     1,
		Scale:      1,
		FrameCount: 1,
		Format:     formatHint,
		Data:       data,
	}, nil
}

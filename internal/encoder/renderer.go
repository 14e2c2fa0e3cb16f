package encoder

// TextureHandle identifies the texture holding a camera frame.
type TextureHandle uint32

// Renderer owns the rendering context bound to an encoder input surface.
// It must only be used from the goroutine that created it.
type Renderer interface {
	// Draw renders texture into the input surface at the given time.
	Draw(texture TextureHandle, timestampNanos int64) error
	Release() error
}

// RendererFactory creates the rendering context for a surface.
type RendererFactory func(surface Surface, width, height int) (Renderer, error)

// SurfaceRenderer presents frames on a surface without any compositing. It
// is the renderer used with codecs that encode pre-rendered content, such as
// StreamCodec.
type SurfaceRenderer struct {
	surface Surface
}

// NewSurfaceRenderer is a RendererFactory for SurfaceRenderer.
func NewSurfaceRenderer(surface Surface, _, _ int) (Renderer, error) {
	return &SurfaceRenderer{surface: surface}, nil
}

// Draw implements Renderer.
func (r *SurfaceRenderer) Draw(_ TextureHandle, timestampNanos int64) error {
	return r.surface.Present(timestampNanos)
}

// Release implements Renderer. The surface is owned by the session.
func (r *SurfaceRenderer) Release() error {
	return nil
}

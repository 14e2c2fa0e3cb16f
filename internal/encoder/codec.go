// Package encoder wraps the video encoder used by a recording: the codec
// handle, its input surface and the rendering context that draws into it.
package encoder

import (
	"time"

	"github.com/glrecorder/glrecorder/internal/core"
)

const (
	// DefaultFrameRate is used when the configuration leaves it unset.
	DefaultFrameRate = 30
	// DefaultKeyFrameInterval trades file size for simpler seeking.
	DefaultKeyFrameInterval = time.Second
	// DefaultBitrateFactor is the bits per pixel per frame of the bitrate policy.
	DefaultBitrateFactor = 0.2
)

// Config configures a video encoder.
type Config struct {
	Width            int
	Height           int
	FrameRate        int
	KeyFrameInterval time.Duration

	// Bitrate overrides the computed target bitrate when set.
	Bitrate func(width, height, frameRate int) int
	// BitrateFactor is used by the default bitrate policy.
	BitrateFactor float64
}

// TargetBitrate returns the bitrate in bits per second.
func (c Config) TargetBitrate() int {
	if c.Bitrate != nil {
		return c.Bitrate(c.Width, c.Height, c.FrameRate)
	}
	factor := c.BitrateFactor
	if factor <= 0 {
		factor = DefaultBitrateFactor
	}
	return int(float64(c.Width*c.Height*c.FrameRate) * factor)
}

func (c Config) withDefaults() Config {
	if c.FrameRate <= 0 {
		c.FrameRate = DefaultFrameRate
	}
	if c.KeyFrameInterval <= 0 {
		c.KeyFrameInterval = DefaultKeyFrameInterval
	}
	return c
}

// Surface is the virtual input surface of a codec. Frames drawn into it are
// encoded by the codec without passing through the caller.
type Surface interface {
	// Present submits the frame currently drawn on the surface.
	Present(timestampNanos int64) error
	Release() error
}

// OutputKind classifies the result of a dequeue.
type OutputKind int

const (
	// OutputTryAgainLater means no output was available within the timeout.
	OutputTryAgainLater OutputKind = iota
	// OutputFormatChanged carries the output format; it precedes any buffer.
	OutputFormatChanged
	// OutputBuffer carries an encoded sample that must be released.
	OutputBuffer
)

func (k OutputKind) String() string {
	switch k {
	case OutputTryAgainLater:
		return "try-again-later"
	case OutputFormatChanged:
		return "format-changed"
	case OutputBuffer:
		return "buffer"
	}
	return "unknown"
}

// Output is one event dequeued from a codec.
type Output struct {
	Kind   OutputKind
	Format core.Format
	Index  int
	Sample core.Sample
}

// Codec is the hardware video encoder contract.
type Codec interface {
	Configure(cfg Config) error
	CreateInputSurface() (Surface, error)
	Start() error
	// Dequeue waits at most timeout for an output event.
	Dequeue(timeout time.Duration) (Output, error)
	// ReleaseOutput returns an output buffer to the codec.
	ReleaseOutput(index int) error
	SignalEndOfInputStream() error
	Stop() error
	Release() error
}

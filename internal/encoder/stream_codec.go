package encoder

import (
	"io"
	"sync"
	"time"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"

	"github.com/glrecorder/glrecorder/internal/core"
	"github.com/glrecorder/glrecorder/internal/h264"
)

// ErrStreamExhausted is returned by Present once every access unit of the
// elementary stream has been submitted.
var ErrStreamExhausted = errors.New("elementary stream exhausted")

// StreamCodec is a Codec replaying a pre-encoded H.264 Annex-B elementary
// stream. Every frame presented on its input surface releases the next
// access unit as encoder output, so it behaves like a surface-driven
// hardware encoder whose pictures were produced ahead of time.
type StreamCodec struct {
	mu     sync.Mutex
	notify chan struct{}

	aus  [][][]byte
	next int

	format     core.Format
	configured bool
	started    bool
	released   bool
	eosQueued  bool

	queue     []Output
	inFlight  map[int]struct{}
	nextIndex int
}

// NewStreamCodec reads the whole elementary stream from r.
func NewStreamCodec(r io.Reader) (*StreamCodec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read elementary stream")
	}

	aus := h264.SplitAccessUnits(data)
	if len(aus) == 0 {
		return nil, errors.New("elementary stream contains no pictures")
	}

	return &StreamCodec{
		notify:   make(chan struct{}, 1),
		aus:      aus,
		inFlight: make(map[int]struct{}),
	}, nil
}

// Frames returns the number of pictures in the stream.
func (c *StreamCodec) Frames() int {
	return len(c.aus)
}

func (c *StreamCodec) parameterSets() (sps, pps []byte) {
	for _, au := range c.aus {
		s, p := h264.ExtractParameterSets(au)
		if sps == nil {
			sps = s
		}
		if pps == nil {
			pps = p
		}
		if sps != nil && pps != nil {
			break
		}
	}
	return sps, pps
}

func spsResolution(sps []byte) (width, height int, ok bool) {
	var parsed mch264.SPS
	if err := parsed.Unmarshal(sps); err != nil {
		return 0, 0, false
	}
	return parsed.Width(), parsed.Height(), true
}

// Resolution returns the picture size declared by the stream's SPS.
func (c *StreamCodec) Resolution() (width, height int, ok bool) {
	sps, _ := c.parameterSets()
	if sps == nil {
		return 0, 0, false
	}
	return spsResolution(sps)
}

// Configure implements Codec.
func (c *StreamCodec) Configure(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return errors.New("codec released")
	}

	sps, pps := c.parameterSets()
	if sps == nil || pps == nil {
		return errors.New("elementary stream has no SPS/PPS")
	}

	width, height := cfg.Width, cfg.Height
	if w, h, ok := spsResolution(sps); ok {
		width, height = w, h
	}

	c.format = core.Format{
		Kind:   core.KindVideo,
		Width:  width,
		Height: height,
		SPS:    sps,
		PPS:    pps,
	}
	c.configured = true
	return nil
}

// CreateInputSurface implements Codec.
func (c *StreamCodec) CreateInputSurface() (Surface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.configured {
		return nil, errors.New("codec not configured")
	}
	return &streamSurface{codec: c}, nil
}

// Start implements Codec.
func (c *StreamCodec) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.configured {
		return errors.New("codec not configured")
	}
	if c.started {
		return errors.New("codec already started")
	}
	c.started = true

	c.queue = append(c.queue, Output{Kind: OutputFormatChanged, Format: c.format})
	c.enqueueBufferLocked(core.Sample{
		Kind:  core.KindVideo,
		Data:  h264.MarshalAnnexB([][]byte{c.format.SPS, c.format.PPS}),
		Flags: core.FlagCodecConfig,
	})
	return nil
}

func (c *StreamCodec) enqueueBufferLocked(sample core.Sample) {
	index := c.nextIndex
	c.nextIndex++
	c.inFlight[index] = struct{}{}
	c.queue = append(c.queue, Output{Kind: OutputBuffer, Index: index, Sample: sample})

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *StreamCodec) present(timestampNanos int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return errors.New("codec not started")
	}
	if c.eosQueued {
		return errors.New("end of stream already signaled")
	}
	if c.next >= len(c.aus) {
		return ErrStreamExhausted
	}

	au := c.aus[c.next]
	c.next++

	var flags core.SampleFlags
	if h264.IsKeyFrame(au) {
		flags |= core.FlagKeyFrame
	}
	c.enqueueBufferLocked(core.Sample{
		Kind:  core.KindVideo,
		Data:  h264.MarshalAnnexB(au),
		PTS:   timestampNanos / 1000,
		Flags: flags,
	})
	return nil
}

// Dequeue implements Codec.
func (c *StreamCodec) Dequeue(timeout time.Duration) (Output, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		if c.released {
			c.mu.Unlock()
			return Output{}, errors.New("codec released")
		}
		if len(c.queue) > 0 {
			out := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return out, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-deadline.C:
			return Output{Kind: OutputTryAgainLater}, nil
		}
	}
}

// ReleaseOutput implements Codec.
func (c *StreamCodec) ReleaseOutput(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inFlight[index]; !ok {
		return errors.Errorf("unknown output buffer %d", index)
	}
	delete(c.inFlight, index)
	return nil
}

// SignalEndOfInputStream implements Codec.
func (c *StreamCodec) SignalEndOfInputStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return errors.New("codec not started")
	}
	if c.eosQueued {
		return nil
	}
	c.eosQueued = true
	c.enqueueBufferLocked(core.Sample{Kind: core.KindVideo, Flags: core.FlagEndOfStream})
	return nil
}

// Stop implements Codec.
func (c *StreamCodec) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return errors.New("codec not started")
	}
	c.started = false
	return nil
}

// Release implements Codec.
func (c *StreamCodec) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.released = true
	c.queue = nil
	c.inFlight = make(map[int]struct{})
	return nil
}

type streamSurface struct {
	codec *StreamCodec
}

func (s *streamSurface) Present(timestampNanos int64) error {
	return s.codec.present(timestampNanos)
}

func (s *streamSurface) Release() error {
	return nil
}

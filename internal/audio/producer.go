package audio

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"

	"github.com/glrecorder/glrecorder/internal/core"
)

// DefaultQueueSize is the number of PCM chunks buffered between capture and
// compression. When full, the oldest chunk is dropped.
const DefaultQueueSize = 5

// AAC-LC frames always carry 1024 samples per channel.
const samplesPerFrame = 1024

// Capture is a microphone (or any PCM source). It reports through the
// callback from its own goroutine.
type Capture interface {
	Start(cb CaptureCallback) error
	Stop() error
}

// CaptureCallback receives raw PCM from a Capture.
type CaptureCallback interface {
	OnStarted(sampleRate, channelCount, bufferSizeHint int)
	OnPCM(pcm []byte)
	OnFinished()
}

// Compressor turns PCM into raw AAC access units.
type Compressor interface {
	Configure(sampleRate, channelCount int) (mpeg4audio.AudioSpecificConfig, error)
	Encode(pcm []byte) ([][]byte, error)
	Flush() ([][]byte, error)
	Close() error
}

type captureParams struct {
	sampleRate     int
	channelCount   int
	bufferSizeHint int
}

// Producer is a Source that compresses PCM from a Capture on its own
// goroutine.
type Producer struct {
	capture    Capture
	compressor Compressor
	logger     *slog.Logger
	queueSize  int

	mu       sync.Mutex
	queue    [][]byte
	params   *captureParams
	finished bool
	dropped  int
	wake     chan struct{}

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewProducer creates a Producer. The Producer is itself the CaptureCallback
// handed to capture.Start.
func NewProducer(capture Capture, compressor Compressor, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		capture:    capture,
		compressor: compressor,
		logger:     logger.With("component", "audio"),
		queueSize:  DefaultQueueSize,
		wake:       make(chan struct{}, 1),
	}
}

func (p *Producer) OnStarted(sampleRate, channelCount, bufferSizeHint int) {
	p.mu.Lock()
	p.params = &captureParams{
		sampleRate:     sampleRate,
		channelCount:   channelCount,
		bufferSizeHint: bufferSizeHint,
	}
	p.mu.Unlock()
	p.logger.Debug("Audio capture started",
		"sampleRate", sampleRate, "channels", channelCount, "bufferSize", bufferSizeHint)
	p.signal()
}

func (p *Producer) OnPCM(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	chunk := append([]byte(nil), pcm...)

	p.mu.Lock()
	if len(p.queue) >= p.queueSize {
		p.queue = p.queue[1:]
		p.dropped++
	}
	p.queue = append(p.queue, chunk)
	p.mu.Unlock()
	p.signal()
}

func (p *Producer) OnFinished() {
	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()
	p.signal()
}

// Dropped returns how many PCM chunks were discarded because the queue was
// full.
func (p *Producer) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Producer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start starts the capture and the compression goroutine.
func (p *Producer) Start(ctx context.Context, events chan<- Event) error {
	if p.done != nil {
		return errors.New("audio producer already started")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	if err := p.capture.Start(p); err != nil {
		p.cancel()
		close(p.done)
		return errors.Wrap(err, "failed to start audio capture")
	}

	go p.run(ctx, events)
	return nil
}

// Stop stops the capture, lets the queued PCM be compressed and waits for the
// producer goroutine to exit.
func (p *Producer) Stop() {
	p.stopOnce.Do(func() {
		if p.done == nil {
			return
		}
		if err := p.capture.Stop(); err != nil {
			p.logger.Warn("Failed to stop audio capture", "error", err)
		}
		p.OnFinished()
		<-p.done
		p.cancel()
		if err := p.compressor.Close(); err != nil {
			p.logger.Warn("Failed to close audio compressor", "error", err)
		}
		if dropped := p.Dropped(); dropped > 0 {
			p.logger.Info("Audio producer dropped PCM chunks", "dropped", dropped)
		}
	})
}

func (p *Producer) run(ctx context.Context, events chan<- Event) {
	defer close(p.done)

	err := p.loop(ctx, events)
	if err != nil {
		p.logger.Warn("Audio producer failed", "error", err)
	}
	send(ctx, events, Finished{Err: err})
}

func (p *Producer) loop(ctx context.Context, events chan<- Event) error {
	var (
		configured bool
		sampleRate int
		produced   int64
	)

	emit := func(units [][]byte) bool {
		for _, au := range units {
			if len(au) == 0 {
				continue
			}
			s := core.Sample{
				Kind:  core.KindAudio,
				Data:  au,
				PTS:   produced * 1_000_000 / int64(sampleRate),
				Flags: core.FlagKeyFrame,
			}
			produced += samplesPerFrame
			if !send(ctx, events, UnitAvailable{Sample: s}) {
				return false
			}
		}
		return true
	}

	for {
		p.mu.Lock()
		params := p.params
		var chunk []byte
		if configured && len(p.queue) > 0 {
			chunk = p.queue[0]
			p.queue = p.queue[1:]
		}
		drained := p.finished && (len(p.queue) == 0 || params == nil)
		p.mu.Unlock()

		switch {
		case !configured && params != nil:
			asc, err := p.compressor.Configure(params.sampleRate, params.channelCount)
			if err != nil {
				return errors.Wrap(err, "failed to configure AAC compressor")
			}
			configured = true
			sampleRate = asc.SampleRate
			if sampleRate <= 0 {
				sampleRate = params.sampleRate
			}
			if !send(ctx, events, FormatReady{Format: core.Format{Kind: core.KindAudio, Audio: asc}}) {
				return nil
			}

		case chunk != nil:
			units, err := p.compressor.Encode(chunk)
			if err != nil {
				return errors.Wrap(err, "failed to compress PCM")
			}
			if !emit(units) {
				return nil
			}

		case drained:
			if configured {
				units, err := p.compressor.Flush()
				if err != nil {
					return errors.Wrap(err, "failed to flush AAC compressor")
				}
				emit(units)
			}
			return nil

		default:
			select {
			case <-p.wake:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

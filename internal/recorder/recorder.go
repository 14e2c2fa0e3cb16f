// Package recorder drives one recording: it owns the encoder session, the
// audio source and the muxer, and funnels all of their work through a single
// serial worker.
package recorder

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/glrecorder/glrecorder/internal/audio"
	"github.com/glrecorder/glrecorder/internal/encoder"
	"github.com/glrecorder/glrecorder/internal/muxer"
	"github.com/glrecorder/glrecorder/internal/timesync"
)

// DefaultDrainTimeout bounds each encoder poll.
const DefaultDrainTimeout = 10 * time.Millisecond

const audioEventBuffer = 64

var (
	// ErrInvalidParameter is returned by Start for a non-positive speed or
	// frame size.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrAlreadyStarted is returned by Start on a Recorder that has left
	// the Idle state.
	ErrAlreadyStarted = errors.New("recorder already started")

	errWorkerClosed = errors.New("worker closed")
)

// MuxerOpener opens the container for a recording.
type MuxerOpener func() (muxer.Muxer, error)

// FileMuxer returns a MuxerOpener writing format to path.
func FileMuxer(format, path string, logger *slog.Logger) MuxerOpener {
	return func() (muxer.Muxer, error) {
		return muxer.New(format, path, logger)
	}
}

// Options configures a Recorder.
type Options struct {
	Width  int
	Height int

	// Encoder overrides. Zero values select the defaults of encoder.Config.
	FrameRate        int
	KeyFrameInterval time.Duration
	BitrateFactor    float64
	Bitrate          func(width, height, frameRate int) int

	Codec       encoder.Codec
	NewRenderer encoder.RendererFactory
	OpenMuxer   MuxerOpener

	// Audio is optional. Without it the recording has a single video track.
	Audio audio.Source

	Clock        clock.PassiveClock
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Stats are counters of one recording. They may be read at any time.
type Stats struct {
	FramesFed      int64 `toml:"frames_fed"`
	FramesIgnored  int64 `toml:"frames_ignored"`
	VideoSamples   int64 `toml:"video_samples"`
	AudioSamples   int64 `toml:"audio_samples"`
	DroppedLeading int64 `toml:"dropped_leading"`
	Discarded      int64 `toml:"discarded"`
	WriteErrors    int64 `toml:"write_errors"`
	AudioEvents    int64 `toml:"audio_events"`
}

type counters struct {
	framesFed      atomic.Int64
	framesIgnored  atomic.Int64
	videoSamples   atomic.Int64
	audioSamples   atomic.Int64
	droppedLeading atomic.Int64
	discarded      atomic.Int64
	writeErrors    atomic.Int64
	audioEvents    atomic.Int64
}

// Recorder records one video track and optionally one audio track into a
// container. A Recorder is used once: Idle, Preparing, Recording, Stopping,
// Stopped.
type Recorder struct {
	id     string
	opts   Options
	logger *slog.Logger
	state  atomic.Int32
	stats  counters

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	worker      *worker
	audioCancel context.CancelFunc
	audioDone   chan struct{}

	// Owned by the worker.
	session      *encoder.Session
	registry     *muxer.Registry
	timeline     *timesync.Synchronizer
	keyFrameSeen bool
	released     bool
}

// New validates the collaborators in opts and returns an idle Recorder.
func New(opts Options) (*Recorder, error) {
	if opts.Codec == nil {
		return nil, errors.Wrap(ErrInvalidParameter, "codec is required")
	}
	if opts.OpenMuxer == nil {
		return nil, errors.Wrap(ErrInvalidParameter, "muxer is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.NewString()
	return &Recorder{
		id:     id,
		opts:   opts,
		logger: opts.Logger.With("component", "recorder", "session", id),
	}, nil
}

// ID returns the session id used in logs.
func (r *Recorder) ID() string {
	return r.id
}

func (r *Recorder) State() State {
	return State(r.state.Load())
}

func (r *Recorder) setState(s State) {
	old := State(r.state.Swap(int32(s)))
	if old != s {
		r.logger.Debug("State changed", "from", old, "to", s)
	}
}

func (r *Recorder) Stats() Stats {
	return Stats{
		FramesFed:      r.stats.framesFed.Load(),
		FramesIgnored:  r.stats.framesIgnored.Load(),
		VideoSamples:   r.stats.videoSamples.Load(),
		AudioSamples:   r.stats.audioSamples.Load(),
		DroppedLeading: r.stats.droppedLeading.Load(),
		Discarded:      r.stats.discarded.Load(),
		WriteErrors:    r.stats.writeErrors.Load(),
		AudioEvents:    r.stats.audioEvents.Load(),
	}
}

func (r *Recorder) encoderConfig() encoder.Config {
	return encoder.Config{
		Width:            r.opts.Width,
		Height:           r.opts.Height,
		FrameRate:        r.opts.FrameRate,
		KeyFrameInterval: r.opts.KeyFrameInterval,
		BitrateFactor:    r.opts.BitrateFactor,
		Bitrate:          r.opts.Bitrate,
	}
}

// Start opens the muxer and the encoder, starts the audio source and waits
// until the encoder is ready to accept frames. speed scales the video
// timeline: 2.0 plays back twice as fast.
func (r *Recorder) Start(speed float64) error {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return errors.Wrapf(ErrInvalidParameter, "speed must be positive, got %v", speed)
	}
	if r.opts.Width <= 0 || r.opts.Height <= 0 {
		return errors.Wrapf(ErrInvalidParameter, "invalid frame size %dx%d", r.opts.Width, r.opts.Height)
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if !r.state.CompareAndSwap(int32(StateIdle), int32(StatePreparing)) {
		return errors.Wrapf(ErrAlreadyStarted, "state is %v", r.State())
	}
	r.logger.Info("Starting recording", "speed", speed, "width", r.opts.Width, "height", r.opts.Height)

	m, err := r.opts.OpenMuxer()
	if err != nil {
		r.setState(StateStopped)
		return errors.Wrap(err, "failed to open muxer")
	}

	session := encoder.NewSession(r.opts.Codec, r.opts.NewRenderer, r.logger)
	if _, err := session.Open(r.encoderConfig()); err != nil {
		if relErr := m.Release(); relErr != nil {
			r.logger.Warn("Failed to release muxer", "error", relErr)
		}
		r.setState(StateStopped)
		return err
	}

	r.session = session
	r.registry = muxer.NewRegistry(m, r.opts.Audio != nil, r.logger)
	r.timeline = timesync.New(r.opts.Clock, speed)
	r.worker = newWorker()

	prepared := make(chan error, 1)
	r.worker.post(func() { prepared <- r.session.Prepare() })

	audioErr := r.startAudio()

	if err := <-prepared; err != nil || audioErr != nil {
		r.stopAudio()
		if tdErr := r.worker.call(r.teardown); tdErr != nil {
			r.logger.Warn("Teardown after failed start", "error", tdErr)
		}
		r.worker.quit()
		r.setState(StateStopped)
		if err != nil {
			r.logger.Error("Encoder failed to start", "error", err)
			return err
		}
		return audioErr
	}

	r.setState(StateRecording)
	r.logger.Info("Recording started")
	return nil
}

// Feed renders one frame and drains the encoder on the worker. Frames fed
// outside the Recording state are ignored.
func (r *Recorder) Feed(texture encoder.TextureHandle, timestampNanos int64) {
	if r.State() != StateRecording {
		r.stats.framesIgnored.Add(1)
		return
	}

	posted := r.worker.post(func() {
		if r.released {
			r.stats.framesIgnored.Add(1)
			return
		}
		r.stats.framesFed.Add(1)
		if err := r.session.Draw(texture, timestampNanos); err != nil {
			r.logger.Warn("Failed to draw frame", "error", err)
		}
		if err := r.drain(false); err != nil {
			r.logger.Warn("Failed to drain encoder", "error", err)
		}
	})
	if !posted {
		r.stats.framesIgnored.Add(1)
	}
}

// Stop drains the encoder and tears the recording down: end of stream and
// final drain, audio source, muxer, encoder. It blocks until the worker has
// exited. Stop on an idle Recorder only marks it stopped; further calls are
// no-ops. A muxer that received no samples is not an error.
func (r *Recorder) Stop() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	switch r.State() {
	case StateIdle:
		r.setState(StateStopped)
		return nil
	case StateRecording:
	default:
		return nil
	}

	r.setState(StateStopping)
	r.logger.Info("Stopping recording")

	err := r.worker.call(func() error {
		var err error
		if !r.released {
			if eosErr := r.session.SignalEndOfStream(); eosErr != nil {
				r.logger.Warn("Failed to signal end of stream", "error", eosErr)
			} else if drainErr := r.drain(true); drainErr != nil {
				err = multierr.Append(err, errors.Wrap(drainErr, "final drain"))
			}
		}
		r.stopAudio()
		return multierr.Append(err, r.teardown())
	})
	r.worker.quit()
	r.setState(StateStopped)

	stats := r.Stats()
	r.logger.Info("Recording stopped",
		"frames", stats.FramesFed,
		"videoSamples", stats.VideoSamples,
		"audioSamples", stats.AudioSamples,
		"droppedLeading", stats.DroppedLeading,
		"discarded", stats.Discarded)
	if err != nil {
		r.logger.Warn("Recording stopped with errors", "error", err)
	}
	return err
}

// teardown releases the muxer and the encoder session. Worker only.
func (r *Recorder) teardown() error {
	if r.released {
		return nil
	}
	r.released = true

	var err error
	err = multierr.Append(err, r.registry.Close())
	err = multierr.Append(err, errors.Wrap(r.session.Close(), "close encoder"))
	r.timeline.Reset()
	return err
}

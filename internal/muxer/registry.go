package muxer

import (
	"log/slog"

	"github.com/pkg/errors"

	"github.com/glrecorder/glrecorder/internal/core"
)

// Registry tracks which elementary streams have been registered with a Muxer
// and starts it exactly once, when the required set is complete. It is owned
// by the recording's serial worker and is not safe for concurrent use.
type Registry struct {
	muxer    Muxer
	required []core.TrackKind
	tracks   map[core.TrackKind]int
	lastPTS  map[core.TrackKind]int64
	written  map[core.TrackKind]int
	started  bool
	closed   bool
	logger   *slog.Logger
}

// NewRegistry wraps m. Video is always required; audio only when withAudio.
func NewRegistry(m Muxer, withAudio bool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	required := []core.TrackKind{core.KindVideo}
	if withAudio {
		required = append(required, core.KindAudio)
	}
	return &Registry{
		muxer:    m,
		required: required,
		tracks:   make(map[core.TrackKind]int),
		lastPTS:  make(map[core.TrackKind]int64),
		written:  make(map[core.TrackKind]int),
		logger:   logger,
	}
}

func (r *Registry) isRequired(kind core.TrackKind) bool {
	for _, k := range r.required {
		if k == kind {
			return true
		}
	}
	return false
}

// Register adds the track for format.Kind and starts the muxer if this
// completes the required set. startedNow reports whether this call started
// it.
func (r *Registry) Register(format core.Format) (startedNow bool, err error) {
	if r.closed {
		return false, errStopped
	}
	if !r.isRequired(format.Kind) {
		return false, errors.Errorf("%v track is not part of this recording", format.Kind)
	}
	if _, ok := r.tracks[format.Kind]; ok {
		return false, errors.Errorf("%v track already registered", format.Kind)
	}

	idx, err := r.muxer.AddTrack(format)
	if err != nil {
		return false, errors.Wrapf(err, "failed to add %v track", format.Kind)
	}
	r.tracks[format.Kind] = idx
	r.logger.Info("Track registered", "kind", format.Kind, "index", idx)

	if r.started || len(r.tracks) < len(r.required) {
		return false, nil
	}
	if err := r.muxer.Start(); err != nil {
		return false, errors.Wrap(err, "failed to start muxer")
	}
	r.started = true
	r.logger.Info("Muxer started", "tracks", len(r.tracks))
	return true, nil
}

func (r *Registry) Started() bool {
	return r.started
}

// Write hands one sample to the muxer. A PTS lower than the previous sample
// on the same track is clamped to it.
func (r *Registry) Write(sample core.Sample) error {
	if r.closed {
		return errStopped
	}
	if !r.started {
		return ErrNotStarted
	}
	idx, ok := r.tracks[sample.Kind]
	if !ok {
		return errors.Errorf("no %v track registered", sample.Kind)
	}

	if last, ok := r.lastPTS[sample.Kind]; ok && sample.PTS < last {
		r.logger.Debug("Clamping decreasing timestamp",
			"kind", sample.Kind, "pts", sample.PTS, "previous", last)
		sample.PTS = last
	}

	if err := r.muxer.WriteSampleData(idx, sample); err != nil {
		return errors.Wrapf(err, "failed to write %v sample", sample.Kind)
	}
	r.lastPTS[sample.Kind] = sample.PTS
	r.written[sample.Kind]++
	return nil
}

// Close stops and releases the muxer. ErrNoSamples is logged and swallowed.
// Close is idempotent.
func (r *Registry) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.logger.Info("Closing muxer",
		"videoSamples", r.written[core.KindVideo], "audioSamples", r.written[core.KindAudio])

	var err error
	if stopErr := r.muxer.Stop(); stopErr != nil {
		if errors.Is(stopErr, ErrNoSamples) {
			r.logger.Warn("Muxer stopped without samples", "error", stopErr)
		} else {
			err = errors.Wrap(stopErr, "failed to stop muxer")
		}
	}
	if relErr := r.muxer.Release(); relErr != nil {
		r.logger.Warn("Failed to release muxer", "error", relErr)
	}
	return err
}

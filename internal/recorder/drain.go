package recorder

import (
	"github.com/pkg/errors"

	"github.com/glrecorder/glrecorder/internal/core"
	"github.com/glrecorder/glrecorder/internal/encoder"
)

// drain moves encoder output into the muxer until the encoder has nothing
// ready or, when endOfStream is set, until it reports end of stream.
// Worker only.
func (r *Recorder) drain(endOfStream bool) error {
	for {
		out, err := r.session.DrainOnce(r.opts.DrainTimeout)
		if err != nil {
			return errors.Wrap(err, "failed to dequeue encoder output")
		}

		switch out.Kind {
		case encoder.OutputTryAgainLater:
			if !endOfStream {
				return nil
			}

		case encoder.OutputFormatChanged:
			started, err := r.registry.Register(out.Format)
			if err != nil {
				return errors.Wrap(err, "failed to register video track")
			}
			r.logger.Info("Video format ready",
				"width", out.Format.Width, "height", out.Format.Height, "muxerStarted", started)

		case encoder.OutputBuffer:
			if r.handleVideoOutput(out) {
				return nil
			}
		}
	}
}

// handleVideoOutput writes one encoder buffer and returns it to the codec.
// It reports whether the buffer carried the end-of-stream flag.
func (r *Recorder) handleVideoOutput(out encoder.Output) bool {
	defer func() {
		if err := r.session.ReleaseOutput(out.Index); err != nil {
			r.logger.Warn("Failed to release output buffer", "index", out.Index, "error", err)
		}
	}()

	sample := out.Sample
	// Parameter sets travel in the track format.
	if len(sample.Data) > 0 && !sample.IsCodecConfig() {
		r.writeVideo(sample)
	}

	if sample.IsEndOfStream() {
		r.logger.Debug("Encoder reached end of stream")
		return true
	}
	return false
}

// writeVideo gates a video sample on the muxer and on the first key frame.
// Samples that arrive before the muxer starts are discarded without touching
// the gate, so the first sample written is always a key frame and the clock
// latches on it.
func (r *Recorder) writeVideo(sample core.Sample) {
	if !r.registry.Started() {
		r.stats.discarded.Add(1)
		return
	}

	if !r.keyFrameSeen {
		if !sample.IsKeyFrame() {
			r.stats.droppedLeading.Add(1)
			r.logger.Debug("Dropping video sample before first key frame", "size", len(sample.Data))
			return
		}
		r.keyFrameSeen = true
		r.timeline.Latch()
		r.logger.Debug("First key frame, clock latched")
	}

	sample.PTS = r.timeline.Presentation()
	if err := r.registry.Write(sample); err != nil {
		r.stats.writeErrors.Add(1)
		r.logger.Warn("Failed to write video sample", "error", err)
		return
	}
	r.stats.videoSamples.Add(1)
}

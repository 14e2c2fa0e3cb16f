package recorder

import (
	"context"

	"github.com/pkg/errors"

	"github.com/glrecorder/glrecorder/internal/audio"
)

// startAudio starts the audio source and forwards its events to the worker.
func (r *Recorder) startAudio() error {
	if r.opts.Audio == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan audio.Event, audioEventBuffer)
	if err := r.opts.Audio.Start(ctx, events); err != nil {
		cancel()
		return errors.Wrap(err, "failed to start audio source")
	}

	r.audioCancel = cancel
	r.audioDone = make(chan struct{})
	go r.forwardAudio(ctx, events)
	return nil
}

func (r *Recorder) forwardAudio(ctx context.Context, events <-chan audio.Event) {
	defer close(r.audioDone)
	for {
		select {
		case ev := <-events:
			r.worker.post(func() { r.handleAudio(ev) })
			if _, ok := ev.(audio.Finished); ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// stopAudio stops the source and waits for the forwarder.
func (r *Recorder) stopAudio() {
	if r.audioCancel == nil {
		return
	}
	r.opts.Audio.Stop()
	r.audioCancel()
	<-r.audioDone
	r.audioCancel = nil
}

// handleAudio runs on the worker.
func (r *Recorder) handleAudio(ev audio.Event) {
	defer r.stats.audioEvents.Add(1)

	if r.released {
		return
	}

	switch e := ev.(type) {
	case audio.FormatReady:
		started, err := r.registry.Register(e.Format)
		if err != nil {
			r.logger.Error("Failed to register audio track", "error", err)
			return
		}
		r.logger.Info("Audio format ready",
			"sampleRate", e.Format.Audio.SampleRate,
			"channels", e.Format.Audio.ChannelCount,
			"muxerStarted", started)

	case audio.UnitAvailable:
		// Audio has no GOP: it only waits for the muxer and for video to
		// have written its first key frame.
		if !r.registry.Started() || !r.keyFrameSeen {
			r.stats.discarded.Add(1)
			return
		}
		sample := e.Sample
		sample.PTS = r.timeline.Elapsed()
		if err := r.registry.Write(sample); err != nil {
			r.stats.writeErrors.Add(1)
			r.logger.Warn("Failed to write audio sample", "error", err)
			return
		}
		r.stats.audioSamples.Add(1)

	case audio.Finished:
		if e.Err != nil {
			r.logger.Warn("Audio source finished with error", "error", e.Err)
			return
		}
		r.logger.Info("Audio source finished")
	}
}

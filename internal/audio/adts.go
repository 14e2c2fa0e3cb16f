package audio

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/glrecorder/glrecorder/internal/core"
)

// ADTSSource replays an AAC ADTS stream as if it were a live microphone.
// With a nil clock units are emitted as fast as they are consumed.
type ADTSSource struct {
	packets mpeg4audio.ADTSPackets
	clock   clock.Clock
	logger  *slog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewADTSSource reads the whole ADTS stream from r.
func NewADTSSource(r io.Reader, c clock.Clock, logger *slog.Logger) (*ADTSSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ADTS stream")
	}

	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(buf); err != nil {
		return nil, errors.Wrap(err, "failed to parse ADTS stream")
	}
	if len(pkts) == 0 {
		return nil, errors.New("ADTS stream contains no frames")
	}

	return &ADTSSource{
		packets: pkts,
		clock:   c,
		logger:  logger.With("component", "audio"),
	}, nil
}

// Format returns the AAC configuration of the first frame.
func (s *ADTSSource) Format() core.Format {
	pkt := s.packets[0]
	return core.Format{
		Kind: core.KindAudio,
		Audio: mpeg4audio.AudioSpecificConfig{
			Type:         pkt.Type,
			SampleRate:   pkt.SampleRate,
			ChannelCount: pkt.ChannelCount,
		},
	}
}

// Frames returns the number of AAC frames in the stream.
func (s *ADTSSource) Frames() int {
	return len(s.packets)
}

// Duration returns the playback length of the stream.
func (s *ADTSSource) Duration() time.Duration {
	return s.frameOffset(len(s.packets))
}

func (s *ADTSSource) frameOffset(i int) time.Duration {
	return time.Duration(int64(i) * samplesPerFrame * int64(time.Second) / int64(s.packets[0].SampleRate))
}

func (s *ADTSSource) Start(ctx context.Context, events chan<- Event) error {
	if s.done != nil {
		return errors.New("ADTS source already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx, events)
	return nil
}

func (s *ADTSSource) Stop() {
	s.stopOnce.Do(func() {
		if s.done == nil {
			return
		}
		s.cancel()
		<-s.done
	})
}

func (s *ADTSSource) run(ctx context.Context, events chan<- Event) {
	defer close(s.done)

	if !send(ctx, events, FormatReady{Format: s.Format()}) {
		return
	}

	var start time.Time
	if s.clock != nil {
		start = s.clock.Now()
	}

	for i, pkt := range s.packets {
		if s.clock != nil {
			if wait := s.frameOffset(i) - s.clock.Since(start); wait > 0 {
				select {
				case <-s.clock.After(wait):
				case <-ctx.Done():
					return
				}
			}
		}

		sample := core.Sample{
			Kind:  core.KindAudio,
			Data:  pkt.AU,
			PTS:   s.frameOffset(i).Microseconds(),
			Flags: core.FlagKeyFrame,
		}
		if !send(ctx, events, UnitAvailable{Sample: sample}) {
			return
		}
	}

	s.logger.Debug("ADTS stream finished", "frames", len(s.packets))
	send(ctx, events, Finished{})
}

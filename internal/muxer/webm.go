package muxer

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/glrecorder/glrecorder/internal/core"
	"github.com/glrecorder/glrecorder/internal/h264"
)

const (
	webmTrackTypeVideo = 1
	webmTrackTypeAudio = 2

	webmCloseTimeout = 5 * time.Second
)

// fileCloser lets the block writers close the file while Stop waits for it.
type fileCloser struct {
	*os.File
	once sync.Once
	done chan struct{}
	err  error
}

func newFileCloser(f *os.File) *fileCloser {
	return &fileCloser{File: f, done: make(chan struct{})}
}

func (f *fileCloser) Close() error {
	f.once.Do(func() {
		f.err = f.File.Close()
		close(f.done)
	})
	return f.err
}

// WebMMuxer writes H.264 and AAC into a Matroska/WebM file. Block
// timestamps are in milliseconds (the default TimecodeScale).
type WebMMuxer struct {
	trackSet

	path    string
	file    *fileCloser
	writers []webm.BlockWriteCloser
	logger  *slog.Logger

	mu       sync.Mutex
	fatalErr error
}

// NewWebMMuxer creates the output file.
func NewWebMMuxer(path string, logger *slog.Logger) (*WebMMuxer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", path)
	}
	return &WebMMuxer{
		path:   path,
		file:   newFileCloser(f),
		logger: logger.With("component", "webm_muxer", "path", path),
	}, nil
}

func (m *WebMMuxer) AddTrack(format core.Format) (int, error) {
	return m.trackSet.add(format)
}

func trackEntry(number uint64, format core.Format) (webm.TrackEntry, error) {
	switch format.Kind {
	case core.KindVideo:
		private, err := h264.MarshalDecoderConfig(format.SPS, format.PPS)
		if err != nil {
			return webm.TrackEntry{}, err
		}
		return webm.TrackEntry{
			Name:         "Video",
			TrackNumber:  number,
			TrackUID:     number,
			CodecID:      "V_MPEG4/ISO/AVC",
			CodecPrivate: private,
			TrackType:    webmTrackTypeVideo,
			Video: &webm.Video{
				PixelWidth:  uint64(format.Width),
				PixelHeight: uint64(format.Height),
			},
		}, nil

	default:
		private, err := format.Audio.Marshal()
		if err != nil {
			return webm.TrackEntry{}, errors.Wrap(err, "failed to marshal AudioSpecificConfig")
		}
		return webm.TrackEntry{
			Name:         "Audio",
			TrackNumber:  number,
			TrackUID:     number,
			CodecID:      "A_AAC",
			CodecPrivate: private,
			TrackType:    webmTrackTypeAudio,
			Audio: &webm.Audio{
				SamplingFrequency: float64(format.Audio.SampleRate),
				Channels:          uint64(format.Audio.ChannelCount),
			},
		}, nil
	}
}

// Start writes the EBML header and the track list.
func (m *WebMMuxer) Start() error {
	if err := m.trackSet.start(); err != nil {
		return err
	}

	entries := make([]webm.TrackEntry, 0, len(m.formats))
	for i, f := range m.formats {
		entry, err := trackEntry(uint64(i+1), f)
		if err != nil {
			return errors.Wrapf(err, "invalid %v track", f.Kind)
		}
		entries = append(entries, entry)
	}

	writers, err := webm.NewSimpleBlockWriter(m.file, entries,
		mkvcore.WithOnFatalHandler(func(err error) {
			m.logger.Warn("WebM writer failed", "error", err)
			m.mu.Lock()
			m.fatalErr = err
			m.mu.Unlock()
		}))
	if err != nil {
		return errors.Wrap(err, "failed to create WebM writer")
	}
	m.writers = writers

	m.logger.Debug("WebM header written", "tracks", len(entries))
	return nil
}

func (m *WebMMuxer) fatal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalErr
}

func (m *WebMMuxer) WriteSampleData(track int, sample core.Sample) error {
	if err := m.checkWrite(track); err != nil {
		return err
	}
	if err := m.fatal(); err != nil {
		return err
	}

	payload, err := samplePayload(sample)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}

	keyframe := sample.Kind == core.KindAudio || sample.IsKeyFrame()
	if _, err := m.writers[track].Write(keyframe, sample.PTS/1000, payload); err != nil {
		return errors.Wrapf(err, "failed to write %v block", sample.Kind)
	}
	m.written[track]++
	return nil
}

// Stop closes every track writer, which finalizes and closes the file.
func (m *WebMMuxer) Stop() error {
	if m.stopped {
		return errStopped
	}
	m.stopped = true

	err := m.closeWriters()
	if m.total() == 0 {
		if rmErr := multierr.Append(err, removeIfExists(m.path)); rmErr != nil {
			m.logger.Warn("Failed to remove empty output", "error", rmErr)
		}
		return ErrNoSamples
	}
	if err != nil {
		return err
	}

	m.logger.Info("WebM file written", "blocks", m.total())
	return nil
}

func (m *WebMMuxer) closeWriters() error {
	var err error
	for _, w := range m.writers {
		err = multierr.Append(err, w.Close())
	}
	if len(m.writers) > 0 {
		// The block writers close the file once the last of them has
		// flushed.
		select {
		case <-m.file.done:
		case <-time.After(webmCloseTimeout):
			m.logger.Warn("Timed out waiting for WebM writer to finish")
		}
	}
	m.writers = nil
	return multierr.Append(err, m.file.Close())
}

func (m *WebMMuxer) Release() error {
	m.stopped = true
	return m.closeWriters()
}

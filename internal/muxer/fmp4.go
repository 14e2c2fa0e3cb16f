package muxer

import (
	"log/slog"
	"os"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/glrecorder/glrecorder/internal/core"
)

type fmp4Track struct {
	id        int
	format    core.Format
	timeScale uint32

	// The newest sample is held back until its successor arrives so that
	// its duration is exact.
	pending    *fmp4.Sample
	pendingDTS int64
	lastDur    int64
}

// FMP4Muxer writes a fragmented MP4 file with one fragment per sample. The
// file stays playable up to the last fragment if the process dies.
type FMP4Muxer struct {
	trackSet

	path           string
	file           *os.File
	tracks         []*fmp4Track
	sequenceNumber uint32
	logger         *slog.Logger
}

// NewFMP4Muxer creates the output file.
func NewFMP4Muxer(path string, logger *slog.Logger) (*FMP4Muxer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", path)
	}
	return &FMP4Muxer{
		path:           path,
		file:           f,
		sequenceNumber: 1,
		logger:         logger.With("component", "fmp4_muxer", "path", path),
	}, nil
}

func (m *FMP4Muxer) AddTrack(format core.Format) (int, error) {
	idx, err := m.trackSet.add(format)
	if err != nil {
		return -1, err
	}
	m.tracks = append(m.tracks, &fmp4Track{
		id:        idx + 1,
		format:    format,
		timeScale: format.ClockRate(),
	})
	return idx, nil
}

// Start writes the init segment.
func (m *FMP4Muxer) Start() error {
	if err := m.trackSet.start(); err != nil {
		return err
	}

	init := &fmp4.Init{}
	for _, t := range m.tracks {
		codec, _ := t.format.Codec()
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     codec,
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return errors.Wrap(err, "failed to marshal init segment")
	}
	if _, err := m.file.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write init segment")
	}

	m.logger.Debug("fMP4 init segment written", "size", len(buf.Bytes()), "tracks", len(m.tracks))
	return nil
}

func (m *FMP4Muxer) WriteSampleData(track int, sample core.Sample) error {
	if err := m.checkWrite(track); err != nil {
		return err
	}

	payload, err := samplePayload(sample)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}

	t := m.tracks[track]
	dts := scaleTimestamp(sample.PTS, t.timeScale)
	if t.pending != nil {
		duration := dts - t.pendingDTS
		if duration < 0 {
			duration = 0
		}
		if err := m.flushPending(t, duration); err != nil {
			return err
		}
	}

	t.pending = &fmp4.Sample{
		IsNonSyncSample: sample.Kind == core.KindVideo && !sample.IsKeyFrame(),
		Payload:         payload,
	}
	t.pendingDTS = dts
	m.written[track]++
	return nil
}

func (m *FMP4Muxer) flushPending(t *fmp4Track, duration int64) error {
	t.pending.Duration = uint32(duration)

	part := &fmp4.Part{
		SequenceNumber: m.sequenceNumber,
		Tracks: []*fmp4.PartTrack{{
			ID:       t.id,
			BaseTime: uint64(t.pendingDTS),
			Samples:  []*fmp4.Sample{t.pending},
		}},
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return errors.Wrapf(err, "failed to marshal %v fragment", t.format.Kind)
	}
	if _, err := m.file.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write %v fragment", t.format.Kind)
	}

	m.sequenceNumber++
	t.lastDur = duration
	t.pending = nil
	return nil
}

// Stop flushes the held-back samples and closes the file.
func (m *FMP4Muxer) Stop() error {
	if m.stopped {
		return errStopped
	}
	m.stopped = true

	if m.total() == 0 {
		if err := multierr.Append(m.closeFile(), removeIfExists(m.path)); err != nil {
			m.logger.Warn("Failed to remove empty output", "error", err)
		}
		return ErrNoSamples
	}

	var err error
	for _, t := range m.tracks {
		if t.pending == nil {
			continue
		}
		duration := t.lastDur
		if duration <= 0 {
			duration = defaultDuration(t.format)
		}
		err = multierr.Append(err, m.flushPending(t, duration))
	}
	err = multierr.Append(err, m.closeFile())
	if err != nil {
		return err
	}

	m.logger.Info("fMP4 file written", "fragments", m.sequenceNumber-1)
	return nil
}

func (m *FMP4Muxer) closeFile() error {
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

func (m *FMP4Muxer) Release() error {
	m.stopped = true
	return m.closeFile()
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

package muxer

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/pmp4"
	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/glrecorder/glrecorder/internal/core"
)

type mp4Track struct {
	pmp4.Track
	format  core.Format
	lastDTS int64
}

// MP4Muxer writes a progressive MP4 file. Sample payloads are spooled to a
// hidden temporary file next to the output and the moov/mdat layout is
// written on Stop, so the output path only ever holds a complete file.
type MP4Muxer struct {
	trackSet

	path      string
	spoolPath string
	spool     *os.File
	spoolSize int64
	tracks    []*mp4Track
	logger    *slog.Logger
}

// NewMP4Muxer creates the spool file for path.
func NewMP4Muxer(path string, logger *slog.Logger) (*MP4Muxer, error) {
	dir, base := filepath.Split(path)
	if base == "" {
		return nil, errors.Errorf("invalid output path %q", path)
	}
	spoolPath := filepath.Join(dir, "."+base+"."+uniuri.NewLen(8)+".spool")

	spool, err := os.OpenFile(spoolPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create spool file for %s", path)
	}

	return &MP4Muxer{
		path:      path,
		spoolPath: spoolPath,
		spool:     spool,
		logger:    logger.With("component", "mp4_muxer", "path", path),
	}, nil
}

func (m *MP4Muxer) AddTrack(format core.Format) (int, error) {
	idx, err := m.trackSet.add(format)
	if err != nil {
		return -1, err
	}
	codec, _ := format.Codec()
	m.tracks = append(m.tracks, &mp4Track{
		Track: pmp4.Track{
			ID:        idx + 1,
			TimeScale: format.ClockRate(),
			Codec:     codec,
		},
		format: format,
	})
	return idx, nil
}

func (m *MP4Muxer) Start() error {
	if err := m.trackSet.start(); err != nil {
		return err
	}
	m.logger.Debug("MP4 muxer started", "tracks", len(m.tracks))
	return nil
}

func (m *MP4Muxer) WriteSampleData(track int, sample core.Sample) error {
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

	offset := m.spoolSize
	if _, err := m.spool.WriteAt(payload, offset); err != nil {
		return errors.Wrap(err, "failed to spool sample")
	}
	m.spoolSize += int64(len(payload))

	t := m.tracks[track]
	dts := scaleTimestamp(sample.PTS, t.TimeScale)
	if len(t.Samples) == 0 {
		t.TimeOffset = int32(dts)
	} else {
		duration := dts - t.lastDTS
		if duration < 0 {
			duration = 0
		}
		t.Samples[len(t.Samples)-1].Duration = uint32(duration)
	}

	size := uint32(len(payload))
	spool := m.spool
	t.Samples = append(t.Samples, &pmp4.Sample{
		IsNonSyncSample: sample.Kind == core.KindVideo && !sample.IsKeyFrame(),
		PayloadSize:     size,
		GetPayload: func() ([]byte, error) {
			buf := make([]byte, size)
			_, err := spool.ReadAt(buf, offset)
			return buf, err
		},
	})
	t.lastDTS = dts
	m.written[track]++
	return nil
}

// Stop writes the final file. Tracks that received no samples are left out.
func (m *MP4Muxer) Stop() error {
	if m.stopped {
		return errStopped
	}
	m.stopped = true

	if m.total() == 0 {
		return ErrNoSamples
	}

	pres := pmp4.Presentation{}
	for _, t := range m.tracks {
		if len(t.Samples) == 0 {
			m.logger.Warn("Dropping empty track", "kind", t.format.Kind)
			continue
		}
		last := t.Samples[len(t.Samples)-1]
		if last.Duration == 0 {
			if len(t.Samples) > 1 {
				last.Duration = t.Samples[len(t.Samples)-2].Duration
			}
			if last.Duration == 0 {
				last.Duration = uint32(defaultDuration(t.format))
			}
		}
		pres.Tracks = append(pres.Tracks, &t.Track)
	}

	if err := writeFileAtomic(m.path, pres.Marshal); err != nil {
		return errors.Wrapf(err, "failed to write %s", m.path)
	}

	m.logger.Info("MP4 file written", "videoSamples", m.count(core.KindVideo), "audioSamples", m.count(core.KindAudio))
	return nil
}

func (m *MP4Muxer) count(kind core.TrackKind) int {
	n := 0
	for i, f := range m.formats {
		if f.Kind == kind {
			n += m.written[i]
		}
	}
	return n
}

// Release closes and removes the spool file.
func (m *MP4Muxer) Release() error {
	m.stopped = true
	if m.spool == nil {
		return nil
	}
	err := m.spool.Close()
	m.spool = nil
	if rmErr := os.Remove(m.spoolPath); rmErr != nil && !os.IsNotExist(rmErr) {
		err = multierr.Append(err, rmErr)
	}
	return err
}

// writeFileAtomic writes through a temporary sibling and renames it onto path.
func writeFileAtomic(path string, write func(io.Writer) error) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriterSize(tmp, 1<<20)
	if err = write(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

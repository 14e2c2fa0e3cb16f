package muxer

import (
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/glrecorder/glrecorder/internal/core"
	"github.com/glrecorder/glrecorder/internal/h264"
)

var (
	// ErrNoSamples is returned by Stop when nothing was written. Callers
	// treat it as a recoverable teardown condition.
	ErrNoSamples = errors.New("muxer stopped without samples")

	// ErrNotStarted is returned when samples are written before Start.
	ErrNotStarted = errors.New("muxer not started")

	// ErrAlreadyStarted is returned by a second Start, or by AddTrack after
	// Start.
	ErrAlreadyStarted = errors.New("muxer already started")

	errStopped = errors.New("muxer stopped")
)

// Muxer is a single-writer container writer. It is not safe for concurrent
// use.
type Muxer interface {
	// AddTrack registers a track and returns its index. Only valid before
	// Start.
	AddTrack(format core.Format) (int, error)

	// Start writes the container header. It fails if called twice.
	Start() error

	// WriteSampleData appends one compressed sample to a track.
	WriteSampleData(track int, sample core.Sample) error

	// Stop finalizes the container.
	Stop() error

	// Release frees any resources still held. Safe to call more than once.
	Release() error
}

// Supported container formats.
const (
	FormatMP4  = "mp4"
	FormatFMP4 = "fmp4"
	FormatWebM = "webm"
)

// Formats lists the container formats accepted by New.
var Formats = []string{FormatMP4, FormatFMP4, FormatWebM}

// New opens a muxer of the given format writing to path. I/O setup failures
// are reported here, not at Start.
func New(format, path string, logger *slog.Logger) (Muxer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(format) {
	case FormatMP4, "":
		return NewMP4Muxer(path, logger)
	case FormatFMP4:
		return NewFMP4Muxer(path, logger)
	case FormatWebM:
		return NewWebMMuxer(path, logger)
	}
	return nil, errors.Errorf("unsupported container format %q (supported: %s)",
		format, strings.Join(Formats, ", "))
}

// Extension returns the file extension conventionally used for format.
func Extension(format string) string {
	switch strings.ToLower(format) {
	case FormatWebM:
		return ".webm"
	default:
		return ".mp4"
	}
}

// trackSet holds the bookkeeping shared by every muxer implementation.
type trackSet struct {
	formats []core.Format
	written []int
	started bool
	stopped bool
}

func (s *trackSet) add(format core.Format) (int, error) {
	if s.started {
		return -1, ErrAlreadyStarted
	}
	if s.stopped {
		return -1, errStopped
	}
	if _, err := format.Codec(); err != nil {
		return -1, errors.Wrapf(err, "invalid %v track", format.Kind)
	}
	s.formats = append(s.formats, format)
	s.written = append(s.written, 0)
	return len(s.formats) - 1, nil
}

func (s *trackSet) start() error {
	if s.started {
		return ErrAlreadyStarted
	}
	if s.stopped {
		return errStopped
	}
	if len(s.formats) == 0 {
		return errors.New("no tracks added")
	}
	s.started = true
	return nil
}

func (s *trackSet) checkWrite(track int) error {
	if s.stopped {
		return errStopped
	}
	if !s.started {
		return ErrNotStarted
	}
	if track < 0 || track >= len(s.formats) {
		return errors.Errorf("invalid track index %d", track)
	}
	return nil
}

func (s *trackSet) total() int {
	n := 0
	for _, w := range s.written {
		n += w
	}
	return n
}

// scaleTimestamp converts microseconds into track timescale units.
func scaleTimestamp(us int64, timeScale uint32) int64 {
	if us <= 0 {
		return 0
	}
	return us * int64(timeScale) / 1_000_000
}

// samplePayload converts a sample into the container payload. The result is
// always a fresh slice, since some writers hold on to it after returning.
func samplePayload(sample core.Sample) ([]byte, error) {
	if sample.Kind == core.KindVideo {
		return h264.ConvertAnnexBToAVC(sample.Data)
	}
	return append([]byte(nil), stripADTSHeader(sample.Data)...), nil
}

// stripADTSHeader removes an ADTS header if present and returns the raw AAC
// payload.
func stripADTSHeader(data []byte) []byte {
	if len(data) < 7 {
		return data
	}
	if data[0] == 0xFF && (data[1]&0xF6) == 0xF0 {
		headerLen := 7
		if (data[1] & 0x01) == 0 {
			headerLen = 9
		}
		if len(data) > headerLen {
			return data[headerLen:]
		}
	}
	return data
}

// defaultDuration is used for the last sample of a track, in timescale units.
func defaultDuration(f core.Format) int64 {
	if f.Kind == core.KindAudio {
		return 1024
	}
	return int64(f.ClockRate() / 30)
}

package recorder

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/glrecorder/glrecorder/internal/audio"
	"github.com/glrecorder/glrecorder/internal/core"
	"github.com/glrecorder/glrecorder/internal/encoder"
	"github.com/glrecorder/glrecorder/internal/h264"
	"github.com/glrecorder/glrecorder/internal/muxer"
	"github.com/glrecorder/glrecorder/internal/probe"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS    = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR    = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testPFrame = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}

	audioFormat = core.Format{
		Kind: core.KindAudio,
		Audio: mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   48000,
			ChannelCount: 2,
		},
	}
)

const frameInterval = 33 * time.Millisecond

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gopStream returns an elementary stream of one IDR followed by n-1 P frames.
func gopStream(n int) []byte {
	nalus := [][]byte{testSPS, testPPS, testIDR}
	for i := 1; i < n; i++ {
		nalus = append(nalus, testPFrame)
	}
	return h264.MarshalAnnexB(nalus)
}

// callLog records the teardown order across fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type writtenSample struct {
	kind core.TrackKind
	pts  int64
	key  bool
}

type fakeMuxer struct {
	mu       sync.Mutex
	log      *callLog
	formats  []core.Format
	starts   int
	samples  []writtenSample
	stopErr  error
	stops    int
	releases int
}

func (m *fakeMuxer) AddTrack(f core.Format) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.starts > 0 {
		return -1, muxer.ErrAlreadyStarted
	}
	m.formats = append(m.formats, f)
	return len(m.formats) - 1, nil
}

func (m *fakeMuxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	if m.starts > 1 {
		return muxer.ErrAlreadyStarted
	}
	return nil
}

func (m *fakeMuxer) WriteSampleData(track int, s core.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.starts == 0 {
		return muxer.ErrNotStarted
	}
	m.samples = append(m.samples, writtenSample{kind: m.formats[track].Kind, pts: s.PTS, key: s.IsKeyFrame()})
	return nil
}

func (m *fakeMuxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.add("muxer-stop")
	m.stops++
	if m.stopErr != nil {
		return m.stopErr
	}
	if len(m.samples) == 0 {
		return muxer.ErrNoSamples
	}
	return nil
}

func (m *fakeMuxer) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.add("muxer-release")
	m.releases++
	return nil
}

func (m *fakeMuxer) written(kind core.TrackKind) []writtenSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []writtenSample
	for _, s := range m.samples {
		if s.kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (m *fakeMuxer) opener() MuxerOpener {
	return func() (muxer.Muxer, error) { return m, nil }
}

// fakeSource is an audio source driven by the test through send.
type fakeSource struct {
	log      *callLog
	startErr error

	mu      sync.Mutex
	events  chan<- audio.Event
	ctx     context.Context
	stopped int
}

func (s *fakeSource) Start(ctx context.Context, events chan<- audio.Event) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	s.events = events
	return nil
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.add("audio-stop")
	s.stopped++
}

func (s *fakeSource) send(ev audio.Event) {
	s.mu.Lock()
	events, ctx := s.events, s.ctx
	s.mu.Unlock()
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// loggingCodec wraps a StreamCodec and records teardown calls.
type loggingCodec struct {
	*encoder.StreamCodec
	log *callLog
}

func (c *loggingCodec) SignalEndOfInputStream() error {
	c.log.add("codec-eos")
	return c.StreamCodec.SignalEndOfInputStream()
}

func (c *loggingCodec) Stop() error {
	c.log.add("codec-stop")
	return c.StreamCodec.Stop()
}

func (c *loggingCodec) Release() error {
	c.log.add("codec-release")
	return c.StreamCodec.Release()
}

func newStreamCodec(t *testing.T, stream []byte) *encoder.StreamCodec {
	t.Helper()
	codec, err := encoder.NewStreamCodec(bytes.NewReader(stream))
	require.NoError(t, err)
	return codec
}

func testOptions(codec encoder.Codec, m MuxerOpener, src audio.Source, c *testingclock.FakeClock) Options {
	opts := Options{
		Width:        1920,
		Height:       1080,
		Codec:        codec,
		OpenMuxer:    m,
		Clock:        c,
		DrainTimeout: time.Millisecond,
		Logger:       testLogger(),
	}
	if src != nil {
		opts.Audio = src
	}
	return opts
}

func newFakeClock() *testingclock.FakeClock {
	return testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

// feed feeds one frame and waits until the worker has drained it.
func feed(t *testing.T, r *Recorder, c *testingclock.FakeClock) {
	t.Helper()
	r.Feed(encoder.TextureHandle(1), c.Now().UnixNano())
	require.NoError(t, r.worker.call(func() error { return nil }))
}

func waitAudioEvents(t *testing.T, r *Recorder, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.Stats().AudioEvents >= n
	}, 5*time.Second, time.Millisecond)
}

func ptsOf(samples []writtenSample) []int64 {
	out := make([]int64, 0, len(samples))
	for _, s := range samples {
		out = append(out, s.pts)
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{OpenMuxer: (&fakeMuxer{}).opener()})
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = New(Options{Codec: newStreamCodec(t, gopStream(1))})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestStartRejectsInvalidParameters(t *testing.T) {
	for _, speed := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		r, err := New(testOptions(newStreamCodec(t, gopStream(1)), (&fakeMuxer{}).opener(), nil, newFakeClock()))
		require.NoError(t, err)
		assert.ErrorIs(t, r.Start(speed), ErrInvalidParameter, "speed %v", speed)
		assert.Equal(t, StateIdle, r.State())
	}

	opts := testOptions(newStreamCodec(t, gopStream(1)), (&fakeMuxer{}).opener(), nil, newFakeClock())
	opts.Width = 0
	r, err := New(opts)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Start(1), ErrInvalidParameter)
	assert.Equal(t, StateIdle, r.State())
}

func TestRecordingTimeline(t *testing.T) {
	c := newFakeClock()
	mux := &fakeMuxer{}
	src := &fakeSource{}
	r, err := New(testOptions(newStreamCodec(t, gopStream(10)), mux.opener(), src, c))
	require.NoError(t, err)

	require.NoError(t, r.Start(1.0))
	assert.Equal(t, StateRecording, r.State())

	src.send(audio.FormatReady{Format: audioFormat})
	waitAudioEvents(t, r, 1)

	// Before the first key frame audio is discarded.
	src.send(audio.UnitAvailable{Sample: core.Sample{Kind: core.KindAudio, Data: []byte{1}}})
	waitAudioEvents(t, r, 2)
	assert.Equal(t, int64(1), r.Stats().Discarded)

	events := int64(2)
	for ms := 0; ms <= 300; ms++ {
		if ms%33 == 0 && ms/33 < 10 {
			feed(t, r, c)
		}
		if ms > 0 && ms%20 == 0 {
			src.send(audio.UnitAvailable{Sample: core.Sample{Kind: core.KindAudio, Data: []byte{2}}})
			events++
			waitAudioEvents(t, r, events)
		}
		c.Step(time.Millisecond)
	}

	require.NoError(t, r.Stop())
	assert.Equal(t, StateStopped, r.State())

	assert.Equal(t, 1, mux.starts)
	require.Len(t, mux.formats, 2)
	assert.Equal(t, core.KindAudio, mux.formats[0].Kind)
	assert.Equal(t, core.KindVideo, mux.formats[1].Kind)

	video := mux.written(core.KindVideo)
	require.Len(t, video, 10)
	assert.True(t, video[0].key)
	for i, s := range video {
		assert.Equal(t, int64(i)*33000, s.pts)
	}

	audioSamples := mux.written(core.KindAudio)
	require.Len(t, audioSamples, 15)
	for i, s := range audioSamples {
		assert.Equal(t, int64(i+1)*20000, s.pts)
	}

	stats := r.Stats()
	assert.Equal(t, int64(10), stats.FramesFed)
	assert.Equal(t, int64(10), stats.VideoSamples)
	assert.Equal(t, int64(15), stats.AudioSamples)
	assert.Equal(t, 1, src.stopped)
	assert.Equal(t, 1, mux.stops)
	assert.Equal(t, 1, mux.releases)
}

func TestSpeedScalesVideoTimestamps(t *testing.T) {
	tests := []struct {
		speed float64
		want  []int64
	}{
		{1.0, []int64{0, 33000, 66000}},
		{2.0, []int64{0, 16500, 33000}},
		{0.5, []int64{0, 66000, 132000}},
	}

	for _, tt := range tests {
		c := newFakeClock()
		mux := &fakeMuxer{}
		r, err := New(testOptions(newStreamCodec(t, gopStream(3)), mux.opener(), nil, c))
		require.NoError(t, err)
		require.NoError(t, r.Start(tt.speed))

		for i := 0; i < 3; i++ {
			feed(t, r, c)
			c.Step(frameInterval)
		}
		require.NoError(t, r.Stop())

		assert.Equal(t, tt.want, ptsOf(mux.written(core.KindVideo)), "speed %v", tt.speed)
	}
}

func TestStopWithZeroFrames(t *testing.T) {
	mux := &fakeMuxer{}
	r, err := New(testOptions(newStreamCodec(t, gopStream(3)), mux.opener(), nil, newFakeClock()))
	require.NoError(t, err)

	require.NoError(t, r.Start(1.0))
	require.NoError(t, r.Stop())

	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, 1, mux.stops)
	assert.Equal(t, 1, mux.releases)
	assert.Empty(t, mux.samples)
}

func TestLeadingNonKeyFrameIsDropped(t *testing.T) {
	c := newFakeClock()
	mux := &fakeMuxer{}
	stream := h264.MarshalAnnexB([][]byte{testSPS, testPPS, testPFrame, testIDR, testPFrame})
	r, err := New(testOptions(newStreamCodec(t, stream), mux.opener(), nil, c))
	require.NoError(t, err)
	require.NoError(t, r.Start(1.0))

	for i := 0; i < 3; i++ {
		feed(t, r, c)
		c.Step(frameInterval)
	}
	require.NoError(t, r.Stop())

	video := mux.written(core.KindVideo)
	require.Len(t, video, 2)
	assert.True(t, video[0].key)
	assert.Equal(t, int64(0), video[0].pts)
	assert.Equal(t, int64(33000), video[1].pts)
	assert.Equal(t, int64(1), r.Stats().DroppedLeading)
}

func TestLateAudioRegistrationWaitsForNextKeyFrame(t *testing.T) {
	c := newFakeClock()
	mux := &fakeMuxer{}
	src := &fakeSource{}
	stream := h264.MarshalAnnexB([][]byte{
		testSPS, testPPS, testIDR, testPFrame, testPFrame, testIDR, testPFrame,
	})
	r, err := New(testOptions(newStreamCodec(t, stream), mux.opener(), src, c))
	require.NoError(t, err)
	require.NoError(t, r.Start(1.0))

	// The first GOP starts before the audio track exists.
	for i := 0; i < 2; i++ {
		feed(t, r, c)
		c.Step(frameInterval)
	}
	assert.Equal(t, int64(2), r.Stats().Discarded)
	assert.Equal(t, int64(0), r.Stats().DroppedLeading)

	src.send(audio.FormatReady{Format: audioFormat})
	waitAudioEvents(t, r, 1)

	feed(t, r, c)
	c.Step(frameInterval)
	assert.Equal(t, int64(1), r.Stats().DroppedLeading)

	src.send(audio.UnitAvailable{Sample: core.Sample{Kind: core.KindAudio, Data: []byte{1}}})
	waitAudioEvents(t, r, 2)
	assert.Equal(t, int64(3), r.Stats().Discarded, "audio waits for the first written key frame")

	feed(t, r, c)
	c.Step(10 * time.Millisecond)
	src.send(audio.UnitAvailable{Sample: core.Sample{Kind: core.KindAudio, Data: []byte{2}}})
	waitAudioEvents(t, r, 3)
	c.Step(frameInterval - 10*time.Millisecond)
	feed(t, r, c)

	require.NoError(t, r.Stop())

	video := mux.written(core.KindVideo)
	require.Len(t, video, 2)
	assert.True(t, video[0].key, "first written video sample must be a key frame")
	assert.False(t, video[1].key)
	assert.Equal(t, []int64{0, 33000}, ptsOf(video))

	audioSamples := mux.written(core.KindAudio)
	require.Len(t, audioSamples, 1)
	assert.Equal(t, int64(10000), audioSamples[0].pts)

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.VideoSamples)
	assert.Equal(t, int64(1), stats.AudioSamples)
}

func TestFeedIgnoredOutsideRecording(t *testing.T) {
	c := newFakeClock()
	mux := &fakeMuxer{}
	r, err := New(testOptions(newStreamCodec(t, gopStream(5)), mux.opener(), nil, c))
	require.NoError(t, err)

	r.Feed(1, 0)
	assert.Equal(t, int64(1), r.Stats().FramesIgnored)

	require.NoError(t, r.Start(1.0))
	feed(t, r, c)
	require.NoError(t, r.Stop())
	written := len(mux.written(core.KindVideo))
	assert.Equal(t, 1, written)

	r.Feed(1, 0)
	r.Feed(1, 0)
	assert.Equal(t, int64(3), r.Stats().FramesIgnored)
	assert.Len(t, mux.written(core.KindVideo), written)
	assert.Equal(t, int64(1), r.Stats().FramesFed)
}

func TestStopIsIdempotent(t *testing.T) {
	r, err := New(testOptions(newStreamCodec(t, gopStream(1)), (&fakeMuxer{}).opener(), nil, newFakeClock()))
	require.NoError(t, err)

	require.NoError(t, r.Stop())
	assert.Equal(t, StateStopped, r.State())
	require.NoError(t, r.Stop())
	assert.ErrorIs(t, r.Start(1.0), ErrAlreadyStarted)

	mux := &fakeMuxer{}
	r, err = New(testOptions(newStreamCodec(t, gopStream(1)), mux.opener(), nil, newFakeClock()))
	require.NoError(t, err)
	require.NoError(t, r.Start(1.0))
	assert.ErrorIs(t, r.Start(1.0), ErrAlreadyStarted)
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
	assert.Equal(t, 1, mux.stops)
}

func TestTeardownOrder(t *testing.T) {
	log := &callLog{}
	c := newFakeClock()
	mux := &fakeMuxer{log: log}
	src := &fakeSource{log: log}
	codec := &loggingCodec{StreamCodec: newStreamCodec(t, gopStream(2)), log: log}

	r, err := New(testOptions(codec, mux.opener(), src, c))
	require.NoError(t, err)
	require.NoError(t, r.Start(1.0))
	feed(t, r, c)
	require.NoError(t, r.Stop())

	assert.Equal(t, []string{
		"codec-eos",
		"audio-stop",
		"muxer-stop",
		"muxer-release",
		"codec-stop",
		"codec-release",
	}, log.list())
}

func TestMuxerStopErrorIsReported(t *testing.T) {
	c := newFakeClock()
	mux := &fakeMuxer{stopErr: errors.New("disk full")}
	r, err := New(testOptions(newStreamCodec(t, gopStream(2)), mux.opener(), nil, c))
	require.NoError(t, err)
	require.NoError(t, r.Start(1.0))
	feed(t, r, c)

	assert.ErrorContains(t, r.Stop(), "disk full")
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, 1, mux.releases)
}

type failingCodec struct {
	*encoder.StreamCodec
	configureErr error
}

func (c *failingCodec) Configure(cfg encoder.Config) error {
	if c.configureErr != nil {
		return c.configureErr
	}
	return c.StreamCodec.Configure(cfg)
}

func TestEncoderInitFailure(t *testing.T) {
	t.Run("configure", func(t *testing.T) {
		mux := &fakeMuxer{}
		codec := &failingCodec{StreamCodec: newStreamCodec(t, gopStream(1)), configureErr: errors.New("no encoder")}
		r, err := New(testOptions(codec, mux.opener(), nil, newFakeClock()))
		require.NoError(t, err)

		err = r.Start(1.0)
		assert.ErrorIs(t, err, encoder.ErrEncoderInit)
		assert.ErrorContains(t, err, "no encoder")
		assert.Equal(t, StateStopped, r.State())
		assert.Equal(t, 1, mux.releases)
	})

	t.Run("renderer", func(t *testing.T) {
		mux := &fakeMuxer{}
		src := &fakeSource{}
		opts := testOptions(newStreamCodec(t, gopStream(1)), mux.opener(), src, newFakeClock())
		opts.NewRenderer = func(encoder.Surface, int, int) (encoder.Renderer, error) {
			return nil, errors.New("no GPU context")
		}
		r, err := New(opts)
		require.NoError(t, err)

		err = r.Start(1.0)
		assert.ErrorIs(t, err, encoder.ErrEncoderInit)
		assert.Equal(t, StateStopped, r.State())
		assert.Equal(t, 1, src.stopped)
		assert.Equal(t, 1, mux.stops)
		assert.Equal(t, 1, mux.releases)

		r.Feed(1, 0)
		assert.Equal(t, int64(1), r.Stats().FramesIgnored)
	})
}

func TestAudioStartFailure(t *testing.T) {
	mux := &fakeMuxer{}
	src := &fakeSource{startErr: errors.New("mic busy")}
	r, err := New(testOptions(newStreamCodec(t, gopStream(1)), mux.opener(), src, newFakeClock()))
	require.NoError(t, err)

	err = r.Start(1.0)
	assert.ErrorContains(t, err, "mic busy")
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, 1, mux.releases)
}

func TestMuxerOpenFailure(t *testing.T) {
	opener := func() (muxer.Muxer, error) { return nil, errors.New("read-only file system") }
	r, err := New(testOptions(newStreamCodec(t, gopStream(1)), opener, nil, newFakeClock()))
	require.NoError(t, err)

	assert.ErrorContains(t, r.Start(1.0), "read-only file system")
	assert.Equal(t, StateStopped, r.State())
}

func TestRecordToMP4File(t *testing.T) {
	c := newFakeClock()
	path := filepath.Join(t.TempDir(), "out.mp4")
	r, err := New(testOptions(newStreamCodec(t, gopStream(5)), FileMuxer(muxer.FormatMP4, path, testLogger()), nil, c))
	require.NoError(t, err)
	require.NoError(t, r.Start(1.0))

	for i := 0; i < 5; i++ {
		feed(t, r, c)
		c.Step(frameInterval)
	}
	require.NoError(t, r.Stop())

	rep, err := probe.InspectFile(path)
	require.NoError(t, err)
	video := rep.Track(probe.CodecH264)
	require.NotNil(t, video)
	assert.Equal(t, 5, video.Samples)
	assert.True(t, video.SyncFirst)
	assert.Equal(t, uint64(5*2970), video.Duration)
}

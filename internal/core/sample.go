package core

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"
)

// TrackKind identifies the elementary stream a sample or track belongs to.
type TrackKind int

const (
	KindVideo TrackKind = iota
	KindAudio
)

func (k TrackKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// SampleFlags mirror the buffer flags reported by an encoder.
type SampleFlags uint8

const (
	FlagKeyFrame SampleFlags = 1 << iota
	FlagCodecConfig
	FlagEndOfStream
)

// Sample is one compressed unit produced by an encoder.
type Sample struct {
	Kind  TrackKind
	Data  []byte // Annex-B for video, raw or ADTS AAC for audio
	PTS   int64  // Presentation timestamp in microseconds
	Flags SampleFlags
}

func (s Sample) IsKeyFrame() bool    { return s.Flags&FlagKeyFrame != 0 }
func (s Sample) IsCodecConfig() bool { return s.Flags&FlagCodecConfig != 0 }
func (s Sample) IsEndOfStream() bool { return s.Flags&FlagEndOfStream != 0 }

// Format describes the output of an encoder once it is known.
type Format struct {
	Kind TrackKind

	// Video (H.264)
	Width  int
	Height int
	SPS    []byte
	PPS    []byte

	// Audio (AAC)
	Audio mpeg4audio.AudioSpecificConfig
}

// ClockRate returns the MP4 timescale used for tracks of this format.
func (f Format) ClockRate() uint32 {
	if f.Kind == KindAudio && f.Audio.SampleRate > 0 {
		return uint32(f.Audio.SampleRate)
	}
	return 90000
}

// Codec converts the format into a mediacommon MP4 codec description.
func (f Format) Codec() (mp4.Codec, error) {
	switch f.Kind {
	case KindVideo:
		if len(f.SPS) == 0 || len(f.PPS) == 0 {
			return nil, errors.New("video format is missing SPS/PPS")
		}
		return &mp4.CodecH264{SPS: f.SPS, PPS: f.PPS}, nil

	case KindAudio:
		if f.Audio.SampleRate == 0 || f.Audio.ChannelCount == 0 {
			return nil, errors.New("audio format is missing sample rate or channel count")
		}
		return &mp4.CodecMPEG4Audio{Config: f.Audio}, nil
	}
	return nil, errors.Errorf("unsupported track kind %v", f.Kind)
}

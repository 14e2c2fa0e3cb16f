package h264

import (
	"bytes"
	"testing"

	amp4 "github.com/abema/go-mp4"
	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
)

func TestSplitNALUs(t *testing.T) {
	data := MarshalAnnexB([][]byte{testSPS, testPPS, testIDR})

	nalus := SplitNALUs(data)
	require.Len(t, nalus, 3)
	assert.Equal(t, testSPS, nalus[0])
	assert.Equal(t, testPPS, nalus[1])
	assert.Equal(t, testIDR, nalus[2])

	// raw NAL unit without start code
	assert.Equal(t, [][]byte{testPFrame}, SplitNALUs(testPFrame))
	assert.Nil(t, SplitNALUs(nil))
}

func TestSplitAccessUnits(t *testing.T) {
	stream := MarshalAnnexB([][]byte{testSPS, testPPS, testIDR, testPFrame, testPFrame})

	aus := SplitAccessUnits(stream)
	require.Len(t, aus, 3)
	assert.Len(t, aus[0], 3)
	assert.True(t, IsKeyFrame(aus[0]))
	assert.False(t, IsKeyFrame(aus[1]))

	sps, pps := ExtractParameterSets(aus[0])
	assert.Equal(t, testSPS, sps)
	assert.Equal(t, testPPS, pps)
}

func TestConvertAnnexBToAVC(t *testing.T) {
	annexB := MarshalAnnexB([][]byte{testIDR, testPFrame})

	avcc, err := ConvertAnnexBToAVC(annexB)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 5}, avcc[:4])
	assert.Len(t, avcc, 4+len(testIDR)+4+len(testPFrame))

	var nalus mch264.AVCC
	require.NoError(t, nalus.Unmarshal(avcc))
	assert.Equal(t, [][]byte{testIDR, testPFrame}, [][]byte(nalus))

	// successive conversions must not share a buffer
	other, err := ConvertAnnexBToAVC(MarshalAnnexB([][]byte{testPFrame}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 5}, avcc[:4])
	assert.Equal(t, testIDR, avcc[4:4+len(testIDR)])
	assert.Equal(t, append([]byte{0, 0, 0, 5}, testPFrame...), other)

	empty, err := ConvertAnnexBToAVC(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func unmarshalDecoderConfig(t *testing.T, b []byte) amp4.AVCDecoderConfiguration {
	t.Helper()
	var cfg amp4.AVCDecoderConfiguration
	cfg.AnyTypeBox.Type = amp4.BoxTypeAvcC()
	_, err := amp4.Unmarshal(bytes.NewReader(b), uint64(len(b)), &cfg, amp4.Context{})
	require.NoError(t, err)
	return cfg
}

func TestMarshalDecoderConfig(t *testing.T) {
	b, err := MarshalDecoderConfig(testSPS, testPPS)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x42, 0xc0, 0x28, 0xff, 0xe1}, b[:6])
	assert.Len(t, b, 6+2+len(testSPS)+1+2+len(testPPS))

	cfg := unmarshalDecoderConfig(t, b)
	require.Len(t, cfg.SequenceParameterSets, 1)
	require.Len(t, cfg.PictureParameterSets, 1)
	assert.Equal(t, testSPS, cfg.SequenceParameterSets[0].NALUnit)
	assert.Equal(t, testPPS, cfg.PictureParameterSets[0].NALUnit)
	assert.False(t, cfg.HighProfileFieldsEnabled)

	_, err = MarshalDecoderConfig(nil, testPPS)
	assert.Error(t, err)
	_, err = MarshalDecoderConfig(testSPS, nil)
	assert.Error(t, err)
}

func TestMarshalDecoderConfigHighProfile(t *testing.T) {
	sps := []byte{0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40}

	b, err := MarshalDecoderConfig(sps, testPPS)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xfd, 0xf8, 0xf8, 0x00}, b[len(b)-4:])

	cfg := unmarshalDecoderConfig(t, b)
	assert.True(t, cfg.HighProfileFieldsEnabled)
	assert.Equal(t, uint8(1), cfg.ChromaFormat)
	assert.Equal(t, sps, cfg.SequenceParameterSets[0].NALUnit)
}

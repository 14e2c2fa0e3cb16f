package h264

import (
	"bytes"

	amp4 "github.com/abema/go-mp4"
	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
)

// MarshalDecoderConfig builds an AVCDecoderConfigurationRecord (avcC) with a
// single SPS and PPS and 4-byte NAL length prefixes.
func MarshalDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, errors.New("invalid SPS/PPS")
	}

	cfg := &amp4.AVCDecoderConfiguration{
		AnyTypeBox:                 amp4.AnyTypeBox{Type: amp4.BoxTypeAvcC()},
		ConfigurationVersion:       1,
		Profile:                    sps[1],
		ProfileCompatibility:       sps[2],
		Level:                      sps[3],
		Reserved:                   0x3f,
		LengthSizeMinusOne:         3,
		Reserved2:                  0x7,
		NumOfSequenceParameterSets: 1,
		SequenceParameterSets: []amp4.AVCParameterSet{
			{Length: uint16(len(sps)), NALUnit: sps},
		},
		NumOfPictureParameterSets: 1,
		PictureParameterSets: []amp4.AVCParameterSet{
			{Length: uint16(len(pps)), NALUnit: pps},
		},
	}

	if hasHighProfileFields(cfg.Profile) {
		chroma := uint8(1)
		var parsed mch264.SPS
		if err := parsed.Unmarshal(sps); err == nil {
			chroma = uint8(parsed.ChromaFormatIdc)
		}
		cfg.HighProfileFieldsEnabled = true
		cfg.Reserved3 = 0x3f
		cfg.ChromaFormat = chroma
		cfg.Reserved4 = 0x1f
		cfg.Reserved5 = 0x1f
	}

	var buf bytes.Buffer
	if _, err := amp4.Marshal(&buf, cfg, amp4.Context{}); err != nil {
		return nil, errors.Wrap(err, "failed to marshal avcC")
	}
	return buf.Bytes(), nil
}

func hasHighProfileFields(profile uint8) bool {
	switch profile {
	case amp4.AVCHighProfile, amp4.AVCHigh10Profile, amp4.AVCHigh422Profile, 144:
		return true
	}
	return false
}

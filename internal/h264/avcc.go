package h264

import (
	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
)

// ConvertAnnexBToAVC rewrites an Annex-B access unit into the length-prefixed
// AVCC layout required by MP4 and Matroska samples. Data without any start
// code is treated as a single NAL unit. The result never aliases data.
func ConvertAnnexBToAVC(data []byte) ([]byte, error) {
	nalus := SplitNALUs(data)
	if len(nalus) == 0 {
		return nil, nil
	}
	avcc, err := mch264.AVCC(nalus).Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal AVCC access unit")
	}
	return avcc, nil
}

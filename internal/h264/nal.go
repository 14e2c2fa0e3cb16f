package h264

import (
	"bytes"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var (
	StartCode3 = []byte{0x00, 0x00, 0x01}
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// HasStartCode checks if data begins with an Annex-B start code.
func HasStartCode(data []byte) bool {
	return bytes.HasPrefix(data, StartCode4) || bytes.HasPrefix(data, StartCode3)
}

// SplitNALUs returns the NAL units of an Annex-B buffer without their start
// codes. Buffers that do not start with a start code are returned as one unit.
func SplitNALUs(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if !HasStartCode(data) {
		return [][]byte{data}
	}

	var annexB mch264.AnnexB
	if err := annexB.Unmarshal(data); err == nil {
		return annexB
	}

	// mediacommon rejects some malformed streams (e.g. empty NAL units);
	// fall back to a plain start code scan.
	var nalus [][]byte
	start := -1
	for i := 0; i+2 < len(data); {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				nalus = appendNALU(nalus, data[start:i])
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nalus = appendNALU(nalus, data[start:])
	}
	return nalus
}

func appendNALU(nalus [][]byte, nalu []byte) [][]byte {
	// the 4-byte start code leaves a trailing zero on the previous unit
	nalu = bytes.TrimRight(nalu, "\x00")
	if len(nalu) == 0 {
		return nalus
	}
	return append(nalus, nalu)
}

// NALUType returns the type of a NAL unit without start code.
func NALUType(nalu []byte) mch264.NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return mch264.NALUType(nalu[0] & 0x1F)
}

// IsKeyFrame reports whether the access unit contains an IDR slice.
func IsKeyFrame(nalus [][]byte) bool {
	for _, nalu := range nalus {
		if NALUType(nalu) == mch264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// ExtractParameterSets returns the first SPS and PPS found in the access unit.
func ExtractParameterSets(nalus [][]byte) (sps, pps []byte) {
	for _, nalu := range nalus {
		switch NALUType(nalu) {
		case mch264.NALUTypeSPS:
			if sps == nil {
				sps = nalu
			}
		case mch264.NALUTypePPS:
			if pps == nil {
				pps = nalu
			}
		}
	}
	return sps, pps
}

// IsVCL reports whether the NAL unit carries slice data.
func IsVCL(nalu []byte) bool {
	t := NALUType(nalu)
	return t >= mch264.NALUTypeNonIDR && t <= mch264.NALUTypeIDR
}

// SplitAccessUnits groups the NAL units of an elementary stream into access
// units. Parameter sets, SEI and delimiters are attached to the next picture;
// each slice closes an access unit, which holds for single-slice encoders.
func SplitAccessUnits(data []byte) [][][]byte {
	var aus [][][]byte
	var cur [][]byte
	for _, nalu := range SplitNALUs(data) {
		cur = append(cur, nalu)
		if IsVCL(nalu) {
			aus = append(aus, cur)
			cur = nil
		}
	}
	return aus
}

// MarshalAnnexB joins NAL units with 4-byte start codes.
func MarshalAnnexB(nalus [][]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += 4 + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range nalus {
		out = append(out, StartCode4...)
		out = append(out, nalu...)
	}
	return out
}

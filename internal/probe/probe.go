// Package probe inspects MP4 and fragmented MP4 files.
package probe

import (
	"io"
	"os"

	amp4 "github.com/abema/go-mp4"
	"github.com/pkg/errors"
)

// Box is one node of the box tree.
type Box struct {
	Type  string
	Size  uint64
	Depth int
}

// Track summarizes one trak and, for fragmented files, its fragments.
type Track struct {
	ID         uint32 `toml:"id"`
	TimeScale  uint32 `toml:"time_scale"`
	Codec      string `toml:"codec"`
	Width      uint16 `toml:"width,omitempty"`
	Height     uint16 `toml:"height,omitempty"`
	Samples    int    `toml:"samples"`
	Duration   uint64 `toml:"duration"`    // in TimeScale units
	SyncFirst  bool   `toml:"sync_first"`  // first sample is a sync sample
	TimeOffset int64  `toml:"time_offset"` // edit list media time
	Fragmented bool   `toml:"fragmented"`
}

// Report is the result of Inspect.
type Report struct {
	Boxes  []Box
	Tracks []*Track
}

// Track returns the track with the given codec name, or nil.
func (r *Report) Track(codec string) *Track {
	for _, t := range r.Tracks {
		if t.Codec == codec {
			return t
		}
	}
	return nil
}

// Codec names reported in Track.Codec.
const (
	CodecH264 = "H264"
	CodecAAC  = "MPEG-4 Audio"
)

// InspectFile opens path and inspects it.
func InspectFile(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()
	return Inspect(f)
}

// Inspect walks the box structure of r.
func Inspect(r io.ReadSeeker) (*Report, error) {
	rep := &Report{}
	byID := map[uint32]*Track{}
	var cur *Track
	var fragTrack *Track
	var hasStss bool

	finishTrak := func() {
		if cur != nil && !hasStss && cur.Samples > 0 {
			// no stss box means every sample is a sync sample
			cur.SyncFirst = true
		}
	}

	_, err := amp4.ReadBoxStructure(r, func(h *amp4.ReadHandle) (interface{}, error) {
		rep.Boxes = append(rep.Boxes, Box{
			Type:  h.BoxInfo.Type.String(),
			Size:  h.BoxInfo.Size,
			Depth: len(h.Path) - 1,
		})

		if !h.BoxInfo.IsSupportedType() || h.BoxInfo.Type == amp4.BoxTypeMdat() {
			return nil, nil
		}

		switch h.BoxInfo.Type {
		case amp4.BoxTypeTrak():
			finishTrak()
			cur = &Track{}
			hasStss = false
			rep.Tracks = append(rep.Tracks, cur)

		case amp4.BoxTypeTkhd():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			tkhd := box.(*amp4.Tkhd)
			cur.ID = tkhd.TrackID
			byID[cur.ID] = cur

		case amp4.BoxTypeMdhd():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			cur.TimeScale = box.(*amp4.Mdhd).Timescale

		case amp4.BoxTypeElst():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			elst := box.(*amp4.Elst)
			if len(elst.Entries) > 0 {
				cur.TimeOffset = elst.GetMediaTime(0)
			}

		case amp4.BoxTypeAvc1():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			avc1 := box.(*amp4.VisualSampleEntry)
			cur.Codec = CodecH264
			cur.Width = avc1.Width
			cur.Height = avc1.Height

		case amp4.BoxTypeMp4a():
			cur.Codec = CodecAAC

		case amp4.BoxTypeStsz():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			cur.Samples += int(box.(*amp4.Stsz).SampleCount)

		case amp4.BoxTypeStts():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			for _, e := range box.(*amp4.Stts).Entries {
				cur.Duration += uint64(e.SampleCount) * uint64(e.SampleDelta)
			}

		case amp4.BoxTypeStss():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			hasStss = true
			stss := box.(*amp4.Stss)
			cur.SyncFirst = len(stss.SampleNumber) > 0 && stss.SampleNumber[0] == 1

		case amp4.BoxTypeMoof():
			finishTrak()
			cur = nil

		case amp4.BoxTypeTfhd():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			fragTrack = byID[box.(*amp4.Tfhd).TrackID]

		case amp4.BoxTypeTrun():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if fragTrack == nil {
				return nil, errors.New("trun without a known track")
			}
			trun := box.(*amp4.Trun)
			if fragTrack.Samples == 0 && len(trun.Entries) > 0 {
				fragTrack.SyncFirst = trun.Entries[0].SampleFlags&0x00010000 == 0
			}
			fragTrack.Fragmented = true
			fragTrack.Samples += int(trun.SampleCount)
			for _, e := range trun.Entries {
				fragTrack.Duration += uint64(e.SampleDuration)
			}
			return nil, nil
		}

		return h.Expand()
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to read box structure")
	}
	finishTrak()

	return rep, nil
}

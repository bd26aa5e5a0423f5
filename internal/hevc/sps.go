package hevc

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

var errSPSTruncated = errors.New("SPS truncated")

// bitReader walks RBSP data by absolute bit offset. Reads past the end
// return errSPSTruncated; skip defers the bounds check to the next read so
// trailing skip-only fields never fail spuriously.
type bitReader struct {
	data []byte
	off  int
}

func (r *bitReader) bits(n int) (uint, error) {
	var v uint
	for ; n > 0; n-- {
		idx := r.off >> 3
		if idx >= len(r.data) {
			return 0, errSPSTruncated
		}
		v = v<<1 | uint(r.data[idx]>>(7-r.off&7))&1
		r.off++
	}
	return v, nil
}

func (r *bitReader) flag() (bool, error) {
	v, err := r.bits(1)
	return v == 1, err
}

func (r *bitReader) skip(n int) {
	r.off += n
}

// ue reads an unsigned Exp-Golomb value: a run of leading zero bits, a
// one bit, then as many suffix bits as there were zeros.
func (r *bitReader) ue() (uint, error) {
	leading := 0
	for {
		one, err := r.flag()
		if err != nil {
			return 0, err
		}
		if one {
			break
		}
		if leading++; leading > 31 {
			return 0, errSPSTruncated
		}
	}
	if leading == 0 {
		return 0, nil
	}
	suffix, err := r.bits(leading)
	if err != nil {
		return 0, err
	}
	return 1<<leading - 1 + suffix, nil
}

// rbspReader strips the 2-byte H.265 NAL header and the 00 00 03 emulation
// prevention bytes, returning a bit reader over the raw SPS payload. In an
// escaped NAL every 00 00 03 run is an escape, so the third byte is always
// dropped.
func rbspReader(nal []byte) *bitReader {
	rbsp := make([]byte, 0, len(nal)-2)
	zeros := 0
	for _, b := range nal[2:] {
		if b == 0x03 && zeros >= 2 {
			zeros = 0
			continue
		}
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
		rbsp = append(rbsp, b)
	}
	return &bitReader{data: rbsp}
}

// SPSInfo holds the parameters the resolution probe extracts from an H.265
// SPS NAL unit.
type SPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte

	ProfileCompatibilityFlags uint32
	ConstraintIndicatorFlags  uint64

	ChromaFormatIdc      byte
	BitDepthLumaMinus8   byte
	BitDepthChromaMinus8 byte
}

// CodecString returns the RFC 6381 codec parameter string
// (e.g. "hev1.1.2.L93.B0").
func (s SPSInfo) CodecString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "hev1.%d.%X.", s.ProfileIDC, bits.Reverse32(s.ProfileCompatibilityFlags))
	if s.TierFlag == 1 {
		sb.WriteByte('H')
	} else {
		sb.WriteByte('L')
	}
	fmt.Fprintf(&sb, "%d", s.LevelIDC)

	// Constraint bytes, high to low, with the all-zero tail omitted.
	if n := s.ConstraintIndicatorFlags; n != 0 {
		drop := 0
		for n&0xFF == 0 {
			n >>= 8
			drop++
		}
		for i := 0; i < 6-drop; i++ {
			fmt.Fprintf(&sb, ".%X", byte(s.ConstraintIndicatorFlags>>uint((5-i)*8)))
		}
	}
	return sb.String()
}

// chromaShift maps chroma_format_idc to the SubWidthC/SubHeightC divisors
// used when applying the conformance crop window.
func chromaShift(idc uint) (w, h uint) {
	switch idc {
	case 1:
		return 2, 2
	case 2:
		return 2, 1
	default:
		return 1, 1
	}
}

// ParseSPS parses an H.265 SPS NAL unit to extract resolution and
// profile/tier/level. The input is the raw NAL data including the 2-byte
// NAL header, without the start code. Fields past the bit depths are not
// read, and a stream truncated after the picture size still yields the
// size.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTruncated
	}
	r := rbspReader(nalu)

	// sps_video_parameter_set_id(4) | sps_max_sub_layers_minus1(3) |
	// sps_temporal_id_nesting_flag(1)
	head, err := r.bits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	subLayersMinus1 := int(head>>1) & 0x7

	var info SPSInfo
	if err := readProfileTierLevel(r, &info, subLayersMinus1); err != nil {
		return SPSInfo{}, err
	}

	if _, err := r.ue(); err != nil { // sps_seq_parameter_set_id
		return SPSInfo{}, err
	}
	chromaIdc, err := r.ue()
	if err != nil {
		return SPSInfo{}, err
	}
	info.ChromaFormatIdc = byte(chromaIdc)
	if chromaIdc == 3 {
		r.skip(1) // separate_colour_plane_flag
	}

	width, err := r.ue()
	if err != nil {
		return SPSInfo{}, err
	}
	height, err := r.ue()
	if err != nil {
		return SPSInfo{}, err
	}
	info.Width = int(width)
	info.Height = int(height)

	// Everything below refines an already-valid result; a short read from
	// here on keeps what was decoded so far.
	cropped, err := r.flag() // conformance_window_flag
	if err != nil {
		return info, nil
	}
	if cropped {
		var crop [4]uint // left, right, top, bottom
		for i := range crop {
			if crop[i], err = r.ue(); err != nil {
				return info, nil
			}
		}
		subW, subH := chromaShift(chromaIdc)
		info.Width -= int((crop[0] + crop[1]) * subW)
		info.Height -= int((crop[2] + crop[3]) * subH)
	}

	if bd, err := r.ue(); err == nil { // bit_depth_luma_minus8
		info.BitDepthLumaMinus8 = byte(bd)
	} else {
		return info, nil
	}
	if bd, err := r.ue(); err == nil { // bit_depth_chroma_minus8
		info.BitDepthChromaMinus8 = byte(bd)
	}
	return info, nil
}

// readProfileTierLevel decodes the general profile/tier/level block and
// steps over the per-sub-layer blocks, which the probe never reports.
func readProfileTierLevel(r *bitReader, info *SPSInfo, subLayersMinus1 int) error {
	// general_profile_space(2) | general_tier_flag(1) | general_profile_idc(5)
	b, err := r.bits(8)
	if err != nil {
		return err
	}
	info.TierFlag = byte(b>>5) & 1
	info.ProfileIDC = byte(b) & 0x1F

	compat, err := r.bits(32)
	if err != nil {
		return err
	}
	info.ProfileCompatibilityFlags = uint32(compat)

	constraint, err := r.bits(48)
	if err != nil {
		return err
	}
	info.ConstraintIndicatorFlags = uint64(constraint)

	level, err := r.bits(8)
	if err != nil {
		return err
	}
	info.LevelIDC = byte(level)

	if subLayersMinus1 == 0 {
		return nil
	}

	// Presence flags come first, two per sub-layer, padded to 8 slots.
	present, err := r.bits(2 * subLayersMinus1)
	if err != nil {
		return err
	}
	r.skip(2 * (8 - subLayersMinus1))

	for i := subLayersMinus1 - 1; i >= 0; i-- {
		pair := present >> uint(2*i)
		if pair&0x2 != 0 { // sub_layer_profile_present_flag
			r.skip(88)
		}
		if pair&0x1 != 0 { // sub_layer_level_present_flag
			r.skip(8)
		}
	}
	return nil
}

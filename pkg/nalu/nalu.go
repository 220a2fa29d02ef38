// Package nalu reassembles H.264 NAL units from an Annex-B byte stream
// delivered as a sequence of arbitrary UDP datagram payloads.
package nalu

// H.264 NAL unit types relevant to the relay. Others are forwarded
// verbatim without special handling.
const (
	TypeNonIDR = 1 // coded slice, non-IDR
	TypeIDR    = 5 // coded slice, IDR
	TypeSEI    = 6
	TypeSPS    = 7
	TypePPS    = 8
)

// Type returns the nal_unit_type carried in the low 5 bits of a NAL
// unit's header byte. Callers must ensure nal is non-empty.
func Type(nal []byte) uint8 {
	return nal[0] & 0x1f
}

// IsVideoFrame reports whether the given NAL type carries a coded slice
// (governs marker-bit placement and timestamp advance in the fan-out
// engine).
func IsVideoFrame(t uint8) bool {
	return t == TypeNonIDR || t == TypeIDR
}

// IsParameterSet reports whether the given NAL type is SPS or PPS.
func IsParameterSet(t uint8) bool {
	return t == TypeSPS || t == TypePPS
}

// Package rtppkt implements RFC 6184 RTP packetization of H.264 NAL
// units: single-NAL packets when a NAL fits the MTU, FU-A fragmentation
// otherwise. Each Packetizer owns one session's sequence counter and
// builds its own 12-byte RTP header with explicit marker-bit rules
// rather than depending on pion/rtp/codecs.H264Payloader.
package rtppkt

import (
	"encoding/binary"
	"fmt"
)

const (
	rtpHeaderSize = 12
	fuHeaderSize  = 2

	fuaType = 28
)

// Packet is one RTP packet ready to be handed to the WebRTC sender.
type Packet struct {
	SequenceNumber uint16
	Timestamp      uint32
	Marker         bool
	Payload        []byte // full RTP packet, header included
}

// Packetizer fragments NAL units into RTP packets for a single peer
// session. It is not safe for concurrent use — a session's sequence
// counter is owned exclusively by its own goroutine.
type Packetizer struct {
	payloadType uint8
	ssrc        uint32
	mtu         int
	seq         uint16
}

// New returns a Packetizer seeded at sequence number 0. Use Seed to
// start from a non-zero value (deterministic tests, or session
// resumption).
func New(payloadType uint8, ssrc uint32, mtu int) *Packetizer {
	return &Packetizer{payloadType: payloadType, ssrc: ssrc, mtu: mtu}
}

// Seed overrides the starting sequence number.
func (p *Packetizer) Seed(seq uint16) {
	p.seq = seq
}

// SeqNumber returns the next sequence number that will be assigned,
// diagnostic only.
func (p *Packetizer) SeqNumber() uint16 {
	return p.seq
}

// Packetize wraps nal into one or more RTP packets sharing timestamp,
// advancing the sequence counter by exactly one per emitted packet. The
// marker bit is requested by the caller and, for fragmented NALs, is
// only ever set on the final fragment.
func (p *Packetizer) Packetize(nal []byte, marker bool, timestamp uint32) ([]Packet, error) {
	if len(nal) == 0 {
		return nil, fmt.Errorf("rtppkt: empty NAL unit")
	}

	if len(nal) <= p.mtu-rtpHeaderSize {
		pkt := p.build(nal, marker, timestamp)
		return []Packet{pkt}, nil
	}

	return p.packetizeFUA(nal, marker, timestamp), nil
}

func (p *Packetizer) build(payload []byte, marker bool, timestamp uint32) Packet {
	pkt := Packet{
		SequenceNumber: p.seq,
		Timestamp:      timestamp,
		Marker:         marker,
		Payload:        p.header(marker, timestamp, len(payload)),
	}
	pkt.Payload = append(pkt.Payload, payload...)
	p.seq++
	return pkt
}

func (p *Packetizer) header(marker bool, timestamp uint32, payloadLen int) []byte {
	h := make([]byte, 0, rtpHeaderSize+payloadLen)
	h = append(h, 0x80) // V=2, P=0, X=0, CC=0

	b1 := p.payloadType
	if marker {
		b1 |= 0x80
	}
	h = append(h, b1)

	seqBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(seqBytes, p.seq)
	h = append(h, seqBytes...)

	tsBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(tsBytes, timestamp)
	h = append(h, tsBytes...)

	ssrcBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(ssrcBytes, p.ssrc)
	h = append(h, ssrcBytes...)

	return h
}

func (p *Packetizer) packetizeFUA(nal []byte, marker bool, timestamp uint32) []Packet {
	header := nal[0]
	nri := (header >> 5) & 0x03
	naluType := header & 0x1f
	fuIndicator := (nri << 5) | fuaType

	data := nal[1:]
	maxFragment := p.mtu - rtpHeaderSize - fuHeaderSize

	var packets []Packet
	for offset := 0; offset < len(data); {
		end := offset + maxFragment
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		isFirst := offset == 0
		isLast := end == len(data)

		fuHeader := naluType
		if isFirst {
			fuHeader |= 1 << 7
		}
		if isLast {
			fuHeader |= 1 << 6
		}

		payload := make([]byte, 0, fuHeaderSize+len(chunk))
		payload = append(payload, fuIndicator, fuHeader)
		payload = append(payload, chunk...)

		packets = append(packets, p.build(payload, isLast && marker, timestamp))
		offset = end
	}
	return packets
}

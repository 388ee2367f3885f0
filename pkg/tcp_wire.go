package protocol

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const TcpHeaderLen = header.TCPMinimumSize

var (
	ErrSegmentTooShort = errors.New("segment too short")
	ErrBadChecksum     = errors.New("bad checksum")
)

// TCPSegmentInfo carries the RFC 793 SEG.* variables of one inbound
// segment. Len counts the sequence space the segment occupies, so SYN and
// FIN each add one to the payload length.
type TCPSegmentInfo struct {
	Seq uint32
	Ack uint32
	Len uint32
	Wnd uint16
	Up  uint16
}

// pseudoHeaderSum computes the 1's-complement sum (not inverted) of the
// TCP pseudo-header: src(4) | dst(4) | zero(1) | protocol(1) | length(2).
func pseudoHeaderSum(src, dst netip.Addr, length uint16) uint16 {
	var pseudo [12]byte
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(pseudo[0:4], srcBytes[:])
	copy(pseudo[4:8], dstBytes[:])
	pseudo[8] = 0
	pseudo[9] = ProtocolNumTCP
	binary.BigEndian.PutUint16(pseudo[10:12], length)
	return header.Checksum(pseudo[:], 0)
}

// ComputeTCPChecksum returns the checksum for segment (header + payload,
// with the checksum field zeroed) under the pseudo-header for src/dst.
func ComputeTCPChecksum(segment []byte, src, dst netip.Addr) uint16 {
	psum := pseudoHeaderSum(src, dst, uint16(len(segment)))
	return ^header.Checksum(segment, psum)
}

// EncodeTCPSegment serializes a TCP header around payload and fills in the
// pseudo-header checksum.
func EncodeTCPSegment(seq, ack uint32, flags uint8, wnd uint16, payload []byte, local, foreign Endpoint) []byte {
	buf := make([]byte, TcpHeaderLen+len(payload))
	tcpHdr := header.TCP(buf[:TcpHeaderLen])
	tcpHdr.Encode(&header.TCPFields{
		SrcPort:       local.Port,
		DstPort:       foreign.Port,
		SeqNum:        seq,
		AckNum:        ack,
		DataOffset:    TcpHeaderLen,
		Flags:         flags,
		WindowSize:    wnd,
		Checksum:      0,
		UrgentPointer: 0,
	})
	copy(buf[TcpHeaderLen:], payload)
	tcpHdr.SetChecksum(ComputeTCPChecksum(buf, local.Addr, foreign.Addr))
	return buf
}

// ValidateTCPSegment checks length and checksum of an inbound segment and
// splits it into header view, payload, and SEG.* variables.
func ValidateTCPSegment(data []byte, src, dst netip.Addr) (header.TCP, []byte, *TCPSegmentInfo, error) {
	if len(data) < TcpHeaderLen {
		return nil, nil, nil, ErrSegmentTooShort
	}
	psum := pseudoHeaderSum(src, dst, uint16(len(data)))
	if ^header.Checksum(data, psum) != 0 {
		return nil, nil, nil, ErrBadChecksum
	}
	tcpHdr := header.TCP(data)
	hlen := int(tcpHdr.DataOffset())
	if hlen < TcpHeaderLen || len(data) < hlen {
		return nil, nil, nil, ErrSegmentTooShort
	}
	seg := &TCPSegmentInfo{
		Seq: tcpHdr.SequenceNumber(),
		Ack: tcpHdr.AckNumber(),
		Len: uint32(len(data) - hlen),
		Wnd: tcpHdr.WindowSize(),
		Up:  0,
	}
	// SYN and FIN occupy one sequence number each
	if tcpHdr.Flags()&header.TCPFlagSyn != 0 {
		seg.Len++
	}
	if tcpHdr.Flags()&header.TCPFlagFin != 0 {
		seg.Len++
	}
	return tcpHdr, data[hlen:], seg, nil
}

// tcpFlagsString renders flags in the usual --UAPRSF form for traces.
func tcpFlagsString(flags uint8) string {
	pick := func(flag uint8, c byte) byte {
		if flags&flag != 0 {
			return c
		}
		return '-'
	}
	return string([]byte{
		'-', '-',
		pick(header.TCPFlagUrg, 'U'),
		pick(header.TCPFlagAck, 'A'),
		pick(header.TCPFlagPsh, 'P'),
		pick(header.TCPFlagRst, 'R'),
		pick(header.TCPFlagSyn, 'S'),
		pick(header.TCPFlagFin, 'F'),
	})
}

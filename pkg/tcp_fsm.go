package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/sirupsen/logrus"
)

// TCPHandler is the IP-layer callback for protocol number 6.
func (tcpStack *TCPStack) TCPHandler(packet *IPPacket) {
	tcpStack.TCPInput(packet.Payload, packet.Header.Src, packet.Header.Dst)
}

// TCPInput validates one inbound segment, extracts its endpoints, and runs
// it through segment-arrival processing under the stack mutex.
func (tcpStack *TCPStack) TCPInput(data []byte, src netip.Addr, dst netip.Addr) {
	tcpHdr, payload, seg, err := ValidateTCPSegment(data, src, dst)
	if err != nil {
		logrus.Errorf("tcp: %v", err)
		return
	}
	if src == IPBroadcast || dst == IPBroadcast {
		logrus.Errorf("tcp: broadcast address was detected: src=%s, dst=%s", src, dst)
		return
	}

	local := Endpoint{Addr: dst, Port: tcpHdr.DestinationPort()}
	foreign := Endpoint{Addr: src, Port: tcpHdr.SourcePort()}
	logrus.Debugf("tcp: %s => %s, len=%d (payload=%d), flags=%s",
		foreign, local, len(data), len(payload), tcpFlagsString(tcpHdr.Flags()))

	tcpStack.Mutex.Lock()
	tcpStack.segmentArrives(seg, tcpHdr.Flags(), payload, local, foreign)
	tcpStack.Mutex.Unlock()
}

// segmentArrives implements RFC 793 section 3.9, SEGMENT ARRIVES. Caller
// must hold the stack mutex.
func (tcpStack *TCPStack) segmentArrives(seg *TCPSegmentInfo, flags uint8, data []byte, local Endpoint, foreign Endpoint) {
	pcb := tcpStack.pcbSelect(local, &foreign)
	if pcb == nil || pcb.State == StateClosed {
		if flags&header.TCPFlagRst != 0 {
			return
		}
		if flags&header.TCPFlagAck == 0 {
			tcpStack.outputSegment(0, seg.Seq+seg.Len, header.TCPFlagRst|header.TCPFlagAck, 0, nil, local, foreign)
		} else {
			tcpStack.outputSegment(seg.Ack, 0, header.TCPFlagRst, 0, nil, local, foreign)
		}
		return
	}

	switch pcb.State {
	case StateListen:
		/*
		 * 1st check for an RST
		 */
		if flags&header.TCPFlagRst != 0 {
			return
		}

		/*
		 * 2nd check for an ACK
		 */
		if flags&header.TCPFlagAck != 0 {
			tcpStack.outputSegment(seg.Ack, 0, header.TCPFlagRst, 0, nil, local, foreign)
			return
		}

		/*
		 * 3rd check for a SYN
		 */
		if flags&header.TCPFlagSyn != 0 {
			logrus.Debugf("tcp: received SYN, local=%s, foreign=%s", local, foreign)
			// Both ends of the connection are now known
			pcb.Local = local
			pcb.Foreign = foreign
			pcb.RCV.WND = TCPBufferSize
			pcb.RCV.NXT = seg.Seq + 1
			pcb.IRS = seg.Seq
			pcb.ISS = generateISS()
			tcpStack.output(pcb, header.TCPFlagSyn|header.TCPFlagAck, nil)
			pcb.SND.NXT = pcb.ISS + 1
			pcb.SND.UNA = pcb.ISS
			pcb.State = StateSynReceived
			return
		}

		/*
		 * 4th other text or control
		 */

		/* drop segment */
		return

	case StateSynSent:
		// Active open is not implemented, so nothing can legitimately
		// arrive here. Drop.
		return
	}

	/*
	 * Otherwise
	 */

	/*
	 * 1st check sequence number
	 */
	switch pcb.State {
	case StateSynReceived, StateEstablished:
		acceptable := false
		if seg.Len == 0 {
			if pcb.RCV.WND == 0 {
				// No buffer space left; accept only the exact next expected
				// sequence number (zero-window probe)
				if seg.Seq == pcb.RCV.NXT {
					acceptable = true
				}
			} else {
				if seqnum.Value(seg.Seq).InWindow(seqnum.Value(pcb.RCV.NXT), seqnum.Size(pcb.RCV.WND)) {
					acceptable = true
				}
			}
		} else {
			if pcb.RCV.WND == 0 {
				// No buffer space, cannot accept data
			} else {
				// Accept when the first or the last occupied sequence
				// number falls inside the receive window
				first := seqnum.Value(seg.Seq)
				last := seqnum.Value(seg.Seq + seg.Len - 1)
				if first.InWindow(seqnum.Value(pcb.RCV.NXT), seqnum.Size(pcb.RCV.WND)) ||
					last.InWindow(seqnum.Value(pcb.RCV.NXT), seqnum.Size(pcb.RCV.WND)) {
					acceptable = true
				}
			}
		}

		if !acceptable {
			if flags&header.TCPFlagRst == 0 {
				tcpStack.output(pcb, header.TCPFlagAck, nil)
			}
			return
		}
	}

	/*
	 * 2nd check the RST bit (not implemented)
	 */

	/*
	 * 3rd check security and precedence (ignore)
	 */

	/*
	 * 4th check the SYN bit (not implemented)
	 */

	/*
	 * 5th check the ACK field
	 */
	if flags&header.TCPFlagAck == 0 {
		// Segments without ACK are dropped
		return
	}
	switch pcb.State {
	case StateSynReceived:
		// SND.UNA =< SEG.ACK =< SND.NXT
		if seqnum.Value(seg.Ack).InRange(seqnum.Value(pcb.SND.UNA), seqnum.Value(pcb.SND.NXT+1)) {
			pcb.State = StateEstablished
			pcb.ctx.wakeup()
		} else {
			tcpStack.outputSegment(seg.Ack, 0, header.TCPFlagRst, 0, nil, local, foreign)
			return
		}
		// A valid ACK falls through to ESTABLISHED processing
		fallthrough
	case StateEstablished:
		// SND.UNA < SEG.ACK =< SND.NXT
		if seqnum.Value(seg.Ack).InRange(seqnum.Value(pcb.SND.UNA+1), seqnum.Value(pcb.SND.NXT+1)) {
			pcb.SND.UNA = seg.Ack
			// Update the send window, unless the segment is older than the
			// one that last updated it
			if seqnum.Value(pcb.SND.WL1).LessThan(seqnum.Value(seg.Seq)) ||
				(pcb.SND.WL1 == seg.Seq && seqnum.Value(pcb.SND.WL2).LessThanEq(seqnum.Value(seg.Ack))) {
				pcb.SND.WND = seg.Wnd
				pcb.SND.WL1 = seg.Seq
				pcb.SND.WL2 = seg.Ack
			}
			pcb.ctx.wakeup()
		} else if seqnum.Value(seg.Ack).LessThan(seqnum.Value(pcb.SND.UNA)) {
			// Duplicate ACK for an already acknowledged range, ignore
		} else if seqnum.Value(pcb.SND.NXT).LessThan(seqnum.Value(seg.Ack)) {
			// ACK for data not yet sent
			tcpStack.output(pcb, header.TCPFlagAck, nil)
			return
		}
	}

	/*
	 * 6th check the URG bit (ignore)
	 */

	/*
	 * 7th process the segment text
	 */
	switch pcb.State {
	case StateEstablished:
		if len(data) > 0 {
			// Payload is clamped to the advertised window; the tail of a
			// segment that overruns the buffer is dropped
			n := copy(pcb.buf[pcb.buffered():], data)
			pcb.RCV.NXT = seg.Seq + uint32(n)
			pcb.RCV.WND -= uint16(n)
			tcpStack.output(pcb, header.TCPFlagAck, nil)
			pcb.ctx.wakeup()
		}
	}

	/*
	 * 8th check the FIN bit (not implemented)
	 */
}

// generateISS picks the initial send sequence number for a new connection
// from a cryptographic source.
func generateISS() uint32 {
	var b [4]byte
	rand.Read(b[:]) // crypto/rand never fails on supported platforms
	return binary.BigEndian.Uint32(b[:])
}

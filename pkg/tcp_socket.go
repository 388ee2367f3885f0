package protocol

import (
	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

/*
 * Output engine
 */

// outputSegment builds one TCP segment and emits it through the IP layer.
func (tcpStack *TCPStack) outputSegment(seq uint32, ack uint32, flags uint8, wnd uint16, data []byte, local Endpoint, foreign Endpoint) error {
	segment := EncodeTCPSegment(seq, ack, flags, wnd, data, local, foreign)
	logrus.Debugf("tcp: %s => %s, len=%d (payload=%d), flags=%s",
		local, foreign, len(segment), len(data), tcpFlagsString(flags))
	return tcpStack.IPStack.SendIP(&local.Addr, DefaultTTL, foreign.Addr, ProtocolNumTCP, segment)
}

// output emits a segment from pcb's current send state. The sequence
// number is ISS for a SYN, SND.NXT otherwise.
func (tcpStack *TCPStack) output(pcb *TCPPCB, flags uint8, data []byte) error {
	seq := pcb.SND.NXT
	if flags&header.TCPFlagSyn != 0 {
		seq = pcb.ISS
	}
	// A segment carrying SYN, FIN, or data would also be placed on a
	// retransmission queue here; this stack does not retransmit.
	return tcpStack.outputSegment(seq, pcb.RCV.NXT, flags, pcb.RCV.WND, data, pcb.Local, pcb.Foreign)
}

/*
 * TCP User Commands (RFC 793)
 */

// VOpen opens a connection and blocks until it is ESTABLISHED, returning
// the socket id. Only passive opens are supported; a foreign endpoint may
// be supplied to restrict the listen to one peer.
func (tcpStack *TCPStack) VOpen(local Endpoint, foreign *Endpoint, active bool) (int, error) {
	tcpStack.Mutex.Lock()
	pcb := tcpStack.pcbAlloc()
	if pcb == nil {
		tcpStack.Mutex.Unlock()
		return -1, errors.New("pcb table exhausted")
	}

	if active {
		tcpStack.pcbRelease(pcb)
		tcpStack.Mutex.Unlock()
		return -1, errors.New("active open not implemented")
	}

	logrus.Debugf("tcp: passive open: local=%s, waiting for connection...", local)
	pcb.Local = local
	if foreign != nil {
		pcb.Foreign = *foreign
	}
	pcb.State = StateListen

	for {
		// Sleep until the state changes: once for SYN arrival, once more
		// for the final ACK of the handshake
		state := pcb.State
		for pcb.State == state {
			if err := pcb.ctx.sleep(); err != nil {
				logrus.Debugf("tcp: open interrupted")
				pcb.State = StateClosed
				tcpStack.pcbRelease(pcb)
				tcpStack.Mutex.Unlock()
				return -1, err
			}
		}
		if pcb.State == StateSynReceived {
			continue
		}
		break
	}

	if pcb.State != StateEstablished {
		logrus.Errorf("tcp: open error: state=%s", pcb.State)
		pcb.State = StateClosed
		tcpStack.pcbRelease(pcb)
		tcpStack.Mutex.Unlock()
		return -1, errors.New("connection not established")
	}
	id := tcpStack.pcbID(pcb)
	logrus.Debugf("tcp: connection established: local=%s, foreign=%s", pcb.Local, pcb.Foreign)
	tcpStack.Mutex.Unlock()
	return id, nil
}

// VClose aborts the connection: it emits RST to the peer and releases the
// PCB.
func (tcpStack *TCPStack) VClose(id int) error {
	tcpStack.Mutex.Lock()
	pcb := tcpStack.pcbGet(id)
	if pcb == nil {
		tcpStack.Mutex.Unlock()
		return errors.Errorf("no pcb for id %d", id)
	}
	tcpStack.output(pcb, header.TCPFlagRst, nil)
	pcb.State = StateClosed
	tcpStack.pcbRelease(pcb)
	tcpStack.Mutex.Unlock()
	return nil
}

// VSend transmits data on an established connection, blocking while the
// peer's window is full. Each emitted segment carries at most MSS payload
// bytes and is further capped by the window capacity.
func (tcpStack *TCPStack) VSend(id int, data []byte) (int, error) {
	tcpStack.Mutex.Lock()
	pcb := tcpStack.pcbGet(id)
	if pcb == nil {
		tcpStack.Mutex.Unlock()
		return -1, errors.Errorf("no pcb for id %d", id)
	}

	sent := 0
	for {
		if pcb.State != StateEstablished {
			err := errors.Errorf("cannot send in state %s", pcb.State)
			if pcb.State == StateClosed {
				tcpStack.pcbRelease(pcb)
			}
			tcpStack.Mutex.Unlock()
			return -1, err
		}
		if sent >= len(data) {
			break
		}
		iface := tcpStack.IPStack.RouteIface(pcb.Foreign.Addr)
		if iface == nil {
			tcpStack.Mutex.Unlock()
			return -1, errors.Errorf("no route to %s", pcb.Foreign.Addr)
		}
		pcb.MTU = uint16(iface.MTU)
		pcb.MSS = uint16(iface.MTU - (ipv4header.HeaderLen + TcpHeaderLen))

		// Estimate the remaining space in the peer's receive buffer: its
		// advertised window minus the bytes in flight
		capacity := int(pcb.SND.WND) - int(pcb.SND.NXT-pcb.SND.UNA)
		if capacity <= 0 {
			if err := pcb.ctx.sleep(); err != nil {
				logrus.Debugf("tcp: send interrupted")
				if sent == 0 {
					tcpStack.Mutex.Unlock()
					return -1, err
				}
				break
			}
			// Re-check state and route after the wait
			continue
		}

		slen := min(min(int(pcb.MSS), len(data)-sent), capacity)
		if err := tcpStack.output(pcb, header.TCPFlagAck|header.TCPFlagPsh, data[sent:sent+slen]); err != nil {
			logrus.Errorf("tcp: output failure: %v", err)
			pcb.State = StateClosed
			tcpStack.pcbRelease(pcb)
			tcpStack.Mutex.Unlock()
			return -1, errors.Wrap(err, "send")
		}
		pcb.SND.NXT += uint32(slen)
		sent += slen
	}

	tcpStack.Mutex.Unlock()
	return sent, nil
}

// VReceive copies up to len(buf) bytes out of the connection's receive
// buffer, blocking while it is empty.
func (tcpStack *TCPStack) VReceive(id int, buf []byte) (int, error) {
	tcpStack.Mutex.Lock()
	pcb := tcpStack.pcbGet(id)
	if pcb == nil {
		tcpStack.Mutex.Unlock()
		return -1, errors.Errorf("no pcb for id %d", id)
	}

	for {
		if pcb.State != StateEstablished {
			// The connection may have been torn down while we slept; a
			// CLOSED pcb left unzeroed is ours to release
			err := errors.Errorf("cannot receive in state %s", pcb.State)
			if pcb.State == StateClosed {
				tcpStack.pcbRelease(pcb)
			}
			tcpStack.Mutex.Unlock()
			return -1, err
		}
		remain := pcb.buffered()
		if remain == 0 {
			if err := pcb.ctx.sleep(); err != nil {
				logrus.Debugf("tcp: receive interrupted")
				tcpStack.Mutex.Unlock()
				return -1, err
			}
			continue
		}

		length := min(len(buf), remain)
		copy(buf, pcb.buf[:length])
		// Shift the remaining bytes down to the head of the buffer
		copy(pcb.buf[:], pcb.buf[length:remain])
		pcb.RCV.WND += uint16(length)
		tcpStack.Mutex.Unlock()
		return length, nil
	}
}

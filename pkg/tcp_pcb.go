package protocol

import (
	"fmt"
	"net/netip"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// TCPPCBCount is the size of the PCB table. Socket ids are slot
	// indices, so ids stay small and stable for a connection's lifetime.
	TCPPCBCount = 16

	// TCPBufferSize is the capacity of each PCB's receive buffer.
	TCPBufferSize = 65535
)

type TCPState int

const (
	StateFree TCPState = iota
	StateClosed
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

var stateNames = map[TCPState]string{
	StateFree:        "FREE",
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynReceived: "SYN_RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT1",
	StateFinWait2:    "FIN_WAIT2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME_WAIT",
	StateCloseWait:   "CLOSE_WAIT",
	StateLastAck:     "LAST_ACK",
}

func (s TCPState) String() string {
	if name, exists := stateNames[s]; exists {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
}

// Endpoint is one side of a connection. An invalid or unspecified Addr is
// the wildcard; port 0 is the wildcard port on a LISTEN PCB's foreign side.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", formatAddr(e.Addr), e.Port)
}

func isWildcard(addr netip.Addr) bool {
	return !addr.IsValid() || addr.IsUnspecified()
}

type sndVars struct {
	NXT uint32 // next sequence number to send
	UNA uint32 // oldest sequence number not yet acknowledged
	WND uint16 // peer's advertised window
	UP  uint16
	WL1 uint32 // seq of the segment that last updated the window
	WL2 uint32 // ack of the segment that last updated the window
}

type rcvVars struct {
	NXT uint32 // next sequence number expected
	WND uint16 // remaining space in the receive buffer
	UP  uint16
}

// TCPPCB is the per-connection protocol control block. All fields are
// protected by the owning TCPStack's mutex.
type TCPPCB struct {
	State   TCPState
	Local   Endpoint
	Foreign Endpoint
	SND     sndVars
	ISS     uint32
	RCV     rcvVars
	IRS     uint32
	MTU     uint16
	MSS     uint16
	buf     [TCPBufferSize]byte // receive buffer
	ctx     schedCtx
}

// buffered returns the byte count currently held in the receive buffer.
func (pcb *TCPPCB) buffered() int {
	return TCPBufferSize - int(pcb.RCV.WND)
}

type TCPStack struct {
	Mutex   sync.Mutex
	pcbs    [TCPPCBCount]TCPPCB
	IPStack ipLayer
}

// ipLayer is the slice of the IP stack the TCP layer depends on.
type ipLayer interface {
	SendIP(src *netip.Addr, ttl int, dest netip.Addr, protocolNum uint8, data []byte) error
	RouteIface(dst netip.Addr) *Interface
}

func (tcpStack *TCPStack) Initialize(ipStack *IPStack) {
	tcpStack.IPStack = ipStack

	// register tcp packet handler
	ipStack.RegisterRecvHandler(ProtocolNumTCP, tcpStack.TCPHandler)
}

/*
 * PCB table operations. Caller must hold the stack mutex.
 */

func (tcpStack *TCPStack) pcbAlloc() *TCPPCB {
	for i := range tcpStack.pcbs {
		pcb := &tcpStack.pcbs[i]
		if pcb.State == StateFree {
			pcb.State = StateClosed
			pcb.ctx.init(&tcpStack.Mutex)
			return pcb
		}
	}
	return nil
}

func (tcpStack *TCPStack) pcbRelease(pcb *TCPPCB) {
	if err := pcb.ctx.destroy(); err != nil {
		// A waiter is still inside the context. Wake it and let it run
		// pcbRelease again on its own exit path.
		pcb.ctx.wakeup()
		return
	}
	logrus.Debugf("tcp: released, local=%s, foreign=%s", pcb.Local, pcb.Foreign)
	*pcb = TCPPCB{}
}

func (tcpStack *TCPStack) pcbSelect(local Endpoint, foreign *Endpoint) *TCPPCB {
	var listenPCB *TCPPCB
	for i := range tcpStack.pcbs {
		pcb := &tcpStack.pcbs[i]
		if pcb.State == StateFree {
			continue
		}
		if (isWildcard(pcb.Local.Addr) || pcb.Local.Addr == local.Addr) && pcb.Local.Port == local.Port {
			if foreign == nil {
				return pcb
			}
			if pcb.Foreign.Addr == foreign.Addr && pcb.Foreign.Port == foreign.Port {
				return pcb
			}
			if pcb.State == StateListen && isWildcard(pcb.Foreign.Addr) && pcb.Foreign.Port == 0 {
				listenPCB = pcb
			}
		}
	}
	return listenPCB
}

func (tcpStack *TCPStack) pcbGet(id int) *TCPPCB {
	if id < 0 || id >= TCPPCBCount {
		return nil
	}
	pcb := &tcpStack.pcbs[id]
	if pcb.State == StateFree {
		return nil
	}
	return pcb
}

func (tcpStack *TCPStack) pcbID(pcb *TCPPCB) int {
	for i := range tcpStack.pcbs {
		if &tcpStack.pcbs[i] == pcb {
			return i
		}
	}
	return -1
}

// ListSockets renders the PCB table for the REPL's ls command.
func (tcpStack *TCPStack) ListSockets() string {
	tcpStack.Mutex.Lock()
	defer tcpStack.Mutex.Unlock()
	res := "SID  LAddr/LPort      RAddr/RPort      Status"
	for i := range tcpStack.pcbs {
		pcb := &tcpStack.pcbs[i]
		if pcb.State == StateFree {
			continue
		}
		res += fmt.Sprintf("\n%-4d %-16s %-16s %s", i, pcb.Local, pcb.Foreign, pcb.State)
	}
	return res
}

// InterruptAll delivers the process-wide event to every active PCB,
// failing any blocked user command with ErrInterrupted.
func (tcpStack *TCPStack) InterruptAll() {
	tcpStack.Mutex.Lock()
	for i := range tcpStack.pcbs {
		if tcpStack.pcbs[i].State != StateFree {
			tcpStack.pcbs[i].ctx.interrupt()
		}
	}
	tcpStack.Mutex.Unlock()
}

package protocol

import (
	"testing"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

type openResult struct {
	id  int
	err error
}

func stateOf(tcpStack *TCPStack, pcb *TCPPCB) TCPState {
	tcpStack.Mutex.Lock()
	defer tcpStack.Mutex.Unlock()
	return pcb.State
}

func TestVOpenPassiveHandshake(t *testing.T) {
	tcpStack, fake := newTestStack()

	results := make(chan openResult, 1)
	go func() {
		id, err := tcpStack.VOpen(testLocal, nil, false)
		results <- openResult{id, err}
	}()

	// Wait for the listener to appear, then run the peer's side of the
	// handshake
	waitFor(t, func() bool {
		tcpStack.Mutex.Lock()
		defer tcpStack.Mutex.Unlock()
		return tcpStack.pcbs[0].State == StateListen
	})
	inject(tcpStack, 1000, 0, header.TCPFlagSyn, 65535, nil)
	synAck := fake.last(t)
	inject(tcpStack, 1001, synAck.SequenceNumber()+1, header.TCPFlagAck, 65535, nil)

	res := <-results
	if res.err != nil {
		t.Fatalf("VOpen: %v", res.err)
	}
	if res.id != 0 {
		t.Errorf("id = %d, want 0", res.id)
	}
	if st := stateOf(tcpStack, &tcpStack.pcbs[0]); st != StateEstablished {
		t.Errorf("state = %s, want ESTABLISHED", st)
	}
}

func TestVOpenActiveUnsupported(t *testing.T) {
	tcpStack, _ := newTestStack()
	if _, err := tcpStack.VOpen(testLocal, &testForeign, true); err == nil {
		t.Fatal("active open succeeded")
	}
	// The transient pcb was returned to the table
	tcpStack.Mutex.Lock()
	defer tcpStack.Mutex.Unlock()
	if tcpStack.pcbs[0].State != StateFree {
		t.Error("pcb leaked after failed active open")
	}
}

func TestVOpenTableExhausted(t *testing.T) {
	tcpStack, _ := newTestStack()
	tcpStack.Mutex.Lock()
	for i := 0; i < TCPPCBCount; i++ {
		tcpStack.pcbAlloc()
	}
	tcpStack.Mutex.Unlock()

	if _, err := tcpStack.VOpen(testLocal, nil, false); err == nil {
		t.Fatal("VOpen succeeded on a full table")
	}
}

func TestVOpenInterrupted(t *testing.T) {
	tcpStack, _ := newTestStack()

	results := make(chan openResult, 1)
	go func() {
		id, err := tcpStack.VOpen(testLocal, nil, false)
		results <- openResult{id, err}
	}()
	waitFor(t, func() bool {
		tcpStack.Mutex.Lock()
		defer tcpStack.Mutex.Unlock()
		return tcpStack.pcbs[0].ctx.wc == 1
	})

	tcpStack.InterruptAll()

	res := <-results
	if !errors.Is(res.err, ErrInterrupted) {
		t.Fatalf("VOpen returned %v, want ErrInterrupted", res.err)
	}
	tcpStack.Mutex.Lock()
	defer tcpStack.Mutex.Unlock()
	if tcpStack.pcbs[0].State != StateFree {
		t.Error("interrupted open did not release the pcb")
	}
}

func TestVReceiveDeliversData(t *testing.T) {
	tcpStack, fake := newTestStack()
	pcb := establish(t, tcpStack, fake, 1000)
	iss := pcb.ISS
	id := 0

	results := make(chan openResult, 1)
	buf := make([]byte, 10)
	go func() {
		n, err := tcpStack.VReceive(id, buf)
		results <- openResult{n, err}
	}()
	waitFor(t, func() bool {
		tcpStack.Mutex.Lock()
		defer tcpStack.Mutex.Unlock()
		return pcb.ctx.wc == 1
	})

	inject(tcpStack, 1001, iss+1, header.TCPFlagAck|header.TCPFlagPsh, 65535, []byte("hi"))

	res := <-results
	if res.err != nil {
		t.Fatalf("VReceive: %v", res.err)
	}
	if res.id != 2 || string(buf[:2]) != "hi" {
		t.Errorf("read %d bytes %q, want 2 bytes %q", res.id, buf[:res.id], "hi")
	}
	if pcb.RCV.WND != TCPBufferSize {
		t.Errorf("RCV.WND = %d, want %d after drain", pcb.RCV.WND, TCPBufferSize)
	}
}

func TestVReceiveDrainsAndBlocksAgain(t *testing.T) {
	tcpStack, fake := newTestStack()
	pcb := establish(t, tcpStack, fake, 1000)
	iss := pcb.ISS

	inject(tcpStack, 1001, iss+1, header.TCPFlagAck, 65535, []byte("abcdef"))

	// A short read leaves the tail at the head of the buffer
	buf := make([]byte, 4)
	n, err := tcpStack.VReceive(0, buf)
	if err != nil || n != 4 || string(buf[:n]) != "abcd" {
		t.Fatalf("VReceive = %d %q err=%v, want 4 %q", n, buf[:n], err, "abcd")
	}
	n, err = tcpStack.VReceive(0, buf)
	if err != nil || n != 2 || string(buf[:n]) != "ef" {
		t.Fatalf("VReceive = %d %q err=%v, want 2 %q", n, buf[:n], err, "ef")
	}

	// Empty again: the next receive must block
	done := make(chan openResult, 1)
	go func() {
		n, err := tcpStack.VReceive(0, buf)
		done <- openResult{n, err}
	}()
	select {
	case res := <-done:
		t.Fatalf("VReceive returned %d/%v on an empty buffer", res.id, res.err)
	case <-time.After(50 * time.Millisecond):
	}
	tcpStack.InterruptAll()
	<-done
}

func TestVReceiveInterrupted(t *testing.T) {
	tcpStack, fake := newTestStack()
	pcb := establish(t, tcpStack, fake, 1000)

	done := make(chan openResult, 1)
	go func() {
		buf := make([]byte, 10)
		n, err := tcpStack.VReceive(0, buf)
		done <- openResult{n, err}
	}()
	waitFor(t, func() bool {
		tcpStack.Mutex.Lock()
		defer tcpStack.Mutex.Unlock()
		return pcb.ctx.wc == 1
	})

	tcpStack.InterruptAll()

	res := <-done
	if !errors.Is(res.err, ErrInterrupted) {
		t.Fatalf("VReceive returned %v, want ErrInterrupted", res.err)
	}
	// The connection survives the interrupt
	if st := stateOf(tcpStack, pcb); st != StateEstablished {
		t.Errorf("state = %s, want ESTABLISHED", st)
	}
}

func TestVSendSegmentsAndFlowControl(t *testing.T) {
	tcpStack, fake := newTestStack()
	pcb := establish(t, tcpStack, fake, 1000)
	iss := pcb.ISS

	// Peer advertises a 1000-byte window
	tcpStack.Mutex.Lock()
	pcb.SND.WND = 1000
	tcpStack.Mutex.Unlock()

	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i)
	}
	done := make(chan openResult, 1)
	go func() {
		n, err := tcpStack.VSend(0, data)
		done <- openResult{n, err}
	}()

	// The handshake emitted one segment; segment counts below include it.
	// First data segment fills the window, then the sender must block
	waitFor(t, func() bool {
		tcpStack.Mutex.Lock()
		defer tcpStack.Mutex.Unlock()
		return len(fake.segments) == 2 && pcb.ctx.wc == 1
	})
	tcpStack.Mutex.Lock()
	first := header.TCP(fake.segments[1])
	tcpStack.Mutex.Unlock()
	if got := len(first.Payload()); got != 1000 {
		t.Fatalf("first segment payload = %d bytes, want 1000", got)
	}
	if first.Flags() != header.TCPFlagAck|header.TCPFlagPsh {
		t.Errorf("flags = %s, want ACK|PSH", tcpFlagsString(first.Flags()))
	}
	if first.SequenceNumber() != iss+1 {
		t.Errorf("first seq = %d, want %d", first.SequenceNumber(), iss+1)
	}

	// Peer acknowledges the first 1000 bytes, window stays 1000
	inject(tcpStack, 1001, iss+1001, header.TCPFlagAck, 1000, nil)
	waitFor(t, func() bool {
		tcpStack.Mutex.Lock()
		defer tcpStack.Mutex.Unlock()
		return len(fake.segments) == 3 && pcb.ctx.wc == 1
	})
	tcpStack.Mutex.Lock()
	second := header.TCP(fake.segments[2])
	tcpStack.Mutex.Unlock()
	if got := len(second.Payload()); got != 1000 {
		t.Fatalf("second segment payload = %d bytes, want 1000", got)
	}

	// Final ACK releases the last kilobyte
	inject(tcpStack, 1001, iss+2001, header.TCPFlagAck, 1000, nil)

	res := <-done
	if res.err != nil {
		t.Fatalf("VSend: %v", res.err)
	}
	if res.id != 3000 {
		t.Errorf("sent = %d, want 3000", res.id)
	}
	if pcb.SND.NXT != iss+3001 {
		t.Errorf("SND.NXT = %d, want %d", pcb.SND.NXT, iss+3001)
	}
	// No emitted segment may exceed the MSS
	mss := fake.iface.MTU - 20 - TcpHeaderLen
	for i, segment := range fake.segments {
		if n := len(header.TCP(segment).Payload()); n > mss {
			t.Errorf("segment %d carries %d payload bytes, over MSS %d", i, n, mss)
		}
	}
}

func TestVSendCapsAtMSS(t *testing.T) {
	tcpStack, fake := newTestStack()
	pcb := establish(t, tcpStack, fake, 1000)

	tcpStack.Mutex.Lock()
	pcb.SND.WND = 65535
	tcpStack.Mutex.Unlock()

	mss := fake.iface.MTU - 20 - TcpHeaderLen
	data := make([]byte, mss+100)
	n, err := tcpStack.VSend(0, data)
	if err != nil {
		t.Fatalf("VSend: %v", err)
	}
	if n != len(data) {
		t.Fatalf("sent = %d, want %d", n, len(data))
	}
	if got := len(header.TCP(fake.segments[len(fake.segments)-2]).Payload()); got != mss {
		t.Errorf("first segment payload = %d, want MSS %d", got, mss)
	}
	if got := len(fake.last(t).Payload()); got != 100 {
		t.Errorf("second segment payload = %d, want 100", got)
	}
}

func TestVSendWrongState(t *testing.T) {
	tcpStack, _ := newTestStack()
	tcpStack.Mutex.Lock()
	pcb := tcpStack.pcbAlloc()
	pcb.State = StateListen
	pcb.Local = testLocal
	tcpStack.Mutex.Unlock()

	if _, err := tcpStack.VSend(0, []byte("x")); err == nil {
		t.Fatal("VSend succeeded on a LISTEN socket")
	}
	if _, err := tcpStack.VReceive(0, make([]byte, 1)); err == nil {
		t.Fatal("VReceive succeeded on a LISTEN socket")
	}
}

func TestVSendUnknownID(t *testing.T) {
	tcpStack, _ := newTestStack()
	if _, err := tcpStack.VSend(3, []byte("x")); err == nil {
		t.Fatal("VSend succeeded on an unused id")
	}
}

func TestVSendOutputFailureClosesPCB(t *testing.T) {
	tcpStack, fake := newTestStack()
	pcb := establish(t, tcpStack, fake, 1000)
	tcpStack.Mutex.Lock()
	pcb.SND.WND = 1000
	tcpStack.Mutex.Unlock()

	fake.sendErr = errors.New("no route to host")
	if _, err := tcpStack.VSend(0, []byte("doomed")); err == nil {
		t.Fatal("VSend swallowed the output failure")
	}
	tcpStack.Mutex.Lock()
	defer tcpStack.Mutex.Unlock()
	if tcpStack.pcbs[0].State != StateFree {
		t.Error("pcb not released after output failure")
	}
}

func TestVCloseSendsRst(t *testing.T) {
	tcpStack, fake := newTestStack()
	pcb := establish(t, tcpStack, fake, 1000)
	iss := pcb.ISS

	if err := tcpStack.VClose(0); err != nil {
		t.Fatalf("VClose: %v", err)
	}
	rst := fake.last(t)
	if rst.Flags() != header.TCPFlagRst {
		t.Fatalf("reply flags = %s, want RST", tcpFlagsString(rst.Flags()))
	}
	if rst.SequenceNumber() != iss+1 {
		t.Errorf("rst seq = %d, want SND.NXT %d", rst.SequenceNumber(), iss+1)
	}
	tcpStack.Mutex.Lock()
	free := tcpStack.pcbs[0].State == StateFree
	tcpStack.Mutex.Unlock()
	if !free {
		t.Error("pcb not released by close")
	}
	if err := tcpStack.VClose(0); err == nil {
		t.Error("second close on the same id succeeded")
	}
}

func TestVCloseWakesBlockedReceiver(t *testing.T) {
	tcpStack, fake := newTestStack()
	pcb := establish(t, tcpStack, fake, 1000)

	done := make(chan openResult, 1)
	go func() {
		buf := make([]byte, 10)
		n, err := tcpStack.VReceive(0, buf)
		done <- openResult{n, err}
	}()
	waitFor(t, func() bool {
		tcpStack.Mutex.Lock()
		defer tcpStack.Mutex.Unlock()
		return pcb.ctx.wc == 1
	})

	if err := tcpStack.VClose(0); err != nil {
		t.Fatalf("VClose: %v", err)
	}

	// The receiver observes the closed pcb and completes the teardown
	res := <-done
	if res.err == nil {
		t.Fatal("VReceive returned data from a closed connection")
	}
	waitFor(t, func() bool {
		tcpStack.Mutex.Lock()
		defer tcpStack.Mutex.Unlock()
		return tcpStack.pcbs[0].State == StateFree
	})
}

func TestVReceiveBufferedDataStillEstablished(t *testing.T) {
	tcpStack, fake := newTestStack()
	pcb := establish(t, tcpStack, fake, 1000)
	iss := pcb.ISS

	// Data first, then receive: no blocking involved
	inject(tcpStack, 1001, iss+1, header.TCPFlagAck, 65535, []byte("payload"))
	buf := make([]byte, 100)
	n, err := tcpStack.VReceive(0, buf)
	if err != nil || n != 7 {
		t.Fatalf("VReceive = %d err=%v, want 7", n, err)
	}
	if st := stateOf(tcpStack, pcb); st != StateEstablished {
		t.Errorf("state = %s, want ESTABLISHED", st)
	}
}

package protocol

import (
	"net"
	"net/netip"
	"sync"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ip-tcp-stack/lnxconfig"
)

const (
	// Protocol numbers carried in the IPv4 header.
	ProtocolNumTest uint8 = 0
	ProtocolNumTCP  uint8 = 6

	DefaultTTL = 32

	maxDatagramSize = 65535
)

var IPBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

type HandlerFunc = func(*IPPacket)

type IPPacket struct {
	Header  ipv4header.IPv4Header
	Payload []byte
}

type Interface struct {
	Name      string                        // the name of the interface
	IP        netip.Addr                    // the IP address of the interface on this host
	Prefix    netip.Prefix                  // the network submask/prefix
	Broadcast netip.Addr                    // the directed broadcast address of the subnet
	MTU       int                           // link MTU in bytes, including the IP header
	Neighbors map[netip.Addr]netip.AddrPort // maps (virtual) IPs to link-layer UDP addresses
	Udp       netip.AddrPort                // the UDP address of the interface on this host
	Down      bool                          // whether the interface is down or not
	Conn      *net.UDPConn                  // listen to incoming UDP packets
}

type routeEntry struct {
	Interface *Interface
	NextHop   netip.Addr // invalid addr for directly connected prefixes
}

type IPStack struct {
	ForwardTable map[netip.Prefix]*routeEntry // maps IP prefixes to egress interface and next hop
	HandlerTable map[uint8]HandlerFunc        // maps protocol numbers to handlers
	Interfaces   map[string]*Interface        // maps interface names to interfaces
	Mutex        sync.RWMutex                 // for concurrency
}

func (stack *IPStack) Initialize(configInfo lnxconfig.IPConfig) error {
	stack.ForwardTable = make(map[netip.Prefix]*routeEntry)
	stack.HandlerTable = make(map[uint8]HandlerFunc)
	stack.Interfaces = make(map[string]*Interface)

	// Go through each interface to populate map of interfaces for IPStack struct
	for _, lnxInterface := range configInfo.Interfaces {
		prefix := lnxInterface.AssignedPrefix
		newInterface := &Interface{
			Name:      lnxInterface.Name,
			IP:        lnxInterface.AssignedIP,
			Prefix:    prefix,
			Broadcast: directedBroadcast(prefix),
			MTU:       lnxInterface.MTU,
			Neighbors: make(map[netip.Addr]netip.AddrPort),
			Udp:       lnxInterface.UDPAddr,
			Down:      false,
		}

		// One UDP socket per interface acts as the link-layer device
		listenAddr, err := net.ResolveUDPAddr("udp4", lnxInterface.UDPAddr.String())
		if err != nil {
			return errors.Wrapf(err, "interface %s", lnxInterface.Name)
		}
		conn, err := net.ListenUDP("udp4", listenAddr)
		if err != nil {
			return errors.Wrapf(err, "interface %s", lnxInterface.Name)
		}
		newInterface.Conn = conn

		stack.Interfaces[newInterface.Name] = newInterface
		stack.ForwardTable[prefix] = &routeEntry{Interface: newInterface}
	}

	// Go through each neighbor and attach it to its interface
	for _, neighbor := range configInfo.Neighbors {
		iface, exists := stack.Interfaces[neighbor.InterfaceName]
		if !exists {
			return errors.Errorf("neighbor %s references unknown interface %s",
				neighbor.DestAddr, neighbor.InterfaceName)
		}
		iface.Neighbors[neighbor.DestAddr] = neighbor.UDPAddr
	}

	// Static routes point at a next hop that must be a neighbor of some interface
	for _, route := range configInfo.Routes {
		iface := stack.ifaceForNeighbor(route.NextHop)
		if iface == nil {
			return errors.Errorf("route %s: next hop %s is not a neighbor", route.Prefix, route.NextHop)
		}
		stack.ForwardTable[route.Prefix] = &routeEntry{Interface: iface, NextHop: route.NextHop}
	}
	return nil
}

func (stack *IPStack) ifaceForNeighbor(addr netip.Addr) *Interface {
	for _, iface := range stack.Interfaces {
		if _, ok := iface.Neighbors[addr]; ok {
			return iface
		}
	}
	return nil
}

func (stack *IPStack) RegisterRecvHandler(protocolNum uint8, callback HandlerFunc) {
	stack.HandlerTable[protocolNum] = callback
}

// RouteIface returns the egress interface for dst by longest prefix match,
// or nil if the forwarding table has no route.
func (stack *IPStack) RouteIface(dst netip.Addr) *Interface {
	stack.Mutex.RLock()
	defer stack.Mutex.RUnlock()
	entry := stack.findPrefixMatch(dst)
	if entry == nil {
		return nil
	}
	return entry.Interface
}

func (stack *IPStack) findPrefixMatch(addr netip.Addr) *routeEntry {
	matched := false
	var longestMatch netip.Prefix
	var entry *routeEntry
	for pref, candidate := range stack.ForwardTable {
		if pref.Contains(addr) {
			if !matched || pref.Bits() > longestMatch.Bits() {
				matched = true
				longestMatch = pref
				entry = candidate
			}
		}
	}
	return entry
}

// SendIP builds an IPv4 datagram around data and emits it on the egress
// link. A nil src means "use the egress interface's address".
func (stack *IPStack) SendIP(src *netip.Addr, ttl int, dest netip.Addr, protocolNum uint8, data []byte) error {
	stack.Mutex.RLock()
	entry := stack.findPrefixMatch(dest)
	stack.Mutex.RUnlock()
	if entry == nil {
		return errors.Errorf("no route to %s", dest)
	}
	iface := entry.Interface
	if iface.Down {
		return errors.Errorf("interface %s is down", iface.Name)
	}

	srcAddr := iface.IP
	if src != nil {
		srcAddr = *src
	}

	// Construct IP packet header
	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen, // Header length is always 20 when no IP options
		TOS:      0,
		TotalLen: ipv4header.HeaderLen + len(data),
		ID:       0,
		Flags:    0,
		FragOff:  0,
		TTL:      ttl,
		Protocol: int(protocolNum),
		Checksum: 0, // Should be 0 until checksum is computed
		Src:      srcAddr,
		Dst:      dest,
		Options:  []byte{},
	}
	headerBytes, err := hdr.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal ip header")
	}
	hdr.Checksum = int(^header.Checksum(headerBytes, 0))
	headerBytes, err = hdr.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal ip header")
	}

	bytesToSend := make([]byte, 0, len(headerBytes)+len(data))
	bytesToSend = append(bytesToSend, headerBytes...)
	bytesToSend = append(bytesToSend, data...)

	// The link hop is the next hop router, or the destination itself when
	// the prefix is directly connected.
	linkDest := dest
	if entry.NextHop.IsValid() {
		linkDest = entry.NextHop
	}
	linkAddr, ok := iface.Neighbors[linkDest]
	if !ok {
		return errors.Errorf("no neighbor entry for %s on %s", linkDest, iface.Name)
	}
	remoteAddr, err := net.ResolveUDPAddr("udp4", linkAddr.String())
	if err != nil {
		return errors.Wrap(err, "resolve link addr")
	}
	_, err = iface.Conn.WriteToUDP(bytesToSend, remoteAddr)
	if err != nil {
		return errors.Wrap(err, "link send")
	}
	logrus.Debugf("ip: sent %d bytes, %s => %s, protocol=%d", len(bytesToSend), srcAddr, dest, protocolNum)
	return nil
}

// Receive blocks on one datagram from the interface's link socket and runs
// it through IP input processing.
func (stack *IPStack) Receive(iface *Interface) error {
	buf := make([]byte, maxDatagramSize)
	n, _, err := iface.Conn.ReadFromUDP(buf)
	if err != nil {
		return err
	}
	stack.IPInput(buf[:n], iface)
	return nil
}

// IPInput validates one inbound datagram and hands its payload to the
// registered protocol handler. Malformed or misaddressed datagrams are
// logged and dropped.
func (stack *IPStack) IPInput(buf []byte, iface *Interface) {
	if iface.Down {
		return
	}
	if len(buf) < ipv4header.HeaderLen {
		logrus.Errorf("ip: too short")
		return
	}
	hdr, err := ipv4header.ParseHeader(buf)
	if err != nil {
		logrus.Errorf("ip: parse header: %v", err)
		return
	}
	if hdr.Version != 4 {
		logrus.Errorf("ip: not IPv4")
		return
	}
	hlen := hdr.Len
	if len(buf) < hlen {
		logrus.Errorf("ip: data shorter than header length. len=%d, hlen=%d", len(buf), hlen)
		return
	}
	if len(buf) < hdr.TotalLen {
		logrus.Errorf("ip: data shorter than total length. len=%d, total=%d", len(buf), hdr.TotalLen)
		return
	}
	if header.Checksum(buf[:hlen], 0) != 0xffff {
		logrus.Errorf("ip: checksum verification failed")
		return
	}
	// MF set or a non-zero offset means a fragment; DF alone is fine.
	if hdr.Flags&ipv4header.MoreFragments != 0 || hdr.FragOff != 0 {
		logrus.Errorf("ip: fragments not supported")
		return
	}
	if hdr.Dst != iface.IP && hdr.Dst != IPBroadcast && hdr.Dst != iface.Broadcast {
		logrus.Debugf("ip: not for us: dst=%s, iface=%s", hdr.Dst, iface.IP)
		return
	}

	packet := &IPPacket{
		Header:  *hdr,
		Payload: buf[hlen:hdr.TotalLen],
	}
	logrus.Debugf("ip: dev=%s, protocol=%d, total=%d", iface.Name, hdr.Protocol, hdr.TotalLen)

	callbackFunction, exists := stack.HandlerTable[uint8(hdr.Protocol)]
	if !exists {
		logrus.Debugf("ip: no handler for protocol %d", hdr.Protocol)
		return
	}
	callbackFunction(packet)
}

// Down marks an interface down; datagrams in either direction are dropped.
func (stack *IPStack) Down(name string) error {
	iface, exists := stack.Interfaces[name]
	if !exists {
		return errors.Errorf("unknown interface %s", name)
	}
	iface.Down = true
	return nil
}

func (stack *IPStack) Up(name string) error {
	iface, exists := stack.Interfaces[name]
	if !exists {
		return errors.Errorf("unknown interface %s", name)
	}
	iface.Down = false
	return nil
}

func directedBroadcast(prefix netip.Prefix) netip.Addr {
	addr := ConvertAddrToUint32(prefix.Masked().Addr())
	mask := uint32(0xffffffff)
	if prefix.Bits() < 32 {
		mask = ^(mask << (32 - prefix.Bits()))
	} else {
		mask = 0
	}
	return Uint32ToAddr(addr | mask)
}

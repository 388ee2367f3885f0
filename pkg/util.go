package protocol

import (
	"encoding/binary"
	"net/netip"
)

func ConvertAddrToUint32(input netip.Addr) uint32 {
	bytes := input.As4()
	return binary.BigEndian.Uint32(bytes[:])
}

func Uint32ToAddr(input uint32) netip.Addr {
	var bytes [4]byte
	binary.BigEndian.PutUint32(bytes[:], input)
	return netip.AddrFrom4(bytes)
}

func formatAddr(addr netip.Addr) string {
	// Check if addr is equal to the zero value of netip.Addr
	if !addr.IsValid() {
		return "*"
	}
	return addr.String()
}

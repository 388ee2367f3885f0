package protocol

import "strconv"

// REPL commands
func (stack *IPStack) Li() string {
	var res = "Name Addr/Prefix  State"
	for _, iface := range stack.Interfaces {
		res += "\n" + iface.Name + "  " + iface.IP.String() + "/" + strconv.Itoa(iface.Prefix.Bits())
		if iface.Down {
			res += "  down"
		} else {
			res += "  up"
		}
	}
	return res
}

func (stack *IPStack) Ln() string {
	var res = "Iface VIP        UDPAddr"
	for _, iface := range stack.Interfaces {
		if iface.Down {
			continue
		}
		for neighborIP, neighborAddrPort := range iface.Neighbors {
			res += "\n" + iface.Name + "   " + neighborIP.String() + "   " + neighborAddrPort.String()
		}
	}
	return res
}

func (stack *IPStack) Lr() string {
	var res = "Prefix       Next hop"
	stack.Mutex.RLock()
	for prefix, entry := range stack.ForwardTable {
		nextHopStr := "LOCAL:" + entry.Interface.Name
		if entry.NextHop.IsValid() {
			nextHopStr = entry.NextHop.String()
		}
		res += "\n" + prefix.String() + "  " + nextHopStr
	}
	stack.Mutex.RUnlock()
	return res
}

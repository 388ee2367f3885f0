// Package lnxconfig parses the host configuration file that describes a
// node's virtual interfaces, its neighbors on each link, and its static
// routes. The file is TOML; addresses use the usual dotted/CIDR forms.
package lnxconfig

import (
	"net/netip"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

const DefaultMTU = 1400

type rawInterface struct {
	Name string `toml:"name"`
	IP   string `toml:"ip"`
	UDP  string `toml:"udp"`
	MTU  int    `toml:"mtu"`
}

type rawNeighbor struct {
	IP        string `toml:"ip"`
	UDP       string `toml:"udp"`
	Interface string `toml:"interface"`
}

type rawRoute struct {
	Prefix string `toml:"prefix"`
	Via    string `toml:"via"`
}

type rawConfig struct {
	Interfaces []rawInterface `toml:"interfaces"`
	Neighbors  []rawNeighbor  `toml:"neighbors"`
	Routes     []rawRoute     `toml:"routes"`
}

type InterfaceConfig struct {
	Name           string
	AssignedIP     netip.Addr
	AssignedPrefix netip.Prefix
	UDPAddr        netip.AddrPort
	MTU            int
}

type NeighborConfig struct {
	DestAddr      netip.Addr
	UDPAddr       netip.AddrPort
	InterfaceName string
}

type RouteConfig struct {
	Prefix  netip.Prefix
	NextHop netip.Addr
}

type IPConfig struct {
	Interfaces []InterfaceConfig
	Neighbors  []NeighborConfig
	Routes     []RouteConfig
}

func ParseConfig(path string) (*IPConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return parse(data)
}

func parse(data []byte) (*IPConfig, error) {
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if len(raw.Interfaces) == 0 {
		return nil, errors.New("config declares no interfaces")
	}

	config := &IPConfig{}
	names := make(map[string]bool)
	for _, iface := range raw.Interfaces {
		prefix, err := netip.ParsePrefix(iface.IP)
		if err != nil {
			return nil, errors.Wrapf(err, "interface %s: bad ip", iface.Name)
		}
		udp, err := netip.ParseAddrPort(iface.UDP)
		if err != nil {
			return nil, errors.Wrapf(err, "interface %s: bad udp addr", iface.Name)
		}
		mtu := iface.MTU
		if mtu == 0 {
			mtu = DefaultMTU
		}
		names[iface.Name] = true
		config.Interfaces = append(config.Interfaces, InterfaceConfig{
			Name:           iface.Name,
			AssignedIP:     prefix.Addr(),
			AssignedPrefix: prefix.Masked(),
			UDPAddr:        udp,
			MTU:            mtu,
		})
	}

	for _, neighbor := range raw.Neighbors {
		addr, err := netip.ParseAddr(neighbor.IP)
		if err != nil {
			return nil, errors.Wrap(err, "neighbor: bad ip")
		}
		udp, err := netip.ParseAddrPort(neighbor.UDP)
		if err != nil {
			return nil, errors.Wrapf(err, "neighbor %s: bad udp addr", neighbor.IP)
		}
		if !names[neighbor.Interface] {
			return nil, errors.Errorf("neighbor %s references unknown interface %s", neighbor.IP, neighbor.Interface)
		}
		config.Neighbors = append(config.Neighbors, NeighborConfig{
			DestAddr:      addr,
			UDPAddr:       udp,
			InterfaceName: neighbor.Interface,
		})
	}

	for _, route := range raw.Routes {
		prefix, err := netip.ParsePrefix(route.Prefix)
		if err != nil {
			return nil, errors.Wrap(err, "route: bad prefix")
		}
		nextHop, err := netip.ParseAddr(route.Via)
		if err != nil {
			return nil, errors.Wrapf(err, "route %s: bad next hop", route.Prefix)
		}
		config.Routes = append(config.Routes, RouteConfig{
			Prefix:  prefix.Masked(),
			NextHop: nextHop,
		})
	}

	return config, nil
}

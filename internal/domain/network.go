package domain

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Network is an overlay network this host participates in.
type Network struct {
	Id   string
	Name string
	// IPRangeLow and IPRangeHigh are the inclusive numeric bounds of the subnet.
	IPRangeLow  uint32
	IPRangeHigh uint32
	// OwnIP is this host's address on the network, empty until known.
	OwnIP string
}

// Contains reports whether ip lies strictly inside the subnet, excluding the network and broadcast addresses.
func (n Network) Contains(ip uint32) bool {
	return n.IPRangeLow < ip && ip < n.IPRangeHigh
}

func (n Network) String() string {
	return fmt.Sprintf("%s [%s] %s-%s own=%s", n.Name, n.Id, Uint32ToIP(n.IPRangeLow), Uint32ToIP(n.IPRangeHigh), n.OwnIP)
}

// IPToUint32 converts an IPv4 address to its numeric form.
func IPToUint32(ip net.IP) (uint32, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}

func Uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

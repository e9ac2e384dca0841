package network

import (
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/auto-dns/swarm-discovery/internal/domain"
	"github.com/docker/docker/api/types/network"
)

// subnetRange returns the numeric network and broadcast addresses of an IPv4 CIDR.
func subnetRange(subnet string) (uint32, uint32, error) {
	_, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return 0, 0, err
	}
	first, last := cidr.AddressRange(ipNet)
	low, ok := domain.IPToUint32(first)
	if !ok {
		return 0, 0, fmt.Errorf("subnet %s is not IPv4", subnet)
	}
	high, _ := domain.IPToUint32(last)
	return low, high, nil
}

// networkRecord builds the registry record from the first IPv4 subnet of an inspected network.
func networkRecord(ins network.Inspect) (domain.Network, error) {
	for _, cfg := range ins.IPAM.Config {
		low, high, err := subnetRange(cfg.Subnet)
		if err != nil {
			continue
		}
		return domain.Network{Id: ins.ID, Name: ins.Name, IPRangeLow: low, IPRangeHigh: high}, nil
	}
	return domain.Network{}, fmt.Errorf("network %s has no IPv4 subnet", ins.Name)
}

// joinAddress is the static address this host claims: the top of the range below broadcast, minus skip.
func joinAddress(n domain.Network, skip uint32) (string, error) {
	candidate := n.IPRangeHigh - 1 - skip
	if skip >= n.IPRangeHigh || !n.Contains(candidate) {
		return "", fmt.Errorf("skip offset %d is outside network %s", skip, n.Name)
	}
	return domain.Uint32ToIP(candidate).String(), nil
}

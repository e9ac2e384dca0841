package resolver

import (
	"context"
	"net"

	"github.com/auto-dns/swarm-discovery/internal/domain"
	"github.com/miekg/dns"
)

type discoveryRegistry interface {
	LookupByAlias(network, alias string) (domain.Target, bool)
	LookupByName(name string) (domain.Container, bool)
	NetworkContainingIP(ip net.IP) (domain.Network, bool)
	ListNetworks() []domain.Network
}

type forwarder interface {
	Forward(ctx context.Context, req *dns.Msg) *dns.Msg
}

type autoNetworks interface {
	Enabled() bool
}

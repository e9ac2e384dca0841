package dns

import (
	"net"

	mdns "github.com/miekg/dns"
)

// Discovery answers are never cached downstream.
const answerTTL = 0

func header(name string, rrtype uint16) mdns.RR_Header {
	return mdns.RR_Header{
		Name:   mdns.Fqdn(name),
		Rrtype: rrtype,
		Class:  mdns.ClassINET,
		Ttl:    answerTTL,
	}
}

func NewA(name string, ip net.IP) *mdns.A {
	return &mdns.A{Hdr: header(name, mdns.TypeA), A: ip.To4()}
}

func NewAAAA(name string, ip net.IP) *mdns.AAAA {
	return &mdns.AAAA{Hdr: header(name, mdns.TypeAAAA), AAAA: ip.To16()}
}

// NewSRV describes a published port binding of a container.
func NewSRV(name, target string, port uint16) *mdns.SRV {
	return &mdns.SRV{
		Hdr:      header(name, mdns.TypeSRV),
		Priority: 0,
		Weight:   0,
		Port:     port,
		Target:   mdns.Fqdn(target),
	}
}

// NewAddress returns an A or AAAA record for ip, matching qtype, or nil if the family does not match.
func NewAddress(name string, qtype uint16, ip net.IP) mdns.RR {
	if ip == nil {
		return nil
	}
	isV4 := ip.To4() != nil
	switch {
	case qtype == mdns.TypeA && isV4:
		return NewA(name, ip)
	case qtype == mdns.TypeAAAA && !isV4:
		return NewAAAA(name, ip)
	}
	return nil
}

// EmptyReply is the soft-miss answer: NOERROR with no records.
func EmptyReply(req *mdns.Msg) *mdns.Msg {
	return new(mdns.Msg).SetReply(req)
}

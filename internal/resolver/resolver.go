package resolver

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	dnsrr "github.com/auto-dns/swarm-discovery/internal/dns"
	"github.com/auto-dns/swarm-discovery/internal/domain"
	"github.com/auto-dns/swarm-discovery/internal/metrics"
	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

const (
	DefaultTLD       = "discovery"
	DefaultSlowQuery = 20 * time.Millisecond
)

type Options struct {
	TLD string
	// DefaultNetwork scopes two-label queries when the client address is not inside a known network.
	DefaultNetwork string
	SlowQuery      time.Duration
}

// Resolver routes each query either to the discovery index or to the upstream proxy.
type Resolver struct {
	logger   zerolog.Logger
	registry discoveryRegistry
	proxy    forwarder
	networks autoNetworks
	clock    clock.Clock
	opts     Options
}

func New(reg discoveryRegistry, proxy forwarder, networks autoNetworks, clk clock.Clock, opts Options, logger zerolog.Logger) *Resolver {
	if opts.TLD == "" {
		opts.TLD = DefaultTLD
	}
	if opts.SlowQuery <= 0 {
		opts.SlowQuery = DefaultSlowQuery
	}
	opts.TLD = strings.ToLower(opts.TLD)
	opts.DefaultNetwork = strings.ToLower(opts.DefaultNetwork)
	return &Resolver{
		logger:   logger.With().Str("component", "resolver").Logger(),
		registry: reg,
		proxy:    proxy,
		networks: networks,
		clock:    clk,
		opts:     opts,
	}
}

func (r *Resolver) Resolve(ctx context.Context, req *dns.Msg, client net.IP) *dns.Msg {
	start := r.clock.Now()
	route := "discovery"
	defer func() {
		elapsed := r.clock.Since(start)
		metrics.QueriesTotal.WithLabelValues(route).Inc()
		metrics.QueryDuration.Observe(elapsed.Seconds())
		if elapsed > r.opts.SlowQuery {
			r.logger.Warn().Str("name", qName(req)).Str("route", route).Dur("elapsed", elapsed).Msg("Slow DNS query")
		}
	}()

	labels, ok := r.discoveryLabels(req)
	if !ok {
		route = "proxy"
		return r.proxy.Forward(ctx, req)
	}
	return r.answer(req, labels, client)
}

// discoveryLabels returns the lowercased query labels if the query belongs to the discovery zone.
func (r *Resolver) discoveryLabels(req *dns.Msg) ([]string, bool) {
	if len(req.Question) == 0 {
		return nil, false
	}
	q := req.Question[0]
	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
		return nil, false
	}
	labels := dns.SplitDomainName(strings.ToLower(q.Name))
	n := len(labels)
	if n == 0 || n > 3 || (n == 1 && !r.networks.Enabled()) {
		return nil, false
	}
	if labels[n-1] != r.opts.TLD {
		return nil, false
	}
	return labels, true
}

func (r *Resolver) answer(req *dns.Msg, labels []string, client net.IP) *dns.Msg {
	q := req.Question[0]
	resp := dnsrr.EmptyReply(req)

	switch len(labels) {
	case 1:
		if q.Qtype == dns.TypeA {
			resp.Answer = r.ownNetworks(q.Name, client)
		}
		return resp
	case 2:
		for _, network := range r.scopes(client) {
			if target, ok := r.registry.LookupByAlias(network, labels[0]); ok {
				resp.Answer = pick(q, target)
				return resp
			}
		}
	case 3:
		if target, ok := r.registry.LookupByAlias(labels[1], labels[0]); ok {
			resp.Answer = pick(q, target)
			return resp
		}
	}

	if c, ok := r.registry.LookupByName(labels[0]); ok && c.PrimaryIP != "" {
		resp.Extra = append(resp.Extra, bindingRecords(q.Name, c.PortBindings)...)
		resp.Answer = pick(q, domain.SingleAddress(c.PrimaryIP))
	}
	return resp
}

// scopes lists the networks a two-label name is looked up on, in order.
func (r *Resolver) scopes(client net.IP) []string {
	var out []string
	if r.networks.Enabled() && client != nil {
		if n, ok := r.registry.NetworkContainingIP(client); ok {
			out = append(out, strings.ToLower(n.Name))
		}
	}
	if r.opts.DefaultNetwork != "" && (len(out) == 0 || out[0] != r.opts.DefaultNetwork) {
		out = append(out, r.opts.DefaultNetwork)
	}
	return out
}

// ownNetworks answers the bare suffix query with this host's own address on each network.
func (r *Resolver) ownNetworks(qname string, client net.IP) []dns.RR {
	var networks []domain.Network
	if client != nil {
		if n, ok := r.registry.NetworkContainingIP(client); ok {
			networks = []domain.Network{n}
		}
	}
	if networks == nil {
		networks = r.registry.ListNetworks()
	}

	var out []dns.RR
	for _, n := range networks {
		if n.OwnIP == "" {
			continue
		}
		if rr := dnsrr.NewAddress(n.Name+"."+qname, dns.TypeA, net.ParseIP(n.OwnIP)); rr != nil {
			out = append(out, rr)
		}
	}
	return out
}

// pick selects one address from target. Only A queries advance a round-robin pool.
func pick(q dns.Question, target domain.Target) []dns.RR {
	ip, ok := target.Pick(q.Qtype == dns.TypeA)
	if !ok {
		return nil
	}
	if rr := dnsrr.NewAddress(q.Name, q.Qtype, net.ParseIP(ip)); rr != nil {
		return []dns.RR{rr}
	}
	return nil
}

func bindingRecords(qname string, bindings []string) []dns.RR {
	var out []dns.RR
	for _, b := range bindings {
		host, portStr, err := net.SplitHostPort(b)
		if err != nil {
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			continue
		}
		if host == "" {
			host = "0.0.0.0"
		}
		out = append(out, dnsrr.NewSRV(qname, host, uint16(port)))
	}
	return out
}

func qName(req *dns.Msg) string {
	if len(req.Question) == 0 {
		return ""
	}
	return req.Question[0].Name
}

package domain

import (
	"sync"

	"github.com/auto-dns/swarm-discovery/internal/util"
)

// Target is what a discovery name resolves to: a SingleAddress or a *RoundRobinPool.
type Target interface {
	// Pick returns the address to answer with. advance moves a pool's cursor forward.
	Pick(advance bool) (string, bool)
}

type SingleAddress string

func (s SingleAddress) Pick(bool) (string, bool) {
	return string(s), s != ""
}

// RoundRobinPool rotates over the addresses of identically aliased containers.
type RoundRobinPool struct {
	mu     sync.Mutex
	ips    []string
	cursor int
}

func NewRoundRobinPool(ips ...string) *RoundRobinPool {
	return &RoundRobinPool{ips: ips}
}

func (p *RoundRobinPool) Pick(advance bool) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ips) == 0 {
		return "", false
	}
	i := p.cursor
	if i >= len(p.ips) {
		i = 0
	}
	if advance {
		p.cursor = i + 1
	} else {
		p.cursor = i
	}
	return p.ips[i], true
}

func (p *RoundRobinPool) Add(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ips = append(p.ips, ip)
}

// RemoveOne drops a single occurrence of ip and returns the remaining pool size.
func (p *RoundRobinPool) RemoveOne(ip string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ips, _ = util.RemoveFirst(p.ips, ip)
	return len(p.ips)
}

func (p *RoundRobinPool) IPs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ips...)
}

func (p *RoundRobinPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ips)
}

package registry

import (
	"github.com/auto-dns/swarm-discovery/internal/domain"
	"github.com/auto-dns/swarm-discovery/internal/util"
)

// nameIndex maps network name -> alias -> pool of addresses.
type nameIndex struct {
	*util.DefaultMap[string, *aliasMap]
}

type aliasMap struct {
	*util.DefaultMap[string, *domain.RoundRobinPool]
}

func newNameIndex() *nameIndex {
	return &nameIndex{
		DefaultMap: util.NewDefaultMap[string](func() *aliasMap {
			return newAliasMap()
		}),
	}
}

func newAliasMap() *aliasMap {
	return &aliasMap{
		DefaultMap: util.NewDefaultMap[string](func() *domain.RoundRobinPool {
			return domain.NewRoundRobinPool()
		}),
	}
}

// add appends ip to the pool for (network, alias), creating entries as needed.
func (m *nameIndex) add(network, alias, ip string) {
	m.Get(network).Get(alias).Add(ip)
}

// removeOne drops one occurrence of ip from (network, alias) and prunes empty entries.
func (m *nameIndex) removeOne(network, alias, ip string) {
	aliases, ok := m.Peek(network)
	if !ok {
		return
	}
	pool, ok := aliases.Peek(alias)
	if !ok {
		return
	}
	if pool.RemoveOne(ip) == 0 {
		aliases.Delete(alias)
	}
	if aliases.Len() == 0 {
		m.Delete(network)
	}
}

func (m *nameIndex) lookup(network, alias string) (*domain.RoundRobinPool, bool) {
	aliases, ok := m.Peek(network)
	if !ok {
		return nil, false
	}
	return aliases.Peek(alias)
}

// snapshot copies the index into plain maps.
func (m *nameIndex) snapshot() map[string]map[string][]string {
	out := make(map[string]map[string][]string, m.Len())
	for network, aliases := range m.Items() {
		inner := make(map[string][]string, aliases.Len())
		for alias, pool := range aliases.Items() {
			inner[alias] = pool.IPs()
		}
		out[network] = inner
	}
	return out
}

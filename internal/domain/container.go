package domain

import "github.com/auto-dns/swarm-discovery/internal/util"

// Container is a running, unpaused container as seen by the registry.
type Container struct {
	Id   string
	Name string
	// NetworkAliases maps network name to the aliases registered on it.
	NetworkAliases map[string][]string
	// IPs maps network name to the container address on that network.
	IPs map[string]string
	// PrimaryIP is the host address published ports are bound to, empty if none.
	PrimaryIP    string
	PortBindings []string
	// LastEventTime is the nanosecond timestamp of the last applied lifecycle transition.
	LastEventTime int64
}

// AliasPairs calls fn for every (network, alias) pair the container contributes to the name index,
// in a stable order.
func (c *Container) AliasPairs(fn func(network, alias, ip string)) {
	for _, network := range util.SortedKeys(c.NetworkAliases) {
		ip := c.IPs[network]
		if ip == "" {
			continue
		}
		for _, alias := range c.NetworkAliases[network] {
			fn(network, alias, ip)
		}
	}
}

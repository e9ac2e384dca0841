package registry

import (
	"net"
	"strings"

	"github.com/docker/docker/api/types/container"

	"github.com/auto-dns/swarm-discovery/internal/domain"
	"github.com/auto-dns/swarm-discovery/internal/util"
)

func fromInspectResponse(data container.InspectResponse, eventTime int64) *domain.Container {
	c := &domain.Container{
		NetworkAliases: make(map[string][]string),
		IPs:            make(map[string]string),
		LastEventTime:  eventTime,
	}
	if data.ContainerJSONBase != nil {
		c.Id = data.ID
		c.Name = strings.ToLower(strings.TrimPrefix(data.Name, "/"))
	}
	if data.NetworkSettings == nil {
		return c
	}

	for _, networkName := range util.SortedKeys(data.NetworkSettings.Networks) {
		ep := data.NetworkSettings.Networks[networkName]
		if ep == nil {
			continue
		}
		// Queries are matched lowercased.
		key := strings.ToLower(networkName)
		c.IPs[key] = ep.IPAddress
		c.NetworkAliases[key] = uniqueAliases(ep.Aliases)
	}

	var lastV4 string
	for _, port := range util.SortedKeys(data.NetworkSettings.Ports) {
		for _, binding := range data.NetworkSettings.Ports[port] {
			if binding.HostPort == "" {
				continue
			}
			c.PortBindings = append(c.PortBindings, net.JoinHostPort(binding.HostIP, binding.HostPort))
			c.PrimaryIP = binding.HostIP
			if ip := net.ParseIP(binding.HostIP); ip != nil && ip.To4() != nil {
				lastV4 = binding.HostIP
			}
		}
	}
	// A records need an IPv4 host address when one is published.
	if lastV4 != "" {
		c.PrimaryIP = lastV4
	}
	return c
}

func uniqueAliases(aliases []string) []string {
	seen := make(map[string]struct{}, len(aliases))
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		a = strings.ToLower(a)
		if _, ok := seen[a]; ok || a == "" {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

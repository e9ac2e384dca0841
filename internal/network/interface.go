package network

import (
	"context"

	"github.com/auto-dns/swarm-discovery/internal/domain"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
)

type dockerClient interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
}

type networkStore interface {
	AddNetworks(networks ...domain.Network)
	RemoveNetwork(id string) bool
	SetNetworkIP(id, ip string) bool
}

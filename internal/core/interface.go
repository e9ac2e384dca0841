package core

import (
	"context"

	"github.com/auto-dns/swarm-discovery/internal/domain"
	"github.com/docker/docker/api/types/container"
)

type generator interface {
	Subscribe(ctx context.Context) (<-chan domain.Event, error)
}

type dockerClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

type containerRegistry interface {
	AddContainer(data container.InspectResponse, eventTime int64) (*domain.Container, error)
	RemoveContainer(id string, eventTime int64) bool
	UpsertRemovalMark(id string, eventTime int64) bool
	HasNewerRemovalMark(id string, eventTime int64) bool
}

type networkController interface {
	Reconcile(ctx context.Context) error
	HandleEvent(ctx context.Context, ev domain.Event)
}

package registry

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/docker/docker/api/types/container"
	"github.com/rs/zerolog"

	"github.com/auto-dns/swarm-discovery/internal/domain"
	"github.com/auto-dns/swarm-discovery/internal/metrics"
	"github.com/auto-dns/swarm-discovery/internal/state"
)

// Reasons AddContainer rejects an inspected container.
var (
	ErrNotRunning = errors.New("container not running")
	ErrPaused     = errors.New("container paused")
	ErrStaleEvent = errors.New("newer lifecycle event already applied")
)

// DefaultStartupRankOffset is subtracted from the current time for adds without an event timestamp,
// so they rank below any real lifecycle event.
const DefaultStartupRankOffset = time.Second

// Options tune the ordering windows of the registry. Zero values pick the defaults.
type Options struct {
	RemovalMarkTTL    time.Duration
	StartupRankOffset time.Duration
}

// Registry is the in-memory view of running containers, known overlay networks and the
// derived (network, alias) name index.
type Registry struct {
	mu         sync.RWMutex
	logger     zerolog.Logger
	clock      clock.Clock
	rankOffset time.Duration
	containers map[string]*domain.Container
	networks   []domain.Network
	index      *nameIndex
	marks      *state.RemovalMarks
}

// New creates an empty registry whose removal marks expire on clk.
func New(clk clock.Clock, opts Options, logger zerolog.Logger) *Registry {
	if opts.StartupRankOffset <= 0 {
		opts.StartupRankOffset = DefaultStartupRankOffset
	}
	return &Registry{
		logger:     logger.With().Str("component", "registry").Logger(),
		clock:      clk,
		rankOffset: opts.StartupRankOffset,
		containers: make(map[string]*domain.Container),
		index:      newNameIndex(),
		marks:      state.NewRemovalMarks(clk, opts.RemovalMarkTTL),
	}
}

// AddContainer inserts or overwrites the record for an inspected container and indexes its aliases.
// An eventTime of 0 means "now minus the startup rank offset".
func (r *Registry) AddContainer(data container.InspectResponse, eventTime int64) (*domain.Container, error) {
	if data.ContainerJSONBase == nil || data.State == nil || !data.State.Running {
		r.logger.Warn().Str("container_id", containerID(data)).Msg("Container not running")
		return nil, ErrNotRunning
	}
	if data.State.Paused {
		r.logger.Warn().Str("container_id", data.ID).Msg("Container paused")
		return nil, ErrPaused
	}
	if eventTime == 0 {
		eventTime = r.clock.Now().Add(-r.rankOffset).UnixNano()
	}

	c := fromInspectResponse(data, eventTime)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.marks.HasNewer(c.Id, eventTime) {
		r.logger.Debug().Str("container_id", c.Id).Int64("event_time", eventTime).Msg("Ignoring add, container was removed later")
		return nil, ErrStaleEvent
	}
	if existing, ok := r.containers[c.Id]; ok {
		if existing.LastEventTime > eventTime {
			r.logger.Debug().Str("container_id", c.Id).Int64("event_time", eventTime).Msg("Ignoring add, a newer event already applied")
			return nil, ErrStaleEvent
		}
		r.unindexLocked(existing)
	}

	r.containers[c.Id] = c
	c.AliasPairs(r.index.add)
	metrics.RegistryContainers.Set(float64(len(r.containers)))
	r.logger.Info().Str("container", c.Name).Str("container_id", c.Id).Msg("Container added")
	return c, nil
}

// RemoveContainer drops the container unless a strictly newer event already touched it.
// It reports whether the record was removed.
func (r *Registry) RemoveContainer(id string, eventTime int64) bool {
	if !r.marks.Upsert(id, eventTime) {
		r.logger.Debug().Str("container_id", id).Int64("event_time", eventTime).Msg("Ignoring removal, a newer removal already applied")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		r.logger.Debug().Str("container_id", id).Msg("Container not known, nothing to remove")
		return false
	}
	if c.LastEventTime > eventTime {
		r.logger.Warn().Str("container_id", id).Msg("Some action with container already happened, ignoring removal")
		return false
	}

	r.unindexLocked(c)
	delete(r.containers, id)
	metrics.RegistryContainers.Set(float64(len(r.containers)))
	r.logger.Info().Str("container", c.Name).Str("container_id", id).Msg("Container removed")
	return true
}

func (r *Registry) unindexLocked(c *domain.Container) {
	c.AliasPairs(r.index.removeOne)
}

// UpsertRemovalMark returns false if an equal or newer removal mark exists for id.
func (r *Registry) UpsertRemovalMark(id string, eventTime int64) bool {
	return r.marks.Upsert(id, eventTime)
}

// HasNewerRemovalMark reports whether a removal newer than eventTime was seen for id.
func (r *Registry) HasNewerRemovalMark(id string, eventTime int64) bool {
	return r.marks.HasNewer(id, eventTime)
}

// LookupByAlias returns the pool for alias on network.
func (r *Registry) LookupByAlias(network, alias string) (domain.Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.index.lookup(network, alias)
	if !ok {
		return nil, false
	}
	return pool, true
}

// LookupByName returns the first container with the given name, by container id order.
func (r *Registry) LookupByName(name string) (domain.Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.containers))
	for id := range r.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c := r.containers[id]; c.Name == name {
			return *c, true
		}
	}
	return domain.Container{}, false
}

// AddNetworks records networks, skipping ids that are already known.
func (r *Registry) AddNetworks(networks ...domain.Network) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range networks {
		if r.networkIndexLocked(n.Id) >= 0 {
			r.logger.Debug().Str("network_id", n.Id).Msg("Network already known")
			continue
		}
		r.networks = append(r.networks, n)
		r.logger.Info().Str("network", n.Name).Str("network_id", n.Id).Msg("Network added")
	}
	metrics.RegistryNetworks.Set(float64(len(r.networks)))
}

// RemoveNetwork forgets the network with id and reports whether it was known.
func (r *Registry) RemoveNetwork(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.networkIndexLocked(id)
	if i < 0 {
		return false
	}
	r.logger.Info().Str("network", r.networks[i].Name).Str("network_id", id).Msg("Network removed")
	r.networks = append(r.networks[:i], r.networks[i+1:]...)
	metrics.RegistryNetworks.Set(float64(len(r.networks)))
	return true
}

// SetNetworkIP records this host's address on network id.
func (r *Registry) SetNetworkIP(id, ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.networkIndexLocked(id)
	if i < 0 {
		return false
	}
	r.networks[i].OwnIP = ip
	return true
}

// NetworkContainingIP returns the first network whose subnet strictly contains ip.
func (r *Registry) NetworkContainingIP(ip net.IP) (domain.Network, bool) {
	v, ok := domain.IPToUint32(ip)
	if !ok {
		return domain.Network{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.networks {
		if n.Contains(v) {
			return n, true
		}
	}
	return domain.Network{}, false
}

func (r *Registry) ListNetworks() []domain.Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Network(nil), r.networks...)
}

func (r *Registry) networkIndexLocked(id string) int {
	for i, n := range r.networks {
		if n.Id == id {
			return i
		}
	}
	return -1
}

// Snapshot is a point-in-time copy of the registry, used for state dumps.
type Snapshot struct {
	Containers []domain.Container
	Networks   []domain.Network
	Index      map[string]map[string][]string
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		Networks: append([]domain.Network(nil), r.networks...),
		Index:    r.index.snapshot(),
	}
	for _, c := range r.containers {
		s.Containers = append(s.Containers, *c)
	}
	sort.Slice(s.Containers, func(i, j int) bool { return s.Containers[i].Id < s.Containers[j].Id })
	return s
}

func containerID(data container.InspectResponse) string {
	if data.ContainerJSONBase == nil {
		return ""
	}
	return data.ID
}

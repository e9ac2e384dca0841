package network

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/auto-dns/swarm-discovery/internal/domain"
	"github.com/benbjohnson/clock"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const selfID = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type connectCall struct {
	networkID string
	ip        string
}

type fakeDockerClient struct {
	mu          sync.Mutex
	networks    map[string]network.Inspect
	overlays    []network.Summary
	listErr     error
	self        map[string]*network.EndpointSettings
	connects    []connectCall
	connectErr  map[string]error
	disconnects int

	// onDisconnect replaces the default detach when set
	onDisconnect func(call int) error
}

func newFakeDockerClient() *fakeDockerClient {
	return &fakeDockerClient{
		networks:   make(map[string]network.Inspect),
		self:       make(map[string]*network.EndpointSettings),
		connectErr: make(map[string]error),
	}
}

func (f *fakeDockerClient) addOverlay(id, name, subnet string) {
	ins := network.Inspect{
		ID:         id,
		Name:       name,
		Driver:     "overlay",
		IPAM:       network.IPAM{Config: []network.IPAMConfig{{Subnet: subnet}}},
		Containers: map[string]network.EndpointResource{},
	}
	f.networks[id] = ins
	f.overlays = append(f.overlays, ins)
}

func (f *fakeDockerClient) attachSelf(id, ip string) {
	ins := f.networks[id]
	ins.Containers[selfID] = network.EndpointResource{Name: "discovery"}
	f.self[ins.Name] = &network.EndpointSettings{NetworkID: id, IPAddress: ip}
}

func (f *fakeDockerClient) detachSelf(id string) {
	ins := f.networks[id]
	delete(ins.Containers, selfID)
	delete(f.self, ins.Name)
}

func (f *fakeDockerClient) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != selfID {
		return container.InspectResponse{}, errdefs.NotFound(errors.New("no such container"))
	}
	networks := make(map[string]*network.EndpointSettings)
	for name, ep := range f.self {
		cp := *ep
		networks[name] = &cp
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: selfID, Name: "/discovery"},
		NetworkSettings:   &container.NetworkSettings{Networks: networks},
	}, nil
}

func (f *fakeDockerClient) NetworkList(context.Context, network.ListOptions) ([]network.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlays, f.listErr
}

func (f *fakeDockerClient) NetworkInspect(_ context.Context, id string, _ network.InspectOptions) (network.Inspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ins, ok := f.networks[id]
	if !ok {
		return network.Inspect{}, errdefs.NotFound(errors.New("network not found"))
	}
	containers := make(map[string]network.EndpointResource)
	for k, v := range ins.Containers {
		containers[k] = v
	}
	ins.Containers = containers
	return ins, nil
}

func (f *fakeDockerClient) NetworkConnect(_ context.Context, networkID, containerID string, config *network.EndpointSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.connectErr[networkID]; err != nil {
		return err
	}
	ip := config.IPAMConfig.IPv4Address
	f.connects = append(f.connects, connectCall{networkID: networkID, ip: ip})
	f.attachSelf(networkID, ip)
	return nil
}

func (f *fakeDockerClient) NetworkDisconnect(_ context.Context, networkID, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	if f.onDisconnect != nil {
		return f.onDisconnect(f.disconnects)
	}
	f.detachSelf(networkID)
	return nil
}

func (f *fakeDockerClient) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakeStore struct {
	mu       sync.Mutex
	networks map[string]domain.Network
}

func newFakeStore() *fakeStore {
	return &fakeStore{networks: make(map[string]domain.Network)}
}

func (s *fakeStore) AddNetworks(networks ...domain.Network) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range networks {
		s.networks[n.Id] = n
	}
}

func (s *fakeStore) RemoveNetwork(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.networks[id]
	delete(s.networks, id)
	return ok
}

func (s *fakeStore) SetNetworkIP(id, ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.networks[id]
	if ok {
		n.OwnIP = ip
		s.networks[id] = n
	}
	return ok
}

func (s *fakeStore) get(id string) (domain.Network, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.networks[id]
	return n, ok
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cpuset")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestController(t *testing.T, cli *fakeDockerClient, store *fakeStore, opts Options) (*Controller, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	if opts.SelfIDFile == "" {
		opts.SelfIDFile = writeFile(t, "/docker/"+selfID+"\n")
	}
	opts.Enabled = true
	c := NewController(cli, store, mock, opts, zerolog.Nop())
	c.selfID.Store(selfID)
	return c, mock
}

// runWithClock runs fn while advancing the mock clock until fn returns.
func runWithClock(t *testing.T, mock *clock.Mock, fn func() error) (time.Duration, error) {
	t.Helper()
	start := mock.Now()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	for i := 0; i < 2000; i++ {
		select {
		case err := <-done:
			return mock.Now().Sub(start), err
		default:
			mock.Add(500 * time.Millisecond)
		}
	}
	t.Fatal("function did not return")
	return 0, nil
}

func TestReadSelfID(t *testing.T) {
	id, err := ReadSelfID(writeFile(t, "/docker/"+selfID+"\n"), "")
	require.NoError(t, err)
	assert.Equal(t, selfID, id)

	cgroup := writeFile(t, "0::/system.slice/docker-"+selfID+".scope\n")
	id, err = ReadSelfID(writeFile(t, "/\n"), cgroup)
	require.NoError(t, err)
	assert.Equal(t, selfID, id)

	_, err = ReadSelfID(writeFile(t, "/\n"), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrNotInContainer)
}

func TestSubnetMath(t *testing.T) {
	low, high, err := subnetRange("10.0.1.0/24")
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.0", domain.Uint32ToIP(low).String())
	assert.Equal(t, "10.0.1.255", domain.Uint32ToIP(high).String())

	n := domain.Network{Name: "appnet", IPRangeLow: low, IPRangeHigh: high}
	addr, err := joinAddress(n, 0)
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.254", addr)

	addr, err = joinAddress(n, 4)
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.250", addr)

	_, err = joinAddress(n, 300)
	assert.Error(t, err)

	_, _, err = subnetRange("fd00::/64")
	assert.Error(t, err)
}

func TestJoinRecordsNetworkAndRefreshesIP(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	store := newFakeStore()
	c, _ := newTestController(t, cli, store, Options{SkipIP: 1})

	require.NoError(t, c.Join(context.Background(), "n1", false))

	require.Len(t, cli.connects, 1)
	assert.Equal(t, "10.0.1.253", cli.connects[0].ip)
	n, ok := store.get("n1")
	require.True(t, ok)
	assert.Equal(t, "appnet", n.Name)
	assert.Equal(t, "10.0.1.253", n.OwnIP)
}

func TestJoinFailureIsIsolated(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	cli.connectErr["n1"] = errors.New("address already in use")
	store := newFakeStore()
	c, _ := newTestController(t, cli, store, Options{})

	assert.Error(t, c.Join(context.Background(), "n1", true))
	_, ok := store.get("n1")
	assert.False(t, ok)
	assert.True(t, c.Enabled())
}

func TestLeaveNotAttachedReturnsImmediately(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	c, _ := newTestController(t, cli, newFakeStore(), Options{})

	require.NoError(t, c.Leave(context.Background(), "n1", "appnet"))
	assert.Equal(t, 0, cli.disconnectCount())
}

func TestLeaveConfirmsDetach(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	cli.attachSelf("n1", "10.0.1.254")
	c, mock := newTestController(t, cli, newFakeStore(), Options{})

	elapsed, err := runWithClock(t, mock, func() error { return c.Leave(context.Background(), "n1", "appnet") })
	require.NoError(t, err)
	assert.Equal(t, 1, cli.disconnectCount())
	assert.GreaterOrEqual(t, elapsed, 5*time.Second)
}

func TestLeaveNotFoundDisconnectIsSuccess(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	cli.attachSelf("n1", "10.0.1.254")
	cli.onDisconnect = func(int) error {
		cli.detachSelf("n1")
		return errdefs.NotFound(errors.New("container is not connected to network"))
	}
	c, mock := newTestController(t, cli, newFakeStore(), Options{})

	_, err := runWithClock(t, mock, func() error { return c.Leave(context.Background(), "n1", "appnet") })
	assert.NoError(t, err)
}

func TestLeaveUnexpectedDisconnectErrorIsFatal(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	cli.attachSelf("n1", "10.0.1.254")
	cli.onDisconnect = func(int) error { return errors.New("daemon exploded") }
	c, _ := newTestController(t, cli, newFakeStore(), Options{})

	err := c.Leave(context.Background(), "n1", "appnet")
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, "disconnect", fatal.Op)
}

func TestLeaveRetriesDisconnect(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	cli.attachSelf("n1", "10.0.1.254")
	cli.onDisconnect = func(call int) error {
		if call >= 2 {
			cli.detachSelf("n1")
			return errors.New("server error: container is not connected to the network")
		}
		return nil
	}
	c, mock := newTestController(t, cli, newFakeStore(), Options{})

	elapsed, err := runWithClock(t, mock, func() error { return c.Leave(context.Background(), "n1", "appnet") })
	require.NoError(t, err)
	assert.Equal(t, 2, cli.disconnectCount())
	assert.GreaterOrEqual(t, elapsed, 10*time.Second)
	assert.Less(t, elapsed, 30*time.Second)
}

func TestLeaveToleratesStaleContainerView(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	cli.attachSelf("n1", "10.0.1.254")
	// network side detaches on disconnect, container side never does
	cli.onDisconnect = func(int) error {
		delete(cli.networks["n1"].Containers, selfID)
		return nil
	}
	c, mock := newTestController(t, cli, newFakeStore(), Options{})

	elapsed, err := runWithClock(t, mock, func() error { return c.Leave(context.Background(), "n1", "appnet") })
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 30*time.Second)
	assert.Less(t, elapsed, 60*time.Second)
}

func TestLeaveStillAttachedExits(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	cli.attachSelf("n1", "10.0.1.254")
	cli.onDisconnect = func(int) error { return nil }
	c, mock := newTestController(t, cli, newFakeStore(), Options{})

	elapsed, err := runWithClock(t, mock, func() error { return c.Leave(context.Background(), "n1", "appnet") })
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.ErrorIs(t, err, ErrLeaveTimeout)
	assert.GreaterOrEqual(t, elapsed, 30*time.Second)
	assert.Greater(t, cli.disconnectCount(), 1)
}

func TestLeaveHardDeadline(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	cli.attachSelf("n1", "10.0.1.254")
	cli.onDisconnect = func(int) error { return nil }
	timings := DefaultLeaveTimings()
	timings.TolerateAfter = 90 * time.Second
	c, mock := newTestController(t, cli, newFakeStore(), Options{Leave: timings})

	elapsed, err := runWithClock(t, mock, func() error { return c.Leave(context.Background(), "n1", "appnet") })
	assert.ErrorIs(t, err, ErrLeaveTimeout)
	assert.GreaterOrEqual(t, elapsed, 60*time.Second)
}

func TestReconcileLeavesThenJoins(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	cli.addOverlay("n2", "backend", "10.0.2.0/24")
	cli.attachSelf("n1", "10.0.1.7")
	cli.self["bridge"] = &network.EndpointSettings{NetworkID: "bridge-id", IPAddress: "172.17.0.2"}
	store := newFakeStore()
	c, mock := newTestController(t, cli, store, Options{})

	_, err := runWithClock(t, mock, func() error { return c.Reconcile(context.Background()) })
	require.NoError(t, err)
	assert.True(t, c.Enabled())
	assert.Equal(t, 1, cli.disconnectCount())
	assert.Equal(t, []connectCall{{"n1", "10.0.1.254"}, {"n2", "10.0.2.254"}}, cli.connects)

	n1, ok := store.get("n1")
	require.True(t, ok)
	assert.Equal(t, "10.0.1.254", n1.OwnIP)
	n2, ok := store.get("n2")
	require.True(t, ok)
	assert.Equal(t, "10.0.2.254", n2.OwnIP)
}

func TestReconcileSkipsNonOverlayNetworks(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	cli.overlays = append(cli.overlays, network.Summary{ID: "b1", Name: "local", Driver: "bridge"})
	store := newFakeStore()
	c, mock := newTestController(t, cli, store, Options{})

	_, err := runWithClock(t, mock, func() error { return c.Reconcile(context.Background()) })
	require.NoError(t, err)
	assert.Equal(t, []connectCall{{"n1", "10.0.1.254"}}, cli.connects)
	_, ok := store.get("b1")
	assert.False(t, ok)
}

func TestReconcileDisablesOutsideContainer(t *testing.T) {
	cli := newFakeDockerClient()
	c, _ := newTestController(t, cli, newFakeStore(), Options{SelfIDFile: writeFile(t, "/\n")})

	require.NoError(t, c.Reconcile(context.Background()))
	assert.False(t, c.Enabled())
}

func TestReconcileLeaveTimeoutIsFatal(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	cli.attachSelf("n1", "10.0.1.7")
	cli.onDisconnect = func(int) error { return nil }
	c, mock := newTestController(t, cli, newFakeStore(), Options{})

	_, err := runWithClock(t, mock, func() error { return c.Reconcile(context.Background()) })
	assert.ErrorIs(t, err, ErrLeaveTimeout)
	assert.Empty(t, cli.connects)
}

func TestHandleEvent(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	store := newFakeStore()
	c, _ := newTestController(t, cli, store, Options{})
	ctx := context.Background()

	c.HandleEvent(ctx, domain.Event{Type: domain.EventTypeNetworkCreated, ActorID: "n1", Attributes: map[string]string{"type": "bridge"}})
	assert.Empty(t, cli.connects)

	c.HandleEvent(ctx, domain.Event{Type: domain.EventTypeNetworkCreated, ActorID: "n1", Attributes: map[string]string{"type": "overlay"}})
	n, ok := store.get("n1")
	require.True(t, ok)
	assert.Equal(t, "10.0.1.254", n.OwnIP)

	c.HandleEvent(ctx, domain.Event{Type: domain.EventTypeNetworkDisconnect, ActorID: "n1", Attributes: map[string]string{"container": "other"}})
	_, ok = store.get("n1")
	assert.True(t, ok)

	c.HandleEvent(ctx, domain.Event{Type: domain.EventTypeNetworkDisconnect, ActorID: "n1", Attributes: map[string]string{"container": selfID}})
	_, ok = store.get("n1")
	assert.False(t, ok)

	store.AddNetworks(domain.Network{Id: "n2"})
	c.HandleEvent(ctx, domain.Event{Type: domain.EventTypeNetworkDestroyed, ActorID: "n2"})
	_, ok = store.get("n2")
	assert.False(t, ok)
}

func TestHandleEventIgnoredWhenDisabled(t *testing.T) {
	cli := newFakeDockerClient()
	cli.addOverlay("n1", "appnet", "10.0.1.0/24")
	c, _ := newTestController(t, cli, newFakeStore(), Options{})
	c.enabled.Store(false)

	c.HandleEvent(context.Background(), domain.Event{Type: domain.EventTypeNetworkCreated, ActorID: "n1", Attributes: map[string]string{"type": "overlay"}})
	assert.Empty(t, cli.connects)
}

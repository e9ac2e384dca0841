package app

import (
	"testing"

	"github.com/auto-dns/swarm-discovery/internal/config"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("docker.host", "127.0.0.1:2375")
	v.Set("metrics.listen_addr", "127.0.0.1:0")
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	a, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.engine)
	assert.NotNil(t, a.cache)
	assert.NotNil(t, a.dnsServer)
	assert.NotNil(t, a.metrics)
	assert.Equal(t, "tcp://127.0.0.1:2375", a.dockerClient.DaemonHost())
}

func TestDumpListsRegistryContents(t *testing.T) {
	a, err := New(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.registry.AddContainer(container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: "c1", Name: "/web1", State: &container.State{Running: true}},
		NetworkSettings: &container.NetworkSettings{Networks: map[string]*network.EndpointSettings{
			"appnet": {IPAddress: "10.0.0.5", Aliases: []string{"api"}},
		}},
	}, 0)
	require.NoError(t, err)

	assert.NotPanics(t, a.dump)
	assert.Len(t, a.registry.Snapshot().Containers, 1)
}

package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krinkuto11/aceorch/lib/config"
)

func testAllocator() *Allocator {
	return NewAllocator(
		config.PortRange{Lo: 19000, Hi: 19002},
		config.PortRange{Lo: 40000, Hi: 40010},
		config.PortRange{Lo: 45000, Hi: 45010},
	)
}

func TestAllocateAssignsDistinctPorts(t *testing.T) {
	a := testAllocator()

	first, err := a.Allocate("")
	require.NoError(t, err)
	second, err := a.Allocate("")
	require.NoError(t, err)

	assert.NotEqual(t, first.HostHTTP, second.HostHTTP)
	assert.NotEqual(t, first.ContainerHTTP, second.ContainerHTTP)
	assert.NotEqual(t, first.ContainerHTTPS, second.ContainerHTTPS)
	assert.NotEqual(t, first.ContainerHTTP, first.ContainerHTTPS)
}

func TestAllocateHonoursConfPinnedPorts(t *testing.T) {
	a := testAllocator()
	conf := "--http-port=6878\n--https-port=6879"

	spec, err := a.Allocate(conf)
	require.NoError(t, err)
	assert.Equal(t, 6878, spec.ContainerHTTP)
	assert.Equal(t, 6879, spec.ContainerHTTPS)
	assert.Equal(t, 19000, spec.HostHTTP)
}

func TestAllocateExhaustsHostRange(t *testing.T) {
	a := testAllocator()
	for i := 0; i < 3; i++ {
		_, err := a.Allocate("")
		require.NoError(t, err)
	}
	_, err := a.Allocate("")
	assert.ErrorIs(t, err, ErrPortsExhausted)
}

func TestReleaseReturnsPortsToThePool(t *testing.T) {
	a := testAllocator()
	var specs []PortSpec
	for i := 0; i < 3; i++ {
		spec, err := a.Allocate("")
		require.NoError(t, err)
		specs = append(specs, spec)
	}
	a.Release(specs[1])

	spec, err := a.Allocate("")
	require.NoError(t, err)
	assert.Equal(t, specs[1].HostHTTP, spec.HostHTTP)
}

func TestReserveBlocksReindexedPorts(t *testing.T) {
	a := testAllocator()
	a.Reserve(19000, 40000, 45000)

	spec, err := a.Allocate("")
	require.NoError(t, err)
	assert.Equal(t, 19001, spec.HostHTTP)
	assert.Equal(t, 40001, spec.ContainerHTTP)
	assert.Equal(t, 45001, spec.ContainerHTTPS)
}

func TestParseConfPorts(t *testing.T) {
	http, https := ParseConfPorts("--live-cache-type=memory\n--http-port=6878 --https-port=6879")
	assert.Equal(t, 6878, http)
	assert.Equal(t, 6879, https)

	http, https = ParseConfPorts("")
	assert.Zero(t, http)
	assert.Zero(t, https)
}

func TestConfWithPortsAppendsOnlyMissingFlags(t *testing.T) {
	spec := PortSpec{ContainerHTTP: 40000, ContainerHTTPS: 45000}

	out := ConfWithPorts("--live-cache-type=memory", spec)
	assert.Contains(t, out, "--live-cache-type=memory")
	assert.Contains(t, out, "--http-port=40000")
	assert.Contains(t, out, "--https-port=45000")

	pinned := ConfWithPorts("--http-port=6878", spec)
	assert.Contains(t, pinned, "--http-port=6878")
	assert.NotContains(t, pinned, "--http-port=40000", "pinned port wins")
	assert.Contains(t, pinned, "--https-port=45000")
}

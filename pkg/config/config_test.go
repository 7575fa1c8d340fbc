package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	"github.com/tidemark/dlp/pkg/link"
)

func TestParseAppliesDefaultsForMissingKeys(t *testing.T) {
	raw, err := ini.Load([]byte("[dlp]\nrole = slave\n"))
	require.NoError(t, err)

	f, err := parse(raw)
	require.NoError(t, err)

	assert.Equal(t, link.RoleSlave, f.Role)
	assert.Equal(t, uint8(1), f.Address)
	assert.Equal(t, defaultDataPort, f.DataPort)
	assert.Equal(t, link.DefaultConfig().RetryTimeout, f.RetryTimeout)
	assert.True(t, f.UsePort)
}

func TestParseHonoursExplicitOverrides(t *testing.T) {
	raw, err := ini.Load([]byte(`
[dlp]
role = master
address = 0
data_port = uart:/dev/ttyS1
retry_timeout_ms = 250
error_threshold = 5
debug = true
`))
	require.NoError(t, err)

	f, err := parse(raw)
	require.NoError(t, err)

	assert.Equal(t, link.RoleMaster, f.Role)
	assert.Equal(t, "uart:/dev/ttyS1", f.DataPort)
	assert.EqualValues(t, 250*1e6, f.RetryTimeout)
	assert.Equal(t, uint8(5), f.ErrorThreshold)
	assert.True(t, f.Debug)
}

func TestParseRejectsUnknownRole(t *testing.T) {
	raw, err := ini.Load([]byte("[dlp]\nrole = bogus\n"))
	require.NoError(t, err)

	_, err = parse(raw)
	assert.Error(t, err)
}

func TestParsePortSplitsTransportAndAddress(t *testing.T) {
	transport, addr, err := ParsePort("uart:/dev/ttyUSB0")
	require.NoError(t, err)
	assert.Equal(t, "uart", transport)
	assert.Equal(t, "/dev/ttyUSB0", addr)

	_, _, err = ParsePort("malformed")
	assert.Error(t, err)
}

func TestLinkConfigOverridesDefaultsSelectively(t *testing.T) {
	f := &File{Debug: true, RetryTimeout: 0, ErrorThreshold: 0}
	cfg := f.LinkConfig()
	assert.True(t, cfg.Debug)
	assert.Equal(t, link.DefaultConfig().RetryTimeout, cfg.RetryTimeout)
	assert.Equal(t, link.DefaultConfig().ErrorThreshold, cfg.ErrorThreshold)
}

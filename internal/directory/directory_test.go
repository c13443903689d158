package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"home-bridge/internal/models"
)

const sampleTopology = `
modules: 8
devices: 10
wiring:
  - device_id: "1"
    device_type: led
    module_index: 3
    device_index: 1
  - device_id: "2"
    device_type: led
    module_index: 3
    device_index: 2
  - device_id: "8"
    device_type: fan
    module_index: 6
    device_index: 8
`

func writeTopology(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadTopology_AndLookup(t *testing.T) {
	topo, err := LoadTopology(writeTopology(t, sampleTopology))
	require.NoError(t, err)
	require.Len(t, topo.Wiring, 3)

	dir, err := NewStaticDirectory(topo)
	require.NoError(t, err)
	assert.Equal(t, 3, dir.Len())

	w, err := dir.Lookup(context.Background(), "8")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceWiring{DeviceID: "8", DeviceType: "fan", ModuleIndex: 6, DeviceIndex: 8}, w)
}

func TestLookup_NotFound(t *testing.T) {
	topo, err := LoadTopology(writeTopology(t, sampleTopology))
	require.NoError(t, err)
	dir, err := NewStaticDirectory(topo)
	require.NoError(t, err)

	_, err = dir.Lookup(context.Background(), "99")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeviceNotFound))

	var nf *DeviceNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "99", nf.DeviceID)
}

func TestTopologyValidate(t *testing.T) {
	wire := func(id string, module, device int) models.DeviceWiring {
		return models.DeviceWiring{DeviceID: id, DeviceType: "led", ModuleIndex: module, DeviceIndex: device}
	}

	tests := []struct {
		name    string
		topo    Topology
		wantErr string
	}{
		{"valid with defaults", Topology{Wiring: []models.DeviceWiring{wire("a", 1, 1)}}, ""},
		{"shared module slot", Topology{Wiring: []models.DeviceWiring{wire("a", 3, 1), wire("b", 3, 2)}}, ""},
		{"module sentinel", Topology{Wiring: []models.DeviceWiring{wire("a", 0, 1)}}, "module_index 0"},
		{"device sentinel", Topology{Wiring: []models.DeviceWiring{wire("a", 1, 0)}}, "device_index 0"},
		{"module overflow", Topology{Wiring: []models.DeviceWiring{wire("a", 8, 1)}}, "module_index 8"},
		{"device overflow", Topology{Wiring: []models.DeviceWiring{wire("a", 1, 10)}}, "device_index 10"},
		{"duplicate id", Topology{Wiring: []models.DeviceWiring{wire("a", 1, 1), wire("a", 2, 2)}}, "listed twice"},
		{"duplicate device slot", Topology{Wiring: []models.DeviceWiring{wire("a", 1, 4), wire("b", 2, 4)}}, "already used"},
		{"wrong vector size", Topology{Modules: 6, Wiring: []models.DeviceWiring{wire("a", 1, 1)}}, "Modules"},
		{"missing device type", Topology{Wiring: []models.DeviceWiring{{DeviceID: "a", ModuleIndex: 1, DeviceIndex: 1}}}, "DeviceType"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topo.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadTopology_Errors(t *testing.T) {
	_, err := LoadTopology(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read topology")

	_, err = LoadTopology(writeTopology(t, "wiring: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse topology")
}

func TestStaticDirectory_ReplaceKeepsOldTableOnError(t *testing.T) {
	topo, err := LoadTopology(writeTopology(t, sampleTopology))
	require.NoError(t, err)
	dir, err := NewStaticDirectory(topo)
	require.NoError(t, err)

	bad := &Topology{Wiring: []models.DeviceWiring{{DeviceID: "x", DeviceType: "led", ModuleIndex: 0, DeviceIndex: 1}}}
	require.Error(t, dir.Replace(bad))

	_, err = dir.Lookup(context.Background(), "1")
	assert.NoError(t, err)
}

func TestPostgresDirectory_NonPositiveRefreshDisabled(t *testing.T) {
	d := &PostgresDirectory{}
	// returns at once instead of ticking against a missing pool
	d.StartAutoRefresh(context.Background(), 0)
	d.StartAutoRefresh(context.Background(), -1)
}

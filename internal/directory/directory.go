// Package directory resolves device identifiers to their wiring on the
// board. It is the single source of truth for slot positions: control
// encoding never guesses a slot from ordering or naming.
package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"home-bridge/internal/models"
	"home-bridge/internal/protocol"
)

// ErrDeviceNotFound is matched by every DeviceNotFoundError
var ErrDeviceNotFound = errors.New("device not found")

// DeviceNotFoundError names the device a lookup failed for
type DeviceNotFoundError struct {
	DeviceID string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device %q not found", e.DeviceID)
}

func (e *DeviceNotFoundError) Is(target error) bool {
	return target == ErrDeviceNotFound
}

// Directory looks up the static wiring of a device
type Directory interface {
	Lookup(ctx context.Context, deviceID string) (models.DeviceWiring, error)
}

// Topology describes the physical installation: vector sizes and the
// slot assignment of every controllable device.
type Topology struct {
	Modules int                   `yaml:"modules" validate:"eq=8"`
	Devices int                   `yaml:"devices" validate:"eq=10"`
	Wiring  []models.DeviceWiring `yaml:"wiring" validate:"dive"`
}

var validate = validator.New()

// LoadTopology reads and validates a YAML topology file
func LoadTopology(path string) (*Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology %s: %w", path, err)
	}

	var topo Topology
	if err := yaml.Unmarshal(raw, &topo); err != nil {
		return nil, fmt.Errorf("failed to parse topology %s: %w", path, err)
	}
	if err := topo.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology %s: %w", path, err)
	}
	return &topo, nil
}

// Validate checks the topology against the board's vector layout.
// Slot 0 of both vectors is the frame code and cannot be assigned. Two
// devices may share a module slot but never a device slot.
func (t *Topology) Validate() error {
	if t.Modules == 0 {
		t.Modules = protocol.ModuleSlots
	}
	if t.Devices == 0 {
		t.Devices = protocol.DeviceSlots
	}
	if err := validate.Struct(t); err != nil {
		return err
	}

	ids := make(map[string]bool, len(t.Wiring))
	slots := make(map[int]string, len(t.Wiring))
	for _, w := range t.Wiring {
		if ids[w.DeviceID] {
			return fmt.Errorf("device %q listed twice", w.DeviceID)
		}
		ids[w.DeviceID] = true

		if w.ModuleIndex < 1 || w.ModuleIndex >= t.Modules {
			return fmt.Errorf("device %q: module_index %d outside 1..%d", w.DeviceID, w.ModuleIndex, t.Modules-1)
		}
		if w.DeviceIndex < 1 || w.DeviceIndex >= t.Devices {
			return fmt.Errorf("device %q: device_index %d outside 1..%d", w.DeviceID, w.DeviceIndex, t.Devices-1)
		}
		if other, taken := slots[w.DeviceIndex]; taken {
			return fmt.Errorf("device %q: device_index %d already used by %q", w.DeviceID, w.DeviceIndex, other)
		}
		slots[w.DeviceIndex] = w.DeviceID
	}
	return nil
}

// StaticDirectory serves lookups from an in-memory, validated topology
type StaticDirectory struct {
	mu      sync.RWMutex
	devices map[string]models.DeviceWiring
}

// NewStaticDirectory validates topo and indexes it by device id
func NewStaticDirectory(topo *Topology) (*StaticDirectory, error) {
	d := &StaticDirectory{}
	if err := d.Replace(topo); err != nil {
		return nil, err
	}
	return d, nil
}

// Replace swaps the whole table after validating the new topology
func (d *StaticDirectory) Replace(topo *Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}

	devices := make(map[string]models.DeviceWiring, len(topo.Wiring))
	for _, w := range topo.Wiring {
		devices[w.DeviceID] = w
	}

	d.mu.Lock()
	d.devices = devices
	d.mu.Unlock()
	return nil
}

// Lookup implements Directory
func (d *StaticDirectory) Lookup(_ context.Context, deviceID string) (models.DeviceWiring, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	w, ok := d.devices[deviceID]
	if !ok {
		return models.DeviceWiring{}, &DeviceNotFoundError{DeviceID: deviceID}
	}
	return w, nil
}

// Len returns the number of wired devices
func (d *StaticDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.devices)
}

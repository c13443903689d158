package protocol

import (
	"errors"
	"fmt"
	"strings"

	"home-bridge/internal/models"
)

const (
	// ModuleSlots is the length of the module vector, sentinel included
	ModuleSlots = 8
	// DeviceSlots is the length of the device vector, sentinel included
	DeviceSlots = 10
)

// Frame codes occupy slot 0 of every control frame. The firmware reads the
// first digit to decide how to interpret the rest.
const (
	FrameModule  uint8 = 0
	FramePublish uint8 = 1
	FrameDevice  uint8 = 2
)

// ErrMissingPower is returned for an intent whose status has no usable "power" field
var ErrMissingPower = errors.New("status has no power field")

// SlotError reports an intent addressing a slot outside the vector or the reserved slot 0
type SlotError struct {
	DeviceID string
	Vector   string
	Index    int
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("device %s: %s index %d out of range", e.DeviceID, e.Vector, e.Index)
}

// ControlFrames holds the two positional vectors sent to the board
type ControlFrames struct {
	Module [ModuleSlots]uint8
	Device [DeviceSlots]uint8
}

// ModuleFrame renders the module vector as a digit string, e.g. "00010000"
func (f ControlFrames) ModuleFrame() string {
	return render(f.Module[:])
}

// DeviceFrame renders the device vector as a digit string, e.g. "2000100000"
func (f ControlFrames) DeviceFrame() string {
	return render(f.Device[:])
}

// PublishNowFrame asks the board to publish a telemetry frame immediately
func PublishNowFrame() string {
	return render([]uint8{FramePublish})
}

// EncodeControl folds a batch of intents into module and device vectors.
// Intents are applied in order, so a later intent on the same slot wins.
// Every intent is checked before any slot is written; on error the zero
// frames are returned.
//
// Slot 0 of both vectors holds the frame code. An intent addressing slot
// 0 is rejected with a SlotError rather than silently overwritten by the
// code, so a miswired device surfaces instead of never switching.
func EncodeControl(intents []models.ControlIntent) (ControlFrames, error) {
	var frames ControlFrames

	power := make([]bool, len(intents))
	for i, intent := range intents {
		if intent.ModuleIndex < 1 || intent.ModuleIndex >= ModuleSlots {
			return ControlFrames{}, &SlotError{DeviceID: intent.DeviceID, Vector: "module", Index: intent.ModuleIndex}
		}
		if intent.DeviceIndex < 1 || intent.DeviceIndex >= DeviceSlots {
			return ControlFrames{}, &SlotError{DeviceID: intent.DeviceID, Vector: "device", Index: intent.DeviceIndex}
		}
		on, err := PowerOn(intent.Status)
		if err != nil {
			return ControlFrames{}, fmt.Errorf("device %s: %w", intent.DeviceID, err)
		}
		power[i] = on
	}

	for i, intent := range intents {
		var v uint8
		if power[i] {
			v = 1
		}
		frames.Module[intent.ModuleIndex] = v
		frames.Device[intent.DeviceIndex] = v
	}

	// Sentinels are written last so no intent can clobber them.
	frames.Module[0] = FrameModule
	frames.Device[0] = FrameDevice

	return frames, nil
}

// PowerOn reads the "power" field of a status map. Booleans are taken as
// is; numbers are true when non-zero (JSON decodes numbers as float64).
func PowerOn(status map[string]interface{}) (bool, error) {
	raw, ok := status["power"]
	if !ok || raw == nil {
		return false, ErrMissingPower
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	default:
		return false, fmt.Errorf("%w: unsupported type %T", ErrMissingPower, raw)
	}
}

func render(slots []uint8) string {
	var b strings.Builder
	b.Grow(len(slots))
	for _, s := range slots {
		b.WriteByte('0' + s)
	}
	return b.String()
}

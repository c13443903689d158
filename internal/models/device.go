package models

// DeviceWiring is the static slot assignment of a device on the board.
// ModuleIndex addresses the 8-slot module vector, DeviceIndex the 10-slot
// device vector. Slot 0 of both vectors is reserved for the frame code.
type DeviceWiring struct {
	DeviceID    string `json:"device_id" yaml:"device_id" validate:"required"`
	DeviceType  string `json:"device_type" yaml:"device_type" validate:"required"`
	ModuleIndex int    `json:"module_index" yaml:"module_index"`
	DeviceIndex int    `json:"device_index" yaml:"device_index"`
}

// ControlIntent asks for one device to be switched to a desired status
type ControlIntent struct {
	DeviceID    string
	Status      map[string]interface{}
	ModuleIndex int
	DeviceIndex int
}

// ControlRequest is what callers hand to the control service; the slot
// indices are resolved from the device directory, never from the caller.
type ControlRequest struct {
	DeviceID string                 `json:"device_id"`
	Status   map[string]interface{} `json:"status"`
}

// DeviceStatusMessage is the JSON body published on the device status topic
type DeviceStatusMessage struct {
	DeviceID       string                 `json:"device_id"`
	Status         map[string]interface{} `json:"status"`
	Battery        *float64               `json:"battery,omitempty"`
	SignalStrength *float64               `json:"signal_strength,omitempty"`
}

// HeartbeatMessage is the JSON body published on the heartbeat topic.
// An empty body is accepted; the device id is then taken from the topic.
type HeartbeatMessage struct {
	DeviceID string `json:"device_id"`
}

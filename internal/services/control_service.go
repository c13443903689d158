package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"home-bridge/internal/directory"
	"home-bridge/internal/models"
	"home-bridge/internal/protocol"
)

// ErrEmptyBatch is returned for a control call with no requests. The
// frames carry the whole board state, so an empty batch would switch
// every device off.
var ErrEmptyBatch = errors.New("no control requests")

// ControlPublisher sends frames to the board
type ControlPublisher interface {
	PublishControl(ctx context.Context, frames protocol.ControlFrames) error
	PublishNow() error
}

// ControlService turns device commands into control frames
type ControlService struct {
	directory directory.Directory
	publisher ControlPublisher
	logger    *slog.Logger
}

// NewControlService creates a new control service
func NewControlService(dir directory.Directory, publisher ControlPublisher, logger *slog.Logger) *ControlService {
	return &ControlService{
		directory: dir,
		publisher: publisher,
		logger:    logger.With("component", "control_service"),
	}
}

// Resolve looks up the wiring of every request. Any unknown device fails
// the whole batch.
func (s *ControlService) Resolve(ctx context.Context, requests []models.ControlRequest) ([]models.ControlIntent, error) {
	if len(requests) == 0 {
		return nil, ErrEmptyBatch
	}

	intents := make([]models.ControlIntent, 0, len(requests))
	for _, req := range requests {
		wiring, err := s.directory.Lookup(ctx, req.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve device %s: %w", req.DeviceID, err)
		}
		intents = append(intents, models.ControlIntent{
			DeviceID:    req.DeviceID,
			Status:      req.Status,
			ModuleIndex: wiring.ModuleIndex,
			DeviceIndex: wiring.DeviceIndex,
		})
	}
	return intents, nil
}

// Apply resolves, encodes and publishes a batch. Nothing is published
// unless every request resolves and encodes.
func (s *ControlService) Apply(ctx context.Context, requests []models.ControlRequest) (protocol.ControlFrames, error) {
	intents, err := s.Resolve(ctx, requests)
	if err != nil {
		return protocol.ControlFrames{}, err
	}

	frames, err := protocol.EncodeControl(intents)
	if err != nil {
		return protocol.ControlFrames{}, fmt.Errorf("failed to encode control: %w", err)
	}

	if err := s.publisher.PublishControl(ctx, frames); err != nil {
		return frames, err
	}

	s.logger.Info("control applied", "devices", len(intents),
		"module", frames.ModuleFrame(), "device", frames.DeviceFrame())
	return frames, nil
}

// RequestTelemetry asks the board for an immediate telemetry frame
func (s *ControlService) RequestTelemetry(_ context.Context) error {
	return s.publisher.PublishNow()
}

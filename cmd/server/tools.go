package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"home-bridge/internal/alerting"
	"home-bridge/internal/directory"
	"home-bridge/internal/metrics"
	"home-bridge/internal/models"
	"home-bridge/internal/mqtt"
	"home-bridge/internal/protocol"
	"home-bridge/internal/services"
	"home-bridge/pkg/config"
)

var (
	controlDryRun     bool
	controlPublishNow bool
	controlWait       = 10 * time.Second

	// overrides TOPOLOGY_PATH for check-topology
	topologyPath string
)

var decodeCmd = &cobra.Command{
	Use:   "decode <payload>",
	Short: "Decode a telemetry frame and show the alerts it would raise",
	Long: `Decodes a comma-separated telemetry frame exactly as the bridge does and
evaluates it against the configured thresholds. Nothing is stored or
published.

Example:
  home-bridge decode "0,350,0,100,36.5,40"`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

var controlCmd = &cobra.Command{
	Use:   "control <device>=<on|off>...",
	Short: "Switch devices through the board's control frames",
	Long: `Resolves each device through the device directory, encodes the batch into
module and device frames and publishes them on the control topic.

Examples:
  home-bridge control lamp=on fan=off
  home-bridge control lamp=on --dry-run`,
	Args: cobra.MinimumNArgs(1),
	RunE: runControl,
}

var checkTopologyCmd = &cobra.Command{
	Use:   "check-topology",
	Short: "Validate the device directory and print the slot table",
	RunE:  runCheckTopology,
}

type decodeOutput struct {
	Reading *models.SensorReading `json:"reading"`
	Alerts  []models.Alert        `json:"alerts"`
}

func runDecode(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	reading, err := protocol.DecodeTelemetry([]byte(args[0]), cfg.TelemetryDeviceID, cfg.HouseID, time.Now())
	if err != nil {
		return err
	}

	alerts := alerting.Evaluate(reading, alerting.Thresholds{
		GasLevel:    cfg.GasThreshold,
		Temperature: cfg.TemperatureThreshold,
		HumanCount:  cfg.HumanThreshold,
	})
	if alerts == nil {
		alerts = []models.Alert{}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(decodeOutput{Reading: reading, Alerts: alerts})
}

// parseControlArgs turns "lamp=on" style arguments into control requests
func parseControlArgs(args []string) ([]models.ControlRequest, error) {
	requests := make([]models.ControlRequest, 0, len(args))
	for _, arg := range args {
		id, value, ok := strings.Cut(arg, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("expected <device>=<on|off>, got %q", arg)
		}

		var power bool
		switch strings.ToLower(value) {
		case "on":
			power = true
		case "off":
			power = false
		default:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("device %s: power must be on or off, got %q", id, value)
			}
			power = b
		}

		requests = append(requests, models.ControlRequest{
			DeviceID: id,
			Status:   map[string]interface{}{"power": power},
		})
	}
	return requests, nil
}

// framePrinter stands in for the MQTT publisher on --dry-run
type framePrinter struct {
	cmd *cobra.Command
}

func (p framePrinter) PublishControl(_ context.Context, frames protocol.ControlFrames) error {
	fmt.Fprintf(p.cmd.OutOrStdout(), "module frame: %s\ndevice frame: %s\n", frames.ModuleFrame(), frames.DeviceFrame())
	return nil
}

func (p framePrinter) PublishNow() error {
	fmt.Fprintf(p.cmd.OutOrStdout(), "publish-now frame: %s\n", protocol.PublishNowFrame())
	return nil
}

func runControl(cmd *cobra.Command, args []string) error {
	requests, err := parseControlArgs(args)
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	dir, closeDir, err := openDirectory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDir()

	if controlDryRun {
		svc := services.NewControlService(dir, framePrinter{cmd: cmd}, logger)
		if _, err := svc.Apply(ctx, requests); err != nil {
			return err
		}
		if controlPublishNow {
			return svc.RequestTelemetry(ctx)
		}
		return nil
	}

	met := metrics.New()
	manager := newManager(cfg, logger, met)
	publisher := mqtt.NewPublisher(manager, mqtt.PublisherConfig{
		ControlTopic: cfg.MQTTTopicControl,
		FrameGap:     cfg.ControlFrameGap,
	}, logger, met)
	svc := services.NewControlService(dir, publisher, logger)

	// resolve before dialling so a typo never touches the broker
	if _, err := svc.Resolve(ctx, requests); err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- manager.Run(ctx) }()
	defer manager.Disconnect()

	if err := waitConnected(ctx, manager, runErr, controlWait); err != nil {
		return err
	}

	frames, err := svc.Apply(ctx, requests)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s %s to %s\n", frames.ModuleFrame(), frames.DeviceFrame(), cfg.MQTTTopicControl)

	if controlPublishNow {
		return svc.RequestTelemetry(ctx)
	}
	return nil
}

func waitConnected(ctx context.Context, manager *mqtt.Manager, runErr <-chan error, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for !manager.IsConnected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErr:
			if err == nil {
				err = mqtt.ErrNotConnected
			}
			return err
		case <-deadline.C:
			return fmt.Errorf("broker not reachable within %s: %w", timeout, mqtt.ErrNotConnected)
		case <-ticker.C:
		}
	}
	return nil
}

func runCheckTopology(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	out := cmd.OutOrStdout()

	if cfg.DirectorySource == "postgres" && topologyPath == "" {
		_, logger, err := loadConfig()
		if err != nil {
			return err
		}
		pg, err := directory.NewPostgresDirectory(cmd.Context(), cfg.PostgresURL, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		fmt.Fprintf(out, "devices table ok: %d wired devices\n", pg.Len())
		return nil
	}

	path := topologyPath
	if path == "" {
		path = cfg.TopologyPath
	}
	topo, err := directory.LoadTopology(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s ok: %d modules, %d devices, %d wired\n", path, topo.Modules, topo.Devices, len(topo.Wiring))
	fmt.Fprintf(out, "%-16s %-10s %6s %6s\n", "DEVICE", "TYPE", "MODULE", "DEVICE")
	for _, w := range topo.Wiring {
		fmt.Fprintf(out, "%-16s %-10s %6d %6d\n", w.DeviceID, w.DeviceType, w.ModuleIndex, w.DeviceIndex)
	}
	return nil
}

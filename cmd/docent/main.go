package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docent"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "docent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML settings file")
		port       = flag.String("port", "", "serial port (overrides config)")
		mockOnly   = flag.Bool("mock", false, "run against the mock adapter only")
		addr       = flag.String("addr", "", "HTTP listen address (overrides config)")
	)
	flag.Parse()

	settings, warnings, err := docent.LoadSettings(*configPath)
	if err != nil {
		return err
	}
	if *port != "" {
		settings.Serial.Port = *port
	}
	if *mockOnly {
		settings.Serial.MockOnly = true
	}
	if *addr != "" {
		settings.HTTP.Addr = *addr
	}

	logger := docent.NewLogger(settings.Log)
	for _, w := range warnings {
		logger.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	calibration, fromFile := docent.LoadCalibration(settings.Serial.CalibrationFile, logger)
	if fromFile {
		logger.Infof("Calibration loaded from %s", settings.Serial.CalibrationFile)
	}

	limits := docent.DefaultLimits()
	emitter := docent.NewEmitter(logger)

	store := docent.NewPresetStore(settings.Store.PositionsFile, limits, emitter, logger)
	if store.Load() {
		logger.Infof("Presets loaded from %s", settings.Store.PositionsFile)
	} else {
		logger.Infof("Seeded default presets into %s", settings.Store.PositionsFile)
	}

	// The mock starts parked at rest so a hardware-free exhibit behaves.
	initial, ok := store.Get(docent.RestPreset)
	if !ok {
		initial = docent.DefaultPresets()[docent.RestPreset]
	}

	manager, err := docent.SharedManager(ctx, settings.Serial, calibration, initial, logger)
	if err != nil {
		return err
	}
	defer docent.ReleaseSharedManager()

	motion := docent.NewMotion(manager, store, emitter, limits, settings.Motion, logger)
	stages := docent.NewStageMachine(settings.IdleTimeout(), emitter, logger)
	coordinator := docent.NewCoordinator(manager, store, motion, stages, emitter, logger)

	if err := coordinator.Start(ctx); err != nil {
		return err
	}
	if err := coordinator.SetTorque(ctx, true); err != nil {
		logger.Warnf("Failed to enable torque: %v", err)
	}

	if settings.MQTT.Enabled {
		bridge, err := docent.NewBridge(settings.MQTT, coordinator, logger)
		if err != nil {
			return err
		}
		defer bridge.Close()
	}

	logger.Infof("Exhibit docent up, stage %s", coordinator.CurrentStage())

	server := docent.NewServer(settings.HTTP, coordinator, logger)
	err = server.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	coordinator.Shutdown(shutdownCtx)
	return err
}

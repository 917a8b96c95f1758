package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"docent"

	"github.com/sirupsen/logrus"
)

const usageText = `docentctl - exhibit arm maintenance tool

Usage:
  docentctl [flags] <command> [args]

Commands:
  ports            list candidate serial ports
  identify         wiggle servos to label joints and write the calibration file
  calibrate        record homing offsets and joint ranges
  read             print current joint positions
  move <preset>    move to a stored preset
  torque on|off    toggle holding torque
  stop             emergency stop (abort movement, torque off)
  presets          list stored presets

Flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "docentctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("docentctl", flag.ExitOnError)
	var (
		port      = fs.String("port", "", "serial port (discovered when empty)")
		baud      = fs.Int("baud", docent.DefaultBaudRate, "serial baud rate")
		calPath   = fs.String("calibration", "", "calibration file")
		storePath = fs.String("positions", docent.DefaultPositionsFile, "preset file")
		steps     = fs.Int("steps", 0, "interpolation steps (0 = default)")
		delayMs   = fs.Int("delay", 0, "per-step delay in ms (0 = default)")
		verbose   = fs.Bool("v", false, "debug logging")
	)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usageText)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return nil
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	logger := docent.NewLogger(docent.LogSettings{Level: level})

	cfg := docent.SerialSettings{
		Port:            *port,
		BaudRate:        *baud,
		TimeoutMs:       docent.DefaultSerialTimeoutMs,
		CalibrationFile: *calPath,
	}
	ctx := context.Background()

	switch rest[0] {
	case "ports":
		return cmdPorts()
	case "identify":
		return cmdIdentify(ctx, cfg, logger)
	case "calibrate":
		return cmdCalibrate(ctx, cfg, logger)
	case "read":
		return cmdRead(ctx, cfg, logger)
	case "move":
		if len(rest) < 2 {
			return fmt.Errorf("move requires a preset name")
		}
		return cmdMove(ctx, cfg, *storePath, rest[1], *steps, *delayMs, logger)
	case "torque":
		if len(rest) < 2 || (rest[1] != "on" && rest[1] != "off") {
			return fmt.Errorf("torque requires on or off")
		}
		return cmdTorque(ctx, cfg, rest[1] == "on", logger)
	case "stop":
		return cmdStop(ctx, cfg, logger)
	case "presets":
		return cmdPresets(*storePath, logger)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

// openManager connects the shared manager the same way the daemon does, so
// running docentctl against a live daemon reuses its bus instead of fighting
// over the port.
func openManager(ctx context.Context, cfg docent.SerialSettings, logger *logrus.Logger) (*docent.Manager, func(), error) {
	cal, _ := docent.LoadCalibration(cfg.CalibrationFile, logger)
	initial := docent.DefaultPresets()[docent.RestPreset]
	m, err := docent.SharedManager(ctx, cfg, cal, initial, logger)
	if err != nil {
		return nil, nil, err
	}
	return m, docent.ReleaseSharedManager, nil
}

func cmdPorts() error {
	ports, err := docent.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		return nil
	}

	for _, p := range ports {
		marker := " "
		if p.Candidate {
			marker = "*"
		}
		if p.IsUSB {
			fmt.Printf("%s %-24s USB %s:%s %s\n", marker, p.Name, p.VID, p.PID, p.SerialNumber)
		} else {
			fmt.Printf("%s %s\n", marker, p.Name)
		}
	}
	fmt.Println("\n* likely arm candidates")
	return nil
}

func cmdRead(ctx context.Context, cfg docent.SerialSettings, logger *logrus.Logger) error {
	manager, release, err := openManager(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	adapter := manager.Adapter()
	if adapter == nil {
		return fmt.Errorf("not connected")
	}

	positions, err := adapter.ReadPositions(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Port: %s\n", manager.Port())
	for _, joint := range docent.JointOrder {
		if v, ok := positions[joint]; ok {
			fmt.Printf("  %-14s %6d\n", joint, v)
		}
	}

	if bus, ok := adapter.(*docent.BusAdapter); ok {
		raw, err := bus.RawPositions(ctx)
		if err != nil {
			return err
		}
		ids := make([]int, 0, len(raw))
		for id := range raw {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		fmt.Println("Raw ticks:")
		for _, id := range ids {
			fmt.Printf("  servo %d: %4d\n", id, raw[id])
		}
	}
	return nil
}

func cmdMove(ctx context.Context, cfg docent.SerialSettings, storePath, preset string, steps, delayMs int, logger *logrus.Logger) error {
	manager, release, err := openManager(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	emitter := docent.NewEmitter(logger)
	store := docent.NewPresetStore(storePath, docent.DefaultLimits(), emitter, logger)
	store.Load()

	motion := docent.NewMotion(manager, store, emitter, docent.DefaultLimits(), docent.MotionSettings{
		Steps:             docent.DefaultSteps,
		StepDelayMs:       docent.DefaultStepDelayMs,
		MaxRelativeTarget: docent.DefaultMaxRelativeTarget,
	}, logger)

	if err := manager.SetTorque(ctx, true); err != nil {
		return err
	}

	fmt.Printf("Moving to %q on %s...\n", preset, manager.Port())
	delay := time.Duration(delayMs) * time.Millisecond
	if err := motion.MoveToPreset(ctx, preset, steps, delay); err != nil {
		return err
	}
	fmt.Println("✓ Done (torque left on)")
	return nil
}

func cmdTorque(ctx context.Context, cfg docent.SerialSettings, enable bool, logger *logrus.Logger) error {
	manager, release, err := openManager(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	if err := manager.SetTorque(ctx, enable); err != nil {
		return err
	}
	if enable {
		fmt.Println("✓ Torque enabled")
	} else {
		fmt.Println("✓ Torque disabled, joints are free")
	}
	return nil
}

func cmdStop(ctx context.Context, cfg docent.SerialSettings, logger *logrus.Logger) error {
	manager, release, err := openManager(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	emitter := docent.NewEmitter(logger)
	store := docent.NewPresetStore("", docent.DefaultLimits(), emitter, logger)
	motion := docent.NewMotion(manager, store, emitter, docent.DefaultLimits(), docent.MotionSettings{}, logger)

	if err := motion.EmergencyStop(ctx); err != nil {
		return err
	}
	fmt.Println("✓ Stopped, torque disabled")
	return nil
}

func cmdPresets(storePath string, logger *logrus.Logger) error {
	emitter := docent.NewEmitter(logger)
	store := docent.NewPresetStore(storePath, docent.DefaultLimits(), emitter, logger)
	if store.Load() {
		fmt.Printf("Presets from %s:\n", storePath)
	} else {
		fmt.Println("Default presets (file missing or unreadable):")
	}

	for _, name := range store.List() {
		pos, _ := store.Get(name)
		fmt.Printf("  %-12s", name)
		for _, joint := range docent.JointOrder {
			if v, ok := pos[joint]; ok {
				fmt.Printf(" %s=%d", joint, v)
			}
		}
		fmt.Println()
	}
	return nil
}

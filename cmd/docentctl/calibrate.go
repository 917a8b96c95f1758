package main

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"docent"

	"github.com/charmbracelet/huh"
	"github.com/sirupsen/logrus"
)

const (
	rangeSamplePeriod = 50 * time.Millisecond
	// Homing offsets are measured against the raw center so domain 0 lands
	// on the centered pose.
	rawCenter = 2048
)

// cmdCalibrate walks the two-phase calibration workflow: capture homing
// offsets with the arm centered, then record joint ranges while the operator
// sweeps each joint by hand.
func cmdCalibrate(ctx context.Context, cfg docent.SerialSettings, logger *logrus.Logger) error {
	port, err := resolvePort(cfg)
	if err != nil {
		return err
	}
	cfg.Port = port

	cal, fromFile := docent.LoadCalibration(cfg.CalibrationFile, logger)
	if fromFile {
		fmt.Printf("Updating calibration from %s\n", cfg.CalibrationFile)
	} else {
		fmt.Println("No calibration file yet, starting from the default ID mapping.")
	}

	adapter := docent.NewBusAdapter(cfg, cal, logger)
	if err := adapter.Connect(ctx); err != nil {
		return err
	}
	defer adapter.Disconnect()

	// Torque off so the operator can move the arm by hand.
	if err := adapter.SetTorque(ctx, false); err != nil {
		return err
	}

	ready := true
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Move the arm to the middle of its range of motion").
				Description("Every joint roughly centered, gripper half open").
				Affirmative("Centered").
				Negative("Abort").
				Value(&ready),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	if !ready {
		fmt.Println("Aborted.")
		return nil
	}

	raw, err := adapter.RawPositions(ctx)
	if err != nil {
		return err
	}
	for id, pos := range raw {
		joint, entry, ok := cal.ByID(id)
		if !ok {
			continue
		}
		entry.HomingOffset = pos - rawCenter
		cal[joint] = entry
		fmt.Printf("  %-14s raw=%4d offset=%+d\n", joint, pos, entry.HomingOffset)
	}

	fmt.Println("\nNow sweep every joint slowly through its full range of motion.")
	fmt.Println("Recording... press Enter when done.")

	mins := make(map[int]int, len(raw))
	maxs := make(map[int]int, len(raw))
	for id := range raw {
		mins[id] = math.MaxInt32
		maxs[id] = math.MinInt32
	}

	pressed := make(chan struct{})
	go func() {
		reader := bufio.NewReader(os.Stdin)
		reader.ReadString('\n')
		close(pressed)
	}()

	start := time.Now()
	samples := 0
	ticker := time.NewTicker(rangeSamplePeriod)
	defer ticker.Stop()

recording:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pressed:
			break recording
		case <-ticker.C:
			sample, err := adapter.RawPositions(ctx)
			if err != nil {
				logger.Warnf("Read failed during recording: %v", err)
				continue
			}
			samples++
			for id, pos := range sample {
				if pos < mins[id] {
					mins[id] = pos
				}
				if pos > maxs[id] {
					maxs[id] = pos
				}
			}
		}
	}
	fmt.Printf("Recorded %d samples over %.1fs\n", samples, time.Since(start).Seconds())

	for id := range mins {
		joint, entry, ok := cal.ByID(id)
		if !ok {
			continue
		}
		if mins[id] >= maxs[id] {
			return fmt.Errorf("joint %s was not moved through its range (min=%d max=%d)", joint, mins[id], maxs[id])
		}
		entry.RangeMin = mins[id]
		entry.RangeMax = maxs[id]
		cal[joint] = entry
		fmt.Printf("  %-14s range [%4d, %4d] span %d\n", joint, entry.RangeMin, entry.RangeMax, entry.RangeMax-entry.RangeMin)
	}

	if err := cal.Validate(); err != nil {
		return err
	}

	path := cfg.CalibrationFile
	if path == "" {
		path = "calibration.json"
	}
	if err := cal.Save(path); err != nil {
		return err
	}
	fmt.Printf("✓ Calibration saved to %s\n", path)
	return nil
}

package main

import (
	"context"
	"fmt"
	"sort"

	"docent"

	"github.com/charmbracelet/huh"
	"github.com/sirupsen/logrus"
)

// cmdIdentify wiggles each responding servo in turn and asks which joint
// moved, then writes the resulting ID mapping as a calibration file. Offsets
// and ranges stay at their defaults; run calibrate afterwards to record real
// ones.
func cmdIdentify(ctx context.Context, cfg docent.SerialSettings, logger *logrus.Logger) error {
	port, err := resolvePort(cfg)
	if err != nil {
		return err
	}
	cfg.Port = port

	servos, err := docent.ScanServos(ctx, port, cfg.BaudRate)
	if err != nil {
		return err
	}
	if len(servos) == 0 {
		return fmt.Errorf("no servos responded on %s", port)
	}
	sort.Slice(servos, func(i, j int) bool { return servos[i].ID < servos[j].ID })
	fmt.Printf("Found %d servo(s) on %s\n", len(servos), port)

	// The default calibration maps ID n to the nth joint, which is all the
	// adapter needs to drive a single servo during the wiggle.
	adapter := docent.NewBusAdapter(cfg, docent.DefaultCalibration(), logger)
	if err := adapter.Connect(ctx); err != nil {
		return err
	}
	defer adapter.Disconnect()

	assigned := make(map[string]int, len(servos))
	for _, s := range servos {
		if s.ID < 1 || s.ID > len(docent.JointOrder) {
			logger.Warnf("Ignoring unexpected servo ID %d", s.ID)
			continue
		}

		fmt.Printf("\n  ⟳ Wiggling servo %d...\n", s.ID)
		if err := adapter.Wiggle(ctx, docent.JointOrder[s.ID-1], 100); err != nil {
			logger.Warnf("Wiggle failed for servo %d: %v", s.ID, err)
		}

		options := make([]huh.Option[string], 0, len(docent.JointOrder)+1)
		for _, joint := range docent.JointOrder {
			if _, taken := assigned[joint]; taken {
				continue
			}
			options = append(options, huh.NewOption(joint, joint))
		}
		options = append(options, huh.NewOption("Skip this servo", ""))

		var joint string
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title(fmt.Sprintf("Servo %d just wiggled. Which joint moved?", s.ID)).
					Description("Pick the joint you saw twitch").
					Options(options...).
					Value(&joint),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}
		if joint == "" {
			continue
		}
		assigned[joint] = s.ID
	}

	if len(assigned) == 0 {
		return fmt.Errorf("no joints identified")
	}

	defaults := docent.DefaultCalibration()
	cal := docent.Calibration{}
	used := make(map[int]bool, len(assigned))
	for joint, id := range assigned {
		cal[joint] = docent.ServoCalibration{ID: id, RangeMin: 0, RangeMax: 4095}
		used[id] = true
	}
	// Unidentified joints keep their default IDs so the file stays complete.
	for _, joint := range docent.JointOrder {
		if _, ok := cal[joint]; ok {
			continue
		}
		entry := defaults[joint]
		if used[entry.ID] {
			return fmt.Errorf("joint %s is unassigned and its default servo ID %d is taken; rerun identify and label every servo", joint, entry.ID)
		}
		cal[joint] = entry
		used[entry.ID] = true
	}
	if err := cal.Validate(); err != nil {
		return err
	}

	path := cfg.CalibrationFile
	if path == "" {
		path = "calibration.json"
	}
	save := true
	confirm := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Save mapping to %s?", path)).
				Value(&save),
		),
	)
	if err := confirm.Run(); err != nil {
		return err
	}
	if !save {
		fmt.Println("Discarded.")
		return nil
	}
	if err := cal.Save(path); err != nil {
		return err
	}
	fmt.Printf("✓ Saved %s. Run \"docentctl calibrate\" to record offsets and ranges.\n", path)
	return nil
}

// resolvePort returns the configured port, or asks the user to pick one of
// the candidate USB-serial ports.
func resolvePort(cfg docent.SerialSettings) (string, error) {
	if cfg.Port != "" {
		return cfg.Port, nil
	}

	ports, err := docent.ListPorts()
	if err != nil {
		return "", err
	}
	options := []huh.Option[string]{}
	for _, p := range ports {
		if !p.Candidate {
			continue
		}
		label := p.Name
		if p.IsUSB {
			label = fmt.Sprintf("%s (USB %s:%s)", p.Name, p.VID, p.PID)
		}
		options = append(options, huh.NewOption(label, p.Name))
	}
	if len(options) == 0 {
		return "", fmt.Errorf("no candidate serial ports; pass -port explicitly")
	}
	if len(options) == 1 {
		return options[0].Value, nil
	}

	var port string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which port is the arm on?").
				Options(options...).
				Value(&port),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return port, nil
}

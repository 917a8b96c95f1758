package docent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes one serial port found during enumeration.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Candidate    bool
}

// ListPorts enumerates serial ports with USB metadata, flagging the ones
// that match known USB-serial naming patterns.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate serial ports")
	}

	infos := make([]PortInfo, 0, len(details))
	for _, d := range details {
		infos = append(infos, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Candidate:    isCandidatePort(d.Name),
		})
	}
	return infos, nil
}

// DiscoverPort scans candidate serial ports and returns the first one where
// the arm's base servo answers a ping.
func DiscoverPort(ctx context.Context, baudRate int, logger *logrus.Logger) (string, error) {
	candidates := filterCandidatePorts(enumerateSerialPorts())
	logger.WithField("candidates", len(candidates)).Debug("Scanning serial ports")

	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		if probePort(ctx, portPath, baudRate, logger) {
			logger.WithField("port", portPath).Info("Discovered arm")
			return portPath, nil
		}
	}

	return "", errors.Errorf("no arm found on %d candidate ports", len(candidates))
}

// probePort opens a port briefly and pings servo ID 1.
func probePort(ctx context.Context, portPath string, baudRate int, logger *logrus.Logger) bool {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     portPath,
		BaudRate: baudRate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		logger.Debugf("Failed to open port %s: %v", portPath, err)
		return false
	}
	defer bus.Close()

	servo := feetech.NewServo(bus, 1, &feetech.ModelSTS3215)
	if _, err := servo.Ping(ctx); err != nil {
		logger.Debugf("No servo response on %s: %v", portPath, err)
		return false
	}
	return true
}

// ScanServos opens a port and reports which of servo IDs 1..6 respond.
func ScanServos(ctx context.Context, portPath string, baudRate int) ([]feetech.FoundServo, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     portPath,
		BaudRate: baudRate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", portPath)
	}
	defer bus.Close()

	found, err := bus.Scan(ctx, 1, len(JointOrder))
	if err != nil {
		return nil, errors.Wrapf(err, "scan bus on %s", portPath)
	}
	return found, nil
}

// filterCandidatePorts filters serial ports by platform naming patterns.
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port matches USB-serial naming patterns.
func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usbmodem*, /dev/tty.usbserial*, /dev/cu.usbmodem*, /dev/cu.usbserial*
	if strings.HasPrefix(port, "/dev/tty.usbmodem") || strings.HasPrefix(port, "/dev/tty.usbserial") || strings.HasPrefix(port, "/dev/cu.usbmodem") || strings.HasPrefix(port, "/dev/cu.usbserial") {
		return true
	}
	// Windows: COM*
	if strings.HasPrefix(port, "COM") {
		return true
	}
	return false
}

// extractPortSuffix extracts a friendly suffix from a port path for naming
// per-port files. /dev/ttyUSB0 -> "ttyUSB0", /dev/tty.usbmodem123 ->
// "usbmodem123", COM3 -> "COM3".
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)

	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}

	return base
}

// FindCalibrationFile looks for a calibration file next to the exhibit's
// data: a port-specific name first, then the shared default. Returns the
// full path or empty when neither exists.
func FindCalibrationFile(dataDir, portPath string, logger *logrus.Logger) string {
	portSpecific := filepath.Join(dataDir, extractPortSuffix(portPath)+"_calibration.json")
	if _, err := os.Stat(portSpecific); err == nil {
		logger.Debugf("Found port-specific calibration file: %s", portSpecific)
		return portSpecific
	}

	defaultFile := filepath.Join(dataDir, "calibration.json")
	if _, err := os.Stat(defaultFile); err == nil {
		logger.Debugf("Found default calibration file: %s", defaultFile)
		return defaultFile
	}

	logger.Debug("No calibration file found")
	return ""
}

// enumerateSerialPorts returns the names of all serial ports on the system.
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}

	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}

package transport

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate matches the ble-cliapp console configuration.
	DefaultBaudRate = 115200

	// serialReadTimeout keeps the reader loop responsive to Stop.
	serialReadTimeout = 100 * time.Millisecond
)

// SerialOptions configures OpenSerial.
type SerialOptions struct {
	Path     string
	BaudRate int
}

// OpenSerialPort opens a serial port in 8N1 mode with a short read timeout.
func OpenSerialPort(opts SerialOptions) (serial.Port, error) {
	baud := opts.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(opts.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", opts.Path, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", opts.Path, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to reset input buffer on %s: %w", opts.Path, err)
	}
	return port, nil
}

// OpenSerial opens a serial port and wraps it in a LineDevice named name.
func OpenSerial(name string, opts SerialOptions, logger *logrus.Logger) (*LineDevice, error) {
	port, err := OpenSerialPort(opts)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"device": name,
			"port":   opts.Path,
			"baud":   opts.BaudRate,
		}).Info("Serial port opened")
	}
	return NewLineDevice(name, port, logger), nil
}

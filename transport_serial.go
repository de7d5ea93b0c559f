package chlink

import (
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	bugserial "go.bug.st/serial"
)

// DefaultBootBaud is the boot ROM's fixed line rate.
const DefaultBootBaud = 460800

// OpenSerialChannel opens a serial port with a one second read timeout and
// discards anything already buffered.
func OpenSerialChannel(name string, baud int) (SerialChannel, error) {
	if baud <= 0 {
		baud = DefaultBootBaud
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: time.Second,
	})
	if err != nil {
		return nil, &OpError{Op: "open serial", Err: errors.Wrap(ErrNoDevice, err.Error())}
	}
	// On Linux with USB serial ports, in order for flush to work properly
	// we need to delay a little before flushing to make sure that any
	// received data has made its way up the driver stack.
	time.Sleep(time.Millisecond * 100)
	port.Flush()
	return port, nil
}

// ListSerialPorts returns the serial ports present on the host.
func ListSerialPorts() ([]string, error) {
	ports, err := bugserial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list serial ports")
	}
	return ports, nil
}

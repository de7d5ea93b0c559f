package chlink

import (
	"io"
	"os"
	"runtime"
)

// Endpoint selects one of the adapter's bulk endpoint pairs.
type Endpoint int

// Adapter endpoint pairs.
const (
	// EndpointCommand carries requests (OUT 0x01) and their replies (IN 0x81).
	EndpointCommand Endpoint = 1
	// EndpointData carries bulk image and stub data (OUT 0x02, IN 0x82).
	EndpointData Endpoint = 2
)

// USBChannel is a pair of bulk endpoints on the debug-link adapter. Every
// call blocks until it completes or the channel's timeout expires.
type USBChannel interface {
	Write(ep Endpoint, p []byte) (int, error)
	Read(ep Endpoint, p []byte) (int, error)
	Close() error
}

// SerialChannel is a serial line to the boot ROM. Reads return after the
// line's read timeout with whatever has arrived.
type SerialChannel interface {
	io.ReadWriteCloser
	// Flush discards any unread input.
	Flush() error
}

// SerialEnv is the environment variable consulted for the boot ROM serial
// port when no explicit port is given.
const SerialEnv = "CHLINK_SERIAL"

// ResolveSerialPort picks the serial device to open: the hint if set, then
// $CHLINK_SERIAL, then the platform default.
func ResolveSerialPort(hint string) string {
	if hint != "" {
		return hint
	}
	if env := os.Getenv(SerialEnv); env != "" {
		return env
	}
	return defaultSerialPort(runtime.GOOS)
}

func defaultSerialPort(goos string) string {
	switch goos {
	case "windows":
		return "COM3"
	case "darwin":
		return "/dev/cu.usbserial-0001"
	default:
		return "/dev/ttyUSB0"
	}
}

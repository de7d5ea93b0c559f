// Package chlink implements a host-side client for RISC-V microcontrollers
// that can be reached either through a USB debug-link adapter or through the
// chip's UART boot ROM.
//
// The package contains two main components: the Programmer interface and its
// drivers. Programmer is a fixed capability table covering debug register
// access, halt control and flash programming; LinkE speaks the adapter's
// command/reply protocol over USB bulk endpoints and UARTBoot speaks the boot
// ROM's checksum-framed protocol over a serial line. Flash drives any
// Programmer through a complete erase, program and verify session.
//
// Also included is a command line tool, found in the cmd/chlink directory,
// that serves as both an example on how to use the library and a host program
// to flash images and poke at debug registers.
package chlink

import (
	"bytes"
	"io"
	"time"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// FlashBase is the address at which on-chip flash is mapped.
const FlashBase = 0x08000000

// HaltMode is the commanded state of the target processor.
type HaltMode int

// Halt modes understood by HaltMode.
const (
	HaltModeReset   HaltMode = 0 // held in reset
	HaltModeRunning HaltMode = 1
)

func (m HaltMode) String() string {
	switch m {
	case HaltModeReset:
		return "reset"
	case HaltModeRunning:
		return "running"
	default:
		return "invalid"
	}
}

// EraseKind selects between erasing a range and erasing the whole flash.
type EraseKind int

// Erase kinds.
const (
	EraseRange EraseKind = iota
	EraseAll
)

// Programmer is the capability table every backend implements. A backend that
// cannot perform an operation returns an error wrapping ErrUnsupported.
// After Exit every method returns ErrClosed.
type Programmer interface {
	// SetupInterface performs the handshake and chip identification. It must
	// be called once before anything else.
	SetupInterface() error
	ReadReg32(reg uint8) (uint32, error)
	WriteReg32(reg uint8, value uint32) error
	HaltMode(mode HaltMode) error
	WriteBinaryBlob(address uint32, data []byte) error
	ReadBinaryBlob(address uint32, length uint32) ([]byte, error)
	Erase(address, length uint32, kind EraseKind) error
	// CheckImageSize returns ErrImageTooLarge if size bytes do not fit.
	CheckImageSize(size int) error
	Control3v3(on bool) error
	Control5v(on bool) error
	Unbrick() error
	ConfigureNRSTAsGPIO(gpio bool) error
	ConfigureReadProtection(protect bool) error
	FlushLLCommands() error
	DelayUS(microseconds int) error
	// Exit releases the transport.
	Exit() error
}

// Identifier is implemented by programmers that read identification data
// during SetupInterface.
type Identifier interface {
	ChipInfo() ChipInfo
}

// Options configure a programmer. The zero value is usable.
type Options struct {
	// Progress receives write progress (optional).
	Progress ProgressFunc
	// DonePolls bounds debug module status polls. Zero selects a default.
	DonePolls int
	// Timeout bounds each USB transfer. Zero selects DefaultUSBTimeout.
	Timeout time.Duration
	// Baud is the boot ROM line rate. Zero selects DefaultBootBaud.
	Baud int
}

// Progress describes how far a long-running write has got.
type Progress struct {
	Phase string
	Done  int
	Total int
}

// ProgressFunc receives progress updates. It is called synchronously and
// should return quickly.
type ProgressFunc func(Progress)

func (f ProgressFunc) report(phase string, done, total int) {
	if f != nil {
		f(Progress{Phase: phase, Done: done, Total: total})
	}
}

// Image is a firmware image and the address it loads at.
type Image struct {
	Address uint32
	Data    []byte
}

// LoadBinary reads a raw image that loads at address.
func LoadBinary(r io.Reader, address uint32) (Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Image{}, errors.Wrap(err, "failed to read image")
	}
	if len(data) == 0 {
		return Image{}, errors.New("image is empty")
	}
	return Image{Address: address, Data: data}, nil
}

// LoadHex parses Intel HEX data into a single image spanning from the lowest
// to the highest populated address. Gaps are filled with 0xFF.
func LoadHex(r io.Reader) (Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return Image{}, errors.Wrap(err, "failed to parse hex file")
	}
	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return Image{}, errors.New("hex file contains no data")
	}
	start := segments[0].Address
	end := start
	for _, segment := range segments {
		if segment.Address < start {
			start = segment.Address
		}
		if e := segment.Address + uint32(len(segment.Data)); e > end {
			end = e
		}
		pkgLog.Debugf("loaded segment at %X length %v", segment.Address, len(segment.Data))
	}
	return Image{Address: start, Data: mem.ToBinary(start, end-start, 0xFF)}, nil
}

// PaddedLength returns n rounded up to the next multiple of 256.
func PaddedLength(n int) int {
	if n <= 0 {
		return 0
	}
	return ((n - 1) &^ 0xFF) + 0x100
}

// PadImage returns data extended with 0xFF to PaddedLength(len(data)).
func PadImage(data []byte) []byte {
	padded := make([]byte, PaddedLength(len(data)))
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = 0xFF
	}
	return padded
}

func chunks(data []byte, size int) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := size
		if len(data) < n {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func compareImage(address uint32, want, got []byte) error {
	if len(got) < len(want) {
		return errors.Wrapf(ErrVerify, "read %v bytes, expected %v", len(got), len(want))
	}
	if i := firstMismatch(want, got); i >= 0 {
		return errors.Wrapf(ErrVerify, "mismatch at %X, expected %X read %X", address+uint32(i), want[i], got[i])
	}
	return nil
}

func firstMismatch(want, got []byte) int {
	if bytes.Equal(want, got[:len(want)]) {
		return -1
	}
	for i := range want {
		if want[i] != got[i] {
			return i
		}
	}
	return -1
}

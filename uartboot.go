package chlink

import (
	"io"
	"time"

	"github.com/pkg/errors"
)

// UARTBoot talks to the chip's boot ROM over a serial line. The boot ROM can
// only erase, program and verify the whole of flash and then start the
// application; debug register access and halt control are unsupported.
type UARTBoot struct {
	port   SerialChannel
	opts   Options
	closed bool
}

var _ Programmer = (*UARTBoot)(nil)

// NewUARTBoot creates a driver on an already opened serial line.
func NewUARTBoot(port SerialChannel, opts Options) *UARTBoot {
	return &UARTBoot{port: port, opts: opts}
}

// OpenUARTBoot opens the serial port chosen by ResolveSerialPort(hint).
func OpenUARTBoot(hint string, opts Options) (*UARTBoot, error) {
	name := ResolveSerialPort(hint)
	pkgLog.Debugf("opening boot rom on %v", name)
	port, err := OpenSerialChannel(name, opts.Baud)
	if err != nil {
		return nil, err
	}
	return NewUARTBoot(port, opts), nil
}

func (b *UARTBoot) recv(count int) ([]byte, error) {
	resp := make([]byte, 0, count)
	buf := make([]byte, count)
	for len(resp) < count {
		n, err := b.port.Read(buf[:count-len(resp)])
		// The port reports an expired read timeout as EOF with no data.
		if n == 0 && (err == nil || err == io.EOF) {
			return nil, ErrTimeout
		}
		if err != nil && err != io.EOF {
			return nil, err
		}
		resp = append(resp, buf[:n]...)
	}
	return resp, nil
}

// send writes one frame and waits for its two status bytes.
func (b *UARTBoot) send(f Frame) error {
	if _, err := b.port.Write(f.Bytes()); err != nil {
		return errors.Wrapf(err, "send command %02x", f.Command)
	}
	status, err := b.recv(bootStatusLen)
	if err != nil {
		return errors.Wrapf(err, "receive status for command %02x", f.Command)
	}
	if status[0] != 0x00 || status[1] != 0x00 {
		return &StatusError{Command: f.Command, Status: [2]byte{status[0], status[1]}}
	}
	return nil
}

func (b *UARTBoot) sendData(command byte, phase string, data []byte) error {
	sent := 0
	for _, f := range dataFrames(command, data) {
		if err := b.send(f); err != nil {
			return errors.Wrapf(err, "at offset %v", sent)
		}
		sent += len(f.Payload)
		b.opts.Progress.report(phase, sent, len(data))
	}
	return nil
}

func (b *UARTBoot) erase() error {
	return b.send(newEraseFrame())
}

func (b *UARTBoot) program(data []byte) error {
	return b.sendData(BootCommandProgram, "programming", data)
}

func (b *UARTBoot) verify(data []byte) error {
	return b.sendData(BootCommandVerify, "verifying", data)
}

func (b *UARTBoot) end() error {
	return b.send(newEndFrame())
}

// SetupInterface discards stale input. The boot ROM has no identification
// command, so there is nothing else to do.
func (b *UARTBoot) SetupInterface() (err error) {
	defer wrapErr("setup", &err)
	if b.closed {
		return ErrClosed
	}
	return b.port.Flush()
}

// WriteBinaryBlob erases the whole flash, programs data, has the boot ROM
// verify it and jumps to the application. address must be FlashBase.
func (b *UARTBoot) WriteBinaryBlob(address uint32, data []byte) (err error) {
	defer wrapErr("write binary blob", &err)
	if b.closed {
		return ErrClosed
	}
	if address != FlashBase {
		return errors.Wrapf(ErrNotFlashBase, "cannot write at %X", address)
	}

	pkgLog.Infof("erasing flash")
	if err := b.erase(); err != nil {
		return &StageError{Stage: StageErase, Err: err}
	}
	pkgLog.Infof("writing flash")
	if err := b.program(data); err != nil {
		return &StageError{Stage: StageProgram, Err: err}
	}
	pkgLog.Infof("verifying flash")
	if err := b.verify(data); err != nil {
		return &StageError{Stage: StageVerify, Err: err}
	}
	pkgLog.Infof("jumping to application")
	if err := b.end(); err != nil {
		return &StageError{Stage: StageEnd, Err: err}
	}
	return nil
}

// Erase erases the whole flash; the boot ROM cannot erase a range.
func (b *UARTBoot) Erase(address, length uint32, kind EraseKind) (err error) {
	defer wrapErr("erase", &err)
	if b.closed {
		return ErrClosed
	}
	if kind == EraseRange {
		pkgLog.Warnf("boot rom erases the whole flash, not %X+%X", address, length)
	}
	if err := b.erase(); err != nil {
		return &StageError{Stage: StageErase, Err: err}
	}
	return nil
}

// FlushLLCommands does nothing; frames are sent immediately.
func (b *UARTBoot) FlushLLCommands() error {
	if b.closed {
		return &OpError{Op: "flush", Err: ErrClosed}
	}
	return nil
}

// DelayUS sleeps on the host.
func (b *UARTBoot) DelayUS(microseconds int) error {
	if b.closed {
		return &OpError{Op: "delay", Err: ErrClosed}
	}
	time.Sleep(time.Duration(microseconds) * time.Microsecond)
	return nil
}

// Exit closes the serial line. It may only be called once.
func (b *UARTBoot) Exit() (err error) {
	defer wrapErr("exit", &err)
	if b.closed {
		return ErrClosed
	}
	b.closed = true
	return b.port.Close()
}

func (b *UARTBoot) unsupported(op string) error {
	if b.closed {
		return &OpError{Op: op, Err: ErrClosed}
	}
	return unsupported(op)
}

// ReadReg32 is not supported by the boot ROM.
func (b *UARTBoot) ReadReg32(reg uint8) (uint32, error) {
	return 0, b.unsupported("read reg")
}

// WriteReg32 is not supported by the boot ROM.
func (b *UARTBoot) WriteReg32(reg uint8, value uint32) error {
	return b.unsupported("write reg")
}

// HaltMode is not supported by the boot ROM.
func (b *UARTBoot) HaltMode(mode HaltMode) error {
	return b.unsupported("halt mode")
}

// ReadBinaryBlob is not supported by the boot ROM.
func (b *UARTBoot) ReadBinaryBlob(address uint32, length uint32) ([]byte, error) {
	return nil, b.unsupported("read binary blob")
}

// CheckImageSize is not supported by the boot ROM.
func (b *UARTBoot) CheckImageSize(size int) error {
	return b.unsupported("check image size")
}

// Control3v3 is not supported by the boot ROM.
func (b *UARTBoot) Control3v3(on bool) error {
	return b.unsupported("3v3")
}

// Control5v is not supported by the boot ROM.
func (b *UARTBoot) Control5v(on bool) error {
	return b.unsupported("5v")
}

// Unbrick is not supported by the boot ROM.
func (b *UARTBoot) Unbrick() error {
	return b.unsupported("unbrick")
}

// ConfigureNRSTAsGPIO is not supported by the boot ROM.
func (b *UARTBoot) ConfigureNRSTAsGPIO(gpio bool) error {
	return b.unsupported("configure nrst")
}

// ConfigureReadProtection is not supported by the boot ROM.
func (b *UARTBoot) ConfigureReadProtection(protect bool) error {
	return b.unsupported("configure read protection")
}

package chlink

import (
	"github.com/pkg/errors"
)

// Debug Module Interface register addresses.
const (
	DMData0        = 0x04
	DMData1        = 0x05
	DMControl      = 0x10
	DMStatus       = 0x11
	DMHartInfo     = 0x12
	DMAbstractCS   = 0x16
	DMCommand      = 0x17
	DMAbstractAuto = 0x18
	DMProgBuf0     = 0x20
	DMProgBuf1     = 0x21
)

// Field masks.
const (
	dmControlDMActive = 1 << 0
	dmControlHaltReq  = 1 << 31
	dmStatusAllHalted = 1 << 9
	abstractCSBusy    = 1 << 12
	abstractCSCmdErr  = 7 << 8
)

// Abstract commands, all 32-bit register transfers.
const (
	cmdReadX0       = 0x00221000 // read x0, no postexec
	cmdWriteX9      = 0x00231009
	cmdWriteX9Exec  = 0x00271009
	cmdWriteX8Exec  = 0x00271008
	cmdReadX8       = 0x00221008
	defaultDonePoll = 100
)

// Program buffer instructions.
const (
	insnSW     = 0x0084a023 // sw x8, 0(x9)
	insnSH     = 0x00849023 // sh x8, 0(x9)
	insnLW     = 0x0004a403 // lw x8, 0(x9)
	insnEBreak = 0x00100073
)

// CH32 flash controller.
const (
	flashKEYR  = 0x40022004
	flashSTATR = 0x4002200C
	flashCTLR  = 0x40022010
	flashADDR  = 0x40022014

	flashKey1 = 0x45670123
	flashKey2 = 0xCDEF89AB

	flashCTLRPG   = 1 << 0
	flashCTLRPER  = 1 << 1
	flashCTLRMER  = 1 << 2
	flashCTLRSTRT = 1 << 6
	flashCTLRLOCK = 1 << 7

	flashSTATRBusy     = 1 << 0
	flashSTATRWrProErr = 1 << 4

	flashSectorSize = 1024
	flashBusyPolls  = 1000
)

// RegisterAccessor reads and writes 32-bit debug module registers.
type RegisterAccessor interface {
	ReadReg32(reg uint8) (uint32, error)
	WriteReg32(reg uint8, value uint32) error
}

// WaitForDoneOp polls ABSTRACTCS until the current abstract command is no
// longer busy, giving up after polls reads. A command error is cleared and
// returned as an *AbstractCommandError.
func WaitForDoneOp(r RegisterAccessor, polls int) error {
	if polls <= 0 {
		polls = defaultDonePoll
	}
	for i := 0; i < polls; i++ {
		cs, err := r.ReadReg32(DMAbstractCS)
		if err != nil {
			return err
		}
		if cs&abstractCSBusy != 0 {
			continue
		}
		if code := (cs & abstractCSCmdErr) >> 8; code != 0 {
			if err := r.WriteReg32(DMAbstractCS, abstractCSCmdErr); err != nil {
				return err
			}
			return &AbstractCommandError{Code: code}
		}
		return nil
	}
	return errors.Wrap(ErrRetryExhausted, "abstract command still busy")
}

// debugModule accesses target memory through the program buffer. The hart
// must be halted.
type debugModule struct {
	regs  RegisterAccessor
	polls int
	// Instruction currently loaded in progbuf0, zero if unknown.
	loaded uint32
	// Called once the hart is known to be halted.
	onHalt func()
}

func newDebugModule(regs RegisterAccessor, polls int) *debugModule {
	return &debugModule{regs: regs, polls: polls}
}

// forget drops the cached program buffer contents.
func (d *debugModule) forget() {
	d.loaded = 0
}

func (d *debugModule) halt() error {
	d.forget()
	if err := d.regs.WriteReg32(DMControl, dmControlHaltReq|dmControlDMActive); err != nil {
		return err
	}
	for i := 0; i < d.pollLimit(); i++ {
		st, err := d.regs.ReadReg32(DMStatus)
		if err != nil {
			return err
		}
		if st&dmStatusAllHalted != 0 {
			if d.onHalt != nil {
				d.onHalt()
			}
			return nil
		}
	}
	return errors.Wrap(ErrRetryExhausted, "hart did not halt")
}

func (d *debugModule) pollLimit() int {
	if d.polls <= 0 {
		return defaultDonePoll
	}
	return d.polls
}

func (d *debugModule) load(insn uint32) error {
	if d.loaded == insn {
		return nil
	}
	if err := d.regs.WriteReg32(DMProgBuf0, insn); err != nil {
		return err
	}
	if err := d.regs.WriteReg32(DMProgBuf1, insnEBreak); err != nil {
		return err
	}
	d.loaded = insn
	return nil
}

func (d *debugModule) command(cmd uint32) error {
	if err := d.regs.WriteReg32(DMCommand, cmd); err != nil {
		return err
	}
	return WaitForDoneOp(d.regs, d.polls)
}

func (d *debugModule) store(insn, address, value uint32) error {
	if err := d.load(insn); err != nil {
		return err
	}
	if err := d.regs.WriteReg32(DMData0, address); err != nil {
		return err
	}
	if err := d.command(cmdWriteX9); err != nil {
		return err
	}
	if err := d.regs.WriteReg32(DMData0, value); err != nil {
		return err
	}
	return d.command(cmdWriteX8Exec)
}

func (d *debugModule) writeWord(address, value uint32) error {
	return d.store(insnSW, address, value)
}

func (d *debugModule) writeHalf(address uint32, value uint16) error {
	return d.store(insnSH, address, uint32(value))
}

func (d *debugModule) readWord(address uint32) (uint32, error) {
	if err := d.load(insnLW); err != nil {
		return 0, err
	}
	if err := d.regs.WriteReg32(DMData0, address); err != nil {
		return 0, err
	}
	if err := d.command(cmdWriteX9Exec); err != nil {
		return 0, err
	}
	if err := d.command(cmdReadX8); err != nil {
		return 0, err
	}
	return d.regs.ReadReg32(DMData0)
}

// readMemory reads length bytes starting at a word-aligned address.
func (d *debugModule) readMemory(address, length uint32) ([]byte, error) {
	if address&3 != 0 {
		return nil, errors.Errorf("address %X is not word aligned", address)
	}
	out := make([]byte, 0, (length+3)&^3)
	for a := address; uint32(len(out)) < length; a += 4 {
		w, err := d.readWord(a)
		if err != nil {
			return nil, errors.Wrapf(err, "read at %X", a)
		}
		out = append(out, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	return out[:length], nil
}

func (d *debugModule) waitFlash() error {
	for i := 0; i < flashBusyPolls; i++ {
		st, err := d.readWord(flashSTATR)
		if err != nil {
			return err
		}
		if st&flashSTATRBusy != 0 {
			continue
		}
		if st&flashSTATRWrProErr != 0 {
			return errors.New("flash write protection error")
		}
		return nil
	}
	return errors.Wrap(ErrRetryExhausted, "flash stayed busy")
}

func (d *debugModule) unlockFlash() error {
	if err := d.writeWord(flashKEYR, flashKey1); err != nil {
		return err
	}
	if err := d.writeWord(flashKEYR, flashKey2); err != nil {
		return err
	}
	ctlr, err := d.readWord(flashCTLR)
	if err != nil {
		return err
	}
	if ctlr&flashCTLRLOCK != 0 {
		return errors.New("flash did not unlock")
	}
	return nil
}

func (d *debugModule) lockFlash() error {
	return d.writeWord(flashCTLR, flashCTLRLOCK)
}

func (d *debugModule) eraseSector(address uint32) error {
	if err := d.writeWord(flashCTLR, flashCTLRPER); err != nil {
		return err
	}
	if err := d.writeWord(flashADDR, address); err != nil {
		return err
	}
	if err := d.writeWord(flashCTLR, flashCTLRPER|flashCTLRSTRT); err != nil {
		return err
	}
	if err := d.waitFlash(); err != nil {
		return errors.Wrapf(err, "erase sector %X", address)
	}
	return d.writeWord(flashCTLR, 0)
}

func (d *debugModule) eraseAll() error {
	if err := d.writeWord(flashCTLR, flashCTLRMER); err != nil {
		return err
	}
	if err := d.writeWord(flashCTLR, flashCTLRMER|flashCTLRSTRT); err != nil {
		return err
	}
	if err := d.waitFlash(); err != nil {
		return errors.Wrap(err, "mass erase")
	}
	return d.writeWord(flashCTLR, 0)
}

// eraseFlash erases every sector touched by [address, address+length).
func (d *debugModule) eraseFlash(address, length uint32, kind EraseKind) (err error) {
	if err = d.halt(); err != nil {
		return err
	}
	if err = d.unlockFlash(); err != nil {
		return err
	}
	defer func() {
		if lerr := d.lockFlash(); err == nil {
			err = lerr
		}
	}()
	if kind == EraseAll {
		return d.eraseAll()
	}
	start := address &^ (flashSectorSize - 1)
	for a := start; a < address+length; a += flashSectorSize {
		if err = d.eraseSector(a); err != nil {
			return err
		}
	}
	return nil
}

// writeFlash erases and programs data half-word by half-word. len(data) must be even.
func (d *debugModule) writeFlash(address uint32, data []byte, progress ProgressFunc) (err error) {
	if address&1 != 0 || len(data)&1 != 0 {
		return errors.Errorf("unaligned flash write at %X length %v", address, len(data))
	}
	if err = d.eraseFlash(address, uint32(len(data)), EraseRange); err != nil {
		return err
	}
	if err = d.unlockFlash(); err != nil {
		return err
	}
	defer func() {
		if lerr := d.lockFlash(); err == nil {
			err = lerr
		}
	}()
	if err = d.writeWord(flashCTLR, flashCTLRPG); err != nil {
		return err
	}
	for i := 0; i < len(data); i += 2 {
		hw := uint16(data[i]) | uint16(data[i+1])<<8
		if err = d.writeHalf(address+uint32(i), hw); err != nil {
			return errors.Wrapf(err, "program at %X", address+uint32(i))
		}
		if err = d.waitFlash(); err != nil {
			return errors.Wrapf(err, "program at %X", address+uint32(i))
		}
		if i%256 == 0 {
			progress.report("programming", i, len(data))
		}
	}
	progress.report("programming", len(data), len(data))
	return d.writeWord(flashCTLR, 0)
}

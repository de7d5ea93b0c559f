package chlink

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ProbeModel identifies the adapter variant that answered the handshake.
type ProbeModel byte

// Known adapter variants.
const (
	ProbeCH549    ProbeModel = 1
	ProbeCH32V307 ProbeModel = 2
	ProbeCH32V203 ProbeModel = 3
	ProbeLinkB    ProbeModel = 4
	ProbeLinkE    ProbeModel = 18
)

func (m ProbeModel) String() string {
	switch m {
	case ProbeCH549:
		return "CH549"
	case ProbeCH32V307:
		return "CH32V307"
	case ProbeCH32V203:
		return "CH32V203"
	case ProbeLinkB:
		return "LinkB"
	case ProbeLinkE:
		return "LinkE"
	default:
		return fmt.Sprintf("unknown(%02x)", byte(m))
	}
}

func (m ProbeModel) known() bool {
	switch m {
	case ProbeCH549, ProbeCH32V307, ProbeCH32V203, ProbeLinkB, ProbeLinkE:
		return true
	}
	return false
}

// Chip types that are flashed through the adapter's own write mode.
const (
	ChipCH32V307 = 0x307
	ChipCH32V203 = 0x203
)

// ChipInfo holds the identification data read during SetupInterface.
type ChipInfo struct {
	Probe         ProbeModel
	ProbeVersion  [2]byte // major, minor
	ChipType      uint16
	FlashKB       uint16
	UUID          [8]byte
	Flags         [4]byte
	PartType      [4]byte
	ReadProtected bool
	// OldFlashMode is set for chips written by the injected flash stub.
	OldFlashMode bool
}

// UUIDString formats the chip UUID as dash separated hex bytes.
func (c ChipInfo) UUIDString() string {
	return hexDash(c.UUID[:])
}

func hexDash(b []byte) string {
	s := make([]string, len(b))
	for i, v := range b {
		s[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(s, "-")
}

// LinkE drives a WCH-LinkE style USB debug adapter. It owns its channel and
// is not safe for concurrent use; the adapter has no way to match replies to
// requests.
type LinkE struct {
	ch       USBChannel
	opts     Options
	dm       *debugModule
	info     ChipInfo
	haltMode HaltMode
	closed   bool
	rbuf     [1024]byte
}

var _ Programmer = (*LinkE)(nil)

// NewLinkE creates a driver on an already opened channel. SetupInterface
// must be called before anything else.
func NewLinkE(ch USBChannel, opts Options) *LinkE {
	l := &LinkE{
		ch:       ch,
		opts:     opts,
		haltMode: HaltModeReset, // setup leaves the part held
	}
	l.dm = newDebugModule(l, opts.DonePolls)
	l.dm.onHalt = func() { l.haltMode = HaltModeReset }
	return l
}

// OpenLinkE opens the first attached adapter.
func OpenLinkE(opts Options) (*LinkE, error) {
	ch, err := OpenUSBChannel(LinkVendorID, LinkProductID, opts.Timeout)
	if err != nil {
		return nil, err
	}
	return NewLinkE(ch, opts), nil
}

// ChipInfo returns the identification data read by SetupInterface.
func (l *LinkE) ChipInfo() ChipInfo {
	return l.info
}

// command sends a request and returns the reply. The reply aliases an
// internal buffer that is overwritten by the next command.
func (l *LinkE) command(req []byte) ([]byte, error) {
	if _, err := l.ch.Write(EndpointCommand, req); err != nil {
		return nil, errors.Wrapf(err, "send % x", req)
	}
	n, err := l.ch.Read(EndpointCommand, l.rbuf[:])
	if err != nil {
		return nil, errors.Wrapf(err, "receive reply to % x", req)
	}
	return l.rbuf[:n], nil
}

func (l *LinkE) commands(reqs ...[]byte) error {
	for _, req := range reqs {
		if _, err := l.command(req); err != nil {
			return err
		}
	}
	return nil
}

func (l *LinkE) writeData(p []byte) error {
	n, err := l.ch.Write(EndpointData, p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return errors.Errorf("short data write: %v of %v bytes", n, len(p))
	}
	return nil
}

func dmiRequest(reg uint8, value uint32, op byte) []byte {
	req := []byte{opcodeRequest, subcmdDMI, 0x06, reg, 0, 0, 0, 0, op}
	binary.BigEndian.PutUint32(req[4:8], value)
	return req
}

// WriteReg32 writes a debug module register. A reply that does not echo the
// register is logged and otherwise ignored.
func (l *LinkE) WriteReg32(reg uint8, value uint32) (err error) {
	defer wrapErr("write reg", &err)
	if l.closed {
		return ErrClosed
	}
	if reg == DMProgBuf0 || reg == DMProgBuf1 {
		l.dm.forget()
	}
	reply, err := l.command(dmiRequest(reg, value, dmiOpWrite))
	if err != nil {
		return err
	}
	if len(reply) != dmiReplyLen || reply[3] != reg {
		pkgLog.Warnf("unexpected reply writing reg %02x: % x", reg, reply)
	}
	return nil
}

// ReadReg32 reads a debug module register. A reply that does not echo the
// register is logged and whatever value it carries is returned.
func (l *LinkE) ReadReg32(reg uint8) (value uint32, err error) {
	defer wrapErr("read reg", &err)
	if l.closed {
		return 0, ErrClosed
	}
	reply, err := l.command(dmiRequest(reg, 0, dmiOpRead))
	if err != nil {
		return 0, err
	}
	if len(reply) >= 8 {
		value = binary.BigEndian.Uint32(reply[4:8])
	}
	if len(reply) != dmiReplyLen || reply[3] != reg {
		pkgLog.Warnf("unexpected reply reading reg %02x: % x", reg, reply)
	}
	return value, nil
}

// FlushLLCommands does nothing; every request is sent immediately.
func (l *LinkE) FlushLLCommands() error {
	if l.closed {
		return &OpError{Op: "flush", Err: ErrClosed}
	}
	return nil
}

// DelayUS sleeps on the host.
func (l *LinkE) DelayUS(microseconds int) error {
	if l.closed {
		return &OpError{Op: "delay", Err: ErrClosed}
	}
	time.Sleep(time.Duration(microseconds) * time.Microsecond)
	return nil
}

// SetupInterface attaches to the target, identifies the adapter and chip and
// brings the debug module into a known state.
func (l *LinkE) SetupInterface() (err error) {
	defer wrapErr("setup", &err)
	if l.closed {
		return ErrClosed
	}

	// Put the processor on hold to allow the debugger to run.
	if _, err = l.command(reqHoldForDebugger); err != nil {
		return err
	}

	reply, err := l.command(reqProbeInfo)
	if err != nil {
		return err
	}
	if len(reply) < 6 {
		return errors.Wrapf(ErrBadReply, "probe info % x", reply)
	}
	l.info.Probe = ProbeModel(reply[5])
	l.info.ProbeVersion = [2]byte{reply[3], reply[4]}
	if l.info.Probe.known() {
		pkgLog.Infof("programmer is %v version %d.%d", l.info.Probe, reply[3], reply[4])
	} else {
		pkgLog.Warnf("unknown programmer %02x (version %d.%d)", reply[5], reply[3], reply[4])
	}

	reply, err = l.command(reqAttachChip)
	if err != nil {
		return err
	}
	if bytes.HasPrefix(reply, replyNothingConnected) {
		pkgLog.Errorf("link error, nothing connected to programmer")
		return ErrNoTarget
	}
	if len(reply) < 6 {
		return errors.Wrapf(ErrBadReply, "chip info % x", reply)
	}
	l.info.ChipType = uint16(reply[4])<<4 + uint16(reply[5]>>4)
	pkgLog.Infof("chip type: %03x", l.info.ChipType)
	if l.info.ChipType == ChipCH32V307 || l.info.ChipType == ChipCH32V203 {
		pkgLog.Infof("CH32V307 or CH32V203 detected, allowing old-flash-mode for operation")
		l.info.OldFlashMode = true
		if _, err = l.command(reqHoldForDebugger); err != nil {
			return err
		}
	}

	if err = l.resetDebugModule(); err != nil {
		return err
	}

	reply, err = l.command(reqPartStatus)
	if err != nil {
		return err
	}
	if err = l.parsePartStatus(reply); err != nil {
		return err
	}
	pkgLog.Infof("flash capacity: %v KB", l.info.FlashKB)
	pkgLog.Infof("part UUID: %v", l.info.UUIDString())
	pkgLog.Infof("part flags: %v", hexDash(l.info.Flags[:]))
	pkgLog.Infof("part type: %v", hexDash(l.info.PartType[:]))

	reply, err = l.command(reqProtectStatus)
	if err != nil {
		return err
	}
	if len(reply) != protectStatusLen {
		return errors.Wrapf(ErrBadReply, "read protection status % x", reply)
	}
	l.info.ReadProtected = reply[3] == 0x01
	if l.info.ReadProtected {
		pkgLog.Infof("read protection: enabled")
	} else {
		pkgLog.Infof("read protection: disabled")
	}
	return nil
}

// resetDebugModule forces the debug module out of whatever state the
// adapter left it in and checks that abstract commands complete. A command
// that never completes is only reported.
func (l *LinkE) resetDebugModule() error {
	l.dm.forget()
	// The initial state is unknown; sometimes the first writes are lost.
	for i := 0; i < 3; i++ {
		if err := l.WriteReg32(DMControl, dmControlHaltReq|dmControlDMActive); err != nil {
			return err
		}
	}
	if err := l.WriteReg32(DMAbstractCS, abstractCSCmdErr); err != nil {
		return err
	}
	if err := l.WriteReg32(DMAbstractAuto, 0); err != nil {
		return err
	}
	if err := l.WriteReg32(DMCommand, cmdReadX0); err != nil {
		return err
	}
	err := WaitForDoneOp(l, l.opts.DonePolls)
	var cmdErr *AbstractCommandError
	switch {
	case err == nil:
		pkgLog.Infof("setup success")
	case errors.Is(err, ErrRetryExhausted), errors.As(err, &cmdErr):
		pkgLog.Warnf("fault on setup: %v", err)
	default:
		return err
	}
	return nil
}

func (l *LinkE) parsePartStatus(reply []byte) error {
	if len(reply) != partStatusLen {
		return errors.Wrapf(ErrBadReply, "part status has %v bytes", len(reply))
	}
	l.info.FlashKB = binary.BigEndian.Uint16(reply[2:4])
	copy(l.info.UUID[:], reply[4:12])
	copy(l.info.Flags[:], reply[12:16])
	copy(l.info.PartType[:], reply[16:20])
	return nil
}

// HaltMode holds the part in reset or lets it run. Requesting the current
// mode sends nothing.
func (l *LinkE) HaltMode(mode HaltMode) (err error) {
	defer wrapErr("halt mode", &err)
	if l.closed {
		return ErrClosed
	}
	return l.setHaltMode(mode)
}

func (l *LinkE) setHaltMode(mode HaltMode) error {
	if mode != HaltModeReset && mode != HaltModeRunning {
		return errors.Wrapf(ErrInvalidHaltMode, "%d", int(mode))
	}
	if mode == l.haltMode {
		return nil
	}
	var err error
	switch mode {
	case HaltModeReset:
		pkgLog.Debugf("holding in reset")
		// Halt immediately, then leave the part in reset when done.
		err = l.commands(reqAttachChip, reqProbeInfo)
	case HaltModeRunning:
		pkgLog.Debugf("releasing from reset")
		// Resume, reset briefly, release. No other order has been seen to work.
		err = l.commands(reqResume, reqAttachChip, reqResumeRelease)
	}
	if err != nil {
		return err
	}
	l.haltMode = mode
	return nil
}

// WriteBinaryBlob programs data into flash at address. Old-flash-mode chips
// are written by the adapter through an injected stub, others by driving the
// flash controller through the debug module. In both cases the image is
// padded with 0xFF to a multiple of 256 bytes. On failure the contents of
// flash are undefined.
func (l *LinkE) WriteBinaryBlob(address uint32, data []byte) (err error) {
	defer wrapErr("write binary blob", &err)
	if l.closed {
		return ErrClosed
	}
	if len(data) == 0 {
		return errors.New("nothing to write")
	}
	if l.info.OldFlashMode {
		return l.writeBlobStub(address, data)
	}
	return l.writeBlobDMI(address, data)
}

func (l *LinkE) writeBlobStub(address uint32, data []byte) error {
	if err := l.setHaltMode(HaltModeReset); err != nil {
		return err
	}
	padded := PadImage(data)

	// The first status request primes the adapter.
	if err := l.commands(reqProtectStatus, reqProtectStatus); err != nil {
		return err
	}

	prepare := make([]byte, 3, 11)
	prepare[0], prepare[1], prepare[2] = opcodeRequest, subcmdPrepareWrite, 0x08
	prepare = binary.BigEndian.AppendUint32(prepare, address)
	prepare = binary.BigEndian.AppendUint32(prepare, uint32(len(data)))
	if err := l.commands(prepare, reqExecuteStub); err != nil {
		return err
	}

	for off := 0; off < len(flashStub); off += stubChunkSize {
		if err := l.writeData(flashStub[off : off+stubChunkSize]); err != nil {
			return errors.Wrapf(err, "send flash stub at offset %v", off)
		}
	}

	if _, err := l.command(reqStubStatus); err != nil {
		return err
	}
	ready := false
	for i := 0; i < stubReadyAttempts; i++ {
		reply, err := l.command(reqStubStatus)
		if err != nil {
			return err
		}
		if len(reply) == stubStatusLen && reply[3] == stubRunning {
			pkgLog.Debugf("flash stub running: % x", reply)
			ready = true
			break
		}
	}
	if !ready {
		return errors.Wrap(ErrRetryExhausted, "confusing responses to execution of flash stub")
	}

	if _, err := l.command(reqBeginStream); err != nil {
		return err
	}
	for off := 0; off < len(padded); off += imageChunkSize {
		if err := l.writeData(padded[off : off+imageChunkSize]); err != nil {
			return errors.Wrapf(err, "send image at %X", address+uint32(off))
		}
		l.opts.Progress.report("programming", off+imageChunkSize, len(padded))
	}

	_, err := l.command(reqEndProgram)
	return err
}

// writeBlobDMI halts the hart through the debug module, which leaves the
// recorded halt mode at reset.
func (l *LinkE) writeBlobDMI(address uint32, data []byte) error {
	return l.dm.writeFlash(address, PadImage(data), l.opts.Progress)
}

// ReadBinaryBlob reads target memory through the debug module. address must
// be word aligned.
func (l *LinkE) ReadBinaryBlob(address uint32, length uint32) (data []byte, err error) {
	defer wrapErr("read binary blob", &err)
	if l.closed {
		return nil, ErrClosed
	}
	if err = l.dm.halt(); err != nil {
		return nil, err
	}
	return l.dm.readMemory(address, length)
}

// Erase erases the flash sectors covering the range, or the whole flash.
func (l *LinkE) Erase(address, length uint32, kind EraseKind) (err error) {
	defer wrapErr("erase", &err)
	if l.closed {
		return ErrClosed
	}
	return l.dm.eraseFlash(address, length, kind)
}

// CheckImageSize re-reads the part status and compares size with the flash capacity.
func (l *LinkE) CheckImageSize(size int) (err error) {
	defer wrapErr("check image size", &err)
	if l.closed {
		return ErrClosed
	}
	reply, err := l.command(reqPartStatus)
	if err != nil {
		return err
	}
	if err = l.parsePartStatus(reply); err != nil {
		return err
	}
	if flash := int(l.info.FlashKB) * 1024; size > flash {
		return errors.Wrapf(ErrImageTooLarge, "%v bytes, flash is %v bytes", size, flash)
	}
	return nil
}

func (l *LinkE) simple(op string, reqs ...[]byte) (err error) {
	defer wrapErr(op, &err)
	if l.closed {
		return ErrClosed
	}
	return l.commands(reqs...)
}

// Control3v3 switches the adapter's 3.3V target supply.
func (l *LinkE) Control3v3(on bool) error {
	if on {
		return l.simple("3v3", reqPower3v3On)
	}
	return l.simple("3v3", reqPower3v3Off)
}

// Control5v switches the adapter's 5V target supply.
func (l *LinkE) Control5v(on bool) error {
	if on {
		return l.simple("5v", reqPower5vOn)
	}
	return l.simple("5v", reqPower5vOff)
}

// Unbrick asks the adapter to recover a part that no longer answers.
func (l *LinkE) Unbrick() error {
	pkgLog.Infof("sending unbrick")
	if err := l.simple("unbrick", reqUnbrick); err != nil {
		return err
	}
	pkgLog.Infof("done unbrick")
	return nil
}

// ConfigureNRSTAsGPIO rewrites the option bytes so the NRST pin is a GPIO or a reset input.
func (l *LinkE) ConfigureNRSTAsGPIO(gpio bool) error {
	if gpio {
		return l.simple("configure nrst", reqOptionNRSTGPIO, reqOptionCommit)
	}
	return l.simple("configure nrst", reqOptionNRSTReset, reqOptionCommit)
}

// ConfigureReadProtection enables or disables flash read protection.
func (l *LinkE) ConfigureReadProtection(protect bool) error {
	if protect {
		return l.simple("configure read protection", reqOptionProtect, reqOptionCommit)
	}
	return l.simple("configure read protection", reqOptionUnprotect, reqOptionCommit)
}

// Exit lets the part run and releases the channel. It may only be called once.
func (l *LinkE) Exit() (err error) {
	defer wrapErr("exit", &err)
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	_, err = l.command(reqResumeRelease)
	if cerr := l.ch.Close(); err == nil {
		err = cerr
	}
	return err
}

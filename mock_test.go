package chlink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

var errMockTimeout = errors.New("mock: transfer timed out")

// mockLink simulates the debug-link adapter on the command and data endpoints.
type mockLink struct {
	probe            byte
	chipType         uint16
	nothingConnected bool
	partStatus       []byte
	protect          byte
	// Number of stub status requests answered before the stub reports running.
	stubReadyAfter int
	badEcho        bool

	// Register ops go to dm when set, otherwise to regs.
	dm   RegisterAccessor
	regs map[uint8]uint32

	// 1-based index of the data write that times out; zero for none.
	failDataWrite int
	// The first request equal to failReply gets no reply.
	failReply []byte

	cmds       [][]byte
	data       [][]byte
	reply      []byte
	stubPolls  int
	closeCount int
}

func newMockLink(chipType uint16) *mockLink {
	status := make([]byte, partStatusLen)
	status[0], status[1] = 0x82, 0x11
	binary.BigEndian.PutUint16(status[2:], 16) // 16 KB
	copy(status[4:12], []byte{0xcd, 0xab, 0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc})
	copy(status[12:16], []byte{0x01, 0x02, 0x03, 0x04})
	copy(status[16:20], []byte{0x00, 0x30, 0x05, 0x00})
	return &mockLink{
		probe:      byte(ProbeLinkE),
		chipType:   chipType,
		partStatus: status,
		regs:       make(map[uint8]uint32),
	}
}

func (m *mockLink) Write(ep Endpoint, p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	if ep == EndpointData {
		m.data = append(m.data, cp)
		if m.failDataWrite == len(m.data) {
			return 0, errMockTimeout
		}
		return len(p), nil
	}
	m.cmds = append(m.cmds, cp)
	if m.failReply != nil && bytes.Equal(cp, m.failReply) {
		m.failReply = nil
		m.reply = nil
		return len(p), nil
	}
	m.reply = m.respond(cp)
	return len(p), nil
}

func (m *mockLink) Read(ep Endpoint, p []byte) (int, error) {
	if ep != EndpointCommand || m.reply == nil {
		return 0, errMockTimeout
	}
	n := copy(p, m.reply)
	m.reply = nil
	return n, nil
}

func (m *mockLink) Close() error {
	m.closeCount++
	return nil
}

func (m *mockLink) respond(req []byte) []byte {
	switch {
	case len(req) == 9 && req[1] == subcmdDMI:
		return m.respondDMI(req)
	case bytes.Equal(req, reqProbeInfo):
		return []byte{0x82, 0x0d, 0x04, 0x02, 0x08, m.probe, 0x00}
	case bytes.Equal(req, reqAttachChip):
		if m.nothingConnected {
			return append([]byte(nil), replyNothingConnected...)
		}
		return []byte{0x82, 0x0d, 0x04, 0x00, byte(m.chipType >> 4), byte(m.chipType << 4), 0x00}
	case bytes.Equal(req, reqPartStatus):
		return m.partStatus
	case bytes.Equal(req, reqProtectStatus):
		return []byte{0x82, 0x06, 0x01, m.protect}
	case bytes.Equal(req, reqStubStatus):
		m.stubPolls++
		if m.stubPolls > m.stubReadyAfter {
			return []byte{0x82, 0x02, 0x01, stubRunning}
		}
		return []byte{0x82, 0x02, 0x01, 0x02}
	default:
		return []byte{0x82, req[1], 0x01, 0x01}
	}
}

func (m *mockLink) respondDMI(req []byte) []byte {
	reg := req[3]
	value := binary.BigEndian.Uint32(req[4:8])
	var err error
	switch req[8] {
	case dmiOpWrite:
		if m.dm != nil {
			err = m.dm.WriteReg32(reg, value)
		} else {
			m.regs[reg] = value
		}
	case dmiOpRead:
		if m.dm != nil {
			value, err = m.dm.ReadReg32(reg)
		} else {
			value = m.regs[reg]
		}
	}
	if err != nil {
		panic(err)
	}
	echo := reg
	if m.badEcho {
		echo++
	}
	reply := []byte{0x82, subcmdDMI, 0x06, echo, 0, 0, 0, 0, 0x00}
	binary.BigEndian.PutUint32(reply[4:8], value)
	return reply
}

// commandsSince returns the requests sent after the first n.
func (m *mockLink) commandsSince(n int) [][]byte {
	return m.cmds[n:]
}

func (m *mockLink) countCommand(req []byte) int {
	count := 0
	for _, c := range m.cmds {
		if bytes.Equal(c, req) {
			count++
		}
	}
	return count
}

// dmSim is a minimal RISC-V debug module with a CH32 flash controller behind it.
type dmSim struct {
	// stuck harts ignore halt requests.
	stuck bool

	halted  bool
	data0   uint32
	progbuf [2]uint32
	gpr     [32]uint32
	cmdErr  uint32
	mem     map[uint32]byte

	locked    bool
	keyStep   int
	ctlr      uint32
	flashAddr uint32
}

func newDMSim() *dmSim {
	return &dmSim{mem: make(map[uint32]byte), locked: true}
}

func (d *dmSim) ReadReg32(reg uint8) (uint32, error) {
	switch reg {
	case DMData0:
		return d.data0, nil
	case DMStatus:
		if d.halted {
			return dmStatusAllHalted, nil
		}
		return 0, nil
	case DMAbstractCS:
		return d.cmdErr << 8, nil
	}
	return 0, nil
}

func (d *dmSim) WriteReg32(reg uint8, value uint32) error {
	switch reg {
	case DMData0:
		d.data0 = value
	case DMControl:
		if value&dmControlHaltReq != 0 && !d.stuck {
			d.halted = true
		}
	case DMAbstractCS:
		d.cmdErr &^= (value >> 8) & 7
	case DMProgBuf0, DMProgBuf1:
		d.progbuf[reg-DMProgBuf0] = value
	case DMCommand:
		d.execute(value)
	}
	return nil
}

func (d *dmSim) execute(cmd uint32) {
	if d.cmdErr != 0 {
		return
	}
	if cmd&(1<<17) != 0 {
		i := (cmd & 0xffff) - 0x1000
		if cmd&(1<<16) != 0 {
			if i != 0 {
				d.gpr[i] = d.data0
			}
		} else {
			d.data0 = d.gpr[i]
		}
	}
	if cmd&(1<<18) == 0 {
		return
	}
	if !d.halted {
		d.cmdErr = 4
		return
	}
	switch d.progbuf[0] {
	case insnSW:
		d.store(d.gpr[9], d.gpr[8], 4)
	case insnSH:
		d.store(d.gpr[9], d.gpr[8], 2)
	case insnLW:
		d.gpr[8] = d.load(d.gpr[9])
	default:
		d.cmdErr = 3
	}
}

func (d *dmSim) store(addr, value uint32, size int) {
	switch addr {
	case flashKEYR:
		switch {
		case value == flashKey1:
			d.keyStep = 1
		case value == flashKey2 && d.keyStep == 1:
			d.locked = false
			d.ctlr &^= flashCTLRLOCK
			d.keyStep = 0
		default:
			d.keyStep = 0
		}
		return
	case flashCTLR:
		d.ctlr = value
		if value&flashCTLRLOCK != 0 {
			d.locked = true
		}
		if value&flashCTLRSTRT != 0 && !d.locked {
			switch {
			case value&flashCTLRPER != 0:
				d.erase(d.flashAddr&^(flashSectorSize-1), flashSectorSize)
			case value&flashCTLRMER != 0:
				for a := range d.mem {
					if a >= FlashBase && a < FlashBase+0x10000 {
						delete(d.mem, a)
					}
				}
			}
		}
		return
	case flashADDR:
		d.flashAddr = value
		return
	}
	if addr >= FlashBase && addr < FlashBase+0x10000 && (d.locked || d.ctlr&flashCTLRPG == 0) {
		return
	}
	for i := 0; i < size; i++ {
		d.mem[addr+uint32(i)] = byte(value >> (8 * i))
	}
}

func (d *dmSim) erase(addr, size uint32) {
	for a := addr; a < addr+size; a++ {
		delete(d.mem, a)
	}
}

func (d *dmSim) load(addr uint32) uint32 {
	switch addr {
	case flashSTATR:
		return 0
	case flashCTLR:
		if d.locked {
			return d.ctlr | flashCTLRLOCK
		}
		return d.ctlr
	}
	var v uint32
	for i := 0; i < 4; i++ {
		b, ok := d.mem[addr+uint32(i)]
		if !ok && addr >= FlashBase {
			b = 0xFF
		}
		v |= uint32(b) << (8 * i)
	}
	return v
}

func (d *dmSim) bytesAt(addr uint32, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		b, ok := d.mem[addr+uint32(i)]
		if !ok {
			b = 0xFF
		}
		out[i] = b
	}
	return out
}

// mockSerial answers every frame written to it with a two byte status.
type mockSerial struct {
	written bytes.Buffer
	rx      bytes.Buffer
	frames  int
	// status returns the reply for the n-th frame (0-based); nil means 00 00.
	status     func(n int) []byte
	silent     bool
	eof        bool
	flushes    int
	closeCount int
}

func (m *mockSerial) Write(p []byte) (int, error) {
	m.written.Write(p)
	if !m.silent {
		reply := []byte{0x00, 0x00}
		if m.status != nil {
			if r := m.status(m.frames); r != nil {
				reply = r
			}
		}
		m.rx.Write(reply)
	}
	m.frames++
	return len(p), nil
}

func (m *mockSerial) Read(p []byte) (int, error) {
	if m.rx.Len() == 0 {
		if m.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	return m.rx.Read(p)
}

func (m *mockSerial) Flush() error {
	m.flushes++
	m.rx.Reset()
	return nil
}

func (m *mockSerial) Close() error {
	m.closeCount++
	return nil
}

// splitFrames decodes a stream of concatenated boot ROM frames.
func splitFrames(t *testing.T, b []byte) []Frame {
	t.Helper()
	var frames []Frame
	for len(b) > 0 {
		if len(b) < frameOverhead {
			t.Fatalf("trailing %v bytes", len(b))
		}
		n := int(b[3]) + frameOverhead
		f, err := DecodeFrame(b[:n])
		if err != nil {
			t.Fatalf("bad frame % x: %v", b[:n], err)
		}
		frames = append(frames, f)
		b = b[n:]
	}
	return frames
}

// captureLogs routes the package logger into a logrus test hook for the
// duration of the test.
func captureLogs(t *testing.T) *test.Hook {
	t.Helper()
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	SetLogger(l)
	t.Cleanup(func() { SetLogger(nil) })
	return hook
}

func hasLog(hook *test.Hook, level logrus.Level, substr string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

package chlink

import (
	"errors"
	"runtime"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestUARTBootWriteBinaryBlob(t *testing.T) {
	port := &mockSerial{}
	var progress []Progress
	b := NewUARTBoot(port, Options{Progress: func(p Progress) { progress = append(progress, p) }})
	if err := b.SetupInterface(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if port.flushes != 1 {
		t.Errorf("port flushed %v times", port.flushes)
	}

	data := testImage(130)
	if err := b.WriteBinaryBlob(FlashBase, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	frames := splitFrames(t, port.written.Bytes())
	wantCmds := []byte{
		BootCommandErase,
		BootCommandProgram, BootCommandProgram, BootCommandProgram,
		BootCommandVerify, BootCommandVerify, BootCommandVerify,
		BootCommandEnd,
	}
	if len(frames) != len(wantCmds) {
		t.Fatalf("sent %v frames, want %v", len(frames), len(wantCmds))
	}
	wantLens := []int{2, 60, 60, 10, 60, 60, 10, 2}
	for i, f := range frames {
		if f.Command != wantCmds[i] {
			t.Errorf("frame %v: command %02x, want %02x", i, f.Command, wantCmds[i])
		}
		if len(f.Payload) != wantLens[i] {
			t.Errorf("frame %v: payload of %v bytes, want %v", i, len(f.Payload), wantLens[i])
		}
	}

	var programmed []byte
	for _, f := range frames[1:4] {
		programmed = append(programmed, f.Payload...)
	}
	if string(programmed) != string(data) {
		t.Errorf("programmed data does not match image")
	}

	if len(progress) != 6 {
		t.Fatalf("%v progress reports, want 6", len(progress))
	}
	if last := progress[2]; last.Phase != "programming" || last.Done != 130 || last.Total != 130 {
		t.Errorf("final programming progress %+v", last)
	}
}

func TestUARTBootRejectsOtherAddress(t *testing.T) {
	port := &mockSerial{}
	b := NewUARTBoot(port, Options{})
	err := b.WriteBinaryBlob(FlashBase+0x100, testImage(16))
	if !errors.Is(err, ErrNotFlashBase) {
		t.Fatalf("got %v, want ErrNotFlashBase", err)
	}
	if port.written.Len() != 0 {
		t.Errorf("%v bytes written", port.written.Len())
	}
}

func TestUARTBootStageFailure(t *testing.T) {
	// Frames for a 130 byte image: erase, 3 program, 3 verify, end.
	tests := []struct {
		failFrame int
		stage     Stage
	}{
		{0, StageErase},
		{1, StageProgram},
		{3, StageProgram},
		{4, StageVerify},
		{6, StageVerify},
		{7, StageEnd},
	}
	for _, tt := range tests {
		port := &mockSerial{status: func(n int) []byte {
			if n == tt.failFrame {
				return []byte{0x01, 0x00}
			}
			return nil
		}}
		b := NewUARTBoot(port, Options{})
		err := b.WriteBinaryBlob(FlashBase, testImage(130))

		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			t.Fatalf("frame %v: got %v, want a StageError", tt.failFrame, err)
		}
		if stageErr.Stage != tt.stage {
			t.Errorf("frame %v: failed in %v, want %v", tt.failFrame, stageErr.Stage, tt.stage)
		}
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Errorf("frame %v: status not reported: %v", tt.failFrame, err)
		} else if statusErr.Status != [2]byte{0x01, 0x00} {
			t.Errorf("frame %v: status % x", tt.failFrame, statusErr.Status)
		}
		if port.frames != tt.failFrame+1 {
			t.Errorf("frame %v: %v frames sent, want no frames after the failure", tt.failFrame, port.frames)
		}
	}
}

func TestUARTBootTimeout(t *testing.T) {
	port := &mockSerial{silent: true}
	b := NewUARTBoot(port, Options{})
	err := b.WriteBinaryBlob(FlashBase, testImage(10))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageErase {
		t.Errorf("timeout not reported in erase stage: %v", err)
	}
}

func TestUARTBootEraseIgnoresRange(t *testing.T) {
	port := &mockSerial{}
	hook := captureLogs(t)
	b := NewUARTBoot(port, Options{})
	if err := b.Erase(FlashBase, 1024, EraseRange); err != nil {
		t.Fatalf("erase: %v", err)
	}
	frames := splitFrames(t, port.written.Bytes())
	if len(frames) != 1 || frames[0].Command != BootCommandErase {
		t.Errorf("sent %+v", frames)
	}
	if !hasLog(hook, logrus.WarnLevel, "whole flash") {
		t.Errorf("range erase not warned about")
	}
}

func TestUARTBootUnsupported(t *testing.T) {
	b := NewUARTBoot(&mockSerial{}, Options{})
	tests := []struct {
		name string
		call func() error
	}{
		{"read reg", func() error { _, err := b.ReadReg32(DMStatus); return err }},
		{"write reg", func() error { return b.WriteReg32(DMControl, 1) }},
		{"halt mode", func() error { return b.HaltMode(HaltModeRunning) }},
		{"read blob", func() error { _, err := b.ReadBinaryBlob(FlashBase, 4); return err }},
		{"check size", func() error { return b.CheckImageSize(1) }},
		{"3v3", func() error { return b.Control3v3(true) }},
		{"5v", func() error { return b.Control5v(true) }},
		{"unbrick", func() error { return b.Unbrick() }},
		{"nrst", func() error { return b.ConfigureNRSTAsGPIO(true) }},
		{"protect", func() error { return b.ConfigureReadProtection(true) }},
	}
	for _, tt := range tests {
		if err := tt.call(); !errors.Is(err, ErrUnsupported) {
			t.Errorf("%v: got %v, want ErrUnsupported", tt.name, err)
		}
	}
	if err := b.FlushLLCommands(); err != nil {
		t.Errorf("flush: %v", err)
	}
	if err := b.DelayUS(1); err != nil {
		t.Errorf("delay: %v", err)
	}
}

func TestUARTBootExit(t *testing.T) {
	port := &mockSerial{}
	b := NewUARTBoot(port, Options{})
	if err := b.Exit(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if err := b.Exit(); !errors.Is(err, ErrClosed) {
		t.Errorf("second exit: got %v", err)
	}
	if port.closeCount != 1 {
		t.Errorf("port closed %v times", port.closeCount)
	}
	if err := b.WriteBinaryBlob(FlashBase, []byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("write after exit: got %v", err)
	}
	if err := b.Control3v3(true); !errors.Is(err, ErrClosed) {
		t.Errorf("3v3 after exit: got %v", err)
	}
	if err := b.SetupInterface(); !errors.Is(err, ErrClosed) {
		t.Errorf("setup after exit: got %v", err)
	}
	if port.written.Len() != 0 {
		t.Errorf("port written after exit")
	}
}

func TestResolveSerialPort(t *testing.T) {
	t.Setenv(SerialEnv, "")
	if got := ResolveSerialPort("/dev/ttyACM3"); got != "/dev/ttyACM3" {
		t.Errorf("hint ignored: %v", got)
	}
	if got, want := ResolveSerialPort(""), defaultSerialPort(runtime.GOOS); got != want {
		t.Errorf("default: got %v, want %v", got, want)
	}
	t.Setenv(SerialEnv, "/dev/ttyUSB7")
	if got := ResolveSerialPort(""); got != "/dev/ttyUSB7" {
		t.Errorf("environment ignored: %v", got)
	}
	if got := ResolveSerialPort("COM9"); got != "COM9" {
		t.Errorf("hint does not override environment: %v", got)
	}

	for goos, want := range map[string]string{
		"windows": "COM3",
		"darwin":  "/dev/cu.usbserial-0001",
		"linux":   "/dev/ttyUSB0",
	} {
		if got := defaultSerialPort(goos); got != want {
			t.Errorf("%v: got %v, want %v", goos, got, want)
		}
	}
}

func TestUARTBootTimeoutReportedAsEOF(t *testing.T) {
	port := &mockSerial{silent: true, eof: true}
	b := NewUARTBoot(port, Options{})
	err := b.Erase(0, 0, EraseAll)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if port.frames != 1 {
		t.Errorf("%v frames sent", port.frames)
	}
}

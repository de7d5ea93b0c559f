package chlink

import (
	"github.com/pkg/errors"
)

// Boot ROM frame layout: magic, command, payload length, payload, checksum.
var bootMagic = [2]byte{0x57, 0xAB}

// Boot ROM commands.
const (
	BootCommandProgram = 0x80
	BootCommandErase   = 0x81
	BootCommandVerify  = 0x82
	BootCommandEnd     = 0x83
)

// MaxFramePayload is the largest payload a single boot ROM frame carries.
const MaxFramePayload = 60

const (
	frameOverhead    = 5 // magic, command, length, checksum
	bootStatusLen    = 2
	bootFixedPayload = 2 // erase and end carry two zero bytes
)

// Frame is one boot ROM request.
type Frame struct {
	Command byte
	Payload []byte
}

// Checksum returns the 8-bit truncating sum of p.
func Checksum(p []byte) byte {
	var sum byte
	for _, b := range p {
		sum += b
	}
	return sum
}

// Bytes returns the wire encoding of the frame.
func (f Frame) Bytes() []byte {
	b := make([]byte, 0, len(f.Payload)+frameOverhead)
	b = append(b, bootMagic[0], bootMagic[1], f.Command, byte(len(f.Payload)))
	b = append(b, f.Payload...)
	return append(b, Checksum(f.Payload))
}

// DecodeFrame parses an encoded frame and checks its checksum.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < frameOverhead {
		return Frame{}, errors.Wrapf(ErrBadReply, "frame of %v bytes is too short", len(b))
	}
	if b[0] != bootMagic[0] || b[1] != bootMagic[1] {
		return Frame{}, errors.Wrapf(ErrBadReply, "bad magic %02x %02x", b[0], b[1])
	}
	n := int(b[3])
	if len(b) != n+frameOverhead {
		return Frame{}, errors.Wrapf(ErrBadReply, "length field %v does not match frame of %v bytes", n, len(b))
	}
	payload := b[4 : 4+n]
	if sum := Checksum(payload); sum != b[4+n] {
		return Frame{}, errors.Wrapf(ErrChecksum, "got %02x, computed %02x", b[4+n], sum)
	}
	return Frame{Command: b[2], Payload: append([]byte(nil), payload...)}, nil
}

func newEraseFrame() Frame {
	return Frame{Command: BootCommandErase, Payload: make([]byte, bootFixedPayload)}
}

func newEndFrame() Frame {
	return Frame{Command: BootCommandEnd, Payload: make([]byte, bootFixedPayload)}
}

// dataFrames splits data into program or verify frames of at most
// MaxFramePayload bytes each.
func dataFrames(command byte, data []byte) []Frame {
	var frames []Frame
	for _, c := range chunks(data, MaxFramePayload) {
		frames = append(frames, Frame{Command: command, Payload: c})
	}
	return frames
}

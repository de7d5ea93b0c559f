package chlink

// Adapter requests. The sequences were captured from the vendor tools and are
// sent verbatim.
var (
	reqHoldForDebugger = []byte{0x81, 0x0d, 0x01, 0x03}
	reqProbeInfo       = []byte{0x81, 0x0d, 0x01, 0x01} // also places the part into reset
	reqAttachChip      = []byte{0x81, 0x0d, 0x01, 0x02} // also halts
	reqResumeRelease   = []byte{0x81, 0x0d, 0x01, 0xff} // also sent on exit
	reqResume          = []byte{0x81, 0x0b, 0x01, 0x01} // also commits option bytes
	reqPartStatus      = []byte{0x81, 0x11, 0x01, 0x05}
	reqProtectStatus   = []byte{0x81, 0x06, 0x01, 0x01}
	reqPower3v3On      = []byte{0x81, 0x0d, 0x01, 0x09}
	reqPower3v3Off     = []byte{0x81, 0x0d, 0x01, 0x0a}
	reqPower5vOn       = []byte{0x81, 0x0d, 0x01, 0x0b}
	reqPower5vOff      = []byte{0x81, 0x0d, 0x01, 0x0c}
	reqUnbrick         = []byte{0x81, 0x0d, 0x01, 0x0f, 0x09}

	reqOptionNRSTGPIO  = []byte{0x81, 0x06, 0x08, 0x02, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	reqOptionNRSTReset = []byte{0x81, 0x06, 0x08, 0x02, 0xf7, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	reqOptionProtect   = []byte{0x81, 0x06, 0x08, 0x03, 0xf7, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	reqOptionUnprotect = []byte{0x81, 0x06, 0x08, 0x02, 0xf7, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	reqOptionCommit    = reqResume

	reqExecuteStub = []byte{0x81, 0x02, 0x01, 0x05}
	reqStubStatus  = []byte{0x81, 0x02, 0x01, 0x07}
	reqBeginStream = []byte{0x81, 0x02, 0x01, 0x02}
	reqEndProgram  = []byte{0x81, 0x02, 0x01, 0x0c}
)

// Reply sent by the adapter when no chip answers.
var replyNothingConnected = []byte{0x81, 0x55, 0x01, 0x01}

const (
	opcodeRequest      = 0x81
	subcmdPrepareWrite = 0x01
	subcmdDMI          = 0x08
	dmiOpRead          = 1
	dmiOpWrite         = 2

	dmiReplyLen       = 9
	partStatusLen     = 20
	protectStatusLen  = 4
	stubStatusLen     = 4
	stubRunning       = 0x07
	stubReadyAttempts = 10
	stubChunkSize     = 128
	imageChunkSize    = 256
)

// flashStub is loaded into target RAM and run by the adapter. It programs
// flash from the data streamed after it.
var flashStub = [512]byte{
	0x93, 0x77, 0x15, 0x00, 0x41, 0x11, 0x99, 0xcf, 0xb7, 0x06, 0x67, 0x45, 0xb7, 0x27, 0x02, 0x40,
	0x93, 0x86, 0x36, 0x12, 0x37, 0x97, 0xef, 0xcd, 0xd4, 0xc3, 0x13, 0x07, 0xb7, 0x9a, 0xd8, 0xc3,
	0xd4, 0xd3, 0xd8, 0xd3, 0x93, 0x77, 0x25, 0x00, 0x95, 0xc7, 0xb7, 0x27, 0x02, 0x40, 0x98, 0x4b,
	0xad, 0x66, 0x37, 0x38, 0x00, 0x40, 0x13, 0x67, 0x47, 0x00, 0x98, 0xcb, 0x98, 0x4b, 0x93, 0x86,
	0xa6, 0xaa, 0x13, 0x67, 0x07, 0x04, 0x98, 0xcb, 0xd8, 0x47, 0x05, 0x8b, 0x61, 0xeb, 0x98, 0x4b,
	0x6d, 0x9b, 0x98, 0xcb, 0x93, 0x77, 0x45, 0x00, 0xa9, 0xcb, 0x93, 0x07, 0xf6, 0x0f, 0xa1, 0x83,
	0x2e, 0xc0, 0x2d, 0x68, 0x81, 0x76, 0x3e, 0xc4, 0xb7, 0x08, 0x02, 0x00, 0xb7, 0x27, 0x02, 0x40,
	0x37, 0x33, 0x00, 0x40, 0x13, 0x08, 0xa8, 0xaa, 0xfd, 0x16, 0x98, 0x4b, 0x33, 0x67, 0x17, 0x01,
	0x98, 0xcb, 0x02, 0x47, 0xd8, 0xcb, 0x98, 0x4b, 0x13, 0x67, 0x07, 0x04, 0x98, 0xcb, 0xd8, 0x47,
	0x05, 0x8b, 0x41, 0xeb, 0x98, 0x4b, 0x75, 0x8f, 0x98, 0xcb, 0x02, 0x47, 0x13, 0x07, 0x07, 0x10,
	0x3a, 0xc0, 0x22, 0x47, 0x7d, 0x17, 0x3a, 0xc4, 0x69, 0xfb, 0x93, 0x77, 0x85, 0x00, 0xd5, 0xcb,
	0x93, 0x07, 0xf6, 0x0f, 0x2e, 0xc0, 0xa1, 0x83, 0x3e, 0xc4, 0x37, 0x27, 0x02, 0x40, 0x1c, 0x4b,
	0xc1, 0x66, 0x41, 0x68, 0xd5, 0x8f, 0x1c, 0xcb, 0xb7, 0x16, 0x00, 0x20, 0xb7, 0x27, 0x02, 0x40,
	0x93, 0x08, 0x00, 0x04, 0x37, 0x03, 0x20, 0x00, 0x98, 0x4b, 0x33, 0x67, 0x07, 0x01, 0x98, 0xcb,
	0xd8, 0x47, 0x05, 0x8b, 0x75, 0xff, 0x02, 0x47, 0x3a, 0xc2, 0x46, 0xc6, 0x32, 0x47, 0x0d, 0xef,
	0x98, 0x4b, 0x33, 0x67, 0x67, 0x00, 0x98, 0xcb, 0xd8, 0x47, 0x05, 0x8b, 0x75, 0xff, 0xd8, 0x47,
	0x41, 0x8b, 0x39, 0xc3, 0xd8, 0x47, 0xc1, 0x76, 0xfd, 0x16, 0x13, 0x67, 0x07, 0x01, 0xd8, 0xc7,
	0x98, 0x4b, 0x21, 0x45, 0x75, 0x8f, 0x98, 0xcb, 0x41, 0x01, 0x02, 0x90, 0x23, 0x20, 0xd8, 0x00,
	0x25, 0xb7, 0x23, 0x20, 0x03, 0x01, 0xa5, 0xb7, 0x12, 0x47, 0x13, 0x8e, 0x46, 0x00, 0x94, 0x42,
	0x14, 0xc3, 0x12, 0x47, 0x11, 0x07, 0x3a, 0xc2, 0x32, 0x47, 0x7d, 0x17, 0x3a, 0xc6, 0xd8, 0x47,
	0x09, 0x8b, 0x75, 0xff, 0xf2, 0x86, 0x5d, 0xb7, 0x02, 0x47, 0x13, 0x07, 0x07, 0x10, 0x3a, 0xc0,
	0x22, 0x47, 0x7d, 0x17, 0x3a, 0xc4, 0x49, 0xf3, 0x98, 0x4b, 0xc1, 0x76, 0xfd, 0x16, 0x75, 0x8f,
	0x98, 0xcb, 0x41, 0x89, 0x15, 0xc9, 0x2e, 0xc0, 0x0d, 0x06, 0x02, 0xc4, 0x09, 0x82, 0x32, 0xc6,
	0xb7, 0x17, 0x00, 0x20, 0x98, 0x43, 0x13, 0x86, 0x47, 0x00, 0xa2, 0x47, 0x82, 0x46, 0x8a, 0x07,
	0xb6, 0x97, 0x9c, 0x43, 0x63, 0x1c, 0xf7, 0x00, 0xa2, 0x47, 0x85, 0x07, 0x3e, 0xc4, 0xa2, 0x46,
	0x32, 0x47, 0xb2, 0x87, 0xe3, 0xe0, 0xe6, 0xfe, 0x01, 0x45, 0xbd, 0xbf, 0x41, 0x45, 0xad, 0xbf,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

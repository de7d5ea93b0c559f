package chlink

import (
	"github.com/pkg/errors"
)

// Kind selects a backend.
type Kind string

// Backend kinds. KindAuto tries the USB adapter first.
const (
	KindAuto  Kind = "auto"
	KindLinkE Kind = "linke"
	KindUART  Kind = "uart"
)

// Hints steer Discover.
type Hints struct {
	Kind Kind
	// SerialPort overrides the boot ROM port.
	SerialPort string
	Options    Options
}

// Discover opens the programmer selected by hints and runs SetupInterface on
// it. With KindAuto the USB adapter is tried first and the boot ROM only if
// no adapter is attached.
func Discover(hints Hints) (Programmer, error) {
	switch hints.Kind {
	case KindLinkE:
		return openLinkE(hints.Options)
	case KindUART:
		return openUART(hints)
	case KindAuto, "":
		p, err := openLinkE(hints.Options)
		if err == nil || !errors.Is(err, ErrNoDevice) {
			return p, err
		}
		pkgLog.Debugf("no usb adapter found, trying boot rom")
		return openUART(hints)
	default:
		return nil, errors.Errorf("unknown programmer kind %q", hints.Kind)
	}
}

func openLinkE(opts Options) (Programmer, error) {
	l, err := OpenLinkE(opts)
	if err != nil {
		return nil, err
	}
	return setup(l)
}

func openUART(hints Hints) (Programmer, error) {
	b, err := OpenUARTBoot(hints.SerialPort, hints.Options)
	if err != nil {
		return nil, err
	}
	return setup(b)
}

func setup(p Programmer) (Programmer, error) {
	if err := p.SetupInterface(); err != nil {
		p.Exit()
		return nil, err
	}
	return p, nil
}

package chlink

import (
	"context"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

// USB identifiers of the WCH-LinkE family of adapters in RISC-V mode.
const (
	LinkVendorID  gousb.ID = 0x1a86
	LinkProductID gousb.ID = 0x8010
)

// DefaultUSBTimeout bounds every bulk transfer.
const DefaultUSBTimeout = 5 * time.Second

const drainTimeout = time.Millisecond

type usbChannel struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	intf    *gousb.Interface
	done    func()
	out     map[Endpoint]*gousb.OutEndpoint
	in      map[Endpoint]*gousb.InEndpoint
	timeout time.Duration
}

// OpenUSBChannel opens the first USB device matching vid:pid, claims its
// first interface and drains any stale reply data. It returns ErrNoDevice if
// nothing matches.
func OpenUSBChannel(vid, pid gousb.ID, timeout time.Duration) (ch USBChannel, err error) {
	defer wrapErr("open usb", &err)
	if timeout <= 0 {
		timeout = DefaultUSBTimeout
	}
	ctx := gousb.NewContext()
	defer func() {
		if err != nil {
			ctx.Close()
		}
	}()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == vid && desc.Product == pid
	})
	// Keep the first match; the others were opened by OpenDevices and must be released.
	for i := 1; i < len(devs); i++ {
		devs[i].Close()
	}
	if len(devs) == 0 {
		if err != nil {
			return nil, errors.Wrap(ErrNoDevice, err.Error())
		}
		return nil, ErrNoDevice
	}
	dev := devs[0]
	defer func() {
		if err != nil {
			dev.Close()
		}
	}()
	dev.SetAutoDetach(true)

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim interface 0")
	}
	c := &usbChannel{
		ctx:     ctx,
		dev:     dev,
		intf:    intf,
		done:    done,
		out:     make(map[Endpoint]*gousb.OutEndpoint),
		in:      make(map[Endpoint]*gousb.InEndpoint),
		timeout: timeout,
	}
	for _, ep := range []Endpoint{EndpointCommand, EndpointData} {
		o, err := intf.OutEndpoint(int(ep))
		if err != nil {
			done()
			return nil, errors.Wrapf(err, "no OUT endpoint %d", ep)
		}
		i, err := intf.InEndpoint(int(ep))
		if err != nil {
			done()
			return nil, errors.Wrapf(err, "no IN endpoint %d", ep)
		}
		c.out[ep], c.in[ep] = o, i
	}

	// Clear out any pending reply. Don't wait for one though.
	var buf [1024]byte
	dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	c.in[EndpointCommand].ReadContext(dctx, buf[:])
	cancel()

	pkgLog.Debugf("opened usb device %v:%v", vid, pid)
	return c, nil
}

func (c *usbChannel) Write(ep Endpoint, p []byte) (int, error) {
	o, ok := c.out[ep]
	if !ok {
		return 0, errors.Errorf("unknown endpoint %d", ep)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return o.WriteContext(ctx, p)
}

func (c *usbChannel) Read(ep Endpoint, p []byte) (int, error) {
	i, ok := c.in[ep]
	if !ok {
		return 0, errors.Errorf("unknown endpoint %d", ep)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return i.ReadContext(ctx, p)
}

func (c *usbChannel) Close() error {
	c.done()
	err := c.dev.Close()
	if cerr := c.ctx.Close(); err == nil {
		err = cerr
	}
	return err
}

package chlink

import (
	"github.com/pkg/errors"
)

// FlashOptions holds flashing options.
type FlashOptions struct {
	// If true, flash is read back and compared with the image after writing.
	// Programmers that cannot read flash skip this step.
	Verify bool
	// If true, the part is released from reset once the image is written.
	Run bool
	// Progress receives phase changes (optional).
	Progress ProgressFunc
}

// Flash writes img through p: it checks the image fits, holds the part in
// reset, writes, optionally verifies by reading back and optionally lets the
// part run. Steps p does not support are skipped.
func Flash(p Programmer, img Image, opts FlashOptions) error {
	if len(img.Data) == 0 {
		return errors.New("image is empty")
	}
	total := len(img.Data)

	opts.Progress.report("checking", 0, total)
	if err := skipUnsupported(p.CheckImageSize(total)); err != nil {
		return err
	}
	if err := skipUnsupported(p.HaltMode(HaltModeReset)); err != nil {
		return errors.Wrap(err, "failed to hold part in reset")
	}

	opts.Progress.report("writing", 0, total)
	pkgLog.Infof("writing %v bytes at %X", total, img.Address)
	if err := p.WriteBinaryBlob(img.Address, img.Data); err != nil {
		return err
	}
	opts.Progress.report("writing", total, total)

	if opts.Verify {
		opts.Progress.report("verifying", 0, total)
		data, err := p.ReadBinaryBlob(img.Address, uint32(total))
		switch {
		case errors.Is(err, ErrUnsupported):
			pkgLog.Debugf("programmer cannot read back flash, skipping verify")
		case err != nil:
			return errors.Wrap(err, "failed to read back flash")
		default:
			if err := compareImage(img.Address, img.Data, data); err != nil {
				return err
			}
			opts.Progress.report("verifying", total, total)
		}
	}

	if opts.Run {
		if err := skipUnsupported(p.HaltMode(HaltModeRunning)); err != nil {
			return errors.Wrap(err, "failed to release part")
		}
	}
	opts.Progress.report("complete", total, total)
	return nil
}

func skipUnsupported(err error) error {
	if errors.Is(err, ErrUnsupported) {
		return nil
	}
	return err
}

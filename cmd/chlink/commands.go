package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/amrbekhit/chlink"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var commands = map[string]func(chlink.Programmer, []string) error{
	"info":     processInfo,
	"readreg":  processReadReg,
	"writereg": processWriteReg,
	"reset":    processReset,
	"resume":   processResume,
	"3v3":      process3v3,
	"5v":       process5v,
	"unbrick":  processUnbrick,
	"nrstgpio": processNRSTGPIO,
	"protect":  processProtect,
	"readmem":  processReadMem,
	"erase":    processErase,
}

// runCommand runs the named command and then releases the programmer, even
// when the command fails.
func runCommand(prog chlink.Programmer, name string, args []string) error {
	f, ok := commands[name]
	if !ok {
		prog.Exit()
		return errors.Errorf("invalid command %v", name)
	}
	err := f(prog, args)
	if exitErr := prog.Exit(); err == nil && exitErr != nil {
		err = errors.Wrap(exitErr, "failed to release programmer")
	}
	return err
}

func processInfo(prog chlink.Programmer, args []string) error {
	id, ok := prog.(chlink.Identifier)
	if !ok {
		log.Infof("programmer does not report chip information")
		return nil
	}
	info := id.ChipInfo()
	fmt.Printf("probe:           %v (version %d.%d)\n", info.Probe, info.ProbeVersion[0], info.ProbeVersion[1])
	fmt.Printf("chip type:       %03x\n", info.ChipType)
	fmt.Printf("flash:           %v KB\n", info.FlashKB)
	fmt.Printf("uuid:            %v\n", info.UUIDString())
	fmt.Printf("read protection: %v\n", info.ReadProtected)
	fmt.Printf("old flash mode:  %v\n", info.OldFlashMode)
	return nil
}

func parseUint(s string, bits int, what string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %v", what)
	}
	return v, nil
}

func getAddrAndLen(args []string) (uint32, uint32, error) {
	if len(args) != 2 {
		return 0, 0, errors.New("expected: addr len")
	}
	addr, err := parseUint(args[0], 32, "address")
	if err != nil {
		return 0, 0, err
	}
	length, err := parseUint(args[1], 32, "length")
	if err != nil {
		return 0, 0, err
	}
	return uint32(addr), uint32(length), nil
}

func processReadReg(prog chlink.Programmer, args []string) error {
	if len(args) != 1 {
		return errors.New("expected: reg")
	}
	reg, err := parseUint(args[0], 7, "register")
	if err != nil {
		return err
	}
	v, err := prog.ReadReg32(uint8(reg))
	if err != nil {
		return errors.Wrap(err, "failed to read register")
	}
	fmt.Printf("%02x: %08x\n", reg, v)
	return nil
}

func processWriteReg(prog chlink.Programmer, args []string) error {
	if len(args) != 2 {
		return errors.New("expected: reg value")
	}
	reg, err := parseUint(args[0], 7, "register")
	if err != nil {
		return err
	}
	v, err := parseUint(args[1], 32, "value")
	if err != nil {
		return err
	}
	return errors.Wrap(prog.WriteReg32(uint8(reg), uint32(v)), "failed to write register")
}

func processReset(prog chlink.Programmer, args []string) error {
	return errors.Wrap(prog.HaltMode(chlink.HaltModeReset), "failed to hold in reset")
}

func processResume(prog chlink.Programmer, args []string) error {
	return errors.Wrap(prog.HaltMode(chlink.HaltModeRunning), "failed to resume")
}

func getOnOff(args []string) (bool, error) {
	if len(args) != 1 {
		return false, errors.New("expected: on|off")
	}
	switch args[0] {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, errors.Errorf("expected on or off, got %v", args[0])
}

// onOff adapts a switch operation into a command taking on or off.
func onOff(set func(chlink.Programmer, bool) error, what string) func(chlink.Programmer, []string) error {
	return func(prog chlink.Programmer, args []string) error {
		on, err := getOnOff(args)
		if err != nil {
			return err
		}
		return errors.Wrapf(set(prog, on), "failed to %v", what)
	}
}

var (
	process3v3      = onOff(chlink.Programmer.Control3v3, "switch 3.3V")
	process5v       = onOff(chlink.Programmer.Control5v, "switch 5V")
	processNRSTGPIO = onOff(chlink.Programmer.ConfigureNRSTAsGPIO, "configure NRST")
	processProtect  = onOff(chlink.Programmer.ConfigureReadProtection, "configure read protection")
)

func processUnbrick(prog chlink.Programmer, args []string) error {
	return errors.Wrap(prog.Unbrick(), "failed to unbrick")
}

func processReadMem(prog chlink.Programmer, args []string) error {
	addr, length, err := getAddrAndLen(args)
	if err != nil {
		return err
	}
	data, err := prog.ReadBinaryBlob(addr, length)
	if err != nil {
		return errors.Wrap(err, "failed to read memory")
	}
	fmt.Print(hex.Dump(data))
	return nil
}

func processErase(prog chlink.Programmer, args []string) error {
	if len(args) == 1 && args[0] == "all" {
		return errors.Wrap(prog.Erase(0, 0, chlink.EraseAll), "failed to erase")
	}
	addr, length, err := getAddrAndLen(args)
	if err != nil {
		return err
	}
	return errors.Wrap(prog.Erase(addr, length, chlink.EraseRange), "failed to erase")
}

package stm32lx

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/via/blackmagic/target"
)

func (n *NVM) commands() []target.Command {
	return []target.Command{
		{Name: "option", Help: "Manipulate option bytes", Handler: n.commandOption},
		{Name: "eeprom", Help: "Manipulate EEPROM (FLASH data) memory", Handler: n.commandEEPROM},
	}
}

type optionAction int

const (
	optionShow optionAction = iota
	optionReload
	optionWriteEncoded
	optionWriteRaw
)

type optionRequest struct {
	action optionAction
	addr   uint32
	value  uint32
}

// parseOptionArgs is the parse stage of the option command pipeline. It
// never touches the device; a false return means "print usage".
func parseOptionArgs(args []string) (optionRequest, bool) {
	switch {
	case len(args) == 0:
		return optionRequest{action: optionShow}, true
	case len(args) == 1 && strings.EqualFold(args[0], "show"):
		return optionRequest{action: optionShow}, true
	case len(args) == 1 && strings.EqualFold(args[0], "obl_launch"):
		return optionRequest{action: optionReload}, true
	case len(args) == 3:
		var action optionAction
		switch {
		case strings.EqualFold(args[0], "write"):
			action = optionWriteEncoded
		case strings.EqualFold(args[0], "raw"):
			action = optionWriteRaw
		default:
			return optionRequest{}, false
		}
		addr, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return optionRequest{}, false
		}
		value, err := strconv.ParseUint(args[2], 0, 32)
		if err != nil {
			return optionRequest{}, false
		}
		return optionRequest{action: action, addr: uint32(addr), value: uint32(value)}, true
	default:
		return optionRequest{}, false
	}
}

func (n *NVM) printOptionUsage(w io.Writer) {
	fmt.Fprintf(w, "usage: option [ARGS]\n")
	fmt.Fprintf(w, "  show                   - Show options in FLASH and as loaded\n")
	fmt.Fprintf(w, "  obl_launch             - Reload options from FLASH\n")
	fmt.Fprintf(w, "  write <addr> <value16> - Set option half-word; complement computed\n")
	fmt.Fprintf(w, "  raw <addr> <value32>   - Set option word\n")
	fmt.Fprintf(w, "The value of <addr> must be 32-bit aligned and from 0x%08X to +0x%X\n",
		uint32(optBase), n.optSize()-4)
}

// commandOption implements the option monitor command as a parse, validate,
// execute, report pipeline. Usage and validation failures are reported
// without any register access.
func (n *NVM) commandOption(ctx context.Context, w io.Writer, args []string) error {
	req, ok := parseOptionArgs(args)
	if !ok {
		n.printOptionUsage(w)
		return nil
	}
	if req.action == optionWriteEncoded || req.action == optionWriteRaw {
		if req.addr < optBase || req.addr >= optBase+n.optSize() || req.addr&3 != 0 {
			n.printOptionUsage(w)
			return nil
		}
	}

	if err := n.unlockOptions(); err != nil {
		fmt.Fprintf(w, "unable to unlock FLASH option bytes\n")
		return err
	}
	defer n.lock()

	switch req.action {
	case optionReload:
		if err := n.mem.Write32(n.pecr(), pecrOBLLaunch); err != nil {
			return err
		}
	case optionWriteEncoded, optionWriteRaw:
		value := req.value
		if req.action == optionWriteEncoded {
			value = EncodeOption(uint16(req.value))
		}
		fmt.Fprintf(w, "%08x <- %08x\n", req.addr, value)
		if err := n.optionWrite(ctx, req.addr, value); err != nil {
			fmt.Fprintf(w, "option write failed\n")
			return err
		}
	}

	return n.reportOptions(w)
}

// reportOptions prints every option word with its complement check, then the
// decoded OPTR fields for the family.
func (n *NVM) reportOptions(w io.Writer) error {
	for i := uint32(0); i < n.optSize(); i += 4 {
		addr := uint32(optBase) + i
		val, err := n.mem.Read32(addr)
		if err != nil {
			return err
		}
		status := "ERR"
		if ValidOption(val) {
			status = "OK"
		}
		fmt.Fprintf(w, "0x%08X: 0x%04X 0x%04X %s\n", addr, val&0xffff, (val>>16)&0xffff, status)
	}

	optr, err := n.mem.Read32(n.optr())
	if err != nil {
		return err
	}
	level := protectionLevel(optr)
	if n.l1 {
		fmt.Fprintf(w, "OPTR: 0x%08X, RDPRT %d, SPRMD %d, BOR %d, WDG_SW %d, nRST_STP %d, nRST_STBY %d, nBFB2 %d\n",
			optr, level, bit(optr, optrSPRModL1),
			(optr>>optrBORShiftL1)&optrBORMaskL1,
			bit(optr, optrWDGSW), bit(optr, optrNRSTStopL1), bit(optr, optrNRSTStdbyL1), bit(optr, optrNBFB2L1))
	} else {
		fmt.Fprintf(w, "OPTR: 0x%08X, RDPROT %d, WPRMOD %d, WDG_SW %d, BOOT1 %d\n",
			optr, level, bit(optr, optrWPRModL0), bit(optr, optrWDGSW), bit(optr, optrBoot1L0))
	}
	return nil
}

func bit(v, mask uint32) int {
	if v&mask != 0 {
		return 1
	}
	return 0
}

type eepromRequest struct {
	size  uint32
	addr  uint32
	value uint32
}

// parseEEPROMArgs is the parse stage for the eeprom command; widths are
// selected by keyword and the value is masked to the width.
func parseEEPROMArgs(args []string) (eepromRequest, bool) {
	if len(args) != 3 {
		return eepromRequest{}, false
	}
	addr, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return eepromRequest{}, false
	}
	value, err := strconv.ParseUint(args[2], 0, 32)
	if err != nil {
		return eepromRequest{}, false
	}
	req := eepromRequest{addr: uint32(addr), value: uint32(value)}
	switch {
	case strings.EqualFold(args[0], "byte"):
		req.size = 1
		req.value &= 0xff
	case strings.EqualFold(args[0], "halfword"):
		req.size = 2
		req.value &= 0xffff
	case strings.EqualFold(args[0], "word"):
		req.size = 4
	default:
		return eepromRequest{}, false
	}
	return req, true
}

func (n *NVM) printEEPROMUsage(w io.Writer) {
	fmt.Fprintf(w, "usage: eeprom [ARGS]\n")
	fmt.Fprintf(w, "  byte     <addr> <value8>  - Write a byte\n")
	fmt.Fprintf(w, "  halfword <addr> <value16> - Write a half-word\n")
	fmt.Fprintf(w, "  word     <addr> <value32> - Write a word\n")
	fmt.Fprintf(w, "The value of <addr> must be in the interval [0x%08X, 0x%X)\n",
		uint32(eepromBase), eepromBase+n.eepromSize())
}

func sizeName(size uint32) string {
	switch size {
	case 4:
		return "word"
	case 2:
		return "halfword"
	case 1:
		return "byte"
	}
	return ""
}

// commandEEPROM implements the eeprom monitor command. Out-of-range and
// misaligned requests are rejected with a usage message before any register
// access.
func (n *NVM) commandEEPROM(ctx context.Context, w io.Writer, args []string) error {
	req, ok := parseEEPROMArgs(args)
	if !ok {
		n.printEEPROMUsage(w)
		return nil
	}
	if req.addr < eepromBase || req.addr >= eepromBase+n.eepromSize() {
		n.printEEPROMUsage(w)
		return nil
	}
	if req.addr%req.size != 0 {
		fmt.Fprintf(w, "Refusing to do unaligned write\n")
		n.printEEPROMUsage(w)
		return nil
	}

	if err := n.unlockProgData(); err != nil {
		fmt.Fprintf(w, "unable to unlock EEPROM\n")
		return err
	}
	defer n.lock()

	fmt.Fprintf(w, "writing %s 0x%08X with 0x%X\n", sizeName(req.size), req.addr, req.value)
	if err := n.eepromWriteOne(ctx, req.addr, req.size, req.value); err != nil {
		fmt.Fprintf(w, "eeprom write failed\n")
		return err
	}
	return nil
}

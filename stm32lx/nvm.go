package stm32lx

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/via/blackmagic/target"
)

// opContext applies the configured default deadline when the caller supplied
// none. The deadline bounds busy-waits only; it never fires mid register
// write.
func (n *NVM) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, n.cfg.OpTimeout)
}

// lock locks the NVM control registers, preventing writes or erases. It runs
// on every exit path of every operation, success or failure: leaving the
// controller unlocked across operations is a defect.
func (n *NVM) lock() {
	_ = n.mem.Write32(n.pecr(), pecrPELock)
}

// unlock presents the PE key pair followed by the operation key pair, then
// verifies the relevant lock bit actually cleared. The write sequence is
// never trusted on its own because a bad key sequence fails silently. The
// controller is locked first; on this family that is the only baseline from
// which an unlock can be verified.
func (n *NVM) unlock(keyReg, key1, key2, lockBit uint32, what string) error {
	if err := n.mem.Write32(n.pecr(), pecrPELock); err != nil {
		return err
	}
	if err := n.mem.Write32(n.pekeyr(), peKey1); err != nil {
		return err
	}
	if err := n.mem.Write32(n.pekeyr(), peKey2); err != nil {
		return err
	}
	if err := n.mem.Write32(keyReg, key1); err != nil {
		return err
	}
	if err := n.mem.Write32(keyReg, key2); err != nil {
		return err
	}
	pecr, err := n.mem.Read32(n.pecr())
	if err != nil {
		return err
	}
	if pecr&lockBit != 0 {
		return &target.UnlockError{What: what}
	}
	return nil
}

func (n *NVM) unlockProgData() error {
	return n.unlock(n.prgkeyr(), prgKey1, prgKey2, pecrPrgLock, "program/data")
}

func (n *NVM) unlockOptions() error {
	return n.unlock(n.optkeyr(), optKey1, optKey2, pecrOptLock, "option bytes")
}

// arm writes the operation-select bits into PECR and verifies they latched.
// A failure to latch signals a stale busy condition or a non-compliant
// unlock. mask selects the bits to verify; a zero mask (the L1 bulk EEPROM
// mode, which is all-bits-clear) skips verification.
func (n *NVM) arm(bits, mask uint32) error {
	if err := n.mem.Write32(n.pecr(), bits); err != nil {
		return err
	}
	if mask == 0 {
		return nil
	}
	pecr, err := n.mem.Read32(n.pecr())
	if err != nil {
		return err
	}
	if pecr&mask != bits&mask {
		return &target.ArmError{Want: bits & mask, Got: pecr & mask}
	}
	return nil
}

// clearStatus acknowledges stale error flags. Errors accumulate across
// operations and would otherwise be mis-attributed to the current one.
func (n *NVM) clearStatus() error {
	return n.mem.Write32(n.sr(), srErrMask)
}

func decodeSR(sr uint32) []string {
	var flags []string
	if sr&srWRPErr != 0 {
		flags = append(flags, "WRPERR")
	}
	if sr&srPGAErr != 0 {
		flags = append(flags, "PGAERR")
	}
	if sr&srSizeErr != 0 {
		flags = append(flags, "SIZERR")
	}
	if sr&srNotZeroErr != 0 {
		flags = append(flags, "NOTZEROERR")
	}
	return flags
}

// busyWait polls SR until the busy bit clears or the deadline expires, then
// checks the accumulated error flags. tick may be nil; the watchdog
// keepalive fires on every iteration when configured.
func (n *NVM) busyWait(ctx context.Context, tick *target.Ticker) error {
	err := target.PollUntil(ctx, func() (bool, error) {
		sr, err := n.mem.Read32(n.sr())
		if err != nil {
			return false, err
		}
		return sr&srBusy == 0, nil
	}, func() {
		tick.Tick()
		if n.cfg.WatchdogKick != nil {
			n.cfg.WatchdogKick()
		}
	})
	if err != nil {
		return err
	}
	sr, err := n.mem.Read32(n.sr())
	if err != nil {
		return err
	}
	if sr&srErrMask != 0 {
		return &target.ControllerError{Status: sr, Flags: decodeSR(sr)}
	}
	return nil
}

// flashErase erases program flash pages from addr to addr+length. The erase
// is triggered page by page by writing a zero word to the first word of each
// page. Only a full-region erase drives progress reporting.
func (n *NVM) flashErase(ctx context.Context, f *target.FlashRegion, addr, length uint32) error {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	full := addr == f.Start && length == f.Length
	if err := n.unlockProgData(); err != nil {
		return err
	}
	defer n.lock()

	if err := n.arm(pecrErase|pecrProg, pecrErase|pecrProg); err != nil {
		return err
	}
	if err := n.clearStatus(); err != nil {
		return err
	}

	var tick *target.Ticker
	if full {
		tick = target.NewTicker(n.cfg.ProgressInterval, n.cfg.Progress)
	}
	for offset := uint32(0); offset < length; offset += f.BlockSize {
		if err := n.mem.Write32(addr+offset, 0); err != nil {
			return err
		}
		if full {
			tick.Tick()
			if n.cfg.WatchdogKick != nil {
				n.cfg.WatchdogKick()
			}
		}
	}
	return n.busyWait(ctx, tick)
}

// flashWrite streams the payload into program flash, letting the controller
// auto-increment internally in half-page (FPRG) mode.
func (n *NVM) flashWrite(ctx context.Context, f *target.FlashRegion, dest uint32, data []byte) error {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	if err := n.unlockProgData(); err != nil {
		return err
	}
	defer n.lock()

	// PECR cannot be written until the previous operation completes.
	if err := n.busyWait(ctx, nil); err != nil {
		return err
	}
	if err := n.arm(pecrProg|pecrFPRG, pecrProg|pecrFPRG); err != nil {
		return err
	}
	if err := n.clearStatus(); err != nil {
		return err
	}
	if err := n.mem.WriteBlock(dest, data); err != nil {
		return err
	}
	return n.busyWait(ctx, nil)
}

// eepromErase erases data EEPROM words from addr to addr+length. The start
// address is masked to a word boundary before triggering; a misaligned addr
// therefore affects fewer than the requested bytes starting exactly at addr.
// This is accepted device behaviour that callers may depend on, not a bug.
func (n *NVM) eepromErase(ctx context.Context, f *target.FlashRegion, addr, length uint32) error {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	if err := n.unlockProgData(); err != nil {
		return err
	}
	defer n.lock()

	if err := n.arm(pecrErase|pecrData, pecrErase|pecrData); err != nil {
		return err
	}
	if err := n.clearStatus(); err != nil {
		return err
	}

	aligned := addr &^ 3
	for offset := uint32(0); offset < length; offset += f.BlockSize {
		if err := n.mem.Write32(aligned+offset, 0); err != nil {
			return err
		}
	}
	return n.busyWait(ctx, nil)
}

// eepromWrite slings the payload to data EEPROM one word at a time. Bulk
// EEPROM writes only come in word granularity; the 1/2-byte widths are a
// feature of the single-word variant alone.
func (n *NVM) eepromWrite(ctx context.Context, f *target.FlashRegion, dest uint32, data []byte) error {
	if len(data)%4 != 0 {
		return &target.AlignmentError{Addr: dest + uint32(len(data)), Align: 4, Op: "eeprom bulk write"}
	}
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	if err := n.unlockProgData(); err != nil {
		return err
	}
	defer n.lock()

	// The L1 programs EEPROM with all mode bits clear; the L0 wants DATA.
	mode := uint32(pecrData)
	if n.l1 {
		mode = 0
	}
	if err := n.arm(mode, mode); err != nil {
		return err
	}
	if err := n.clearStatus(); err != nil {
		return err
	}
	for offset := uint32(0); offset < uint32(len(data)); offset += 4 {
		if err := n.mem.Write32(dest+offset, binary.LittleEndian.Uint32(data[offset:])); err != nil {
			return err
		}
	}
	return n.busyWait(ctx, nil)
}

// eepromWriteOne writes a single EEPROM unit of 1, 2 or 4 bytes in
// erase-and-program (FIX) mode. The caller holds the program/data unlock.
func (n *NVM) eepromWriteOne(ctx context.Context, addr uint32, size uint32, value uint32) error {
	mode := uint32(pecrFix)
	if !n.l1 {
		mode |= pecrData
	}
	if err := n.arm(mode, mode); err != nil {
		return err
	}
	if err := n.clearStatus(); err != nil {
		return err
	}
	var err error
	switch size {
	case 4:
		err = n.mem.Write32(addr, value)
	case 2:
		err = n.mem.Write16(addr, uint16(value))
	case 1:
		err = n.mem.Write8(addr, uint8(value))
	default:
		return fmt.Errorf("unsupported eeprom write width %d", size)
	}
	if err != nil {
		return err
	}
	return n.busyWait(ctx, nil)
}

// EEPROMWriteOne writes a single EEPROM value of 1, 2 or 4 bytes. This is
// more flexible than the bulk path used for image data, which is word-only.
func (n *NVM) EEPROMWriteOne(ctx context.Context, addr uint32, size uint32, value uint32) error {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	if err := n.unlockProgData(); err != nil {
		return err
	}
	defer n.lock()
	return n.eepromWriteOne(ctx, addr, size, value)
}

// optionWrite erases and programs one option word in FIX mode. The caller
// holds the option unlock and is responsible for the complement encoding
// unless writing raw.
func (n *NVM) optionWrite(ctx context.Context, addr uint32, value uint32) error {
	if err := n.arm(pecrFix, pecrFix); err != nil {
		return err
	}
	if err := n.clearStatus(); err != nil {
		return err
	}
	if err := n.mem.Write32(addr, value); err != nil {
		return err
	}
	return n.busyWait(ctx, nil)
}

// OptionWrite programs one option word. Unless raw is set, value is treated
// as a 16-bit payload and the complement encoding is applied; a raw write
// trusts the caller to supply a pre-complemented word.
func (n *NVM) OptionWrite(ctx context.Context, addr uint32, value uint32, raw bool) error {
	if addr < optBase || addr >= optBase+n.optSize() {
		return &target.BoundsError{Addr: addr, Length: 4, Start: optBase, End: optBase + n.optSize()}
	}
	if addr&3 != 0 {
		return &target.AlignmentError{Addr: addr, Align: 4, Op: "option write"}
	}
	if !raw {
		value = EncodeOption(uint16(value))
	}
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	if err := n.unlockOptions(); err != nil {
		return err
	}
	defer n.lock()
	return n.optionWrite(ctx, addr, value)
}

// massErase erases every region owned by the target, program flash and data
// EEPROM alike.
func (n *NVM) massErase(ctx context.Context) error {
	for _, f := range n.t.Flash() {
		if err := f.Erase(ctx, f.Start, f.Length); err != nil {
			return err
		}
	}
	return nil
}

// protectedMassErase recovers a read-protected part by wiping the option
// bytes: the option window is overwritten with two fixed patterns, each
// followed by an option-byte reload trigger. Success is confirmed by reading
// the protection level back; the driver does not re-probe, the caller is
// expected to issue a fresh attach which will then observe an open device.
func (n *NVM) protectedMassErase(ctx context.Context) error {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	if err := n.unlockOptions(); err != nil {
		return err
	}
	defer n.lock()

	steps := []struct {
		addr  uint32
		value uint32
	}{
		{optBase, optWipePattern1},
		{n.pecr(), pecrOBLLaunch},
		{optBase, optWipePattern2},
		{n.pecr(), pecrOBLLaunch},
	}
	for _, s := range steps {
		if err := n.mem.Write32(s.addr, s.value); err != nil {
			return err
		}
	}

	tick := target.NewTicker(n.cfg.ProgressInterval, n.cfg.Progress)
	err := target.PollUntil(ctx, func() (bool, error) {
		sr, err := n.mem.Read32(n.sr())
		if err != nil {
			return false, err
		}
		return sr&srBusy == 0, nil
	}, tick.Tick)
	if err != nil {
		return err
	}

	optr, err := n.mem.Read32(n.optr())
	if err != nil {
		return err
	}
	if level := protectionLevel(optr); level != ProtectionOpen {
		return fmt.Errorf("device still read-protected after option wipe (%s)", level)
	}
	n.logInfo("option bytes wiped; re-attach to regain full chip access")
	return nil
}

// Package lpc546xx implements flash programming for the LPC546xx family.
// These parts have no memory-mapped flash controller; every erase and
// program operation is performed by injecting a call into the IAP firmware
// resident in ROM, with arguments marshalled through scratch RAM and results
// decoded from a status word. The family also boots with the ROM mapped over
// flash address 0 until the CPU has executed one instruction, so any flash
// operation is preceded by a reset, single step and debugger re-attach.
package lpc546xx

import (
	"context"
	"fmt"
	"io"

	"github.com/via/blackmagic/target"
)

const (
	chipIDAddr = 0x40000ff8

	iapEntrypointLocation = 0x03000204

	// Only the SRAM0 bank is enabled after reset.
	sramBase = 0x20000000
	sramSize = 64 * 1024

	iapRAMBase = sramBase
	iapRAMSize = sramSize

	iapPgmChunkSize = 4096

	sectorSize = 0x8000

	wdtModeAddr   = 0x4000c000
	wdtCountAddr  = 0x4000c004
	wdtFeedAddr   = 0x4000c008
	wdtPeriodMax  = 0xffffff
	wdtProtectBit = 1 << 4

	mainClkSelA = 0x40000280
	mainClkSelB = 0x40000284
	ahbClkDiv   = 0x40000380
	flashCfg    = 0x40000400

	// Cortex-M4 Application Interrupt and Reset Control Register and its
	// SYSRESETREQ magic.
	aircrAddr  = 0xe000ed0c
	aircrReset = 0x05fa0004
)

var chipNames = map[uint32]struct {
	name      string
	flashSize uint32
}{
	0x7f954605: {"LPC54605J256", 0x40000},
	0x7f954606: {"LPC54606J256", 0x40000},
	0x7f954607: {"LPC54607J256", 0x40000},
	0x7f954616: {"LPC54616J256", 0x40000},
	0xfff54605: {"LPC54605J512", 0x80000},
	0xfff54606: {"LPC54606J512", 0x80000},
	0xfff54607: {"LPC54607J512", 0x80000},
	0xfff54608: {"LPC54608J512", 0x80000},
	0xfff54616: {"LPC54616J512", 0x80000},
	0xfff54618: {"LPC54618J512", 0x80000},
	0xfff54628: {"LPC54628J512", 0x80000},
}

// Probe identifies an LPC546xx by its chip ID register and, on a match,
// installs the flash map, RAM map, monitor commands and mass erase hook.
func Probe(t *target.Target, opts ...Option) (bool, error) {
	chipID, err := t.Mem.Read32(chipIDAddr)
	if err != nil {
		return false, err
	}
	chip, ok := chipNames[chipID]
	if !ok {
		return false, nil
	}

	f := &Flash{t: t, cfg: newConfig(opts)}
	f.stub = CallStubDescriptor{
		Entry:       iapEntrypointLocation,
		ScratchBase: iapRAMBase,
		ScratchSize: iapRAMSize,
	}

	t.Driver = chip.name
	t.PartID = chipID
	t.MassEraseFunc = f.massErase
	region := &target.FlashRegion{
		Start:     0,
		Length:    chip.flashSize,
		BlockSize: sectorSize,
		WriteSize: iapPgmChunkSize,
		Ops:       f,
	}
	if err := t.AddFlash(region); err != nil {
		return false, err
	}
	f.region = region

	// The upper 96 KiB of SRAM is only usable after enabling the
	// appropriate AHB clock control bits, so only SRAM0-2 is mapped here.
	t.AddRAM(sramBase, 0x28000)
	t.AddCommands(f.commands())
	return true, nil
}

// resetAttach brings the part into a usable state: full system reset, a
// single instruction step and a fresh debug attach. Without this the ROM
// bootloader stays mapped at address 0, flash operations on sector 0 fail
// and reads of sector 0 return ROM contents rather than flash. The implicit
// path (before any flash operation) and the explicit reset_attach command
// share this exact sequence.
func (f *Flash) resetAttach(ctx context.Context) error {
	dbg := f.t.Debug
	if dbg == nil {
		return fmt.Errorf("driver %q needs run control for reset/attach", f.t.Driver)
	}
	if err := dbg.Reset(); err != nil {
		return err
	}
	if err := dbg.Step(); err != nil {
		return err
	}
	return dbg.Attach()
}

// flashInit prepares the part for IAP operation. The ROM may raise the main
// clock frequency during its own operation, so the clock tree is forced back
// to the 12 MHz FRO to guarantee correct flash timing for the IAP API.
func (f *Flash) flashInit(ctx context.Context) error {
	if err := f.resetAttach(ctx); err != nil {
		return err
	}
	if err := f.wdtSetPeriod(); err != nil {
		return err
	}
	clocks := []struct {
		addr  uint32
		value uint32
	}{
		{mainClkSelA, 0}, // 12MHz FRO
		{mainClkSelB, 0}, // Use MAINCLKSELA
		{ahbClkDiv, 0},   // Divide by 1
		{flashCfg, 0x1a}, // Recommended default
	}
	for _, c := range clocks {
		if err := f.t.Mem.Write32(c.addr, c.value); err != nil {
			return err
		}
	}
	return nil
}

// wdtSetPeriod maxes out the watchdog period when the watchdog is running.
// It cannot be disabled outright, but unless protected the count can be set
// long enough to survive any single flash operation.
func (f *Flash) wdtSetPeriod() error {
	mode, err := f.t.Mem.Read32(wdtModeAddr)
	if err != nil {
		return err
	}
	if mode != 0 && mode&wdtProtectBit == 0 {
		return f.t.Mem.Write32(wdtCountAddr, wdtPeriodMax)
	}
	return nil
}

// wdtKick feeds a running watchdog with the two-phase magic sequence. A
// stopped watchdog is left alone.
func (f *Flash) wdtKick() error {
	mode, err := f.t.Mem.Read32(wdtModeAddr)
	if err != nil {
		return err
	}
	if mode == 0 {
		return nil
	}
	if err := f.t.Mem.Write32(wdtFeedAddr, 0xaa); err != nil {
		return err
	}
	return f.t.Mem.Write32(wdtFeedAddr, 0xff)
}

// reset issues a system reset of everything except debug. This leaves the
// ROM bootloader mapped at address 0.
func (f *Flash) reset() error {
	return f.t.Mem.Write32(aircrAddr, aircrReset)
}

func (f *Flash) massErase(ctx context.Context) error {
	region := f.region
	if err := region.Erase(ctx, region.Start, region.Length); err != nil {
		return fmt.Errorf("error erasing flash: %w", err)
	}
	return nil
}

func (f *Flash) logInfo(msg string, kv ...interface{}) {
	if f.cfg.Logger != nil {
		f.cfg.Logger.Info(msg, kv...)
	}
}

func (f *Flash) commands() []target.Command {
	return []target.Command{
		{Name: "erase_sector", Help: "Erase a sector by number", Handler: f.commandEraseSector},
		{Name: "read_partid", Help: "Read out the 32-bit part ID using IAP.", Handler: f.commandReadPartID},
		{Name: "read_uid", Help: "Read out the 16-byte UID.", Handler: f.commandReadUID},
		{Name: "reset_attach", Help: "Reset target. Reset debug registers. Re-attach debugger. This restores " +
			"the chip to the very start of program execution, after the ROM bootloader.", Handler: f.commandResetAttach},
		{Name: "reset", Help: "Reset target", Handler: f.commandReset},
		{Name: "write_sector", Help: "Write incrementing data 8-bit values across a previously erased sector",
			Handler: f.commandWriteSector},
	}
}

func (f *Flash) commandReset(ctx context.Context, w io.Writer, args []string) error {
	return f.reset()
}

func (f *Flash) commandResetAttach(ctx context.Context, w io.Writer, args []string) error {
	return f.resetAttach(ctx)
}

// Package stm32lx implements flash, EEPROM and option byte programming for
// the STM32L0 and STM32L1 ultra-low-power families. The NVM controller on
// these parts is directly memory mapped: every operation follows the same
// shape of key-sequence unlock, mode arming, trigger writes and busy-poll
// against the PECR/SR register pair, with only key values and bit layouts
// differing between operations.
//
// References:
// RM0377 - Ultra-low-power STM32L0x1 advanced Arm-based 32-bit MCUs, Rev. 10
// RM0038 - STM32L100xx/151xx/152xx/162xx advanced Arm-based 32-bit MCUs, Rev. 17
package stm32lx

import (
	"context"
	"fmt"

	"github.com/via/blackmagic/target"
	"github.com/via/blackmagic/transport"
)

const (
	flashBankBase = 0x08000000
	eepromBase    = 0x08080000
	sramBase      = 0x20000000

	l0PageSize = 0x80
	l1PageSize = 0x100

	l0SRAMSize = 0x5000
	l1SRAMSize = 0x14000

	l0FlashRegBase = 0x40022000
	l1FlashRegBase = 0x40023c00

	optBase   = 0x1ff80000
	l0OptSize = 12
	l1OptSize = 32

	l0EEPROMCat1Size = 512
	l0EEPROMCat2Size = 1024
	l0EEPROMCat3Size = 2048
	l0EEPROMCat5Size = 6144
	l1EEPROMSize     = 16384
	l0EEPROMMapSize  = 0x1800
)

// NVM controller register offsets from the family's register base.
const (
	regPECR    = 0x04
	regPEKEYR  = 0x0c
	regPRGKEYR = 0x10
	regOPTKEYR = 0x14
	regSR      = 0x18
	regOPTR    = 0x1c
)

// Unlock key pairs. A bad sequence silently fails to unlock, which is why
// every unlock is verified by reading the lock bit back.
const (
	peKey1  = 0x89abcdef
	peKey2  = 0x02030405
	prgKey1 = 0x8c9daebf
	prgKey2 = 0x13141516
	optKey1 = 0xfbead9c8
	optKey2 = 0x24252627
)

// PECR bits.
const (
	pecrOBLLaunch = 1 << 18
	pecrFPRG      = 1 << 10
	pecrErase     = 1 << 9
	pecrFix       = 1 << 8 // FTDW
	pecrData      = 1 << 4
	pecrProg      = 1 << 3
	pecrOptLock   = 1 << 2
	pecrPrgLock   = 1 << 1
	pecrPELock    = 1 << 0
)

// SR bits.
const (
	srNotZeroErr = 1 << 16
	srSizeErr    = 1 << 10
	srPGAErr     = 1 << 9
	srWRPErr     = 1 << 8
	srEOP        = 1 << 1
	srBusy       = 1 << 0

	srErrMask = srWRPErr | srPGAErr | srSizeErr | srNotZeroErr
)

// OPTR bits.
const (
	optrBoot1L0     = 1 << 31
	optrWDGSW       = 1 << 20
	optrWPRModL0    = 1 << 8
	optrRDProtMask  = 0xff
	optrRDProtLvl0  = 0xaa
	optrRDProtLvl2  = 0xcc
	optrNBFB2L1     = 1 << 23
	optrNRSTStdbyL1 = 1 << 22
	optrNRSTStopL1  = 1 << 21
	optrBORShiftL1  = 16
	optrBORMaskL1   = 0xf
	optrSPRModL1    = 1 << 8
)

// Option byte reload magic patterns used by the protection-clearing mass
// erase. Each write is followed by an OBL_LAUNCH trigger.
const (
	optWipePattern1 = 0xffff0000
	optWipePattern2 = 0xff5500aa
)

const (
	l0DBGMCUBase       = 0x40015800
	l1DBGMCUBase       = 0xe0042000
	dbgmcuIDCode       = 0x000
	dbgmcuConfig       = 0x004
	dbgmcuAPB1Freeze   = 0x008
	dbgSleep           = 1 << 0
	dbgStop            = 1 << 1
	dbgStandby         = 1 << 2
	apb1FreezeWWDG     = 1 << 11
	apb1FreezeIWDG     = 1 << 12
	l0UIDFlashSizeAddr = 0x1ff8007c
)

// DBGMCU_IDCODE part numbers, RM0377 rev 10 §27.4.1 and RM0038 rev 17 §30.6.1.
const (
	idSTM32L01x = 0x457 // Category 1
	idSTM32L03x = 0x425 // Category 2
	idSTM32L05x = 0x417 // Category 3
	idSTM32L07x = 0x447 // Category 5

	idSTM32L1Cat1 = 0x416
	idSTM32L1Cat2 = 0x429
	idSTM32L1Cat3 = 0x427
	idSTM32L1Cat4 = 0x436
	idSTM32L1Cat5 = 0x437
)

// ProtectionLevel is the read protection level decoded from OPTR.
type ProtectionLevel int

// Read protection levels. Level 0 is open, level 1 restricts debug reads and
// level 2 locks the part down permanently.
const (
	ProtectionOpen   ProtectionLevel = 0
	ProtectionLevel1 ProtectionLevel = 1
	ProtectionLevel2 ProtectionLevel = 2
)

func protectionLevel(optr uint32) ProtectionLevel {
	switch optr & optrRDProtMask {
	case optrRDProtLvl0:
		return ProtectionOpen
	case optrRDProtLvl2:
		return ProtectionLevel2
	default:
		return ProtectionLevel1
	}
}

// NVM drives the flash controller of one attached STM32L0/L1. It is created
// by ProbeL0 or ProbeL1 and owns the family constants (register base, option
// window size, EEPROM size) for the session.
type NVM struct {
	t      *target.Target
	mem    transport.MemoryAccessor
	base   uint32
	l1     bool
	partID uint32
	cfg    Config
}

func (n *NVM) pecr() uint32    { return n.base + regPECR }
func (n *NVM) pekeyr() uint32  { return n.base + regPEKEYR }
func (n *NVM) prgkeyr() uint32 { return n.base + regPRGKEYR }
func (n *NVM) optkeyr() uint32 { return n.base + regOPTKEYR }
func (n *NVM) sr() uint32      { return n.base + regSR }
func (n *NVM) optr() uint32    { return n.base + regOPTR }

func (n *NVM) optSize() uint32 {
	if n.l1 {
		return l1OptSize
	}
	return l0OptSize
}

func (n *NVM) eepromSize() uint32 {
	switch n.partID {
	case idSTM32L01x:
		return l0EEPROMCat1Size
	case idSTM32L03x:
		return l0EEPROMCat2Size
	case idSTM32L05x:
		return l0EEPROMCat3Size
	case idSTM32L07x:
		return l0EEPROMCat5Size
	default:
		return l1EEPROMSize
	}
}

// ProbeL0 identifies an STM32L0 by its DBGMCU part number and, on a match,
// fills in the target's flash map, EEPROM map and monitor commands. Returns
// false when the part is not an STM32L0.
func ProbeL0(t *target.Target, opts ...Option) (bool, error) {
	idcode, err := t.Mem.Read32(l0DBGMCUBase + dbgmcuIDCode)
	if err != nil {
		return false, err
	}
	partID := idcode & 0xfff
	switch partID {
	case idSTM32L01x, idSTM32L03x, idSTM32L05x, idSTM32L07x:
	default:
		return false, nil
	}

	n := &NVM{t: t, mem: t.Mem, base: l0FlashRegBase, partID: partID, cfg: newConfig(opts)}

	// Make sure the WDTs plus WFI and WFE instructions can't cause problems
	// now that we have a stable debug environment.
	if err := n.configureDBGMCU(); err != nil {
		return false, err
	}

	t.Driver = "STM32L0"
	t.PartID = partID
	t.AttachFunc = n.attachL0
	t.DetachFunc = n.detachL0
	t.MassEraseFunc = n.massErase
	t.AddCommands(n.commands())

	// Having identified the part, read out how much Flash it has. There is
	// no good way to tell how much RAM or EEPROM a part has, so those get
	// one-size maps.
	kib, err := t.Mem.Read16(l0UIDFlashSizeAddr)
	if err != nil {
		return false, err
	}
	flashSize := uint32(kib) * 1024
	t.AddRAM(sramBase, l0SRAMSize)

	switch partID {
	case idSTM32L07x:
		// Category 5 parts have two banks, split 50:50 on the total size.
		bankSize := flashSize >> 1
		if err := n.addFlash(flashBankBase, bankSize, l0PageSize); err != nil {
			return false, err
		}
		if err := n.addFlash(flashBankBase+bankSize, bankSize, l0PageSize); err != nil {
			return false, err
		}
	default:
		if err := n.addFlash(flashBankBase, flashSize, l0PageSize); err != nil {
			return false, err
		}
	}
	if err := n.addEEPROM(eepromBase, l0EEPROMMapSize); err != nil {
		return false, err
	}
	return true, nil
}

// ProbeL1 identifies an STM32L1 by its DBGMCU part number. A read-protected
// part still attaches, but with a restricted surface: every operation except
// the protection-clearing mass erase is refused until the option bytes have
// been wiped and the caller re-attaches.
func ProbeL1(t *target.Target, opts ...Option) (bool, error) {
	idcode, err := t.Mem.Read32(l1DBGMCUBase + dbgmcuIDCode)
	if err != nil {
		return false, err
	}
	partID := idcode & 0xfff
	switch partID {
	case idSTM32L1Cat1, idSTM32L1Cat2, idSTM32L1Cat3, idSTM32L1Cat4, idSTM32L1Cat5:
	default:
		return false, nil
	}

	n := &NVM{t: t, mem: t.Mem, base: l1FlashRegBase, l1: true, partID: partID, cfg: newConfig(opts)}

	t.PartID = partID
	t.AddRAM(sramBase, l1SRAMSize)
	if err := n.addFlash(flashBankBase, 0x80000, l1PageSize); err != nil {
		return false, err
	}
	t.AddCommands(n.commands())

	optr, err := t.Mem.Read32(n.optr())
	if err != nil {
		return false, err
	}
	if protectionLevel(optr) != ProtectionOpen {
		t.Driver = "STM32L1 (protected)"
		t.Protected = true
		t.AttachFunc = n.protectedAttach
		t.MassEraseFunc = n.protectedMassErase
	} else {
		t.Driver = "STM32L1"
		t.MassEraseFunc = n.massErase
	}
	return true, nil
}

func (n *NVM) addFlash(addr, length, eraseSize uint32) error {
	return n.t.AddFlash(&target.FlashRegion{
		Start:     addr,
		Length:    length,
		BlockSize: eraseSize,
		WriteSize: eraseSize >> 1,
		Ops:       flashOps{n},
	})
}

func (n *NVM) addEEPROM(addr, length uint32) error {
	return n.t.AddFlash(&target.FlashRegion{
		Start:     addr,
		Length:    length,
		BlockSize: 4,
		WriteSize: 4,
		Ops:       eepromOps{n},
	})
}

// configureDBGMCU enables debugging during all low power modes and keeps the
// WDTs synchronised to the run state of the processor.
func (n *NVM) configureDBGMCU() error {
	if err := n.mem.Write32(l0DBGMCUBase+dbgmcuConfig, dbgSleep|dbgStop|dbgStandby); err != nil {
		return err
	}
	return n.mem.Write32(l0DBGMCUBase+dbgmcuAPB1Freeze, apb1FreezeWWDG|apb1FreezeIWDG)
}

// attachL0 re-applies the DBGMCU configuration: it is undone by detach.
func (n *NVM) attachL0(ctx context.Context) error {
	if n.t.Debug != nil {
		if err := n.t.Debug.Attach(); err != nil {
			return err
		}
	}
	return n.configureDBGMCU()
}

func (n *NVM) detachL0() {
	// Reverse all changes to DBGMCU_CONFIG before the debugger lets go.
	_ = n.mem.Write32(l0DBGMCUBase+dbgmcuConfig, 0)
}

// protectedAttach accepts the attach but leaves the restricted surface in
// place. Recovery is the operator's decision, not an automatic side effect.
func (n *NVM) protectedAttach(ctx context.Context) error {
	if n.t.Debug != nil {
		if err := n.t.Debug.Attach(); err != nil {
			return err
		}
	}
	n.logInfo("attached in protected mode; issue a mass erase to regain chip access")
	return nil
}

// flashOps dispatches program flash operations to the NVM controller.
type flashOps struct{ n *NVM }

func (o flashOps) Erase(ctx context.Context, f *target.FlashRegion, addr, length uint32) error {
	return o.n.flashErase(ctx, f, addr, length)
}

func (o flashOps) Write(ctx context.Context, f *target.FlashRegion, addr uint32, data []byte) error {
	return o.n.flashWrite(ctx, f, addr, data)
}

// eepromOps dispatches data EEPROM operations to the NVM controller.
type eepromOps struct{ n *NVM }

func (o eepromOps) Erase(ctx context.Context, f *target.FlashRegion, addr, length uint32) error {
	return o.n.eepromErase(ctx, f, addr, length)
}

func (o eepromOps) Write(ctx context.Context, f *target.FlashRegion, addr uint32, data []byte) error {
	return o.n.eepromWrite(ctx, f, addr, data)
}

func (n *NVM) logInfo(msg string, kv ...interface{}) {
	if n.cfg.Logger != nil {
		n.cfg.Logger.Info(msg, kv...)
	}
}

func (n *NVM) logDebug(msg string, kv ...interface{}) {
	if n.cfg.Logger != nil {
		n.cfg.Logger.Debug(msg, kv...)
	}
}

// EncodeOption builds a valid option word from a 16-bit payload: the high
// half must be the one's complement of the low half.
func EncodeOption(v uint16) uint32 {
	return uint32(v) | (^uint32(v)&0xffff)<<16
}

// ValidOption reports whether an option word satisfies the complement law.
func ValidOption(w uint32) bool {
	return w&0xffff == (^w>>16)&0xffff
}

// String implements fmt.Stringer for diagnostics.
func (p ProtectionLevel) String() string {
	return fmt.Sprintf("RDP level %d", int(p))
}

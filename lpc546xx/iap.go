package lpc546xx

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/via/blackmagic/target"
	"github.com/via/blackmagic/transport"
)

// IAP command opcodes, LPC546xx User Manual chapter 10.
const (
	iapCmdPrepare    = 50
	iapCmdProgram    = 51
	iapCmdErase      = 52
	iapCmdBlankCheck = 53
	iapCmdPartID     = 54
	iapCmdReadUID    = 58
)

// IAP status codes returned in the first result word.
const (
	iapStatusSuccess           = 0
	iapStatusInvalidCommand    = 1
	iapStatusSrcAddrError      = 2
	iapStatusDstAddrError      = 3
	iapStatusSrcAddrNotMapped  = 4
	iapStatusDstAddrNotMapped  = 5
	iapStatusCountError        = 6
	iapStatusInvalidSector     = 7
	iapStatusSectorNotBlank    = 8
	iapStatusSectorNotPrepared = 9
	iapStatusCompareError      = 10
	iapStatusBusy              = 11
)

var iapStatusNames = map[uint32]string{
	iapStatusInvalidCommand:    "INVALID_COMMAND",
	iapStatusSrcAddrError:      "SRC_ADDR_ERROR",
	iapStatusDstAddrError:      "DST_ADDR_ERROR",
	iapStatusSrcAddrNotMapped:  "SRC_ADDR_NOT_MAPPED",
	iapStatusDstAddrNotMapped:  "DST_ADDR_NOT_MAPPED",
	iapStatusCountError:        "COUNT_ERROR",
	iapStatusInvalidSector:     "INVALID_SECTOR",
	iapStatusSectorNotBlank:    "SECTOR_NOT_BLANK",
	iapStatusSectorNotPrepared: "SECTOR_NOT_PREPARED_FOR_WRITE",
	iapStatusCompareError:      "COMPARE_ERROR",
	iapStatusBusy:              "BUSY",
}

// Fixed layout of one call inside scratch RAM. The scratch region is
// exclusively owned by the in-flight call; after a timeout its contents are
// undefined and must not be reused without re-initialisation.
const (
	stubCommandOffset = 0x00
	stubParamsOffset  = 0x04
	stubResultOffset  = 0x20
	stubBreakOffset   = 0x40
	stubBufferOffset  = 0x100

	stubMaxParams  = 4
	stubMaxResults = 4

	// Thumb BKPT #0
	bkptOpcode = 0xbe00
)

// The vector table checksum lives in the reserved word 7; the boot ROM
// validates it as the two's complement of the sum of vectors 0 through 6.
const (
	vectorChecksumOffset = 0x1c
	vectorTableSize      = 0x20
)

// CallStubDescriptor locates the ROM routine and the scratch RAM used to
// pass parameters and serve as the called routine's stack.
type CallStubDescriptor struct {
	// Entry is the ROM entry point address of the IAP firmware.
	Entry uint32

	// ScratchBase is the bottom of the RAM window owned by the call.
	ScratchBase uint32

	// ScratchSize is the window size; the callee's stack pointer starts at
	// its top.
	ScratchSize uint32
}

func (d CallStubDescriptor) msp() uint32 {
	return d.ScratchBase + d.ScratchSize
}

// Flash drives the LPC546xx flash array through IAP calls. It implements
// target.FlashOps for the single flash region of the part.
type Flash struct {
	t      *target.Target
	cfg    Config
	stub   CallStubDescriptor
	region *target.FlashRegion
}

// Call marshals the opcode and arguments into scratch RAM, injects a call to
// the ROM entry point with the return trapped on a planted breakpoint, runs
// it to completion bounded by the call timeout, and decodes the status and
// result words. It is the primitive under every erase, program and vendor
// query operation.
func (f *Flash) Call(ctx context.Context, opcode uint32, args ...uint32) (uint32, [stubMaxResults]uint32, error) {
	var results [stubMaxResults]uint32
	if len(args) > stubMaxParams {
		return 0, results, fmt.Errorf("iap call takes at most %d arguments, got %d", stubMaxParams, len(args))
	}
	dbg := f.t.Debug
	if dbg == nil {
		return 0, results, fmt.Errorf("driver %q needs run control for iap calls", f.t.Driver)
	}

	frame := make([]byte, stubParamsOffset+stubMaxParams*4)
	binary.LittleEndian.PutUint32(frame[stubCommandOffset:], opcode)
	for i, arg := range args {
		binary.LittleEndian.PutUint32(frame[stubParamsOffset+i*4:], arg)
	}
	if err := f.t.Mem.WriteBlock(f.stub.ScratchBase, frame); err != nil {
		return 0, results, err
	}

	breakAddr := f.stub.ScratchBase + stubBreakOffset
	if err := f.t.Mem.Write16(breakAddr, bkptOpcode); err != nil {
		return 0, results, err
	}

	regs := []struct {
		reg   int
		value uint32
	}{
		{0, f.stub.ScratchBase + stubCommandOffset},
		{1, f.stub.ScratchBase + stubResultOffset},
		{transport.RegSP, f.stub.msp()},
		{transport.RegLR, breakAddr | 1},
		{transport.RegPC, f.stub.Entry},
	}
	for _, r := range regs {
		if err := dbg.WriteRegister(r.reg, r.value); err != nil {
			return 0, results, err
		}
	}

	if err := dbg.Resume(); err != nil {
		return 0, results, err
	}
	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, f.cfg.CallTimeout)
		defer cancel()
	}
	if err := dbg.WaitHalt(callCtx); err != nil {
		// A hang here is fatal to the operation; the scratch RAM contents
		// are undefined from this point.
		return 0, results, fmt.Errorf("iap call %d did not return: %w", opcode, err)
	}

	out := make([]byte, 4+stubMaxResults*4)
	if err := f.t.Mem.ReadBlock(f.stub.ScratchBase+stubResultOffset, out); err != nil {
		return 0, results, err
	}
	status := binary.LittleEndian.Uint32(out)
	for i := range results {
		results[i] = binary.LittleEndian.Uint32(out[4+i*4:])
	}
	return status, results, nil
}

// call wraps Call and converts a non-success status word into a
// ControllerError carrying the decoded status name.
func (f *Flash) call(ctx context.Context, opcode uint32, args ...uint32) ([stubMaxResults]uint32, error) {
	status, results, err := f.Call(ctx, opcode, args...)
	if err != nil {
		return results, err
	}
	if status != iapStatusSuccess {
		cerr := &target.ControllerError{Status: status}
		if name, ok := iapStatusNames[status]; ok {
			cerr.Flags = []string{name}
		}
		return results, cerr
	}
	return results, nil
}

func (f *Flash) sectorRange(addr, length uint32) (uint32, uint32) {
	first := addr / sectorSize
	last := (addr + length - 1) / sectorSize
	return first, last
}

// Erase erases the sectors covering [addr, addr+length): prepare, erase,
// then a blank check over the same range. Flash init (reset/attach, watchdog
// period, clock setup) always runs first so sector 0 is really flash and the
// IAP timing assumptions hold.
func (f *Flash) Erase(ctx context.Context, region *target.FlashRegion, addr, length uint32) error {
	if err := f.flashInit(ctx); err != nil {
		return err
	}
	first, last := f.sectorRange(addr, length)
	tick := target.NewTicker(target.DefaultProgressInterval, f.cfg.Progress)

	for sector := first; sector <= last; sector++ {
		if err := f.wdtKick(); err != nil {
			return err
		}
		if _, err := f.call(ctx, iapCmdPrepare, sector, sector); err != nil {
			return fmt.Errorf("prepare sector %d: %w", sector, err)
		}
		if _, err := f.call(ctx, iapCmdErase, sector, sector, f.cfg.CPUFreqKHz); err != nil {
			return fmt.Errorf("erase sector %d: %w", sector, err)
		}
		if _, err := f.call(ctx, iapCmdBlankCheck, sector, sector); err != nil {
			return fmt.Errorf("blank check sector %d: %w", sector, err)
		}
		tick.Tick()
	}
	return nil
}

// Write programs the payload in fixed-size chunks dictated by the scratch
// RAM budget, one IAP call per chunk, feeding the watchdog at every chunk
// boundary. The whole multi-chunk write is not atomic: a failure partway is
// reported as a PartialWriteError naming the failed chunk so the caller can
// resume or abort. Any write covering the vector table checksum word is
// patched first so the boot ROM's image validation passes.
func (f *Flash) Write(ctx context.Context, region *target.FlashRegion, dest uint32, data []byte) error {
	if f.coversVectorChecksum(region, dest, uint32(len(data))) {
		patched := make([]byte, len(data))
		copy(patched, data)
		patchVectorChecksum(patched)
		data = patched
	}
	return f.writeChunks(ctx, dest, data)
}

// coversVectorChecksum reports whether the write lands on the reserved
// checksum word of the vector table in the lowest-addressed block. The patch
// needs the preceding vectors in the same buffer, so only writes starting at
// the region base qualify; writes elsewhere pass through unmodified.
func (f *Flash) coversVectorChecksum(region *target.FlashRegion, dest, length uint32) bool {
	checksumAddr := region.Start + vectorChecksumOffset
	return dest == region.Start && dest+length >= checksumAddr+4
}

// patchVectorChecksum rewrites the reserved word 7 with the two's complement
// of the sum of vectors 0 through 6.
func patchVectorChecksum(data []byte) {
	var sum uint32
	for i := 0; i < vectorChecksumOffset; i += 4 {
		sum += binary.LittleEndian.Uint32(data[i:])
	}
	binary.LittleEndian.PutUint32(data[vectorChecksumOffset:], -sum)
}

func (f *Flash) writeChunks(ctx context.Context, dest uint32, data []byte) error {
	total := (len(data) + iapPgmChunkSize - 1) / iapPgmChunkSize
	buffer := f.stub.ScratchBase + stubBufferOffset

	for chunk := 0; chunk < total; chunk++ {
		offset := chunk * iapPgmChunkSize
		end := offset + iapPgmChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunkDest := dest + uint32(offset)

		if err := f.writeOneChunk(ctx, chunkDest, buffer, data[offset:end]); err != nil {
			if total > 1 {
				return &target.PartialWriteError{Chunk: chunk, Total: total, Addr: chunkDest, Err: err}
			}
			return err
		}
	}
	return nil
}

func (f *Flash) writeOneChunk(ctx context.Context, dest, buffer uint32, chunk []byte) error {
	// The ROM call duration per chunk is bounded well below the watchdog
	// period, so one kick per chunk boundary suffices.
	if err := f.wdtKick(); err != nil {
		return err
	}
	sector := dest / sectorSize
	if _, err := f.call(ctx, iapCmdPrepare, sector, sector); err != nil {
		return fmt.Errorf("prepare sector %d: %w", sector, err)
	}
	if err := f.t.Mem.WriteBlock(buffer, chunk); err != nil {
		return err
	}
	if _, err := f.call(ctx, iapCmdProgram, dest, buffer, uint32(len(chunk)), f.cfg.CPUFreqKHz); err != nil {
		return fmt.Errorf("program 0x%08X: %w", dest, err)
	}
	return nil
}

// ReadPartID reads the 32-bit part identification word through IAP. It has
// no flash side effects and is usable at any time after initialisation.
func (f *Flash) ReadPartID(ctx context.Context) (uint32, error) {
	results, err := f.call(ctx, iapCmdPartID)
	if err != nil {
		return 0, err
	}
	return results[0], nil
}

// ReadUID reads the 16-byte unique identifier through IAP.
func (f *Flash) ReadUID(ctx context.Context) ([16]byte, error) {
	var uid [16]byte
	results, err := f.call(ctx, iapCmdReadUID)
	if err != nil {
		return uid, err
	}
	for i, word := range results {
		binary.LittleEndian.PutUint32(uid[i*4:], word)
	}
	return uid, nil
}

package transport

import "context"

// MemoryAccessor provides aligned access to the target's memory space.
// Implementations sit on top of a debug link (SWD, JTAG, a remote probe
// protocol) and may fail on any call if communication with the target is
// lost. Such failures must be surfaced to the caller; drivers treat them as
// fatal to the operation in flight.
type MemoryAccessor interface {
	// Read8 reads a single byte from addr.
	Read8(addr uint32) (uint8, error)

	// Read16 reads a half-word from addr. addr must be 2-byte aligned.
	Read16(addr uint32) (uint16, error)

	// Read32 reads a word from addr. addr must be 4-byte aligned.
	Read32(addr uint32) (uint32, error)

	// Write8 writes a single byte to addr.
	Write8(addr uint32, value uint8) error

	// Write16 writes a half-word to addr. addr must be 2-byte aligned.
	Write16(addr uint32, value uint16) error

	// Write32 writes a word to addr. addr must be 4-byte aligned.
	Write32(addr uint32, value uint32) error

	// ReadBlock fills buf with len(buf) bytes starting at addr.
	ReadBlock(addr uint32, buf []byte) error

	// WriteBlock writes data contiguously starting at addr. The link layer
	// is free to split the transfer; the target observes an ascending
	// sequence of writes.
	WriteBlock(addr uint32, data []byte) error
}

// Core register indices for ReadRegister/WriteRegister.
const (
	RegSP = 13
	RegLR = 14
	RegPC = 15
)

// DebugController exposes run control over the target core. It is consumed
// by the reset/attach sequencer and by drivers that inject calls into
// target-resident firmware.
type DebugController interface {
	// Reset issues a full system reset of the target.
	Reset() error

	// Halt stops the core.
	Halt() error

	// Step executes exactly one instruction and halts again. The core must
	// be halted on entry; it never free-runs.
	Step() error

	// Resume lets the core free-run from its current state.
	Resume() error

	// WaitHalt blocks until the core halts (for example on a breakpoint) or
	// ctx expires. A context expiry is reported as an error; the core state
	// is undefined in that case.
	WaitHalt(ctx context.Context) error

	// ReadRegister reads a core register by index (see RegSP et al.).
	ReadRegister(reg int) (uint32, error)

	// WriteRegister writes a core register by index.
	WriteRegister(reg int, value uint32) error

	// Attach performs the debug attach handshake, leaving the core halted
	// under debugger control.
	Attach() error
}

// Device is the full probe-side view of an attached target.
type Device interface {
	MemoryAccessor
	DebugController
}

// Package remote implements the probe wire protocol: a compact framed
// request/response exchange over a serial link that exposes the register
// transport and run control of an attached target. One request is always in
// flight at a time; the adapter firmware answers every frame.
package remote

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/via/blackmagic/transport"
)

// Frame structure constants.
const (
	startOfFrame = 0x01
	endOfFrame   = 0x17

	// SOF(1) + OP/STATUS(1) + LEN(2) + CHECKSUM(2) + EOF(1)
	minFrameSize = 7

	maxPayload = 1024
)

// Request opcodes.
const (
	opRead8      = 0x10
	opRead16     = 0x11
	opRead32     = 0x12
	opReadBlock  = 0x13
	opWrite8     = 0x18
	opWrite16    = 0x19
	opWrite32    = 0x1a
	opWriteBlock = 0x1b
	opReset      = 0x20
	opHalt       = 0x21
	opStep       = 0x22
	opResume     = 0x23
	opHaltState  = 0x24
	opAttach     = 0x28
	opReadReg    = 0x30
	opWriteReg   = 0x31
)

// Response status codes.
const (
	statusOK    = 0x00
	statusFault = 0x01
)

// DefaultBaudRate is the probe's serial line rate.
const DefaultBaudRate = 115200

// Probe speaks the wire protocol over any byte stream and implements
// transport.Device. It is safe for concurrent use; requests serialise on an
// internal mutex.
type Probe struct {
	mu     sync.Mutex
	rw     io.ReadWriter
	reader *bufio.Reader
	closer io.Closer
}

// New wraps an existing byte stream, typically for testing or for links
// that are not plain serial ports.
func New(rw io.ReadWriter) *Probe {
	return &Probe{rw: rw, reader: bufio.NewReader(rw)}
}

// Open connects to the probe adapter on the named serial port.
func Open(portName string, baudRate int) (*Probe, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open probe port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(time.Second); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set probe read timeout: %w", err)
	}
	p := New(port)
	p.closer = port
	return p, nil
}

// Close releases the underlying port, if this probe owns one.
func (p *Probe) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

// buildFrame assembles [SOF][OP][LEN_L][LEN_H][PAYLOAD][CKSUM_L][CKSUM_H][EOF].
// The checksum is the 2's complement sum over OP through PAYLOAD.
func buildFrame(op byte, payload []byte) []byte {
	frame := make([]byte, 0, minFrameSize+len(payload))
	frame = append(frame, startOfFrame, op)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint16(frame, frameChecksum(frame[1:]))
	frame = append(frame, endOfFrame)
	return frame
}

func frameChecksum(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return 1 + (0xffff ^ sum)
}

// exchange sends one request frame and reads back the matching response.
func (p *Probe) exchange(op byte, payload []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.rw.Write(buildFrame(op, payload)); err != nil {
		return nil, fmt.Errorf("probe write: %w", err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(p.reader, header); err != nil {
		return nil, fmt.Errorf("probe read: %w", err)
	}
	if header[0] != startOfFrame {
		return nil, fmt.Errorf("invalid start of frame: got 0x%02X, expected 0x%02X", header[0], startOfFrame)
	}
	status := header[1]
	length := binary.LittleEndian.Uint16(header[2:])
	if length > maxPayload {
		return nil, fmt.Errorf("oversized response payload: %d bytes", length)
	}

	rest := make([]byte, int(length)+3)
	if _, err := io.ReadFull(p.reader, rest); err != nil {
		return nil, fmt.Errorf("probe read: %w", err)
	}
	if rest[len(rest)-1] != endOfFrame {
		return nil, fmt.Errorf("invalid end of frame: got 0x%02X, expected 0x%02X", rest[len(rest)-1], endOfFrame)
	}
	data := rest[:length]

	want := binary.LittleEndian.Uint16(rest[length : length+2])
	sum := frameChecksum(append(header[1:4:4], data...))
	if sum != want {
		return nil, fmt.Errorf("response checksum mismatch: got 0x%04X, expected 0x%04X", want, sum)
	}
	if status != statusOK {
		return nil, fmt.Errorf("probe reported fault 0x%02X for op 0x%02X", status, op)
	}
	return data, nil
}

func (p *Probe) memRequest(op byte, name string, addr uint32, extra []byte, wantLen int) ([]byte, error) {
	payload := make([]byte, 0, 4+len(extra))
	payload = binary.LittleEndian.AppendUint32(payload, addr)
	payload = append(payload, extra...)
	data, err := p.exchange(op, payload)
	if err != nil {
		return nil, &transport.CommError{Op: name, Addr: addr, Err: err}
	}
	if len(data) != wantLen {
		return nil, &transport.CommError{Op: name, Addr: addr,
			Err: fmt.Errorf("short response: got %d bytes, expected %d", len(data), wantLen)}
	}
	return data, nil
}

// Read8 implements transport.MemoryAccessor.
func (p *Probe) Read8(addr uint32) (uint8, error) {
	data, err := p.memRequest(opRead8, "read8", addr, nil, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// Read16 implements transport.MemoryAccessor.
func (p *Probe) Read16(addr uint32) (uint16, error) {
	data, err := p.memRequest(opRead16, "read16", addr, nil, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// Read32 implements transport.MemoryAccessor.
func (p *Probe) Read32(addr uint32) (uint32, error) {
	data, err := p.memRequest(opRead32, "read32", addr, nil, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Write8 implements transport.MemoryAccessor.
func (p *Probe) Write8(addr uint32, value uint8) error {
	_, err := p.memRequest(opWrite8, "write8", addr, []byte{value}, 0)
	return err
}

// Write16 implements transport.MemoryAccessor.
func (p *Probe) Write16(addr uint32, value uint16) error {
	_, err := p.memRequest(opWrite16, "write16", addr, binary.LittleEndian.AppendUint16(nil, value), 0)
	return err
}

// Write32 implements transport.MemoryAccessor.
func (p *Probe) Write32(addr uint32, value uint32) error {
	_, err := p.memRequest(opWrite32, "write32", addr, binary.LittleEndian.AppendUint32(nil, value), 0)
	return err
}

// ReadBlock implements transport.MemoryAccessor. Long reads are split to
// respect the frame payload limit.
func (p *Probe) ReadBlock(addr uint32, buf []byte) error {
	for len(buf) > 0 {
		n := len(buf)
		if n > maxPayload {
			n = maxPayload
		}
		data, err := p.memRequest(opReadBlock, "read block", addr,
			binary.LittleEndian.AppendUint16(nil, uint16(n)), n)
		if err != nil {
			return err
		}
		copy(buf, data)
		addr += uint32(n)
		buf = buf[n:]
	}
	return nil
}

// WriteBlock implements transport.MemoryAccessor. Long writes are split to
// respect the frame payload limit; the target observes an ascending
// sequence of writes.
func (p *Probe) WriteBlock(addr uint32, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > maxPayload-4 {
			n = maxPayload - 4
		}
		if _, err := p.memRequest(opWriteBlock, "write block", addr, data[:n], 0); err != nil {
			return err
		}
		addr += uint32(n)
		data = data[n:]
	}
	return nil
}

func (p *Probe) runControl(op byte, name string) error {
	if _, err := p.exchange(op, nil); err != nil {
		return &transport.CommError{Op: name, Err: err}
	}
	return nil
}

// Reset implements transport.DebugController.
func (p *Probe) Reset() error { return p.runControl(opReset, "reset") }

// Halt implements transport.DebugController.
func (p *Probe) Halt() error { return p.runControl(opHalt, "halt") }

// Step implements transport.DebugController.
func (p *Probe) Step() error { return p.runControl(opStep, "step") }

// Resume implements transport.DebugController.
func (p *Probe) Resume() error { return p.runControl(opResume, "resume") }

// Attach implements transport.DebugController.
func (p *Probe) Attach() error { return p.runControl(opAttach, "attach") }

// WaitHalt implements transport.DebugController, polling the halt state
// until the core stops or ctx expires.
func (p *Probe) WaitHalt(ctx context.Context) error {
	for {
		data, err := p.exchange(opHaltState, nil)
		if err != nil {
			return &transport.CommError{Op: "halt poll", Err: err}
		}
		if len(data) == 1 && data[0] != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("target did not halt: %w", ctx.Err())
		default:
		}
	}
}

// ReadRegister implements transport.DebugController.
func (p *Probe) ReadRegister(reg int) (uint32, error) {
	data, err := p.exchange(opReadReg, []byte{byte(reg)})
	if err != nil {
		return 0, &transport.CommError{Op: fmt.Sprintf("read register %d", reg), Err: err}
	}
	if len(data) != 4 {
		return 0, &transport.CommError{Op: fmt.Sprintf("read register %d", reg),
			Err: fmt.Errorf("short response: got %d bytes, expected 4", len(data))}
	}
	return binary.LittleEndian.Uint32(data), nil
}

// WriteRegister implements transport.DebugController.
func (p *Probe) WriteRegister(reg int, value uint32) error {
	payload := append([]byte{byte(reg)}, binary.LittleEndian.AppendUint32(nil, value)...)
	if _, err := p.exchange(opWriteReg, payload); err != nil {
		return &transport.CommError{Op: fmt.Sprintf("write register %d", reg), Err: err}
	}
	return nil
}

var _ transport.Device = (*Probe)(nil)

package remote

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/via/blackmagic/transport"
)

// fakeAdapter emulates the probe firmware at the frame level: every request
// written to it is decoded, executed against a small memory model and
// answered through the read side.
type fakeAdapter struct {
	mem      map[uint32]byte
	regs     map[int]uint32
	haltedAt int // respond halted once this many halt polls have happened
	polls    int
	requests []byte

	// corruptChecksum flips the checksum of every response.
	corruptChecksum bool

	// faultOn makes the adapter answer the given opcode with a fault status.
	faultOn byte

	out bytes.Buffer
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{mem: make(map[uint32]byte), regs: make(map[int]uint32)}
}

func (a *fakeAdapter) Read(p []byte) (int, error) {
	return a.out.Read(p)
}

func (a *fakeAdapter) respond(status byte, data []byte) {
	frame := make([]byte, 0, minFrameSize+len(data))
	frame = append(frame, startOfFrame, status)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(data)))
	frame = append(frame, data...)
	sum := frameChecksum(frame[1:])
	if a.corruptChecksum {
		sum ^= 0xffff
	}
	frame = binary.LittleEndian.AppendUint16(frame, sum)
	frame = append(frame, endOfFrame)
	a.out.Write(frame)
}

func (a *fakeAdapter) load(addr uint32, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = a.mem[addr+uint32(i)]
	}
	return data
}

func (a *fakeAdapter) store(addr uint32, data []byte) {
	for i, b := range data {
		a.mem[addr+uint32(i)] = b
	}
}

func (a *fakeAdapter) Write(p []byte) (int, error) {
	a.requests = append(a.requests, p...)
	if p[0] != startOfFrame || p[len(p)-1] != endOfFrame {
		return 0, errors.New("malformed request frame")
	}
	op := p[1]
	length := binary.LittleEndian.Uint16(p[2:])
	payload := p[4 : 4+length]
	want := binary.LittleEndian.Uint16(p[4+length:])
	if got := frameChecksum(p[1 : 4+length]); got != want {
		return 0, errors.New("bad request checksum")
	}
	if op == a.faultOn && a.faultOn != 0 {
		a.respond(statusFault, nil)
		return len(p), nil
	}

	addr := uint32(0)
	if len(payload) >= 4 {
		addr = binary.LittleEndian.Uint32(payload)
	}
	switch op {
	case opRead8, opRead16, opRead32:
		n := 1 << (op - opRead8)
		a.respond(statusOK, a.load(addr, n))
	case opReadBlock:
		n := binary.LittleEndian.Uint16(payload[4:])
		a.respond(statusOK, a.load(addr, int(n)))
	case opWrite8, opWrite16, opWrite32, opWriteBlock:
		a.store(addr, payload[4:])
		a.respond(statusOK, nil)
	case opReset, opHalt, opStep, opResume, opAttach:
		a.respond(statusOK, nil)
	case opHaltState:
		a.polls++
		if a.polls >= a.haltedAt {
			a.respond(statusOK, []byte{1})
		} else {
			a.respond(statusOK, []byte{0})
		}
	case opReadReg:
		value := make([]byte, 4)
		binary.LittleEndian.PutUint32(value, a.regs[int(payload[0])])
		a.respond(statusOK, value)
	case opWriteReg:
		a.regs[int(payload[0])] = binary.LittleEndian.Uint32(payload[1:])
		a.respond(statusOK, nil)
	default:
		a.respond(statusFault, nil)
	}
	return len(p), nil
}

func TestMemoryAccessRoundtrip(t *testing.T) {
	adapter := newFakeAdapter()
	p := New(adapter)

	if err := p.Write32(0x20000000, 0xdeadbeef); err != nil {
		t.Fatalf("Write32 failed: %v", err)
	}
	got, err := p.Read32(0x20000000)
	if err != nil {
		t.Fatalf("Read32 failed: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("Read32 = 0x%08X", got)
	}

	if err := p.Write16(0x20000010, 0xbe00); err != nil {
		t.Fatalf("Write16 failed: %v", err)
	}
	h, err := p.Read16(0x20000010)
	if err != nil || h != 0xbe00 {
		t.Fatalf("Read16 = 0x%04X, %v", h, err)
	}

	if err := p.Write8(0x20000020, 0xa5); err != nil {
		t.Fatalf("Write8 failed: %v", err)
	}
	b, err := p.Read8(0x20000020)
	if err != nil || b != 0xa5 {
		t.Fatalf("Read8 = 0x%02X, %v", b, err)
	}
}

func TestBlockTransfersSplitOnPayloadLimit(t *testing.T) {
	adapter := newFakeAdapter()
	p := New(adapter)

	data := make([]byte, 2*maxPayload+100)
	for i := range data {
		data[i] = byte(i)
	}
	if err := p.WriteBlock(0x20000000, data); err != nil {
		t.Fatalf("WriteBlock failed: %v", err)
	}
	got := make([]byte, len(data))
	if err := p.ReadBlock(0x20000000, got); err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("block transfer corrupted the payload")
	}
}

func TestFaultStatusIsReported(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.faultOn = opWrite32
	p := New(adapter)

	err := p.Write32(0x40000000, 1)
	var comm *transport.CommError
	if !errors.As(err, &comm) {
		t.Fatalf("expected CommError, got %v", err)
	}
	if comm.Addr != 0x40000000 {
		t.Fatalf("CommError addr = 0x%08X", comm.Addr)
	}
	if !strings.Contains(err.Error(), "fault") {
		t.Fatalf("error does not mention the fault: %v", err)
	}
}

func TestChecksumMismatchIsDetected(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.corruptChecksum = true
	p := New(adapter)

	if _, err := p.Read32(0); err == nil || !strings.Contains(err.Error(), "checksum") {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

func TestWaitHaltPollsUntilHalted(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.haltedAt = 3
	p := New(adapter)

	if err := p.WaitHalt(context.Background()); err != nil {
		t.Fatalf("WaitHalt failed: %v", err)
	}
	if adapter.polls != 3 {
		t.Fatalf("polled %d times, want 3", adapter.polls)
	}
}

func TestWaitHaltHonoursContext(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.haltedAt = 1 << 30
	p := New(adapter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.WaitHalt(ctx); err == nil {
		t.Fatal("WaitHalt returned nil on a cancelled context")
	}
}

func TestRegisterAccess(t *testing.T) {
	adapter := newFakeAdapter()
	p := New(adapter)

	if err := p.WriteRegister(transport.RegPC, 0x03000204); err != nil {
		t.Fatalf("WriteRegister failed: %v", err)
	}
	got, err := p.ReadRegister(transport.RegPC)
	if err != nil {
		t.Fatalf("ReadRegister failed: %v", err)
	}
	if got != 0x03000204 {
		t.Fatalf("register = 0x%08X", got)
	}
}

func TestRequestFrameLayout(t *testing.T) {
	adapter := newFakeAdapter()
	p := New(adapter)
	if err := p.Write8(0x11223344, 0x55); err != nil {
		t.Fatalf("Write8 failed: %v", err)
	}

	want := buildFrame(opWrite8, []byte{0x44, 0x33, 0x22, 0x11, 0x55})
	if !bytes.Equal(adapter.requests, want) {
		t.Fatalf("request frame % x, want % x", adapter.requests, want)
	}
}

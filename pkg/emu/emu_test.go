package emu

import (
	"encoding/binary"
	"errors"
	"testing"
)

const testCodeBase = 0x0040_0000

func newTestEmu(t *testing.T, is64 bool, code []byte) *Emulation {
	t.Helper()
	e, err := New(is64)
	if err != nil {
		t.Fatalf("failed to create emulation: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	if err := e.MapCode(testCodeBase, code); err != nil {
		t.Fatalf("failed to map code: %v", err)
	}
	return e
}

func TestRunWholeRoutine(t *testing.T) {
	// mov rax, [rcx+0x118]; ret
	code := []byte{0x48, 0x8b, 0x81, 0x18, 0x01, 0x00, 0x00, 0xc3}
	e := newTestEmu(t, true, code)

	buf := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(buf[0x118:], 0xdead_beef_cafe_f00d)
	base, err := e.LoadBytes(buf)
	if err != nil {
		t.Fatalf("failed to load buffer: %v", err)
	}

	rec := &AccessRecorder{Base: base, Length: uint64(len(buf)), Kind: Read}
	regs, err := e.Run(testCodeBase, 0, Options{
		Registers: map[string]uint64{"rcx": base},
		Recorder:  rec,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if regs["rax"] != 0xdead_beef_cafe_f00d {
		t.Errorf("rax = %#x; want 0xdeadbeefcafef00d", regs["rax"])
	}
	hit, ok := rec.Hit()
	if !ok {
		t.Fatal("recorder captured no access")
	}
	if hit.Addr != base+0x118 {
		t.Errorf("hit addr = %#x; want %#x", hit.Addr, base+0x118)
	}
	if hit.Size != 8 {
		t.Errorf("hit size = %d; want 8", hit.Size)
	}
}

func TestRunWholeRoutine32(t *testing.T) {
	// mov eax, [ecx+0x20]; ret
	code := []byte{0x8b, 0x41, 0x20, 0xc3}
	e := newTestEmu(t, false, code)

	buf := make([]byte, 0x100)
	binary.LittleEndian.PutUint32(buf[0x20:], 0x8100_0008)
	base, err := e.LoadBytes(buf)
	if err != nil {
		t.Fatalf("failed to load buffer: %v", err)
	}

	regs, err := e.Run(testCodeBase, 0, Options{
		Registers: map[string]uint64{"ecx": base},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if regs["eax"] != 0x8100_0008 {
		t.Errorf("eax = %#x; want 0x81000008", regs["eax"])
	}
}

func TestRunBounded(t *testing.T) {
	// mov rcx, [rcx+0x40]; call +0; ret
	// the bounded run stops at the call's fall-through, before the ret
	code := []byte{
		0x48, 0x8b, 0x49, 0x40, // mov rcx, [rcx+0x40]
		0xe8, 0x00, 0x00, 0x00, 0x00, // call $+5
		0xc3,
	}
	e := newTestEmu(t, true, code)

	buf := make([]byte, 0x100)
	binary.LittleEndian.PutUint64(buf[0x40:], 0x1122_3344_5566_7788)
	base, err := e.LoadBytes(buf)
	if err != nil {
		t.Fatalf("failed to load buffer: %v", err)
	}

	regs, err := e.Run(testCodeBase, testCodeBase+9, Options{
		Registers: map[string]uint64{"rcx": base},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if regs["rcx"] != 0x1122_3344_5566_7788 {
		t.Errorf("rcx = %#x; want 0x1122334455667788", regs["rcx"])
	}
}

func TestRunTimeout(t *testing.T) {
	// jmp $
	code := []byte{0xeb, 0xfe}
	e := newTestEmu(t, true, code)

	_, err := e.Run(testCodeBase, 0, Options{MaxInstructions: 64})
	if !errors.Is(err, ErrEmulationTimeout) {
		t.Fatalf("err = %v; want ErrEmulationTimeout", err)
	}
}

func TestRunStopOnHit(t *testing.T) {
	// mov rax, [rcx]; jmp $  (never returns; the recorder has to stop it)
	code := []byte{0x48, 0x8b, 0x01, 0xeb, 0xfe}
	e := newTestEmu(t, true, code)

	buf := make([]byte, 0x100)
	base, err := e.LoadBytes(buf)
	if err != nil {
		t.Fatalf("failed to load buffer: %v", err)
	}

	rec := &AccessRecorder{Base: base, Length: uint64(len(buf)), Kind: Read, StopOnHit: true}
	if _, err := e.Run(testCodeBase, 0, Options{
		Registers:       map[string]uint64{"rcx": base},
		Recorder:        rec,
		MaxInstructions: 64,
	}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	hit, ok := rec.Hit()
	if !ok {
		t.Fatal("recorder captured no access")
	}
	if hit.Addr != base {
		t.Errorf("hit addr = %#x; want %#x", hit.Addr, base)
	}
}

func TestRunSkipCalls(t *testing.T) {
	// mov rax, 5; call f; ret   where f: xor rax, rax; ret
	code := make([]byte, 0x40)
	copy(code, []byte{
		0x48, 0xc7, 0xc0, 0x05, 0x00, 0x00, 0x00, // mov rax, 5
		0xe8, 0x14, 0x00, 0x00, 0x00, // call f
		0xc3,
	})
	copy(code[0x20:], []byte{0x48, 0x31, 0xc0, 0xc3}) // f: xor rax, rax; ret
	e := newTestEmu(t, true, code)

	regs, err := e.Run(testCodeBase, 0, Options{SkipCalls: true})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if regs["rax"] != 5 {
		t.Errorf("rax = %#x; want 5 (callee must not run)", regs["rax"])
	}

	// without skipping, the callee executes and zeroes rax
	regs, err = e.Run(testCodeBase, 0, Options{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if regs["rax"] != 0 {
		t.Errorf("rax = %#x; want 0", regs["rax"])
	}
}

func TestRunUnmappedAccess(t *testing.T) {
	// mov rax, [0x66660000]; ret  (absolute load from an unmapped page)
	code := []byte{0x48, 0x8b, 0x04, 0x25, 0x00, 0x00, 0x66, 0x66, 0xc3}
	e := newTestEmu(t, true, code)

	regs, err := e.Run(testCodeBase, 0, Options{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	// the page is faulted in zero-filled
	if regs["rax"] != 0 {
		t.Errorf("rax = %#x; want 0", regs["rax"])
	}
}

func TestLoadBytesDisjoint(t *testing.T) {
	e, err := New(true)
	if err != nil {
		t.Fatalf("failed to create emulation: %v", err)
	}
	defer e.Close()

	a, err := e.LoadBytes(make([]byte, 0x2000))
	if err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	b, err := e.LoadBytes(make([]byte, 0x2000))
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if b <= a+0x2000 {
		t.Errorf("allocations overlap: %#x then %#x", a, b)
	}
}

func TestRecorderSelection(t *testing.T) {
	rec := &AccessRecorder{Base: 0x1000, Length: 0x100, Kind: Read, N: 1}

	rec.record(MemAccess{Kind: Write, Addr: 0x1010, Size: 8}) // wrong kind
	rec.record(MemAccess{Kind: Read, Addr: 0x2000, Size: 8})  // out of range
	rec.record(MemAccess{Kind: Read, Addr: 0x1008, Size: 8})  // skipped, N=1
	rec.record(MemAccess{Kind: Read, Addr: 0x1020, Size: 8})
	rec.record(MemAccess{Kind: Read, Addr: 0x1030, Size: 8}) // after hit

	hit, ok := rec.Hit()
	if !ok {
		t.Fatal("no hit recorded")
	}
	if hit.Addr != 0x1020 {
		t.Errorf("hit addr = %#x; want 0x1020", hit.Addr)
	}
}

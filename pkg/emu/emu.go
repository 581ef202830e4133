// Package emu drives forced emulation of kernel routines under Unicorn: it
// maps the target image, loads probe buffers into scratch memory, seeds
// register state and runs a routine to its return (or up to a designated
// instruction) while reporting memory accesses to the caller.
package emu

import (
	"fmt"

	"github.com/apex/log"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"golang.org/x/arch/x86/x86asm"
)

const (
	UC_MEM_ALIGN = 0x1000

	// returnTrap is seeded as the routine's return address; emulation of a
	// whole routine terminates when control transfers here.
	returnTrap = 0x0ff0_0000

	STACK_BASE = 0x1000_0000
	STACK_SIZE = 0x0004_0000

	// scratch region handed out by LoadBytes
	ALLOC_BASE = 0x2000_0000
	ALLOC_SIZE = 0x1000_0000

	// DefaultMaxInstructions bounds a single run. The forced paths emulated
	// here are a few hundred instructions long; anything near the budget is
	// runaway execution.
	DefaultMaxInstructions = 0x100000
)

// ErrEmulationTimeout is returned when a run exhausts its instruction budget
// without returning or reaching its end address.
var ErrEmulationTimeout = fmt.Errorf("emu: instruction budget exhausted")

// Registers is a post-run snapshot of the general purpose registers.
type Registers map[string]uint64

// Options configures a single Run.
type Options struct {
	// Registers seeds initial register state, e.g. the structure-pointer
	// argument register pointing at a loaded probe.
	Registers map[string]uint64
	// PreHook runs once after initial state is applied and before the first
	// instruction; it may override any register.
	PreHook func(e *Emulation) error
	// Recorder, if set, receives every memory read/write the routine performs.
	Recorder *AccessRecorder
	// SkipCalls steps over every CALL instruction instead of executing the
	// callee. Register state at any point in the run then reflects only the
	// routine's own instructions; argument registers loaded right before a
	// call survive to the stop address even when the callee would clobber
	// them.
	SkipCalls bool
	// MaxInstructions overrides DefaultMaxInstructions when non-zero.
	MaxInstructions uint64
	// Trace prints each memory access (colorized, with the hook details).
	Trace bool
}

// Emulation is a single-use forced-emulation instance. Nothing escapes a run
// except the returned register snapshot and whatever the recorder captured.
type Emulation struct {
	mu    uc.Unicorn
	mmap  *MemMap
	is64  bool
	names map[string]int
	order []string
	alloc uint64
}

// New creates an emulator for the given bitness with stack and return-trap
// pages mapped.
func New(is64 bool) (*Emulation, error) {
	mode := uc.MODE_32
	if is64 {
		mode = uc.MODE_64
	}
	mu, err := uc.NewUnicorn(uc.ARCH_X86, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to create unicorn instance: %v", err)
	}

	e := &Emulation{
		mu:    mu,
		mmap:  NewMemMap(),
		is64:  is64,
		alloc: ALLOC_BASE,
	}
	if is64 {
		e.names, e.order = regs64, regNames64
	} else {
		e.names, e.order = regs32, regNames32
	}

	if err := e.mapRegion(STACK_BASE, STACK_SIZE); err != nil {
		e.mu.Close()
		return nil, fmt.Errorf("failed to map stack: %v", err)
	}
	if err := e.mapRegion(returnTrap, UC_MEM_ALIGN); err != nil {
		e.mu.Close()
		return nil, fmt.Errorf("failed to map return trap: %v", err)
	}
	// lazily map anything else the routine touches (zero-filled), the way
	// the rest of the kernel address space would fault in
	if _, err := e.mu.HookAdd(uc.HOOK_MEM_READ_UNMAPPED|uc.HOOK_MEM_WRITE_UNMAPPED,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			a, sz := Align(addr, uint64(size), true)
			if !e.mmap.RangeValid(a, sz) {
				return false
			}
			if err := e.mapRegion(a, sz); err != nil {
				log.Debugf("failed to map %#x on demand: %v", a, err)
				return false
			}
			return true
		}, 1, 0); err != nil {
		e.mu.Close()
		return nil, fmt.Errorf("failed to register unmapped-memory hook: %v", err)
	}

	return e, nil
}

// Close releases the unicorn instance.
func (e *Emulation) Close() error {
	return e.mu.Close()
}

// Is64Bit reports the emulated bitness.
func (e *Emulation) Is64Bit() bool { return e.is64 }

func (e *Emulation) mapRegion(addr, size uint64) error {
	addr, size = Align(addr, size, true)
	if err := e.mmap.Map(addr, size); err != nil {
		return err
	}
	return e.mu.MemMap(addr, size)
}

// MapCode maps an image region (exec section of the target kernel) into
// emulated memory.
func (e *Emulation) MapCode(addr uint64, code []byte) error {
	a, sz := Align(addr, uint64(len(code)), true)
	if err := e.mmap.Map(a, sz); err != nil {
		return fmt.Errorf("code region %#x overlaps existing mapping: %v", addr, err)
	}
	if err := e.mu.MemMap(a, sz); err != nil {
		return fmt.Errorf("failed to memmap code at %#x: %v", a, err)
	}
	if err := e.mu.MemWrite(addr, code); err != nil {
		return fmt.Errorf("failed to write code at %#x: %v", addr, err)
	}
	return nil
}

// LoadBytes copies buf into a fresh scratch allocation and returns its base
// address. Allocations are exclusive to this instance and die with it.
func (e *Emulation) LoadBytes(buf []byte) (uint64, error) {
	base := e.alloc
	_, sz := Align(base, uint64(len(buf)), true)
	if base+sz > ALLOC_BASE+ALLOC_SIZE {
		return 0, fmt.Errorf("scratch region exhausted")
	}
	if err := e.mapRegion(base, sz); err != nil {
		return 0, fmt.Errorf("failed to map %d bytes at %#x: %v", len(buf), base, err)
	}
	if err := e.mu.MemWrite(base, buf); err != nil {
		return 0, fmt.Errorf("failed to write %d bytes at %#x: %v", len(buf), base, err)
	}
	e.alloc = base + sz + UC_MEM_ALIGN // guard gap between allocations
	return base, nil
}

// RegRead returns the value of a register by name.
func (e *Emulation) RegRead(name string) (uint64, error) {
	reg, ok := e.names[name]
	if !ok {
		return 0, fmt.Errorf("unknown register %s", name)
	}
	return e.mu.RegRead(reg)
}

// RegWrite sets a register by name.
func (e *Emulation) RegWrite(name string, value uint64) error {
	reg, ok := e.names[name]
	if !ok {
		return fmt.Errorf("unknown register %s", name)
	}
	return e.mu.RegWrite(reg, value)
}

// Run emulates from start until end. An end of 0 means run the whole routine:
// a trap return address is seeded at the top of the stack and the run
// terminates when the routine returns to it. The run is bounded by the
// instruction budget; exceeding it is ErrEmulationTimeout.
func (e *Emulation) Run(start, end uint64, opts Options) (Registers, error) {
	ptr := uint64(8)
	if !e.is64 {
		ptr = 4
	}

	sp := uint64(STACK_BASE + STACK_SIZE - UC_MEM_ALIGN)
	until := end
	if until == 0 {
		until = returnTrap
		sp -= ptr
		if err := e.PutPointer(sp, returnTrap, ptr); err != nil {
			return nil, fmt.Errorf("failed to seed return trap: %v", err)
		}
	}
	if err := e.RegWrite(e.spName(), sp); err != nil {
		return nil, err
	}

	for name, value := range opts.Registers {
		if err := e.RegWrite(name, value); err != nil {
			return nil, err
		}
	}
	if opts.PreHook != nil {
		if err := opts.PreHook(e); err != nil {
			return nil, fmt.Errorf("pre-emulation hook: %w", err)
		}
	}

	if opts.Recorder != nil || opts.Trace {
		hook, err := e.hookMemAccess(opts.Recorder, opts.Trace)
		if err != nil {
			return nil, err
		}
		defer e.mu.HookDel(hook)
	}
	if opts.SkipCalls {
		hook, err := e.hookSkipCalls()
		if err != nil {
			return nil, err
		}
		defer e.mu.HookDel(hook)
	}

	budget := opts.MaxInstructions
	if budget == 0 {
		budget = DefaultMaxInstructions
	}
	if err := e.mu.StartWithOptions(start, until, &uc.UcOptions{Count: budget}); err != nil {
		return nil, fmt.Errorf("failed to emulate %#x-%#x: %v", start, until, err)
	}

	if opts.Recorder != nil && opts.Recorder.StopOnHit {
		if _, ok := opts.Recorder.Hit(); ok {
			return e.snapshot()
		}
	}
	pc, err := e.RegRead(e.ipName())
	if err != nil {
		return nil, err
	}
	if pc != until {
		return nil, fmt.Errorf("%w: stopped at %#x before reaching %#x", ErrEmulationTimeout, pc, until)
	}

	return e.snapshot()
}

// hookMemAccess installs the per-instruction memory hook feeding the recorder
// (and the trace output).
func (e *Emulation) hookMemAccess(rec *AccessRecorder, trace bool) (uc.Hook, error) {
	hook, err := e.mu.HookAdd(uc.HOOK_MEM_READ|uc.HOOK_MEM_WRITE,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
			acc := MemAccess{Kind: Read, Addr: addr, Size: size, Value: value}
			if access == uc.MEM_WRITE {
				acc.Kind = Write
			}
			if trace {
				e.traceAccess(acc)
			}
			if rec != nil {
				rec.record(acc)
				if rec.StopOnHit && rec.hit != nil {
					mu.Stop()
				}
			}
		}, 1, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to register memory hook: %v", err)
	}
	return hook, nil
}

// hookSkipCalls installs a per-instruction hook that advances the program
// counter over CALL instructions. Nothing is pushed and the callee never
// runs, as if the call completed with no visible effect.
func (e *Emulation) hookSkipCalls() (uc.Hook, error) {
	mode := 32
	if e.is64 {
		mode = 64
	}
	hook, err := e.mu.HookAdd(uc.HOOK_CODE,
		func(mu uc.Unicorn, addr uint64, size uint32) {
			code, err := mu.MemRead(addr, uint64(size))
			if err != nil {
				return
			}
			inst, err := x86asm.Decode(code, mode)
			if err != nil || inst.Op != x86asm.CALL {
				return
			}
			if err := e.RegWrite(e.ipName(), addr+uint64(size)); err != nil {
				log.Debugf("failed to skip call at %#x: %v", addr, err)
			}
		}, 1, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to register call-skip hook: %v", err)
	}
	return hook, nil
}

// snapshot reads out the general purpose registers after a run.
func (e *Emulation) snapshot() (Registers, error) {
	regs := make(Registers, len(e.order))
	for _, name := range e.order {
		val, err := e.RegRead(name)
		if err != nil {
			return nil, err
		}
		regs[name] = val
	}
	return regs, nil
}

func (e *Emulation) spName() string {
	if e.is64 {
		return "rsp"
	}
	return "esp"
}

func (e *Emulation) ipName() string {
	if e.is64 {
		return "rip"
	}
	return "eip"
}

// Package smkm recovers the field offsets of the Windows 10 SMKM_STORE
// structure. The layout is unpublished and shifts between builds, so instead
// of hard-coding offsets the analyzer emulates the kernel routines that read
// each field against a synthetic probe buffer and watches where (or what)
// they read.
package smkm

import (
	"errors"
	"fmt"

	"github.com/apex/log"

	"github.com/memdig/smkmdump/pkg/arch"
	"github.com/memdig/smkmdump/pkg/emu"
	"github.com/memdig/smkmdump/pkg/probe"
	"github.com/memdig/smkmdump/pkg/symdb"
)

// Recognized SMKM_STORE fields.
const (
	FieldStStore                  = "StStore"
	FieldCompressedRegionPtrArray = "pCompressedRegionPtrArray"
	FieldStoreOwnerProcess        = "StoreOwnerProcess"
)

// kernel routines whose access patterns betray the field offsets
const (
	routineMapVirtualRegion   = "SmStMapVirtualRegion"
	routineDirectRead         = "?SmStDirectRead@?$SMKM_STORE"
	routineStackAttachProcess = "KiStackAttachProcess"
)

var (
	// ErrNoAccessObserved is returned when an emulated routine never read
	// the probe: wrong entry point, or a field the routine never touches
	// directly.
	ErrNoAccessObserved = errors.New("smkm: routine performed no probe access")
	// ErrValueNotFound is returned when the sampled register value does not
	// occur in the probe: wrong call site, wrong register, or the routine
	// transformed the value between load and use.
	ErrValueNotFound = errors.New("smkm: register value not derived from probe")
	// ErrVerifyMismatch is returned when the value-correlation verification
	// pass disagrees with the first pass.
	ErrVerifyMismatch = errors.New("smkm: verification pass disagrees")
)

// Analyzer resolves SMKM_STORE field offsets for one target image. The
// registry and architecture context are fixed at construction; every
// resolution runs with its own fresh probe and emulation instance.
type Analyzer struct {
	db   *symdb.DB
	img  symdb.Image
	arch arch.Context
	reg  *Registry

	probeLen  int
	maxInsns  uint64
	trace     bool
	extraRegs map[string]uint64
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

// WithProbeLength overrides the default probe buffer size.
func WithProbeLength(n int) Option {
	return func(a *Analyzer) { a.probeLen = n }
}

// WithMaxInstructions overrides the per-run instruction budget.
func WithMaxInstructions(n uint64) Option {
	return func(a *Analyzer) { a.maxInsns = n }
}

// WithTrace prints every memory access during emulation.
func WithTrace(trace bool) Option {
	return func(a *Analyzer) { a.trace = trace }
}

// WithRegisters seeds additional register state before every run, for kernels
// whose routines dereference globals expected in specific registers.
func WithRegisters(regs map[string]uint64) Option {
	return func(a *Analyzer) { a.extraRegs = regs }
}

// NewAnalyzer builds an analyzer with all known field resolvers registered
// for the bitness reported by the symbol source.
func NewAnalyzer(db *symdb.DB, img symdb.Image, opts ...Option) *Analyzer {
	a := &Analyzer{
		db:       db,
		img:      img,
		arch:     arch.New(db.Is64Bit()),
		reg:      NewRegistry(),
		probeLen: probe.DefaultLength,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.reg.Register(FieldStStore, ArchBoth, (*Analyzer).stStore)
	a.reg.Register(FieldCompressedRegionPtrArray, ArchBoth, (*Analyzer).compressedRegionPtrArray)
	a.reg.Register(FieldStoreOwnerProcess, ArchBoth, (*Analyzer).storeOwnerProcess)

	return a
}

// Arch returns the detected architecture context.
func (a *Analyzer) Arch() arch.Context { return a.arch }

// Fields returns the recognized field names.
func (a *Analyzer) Fields() []string { return a.reg.Fields() }

// Resolve recovers the offset of a single field for the detected architecture.
func (a *Analyzer) Resolve(name string) (uint64, error) {
	fn, err := a.reg.Dispatch(name, a.arch.Is64Bit)
	if err != nil {
		return 0, err
	}
	return fn(a)
}

// stStore returns the offset of the nested ST_STORE structure. It has lived
// at offset 0 on every observed build; kept as a resolver so a future layout
// change has a single place to land.
func (a *Analyzer) stStore() (uint64, error) {
	return 0, nil
}

// compressedRegionPtrArray recovers the pointer-array field by address
// interception: SmStMapVirtualRegion's first read of the store is the field
// of interest (verified against 1607-1909 builds), so the first probe-relative
// read address minus the probe base is the offset.
func (a *Analyzer) compressedRegionPtrArray() (uint64, error) {
	fn, err := a.db.FindRoutine(routineMapVirtualRegion)
	if err != nil {
		return 0, err
	}
	return a.resolveByAccess(fn)
}

// storeOwnerProcess recovers the owner-process field by value correlation:
// SmStDirectRead loads it into the first argument register right before
// calling KiStackAttachProcess, so emulation is bounded to stop just past
// that call and the register's final value is located inside the probe.
// Calls are stepped over during the run; the argument register is volatile
// in both Windows ABIs and executing the real callee would clobber it.
func (a *Analyzer) storeOwnerProcess() (uint64, error) {
	cs, err := a.db.FindCallSite(routineDirectRead, routineStackAttachProcess)
	if err != nil {
		return 0, err
	}
	return a.resolveByValue(cs, a.arch.ArgReg)
}

// newEmulation spins up a fresh emulator with the target image mapped.
func (a *Analyzer) newEmulation() (*emu.Emulation, error) {
	e, err := emu.New(a.arch.Is64Bit)
	if err != nil {
		return nil, err
	}
	for _, m := range a.img.Mappings() {
		if err := e.MapCode(m.Addr, m.Data); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

// resolveByAccess runs the routine entry-to-return with the structure-pointer
// register aimed at a fresh probe and intercepts the first probe-relative
// read.
func (a *Analyzer) resolveByAccess(fn symdb.Symbol) (uint64, error) {
	e, err := a.newEmulation()
	if err != nil {
		return 0, err
	}
	defer e.Close()

	p, err := probe.Generate(a.probeLen, a.arch.PtrSize)
	if err != nil {
		return 0, err
	}
	base, err := e.LoadBytes(p.Bytes())
	if err != nil {
		return 0, err
	}

	rec := &emu.AccessRecorder{
		Base:      base,
		Length:    uint64(p.Len()),
		Kind:      emu.Read,
		StopOnHit: true,
	}
	regs := map[string]uint64{a.arch.ArgReg: base}
	for name, val := range a.extraRegs {
		regs[name] = val
	}
	_, runErr := e.Run(fn.Addr, 0, emu.Options{
		Registers:       regs,
		Recorder:        rec,
		SkipCalls:       true,
		MaxInstructions: a.maxInsns,
		Trace:           a.trace,
	})

	hit, ok := rec.Hit()
	if !ok {
		if runErr != nil {
			return 0, runErr
		}
		return 0, fmt.Errorf("%w: %s", ErrNoAccessObserved, fn.Name)
	}
	log.WithField("routine", fn.Name).Debugf("mem read @ %#x, size %d", hit.Addr, hit.Size)
	if a.trace {
		e.DumpMem(hit.Addr&^0xf, 0x40)
	}

	return hit.Addr - base, nil
}

// resolveByValue samples the register at the bounded call site and locates
// its value inside the probe. The byte match silently assumes the loaded
// value reached the register untransformed, so the offset is re-derived on a
// second pass with the probe at a shifted base; a disagreement means the
// match was accidental.
func (a *Analyzer) resolveByValue(cs symdb.CallSite, regName string) (uint64, error) {
	off, err := a.valuePass(cs, regName, 0)
	if err != nil {
		return 0, err
	}
	check, err := a.valuePass(cs, regName, 0x3000)
	if err != nil {
		return 0, err
	}
	if check != off {
		return 0, fmt.Errorf("%w: %#x vs %#x for %s", ErrVerifyMismatch, off, check, regName)
	}
	return off, nil
}

func (a *Analyzer) valuePass(cs symdb.CallSite, regName string, shift int) (uint64, error) {
	e, err := a.newEmulation()
	if err != nil {
		return 0, err
	}
	defer e.Close()

	p, err := probe.Generate(a.probeLen, a.arch.PtrSize)
	if err != nil {
		return 0, err
	}
	if shift > 0 {
		if _, err := e.LoadBytes(make([]byte, shift)); err != nil {
			return 0, err
		}
	}
	base, err := e.LoadBytes(p.Bytes())
	if err != nil {
		return 0, err
	}

	regs, err := e.Run(cs.Start, cs.End, emu.Options{
		Registers: a.extraRegs,
		PreHook: func(e *emu.Emulation) error {
			log.Debugf("pre emulation hook loading %s", regName)
			return e.RegWrite(regName, base)
		},
		SkipCalls:       true,
		MaxInstructions: a.maxInsns,
		Trace:           a.trace,
	})
	if err != nil {
		return 0, err
	}

	off, err := p.FindValue(regs[regName])
	if errors.Is(err, probe.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s=%#x", ErrValueNotFound, regName, regs[regName])
	}
	return off, err
}

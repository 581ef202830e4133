// Package symdb resolves routine names and call sites against a symbol map
// exported from the analyst's disassembler, and locates specific call
// instructions by decoding the caller's instruction stream.
package symdb

import (
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/arch/x86/x86asm"
)

var (
	// ErrNotFound is returned when a name matches no symbol.
	ErrNotFound = errors.New("symdb: symbol not found")
	// ErrAmbiguous is returned when a name matches more than one symbol.
	// Silent first-match resolution risks binding to the wrong structure
	// variant, so ambiguity is always surfaced to the caller.
	ErrAmbiguous = errors.New("symdb: ambiguous symbol name")
	// ErrCallSiteNotFound is returned when the caller never calls the callee.
	ErrCallSiteNotFound = errors.New("symdb: call site not found")
	// ErrMultipleCallSites is returned when the caller contains more than one
	// call to the callee; the caller must disambiguate.
	ErrMultipleCallSites = errors.New("symdb: multiple call sites")
)

// Symbol is one resolved routine.
type Symbol struct {
	Name string `yaml:"name"`
	Addr uint64 `yaml:"addr"`
	Size uint64 `yaml:"size,omitempty"`
}

// Source is the external symbol provider boundary.
type Source interface {
	// LookupByName returns all symbols whose name matches pattern
	// (exact or decorated-name substring).
	LookupByName(pattern string) []Symbol
	// Is64Bit reports the bitness of the analyzed image.
	Is64Bit() bool
}

// CallSite bounds emulation around one call instruction: Start is the calling
// routine's entry and End the address of the instruction just past the call,
// so a run over [Start, End) stops right after the call executes.
type CallSite struct {
	Start uint64
	End   uint64
}

// maxScan bounds instruction-stream scanning for symbols without size info.
const maxScan = 0x2000

// call is one decoded call instruction inside a routine.
type call struct {
	target uint64 // resolved destination
	next   uint64 // address of the following instruction
}

// DB combines a symbol source with the code image it describes.
type DB struct {
	src   Source
	img   Image
	mode  int
	scans *lru.Cache[string, []call]
}

// New creates a DB over a symbol source and its code image.
func New(src Source, img Image) (*DB, error) {
	mode := 32
	if src.Is64Bit() {
		mode = 64
	}
	scans, err := lru.New[string, []call](64)
	if err != nil {
		return nil, err
	}
	return &DB{src: src, img: img, mode: mode, scans: scans}, nil
}

// Is64Bit reports the bitness of the underlying image.
func (db *DB) Is64Bit() bool { return db.src.Is64Bit() }

// FindRoutine resolves a routine name to its symbol. Zero matches and
// multiple matches are both errors.
func (db *DB) FindRoutine(name string) (Symbol, error) {
	syms := db.src.LookupByName(name)
	switch len(syms) {
	case 0:
		return Symbol{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	case 1:
		return syms[0], nil
	default:
		names := make([]string, len(syms))
		for i, s := range syms {
			names[i] = s.Name
		}
		return Symbol{}, fmt.Errorf("%w: %s matches %s", ErrAmbiguous, name, strings.Join(names, ", "))
	}
}

// FindCallSite locates the single call from caller to callee and returns the
// range bounding it. Only direct near calls are matched; calls routed through
// an import thunk or a register are invisible to the scan and report
// ErrCallSiteNotFound.
func (db *DB) FindCallSite(caller, callee string) (CallSite, error) {
	fn, err := db.FindRoutine(caller)
	if err != nil {
		return CallSite{}, err
	}
	target, err := db.FindRoutine(callee)
	if err != nil {
		return CallSite{}, err
	}

	calls, err := db.scanCalls(fn)
	if err != nil {
		return CallSite{}, err
	}

	var sites []CallSite
	for _, c := range calls {
		if c.target == target.Addr {
			sites = append(sites, CallSite{Start: fn.Addr, End: c.next})
		}
	}
	switch len(sites) {
	case 0:
		return CallSite{}, fmt.Errorf("%w: no call from %s to %s", ErrCallSiteNotFound, fn.Name, target.Name)
	case 1:
		return sites[0], nil
	default:
		return CallSite{}, fmt.Errorf("%w: %d calls from %s to %s", ErrMultipleCallSites, len(sites), fn.Name, target.Name)
	}
}

// scanCalls decodes a routine's instruction stream and collects every direct
// call with its resolved destination. Results are cached; several fields
// probe call sites inside the same routine.
func (db *DB) scanCalls(fn Symbol) ([]call, error) {
	if calls, ok := db.scans.Get(fn.Name); ok {
		return calls, nil
	}

	size := fn.Size
	bounded := size > 0
	if !bounded {
		// clamp to the containing mapping; routines near a section's end
		// would otherwise fail the read outright
		size = maxScan
		for _, m := range db.img.Mappings() {
			end := m.Addr + uint64(len(m.Data))
			if fn.Addr >= m.Addr && fn.Addr < end {
				if avail := end - fn.Addr; avail < size {
					size = avail
				}
				break
			}
		}
	}
	code, err := db.img.CodeAt(fn.Addr, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s at %#x: %w", fn.Name, fn.Addr, err)
	}

	var calls []call
	pc := fn.Addr
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], db.mode)
		if err != nil {
			// bad byte (alignment padding, data in the middle of the
			// routine); resync one byte at a time
			off++
			pc++
			continue
		}
		next := pc + uint64(inst.Len)
		if inst.Op == x86asm.CALL {
			if rel, ok := inst.Args[0].(x86asm.Rel); ok {
				calls = append(calls, call{target: next + uint64(int64(rel)), next: next})
			}
		}
		if !bounded && inst.Op == x86asm.RET {
			break
		}
		pc = next
		off += inst.Len
	}

	db.scans.Add(fn.Name, calls)
	return calls, nil
}

package emu

// AccessKind discriminates memory reads from writes.
type AccessKind int

const (
	Read AccessKind = iota + 1
	Write
)

func (k AccessKind) String() string {
	if k == Write {
		return "write"
	}
	return "read"
}

// MemAccess is one memory access performed by an emulated instruction.
// Unicorn only supplies the value for writes; reads carry zero.
type MemAccess struct {
	Kind  AccessKind
	Addr  uint64
	Size  int
	Value int64
}

// AccessRecorder captures qualifying accesses during a single run. It is
// explicit per-run state handed to Run and inspected afterwards; hook state
// never outlives the run that produced it.
//
// The zero value of N keeps the first qualifying access, which is correct
// only when the field of interest is known to be the first structure-relative
// access the routine performs. Fields that are touched later must set N (or
// Kind) to match the right access.
type AccessRecorder struct {
	// Base and Length restrict recording to [Base, Base+Length).
	Base   uint64
	Length uint64
	// Kind restricts recording to one access kind; zero records both.
	Kind AccessKind
	// N selects which qualifying access to keep, 0 being the first.
	N int
	// StopOnHit halts emulation as soon as the access is captured; the rest
	// of the routine is of no interest to an address-interception consumer.
	StopOnHit bool

	seen int
	hit  *MemAccess
}

func (r *AccessRecorder) record(acc MemAccess) {
	if r.hit != nil {
		return
	}
	if r.Kind != 0 && acc.Kind != r.Kind {
		return
	}
	if acc.Addr < r.Base || acc.Addr >= r.Base+r.Length {
		return
	}
	if r.seen < r.N {
		r.seen++
		return
	}
	hit := acc
	r.hit = &hit
}

// Hit returns the recorded access, if any qualified.
func (r *AccessRecorder) Hit() (MemAccess, bool) {
	if r.hit == nil {
		return MemAccess{}, false
	}
	return *r.hit, true
}

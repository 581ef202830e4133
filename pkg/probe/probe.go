// Package probe generates self-identifying byte buffers that stand in for
// kernel structure instances during forced emulation.
//
// Every pointer-sized window occurs exactly once in a generated probe, so any
// value the emulated routine loads out of the buffer can be traced back to
// the structure offset it originated from.
package probe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// wordSize is the granularity of the position tags written into the buffer.
	wordSize = 4

	// marker tags the top byte of every position word. A window sliced at any
	// alignment then still pins down both the word index and the slice phase.
	// Word indexes are capped below 0x8000 so the high index byte can never
	// collide with the marker.
	marker = 0x81

	maxWords = 0x8000

	// MaxLength is the largest buffer for which window uniqueness holds.
	MaxLength = wordSize * maxWords

	// DefaultLength comfortably covers any plausible kernel structure.
	DefaultLength = 8192
)

var (
	// ErrLength is returned when the requested length cannot hold a single window.
	ErrLength = fmt.Errorf("probe: length must be at least one window")
	// ErrTooLarge is returned when the requested length is too large for
	// window uniqueness to hold.
	ErrTooLarge = fmt.Errorf("probe: length exceeds %d bytes, window uniqueness cannot hold", MaxLength)
	// ErrWindow is returned for window sizes the generator cannot make unique.
	ErrWindow = fmt.Errorf("probe: window size must be 4 or 8 bytes")
	// ErrNotFound is returned by Find when a window does not occur in the probe.
	ErrNotFound = fmt.Errorf("probe: window not found")
)

// Probe is an immutable pattern buffer. Generate a fresh one per emulation
// run; the emulated code may clobber the loaded copy in place.
type Probe struct {
	data   []byte
	window int
}

// Generate builds a probe of the given length whose windows of the given size
// (4 or 8 bytes, matching the target pointer width) are pairwise distinct.
func Generate(length, window int) (*Probe, error) {
	if window != 4 && window != 8 {
		return nil, ErrWindow
	}
	if length < window {
		return nil, ErrLength
	}
	if length > MaxLength {
		return nil, ErrTooLarge
	}

	data := make([]byte, (length+wordSize-1) & ^(wordSize-1))
	for i := 0; i < len(data)/wordSize; i++ {
		binary.LittleEndian.PutUint32(data[i*wordSize:], uint32(marker)<<24|uint32(i))
	}

	return &Probe{data: data[:length], window: window}, nil
}

// Bytes returns the raw pattern. Callers must not mutate it.
func (p *Probe) Bytes() []byte { return p.data }

// Len returns the probe length in bytes.
func (p *Probe) Len() int { return len(p.data) }

// Window returns the configured window size.
func (p *Probe) Window() int { return p.window }

// Contains reports whether addr falls inside the probe when it is loaded at base.
func (p *Probe) Contains(base, addr uint64) bool {
	return base <= addr && addr < base+uint64(len(p.data))
}

// Find returns the unique offset at which the given window occurs.
func (p *Probe) Find(window []byte) (uint64, error) {
	if len(window) != p.window {
		return 0, fmt.Errorf("probe: bad window length %d (want %d)", len(window), p.window)
	}
	idx := bytes.Index(p.data, window)
	if idx < 0 {
		return 0, ErrNotFound
	}
	return uint64(idx), nil
}

// FindValue packs val little-endian at the probe's window size and returns the
// offset its byte pattern occurs at. ErrNotFound means the value never came
// out of this probe (wrong register, wrong stop point, or the routine
// transformed the loaded value before it was sampled).
func (p *Probe) FindValue(val uint64) (uint64, error) {
	window := make([]byte, p.window)
	if p.window == 4 {
		if val > 0xffffffff {
			return 0, ErrNotFound
		}
		binary.LittleEndian.PutUint32(window, uint32(val))
	} else {
		binary.LittleEndian.PutUint64(window, val)
	}
	return p.Find(window)
}

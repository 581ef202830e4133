// Package arch holds the detected target architecture context: pointer width,
// register naming and value packing for 32-bit vs 64-bit kernels. A Context is
// built once at startup and is read-only afterwards.
package arch

import (
	"encoding/binary"
	"fmt"
)

// Context describes the bitness-dependent conventions used by every resolver.
type Context struct {
	Is64Bit bool
	// PtrSize is the pointer width in bytes (also the probe window size).
	PtrSize int
	// ArgReg is the register carrying the structure pointer on entry, the
	// first fastcall/thiscall argument (rcx on x64, ecx on x86).
	ArgReg string
	// SPReg and IPReg name the stack pointer and instruction pointer.
	SPReg string
	IPReg string
}

// New returns the context for the given bitness.
func New(is64 bool) Context {
	if is64 {
		return Context{
			Is64Bit: true,
			PtrSize: 8,
			ArgReg:  "rcx",
			SPReg:   "rsp",
			IPReg:   "rip",
		}
	}
	return Context{
		PtrSize: 4,
		ArgReg:  "ecx",
		SPReg:   "esp",
		IPReg:   "eip",
	}
}

// Pack encodes val little-endian at the context's pointer width, the byte
// pattern a register load from memory would have produced.
func (c Context) Pack(val uint64) []byte {
	buf := make([]byte, c.PtrSize)
	if c.PtrSize == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(val))
	} else {
		binary.LittleEndian.PutUint64(buf, val)
	}
	return buf
}

// Unpack is the inverse of Pack.
func (c Context) Unpack(buf []byte) (uint64, error) {
	if len(buf) != c.PtrSize {
		return 0, fmt.Errorf("arch: bad buffer length %d (pointer width is %d)", len(buf), c.PtrSize)
	}
	if c.PtrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (c Context) String() string {
	if c.Is64Bit {
		return "x64"
	}
	return "x86"
}

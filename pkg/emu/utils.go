package emu

import (
	"encoding/binary"
	"fmt"

	"github.com/memdig/smkmdump/internal/utils"
)

// Align returns an aligned memory addr/size to be used with unicorn MemMap
func Align(addr, size uint64, growl ...bool) (uint64, uint64) {
	to := uint64(UC_MEM_ALIGN)
	mask := ^(to - 1)
	right := addr + size
	right = (right + to - 1) & mask
	addr &= mask
	size = right - addr
	if len(growl) > 0 && growl[0] {
		size = (size + to - 1) & mask
	}
	return addr, size
}

// PutPointer writes a pointer of the given width at where.
func (e *Emulation) PutPointer(where uint64, ptr uint64, size uint64) error {
	buf := make([]byte, size)
	if size == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(ptr))
	} else {
		binary.LittleEndian.PutUint64(buf, ptr)
	}
	return e.mu.MemWrite(where, buf)
}

// MemRead reads size bytes of emulated memory at addr.
func (e *Emulation) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// DumpMem prints a hexdump of emulated memory.
func (e *Emulation) DumpMem(addr uint64, size uint64) error {
	dat, err := e.mu.MemRead(addr, size)
	if err != nil {
		return err
	}
	fmt.Print(utils.HexDump(dat, addr))
	return nil
}

func (e *Emulation) traceAccess(acc MemAccess) {
	switch acc.Kind {
	case Write:
		fmt.Print(colorHook("[MEM_WRITE]"))
	default:
		fmt.Print(colorHook("[MEM_READ]"))
	}
	fmt.Print(colorDetails(" addr: %#x, size: %d, value: %#x\n", acc.Addr, acc.Size, acc.Value))
}

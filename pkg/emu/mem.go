package emu

import "fmt"

type Page struct {
	Addr uint64
	Size uint64
}

func (p *Page) Contains(addr uint64) bool {
	return p.Addr <= addr && addr < p.Addr+p.Size
}

func (p *Page) Overlaps(addr, size uint64) bool {
	return p.Addr < addr+size && addr < p.Addr+p.Size
}

// MemMap tracks the regions already mapped into an emulation instance so
// image sections, the stack and scratch allocations never double-map.
type MemMap struct {
	Pages []*Page
}

func NewMemMap() *MemMap {
	return &MemMap{}
}

func (m *MemMap) Contains(addr uint64) bool {
	for _, p := range m.Pages {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (m *MemMap) RangeValid(addr, size uint64) bool {
	for _, p := range m.Pages {
		if p.Overlaps(addr, size) {
			return false
		}
	}
	return true
}

// Map records a new region. addr and size must already be aligned.
func (m *MemMap) Map(addr, size uint64) error {
	if !m.RangeValid(addr, size) {
		return fmt.Errorf("invalid range %#x-%#x", addr, addr+size)
	}
	m.Pages = append(m.Pages, &Page{addr, size})
	return nil
}

func (m *MemMap) String() string {
	var s string
	for _, p := range m.Pages {
		s += fmt.Sprintf("%#x-%#x\n", p.Addr, p.Addr+p.Size)
	}
	return s
}

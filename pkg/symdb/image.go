package symdb

import (
	"debug/pe"
	"fmt"

	"github.com/pkg/errors"
)

// Mapping is one executable region of the analyzed image.
type Mapping struct {
	Addr uint64
	Data []byte
}

// Image provides the code bytes backing the symbol map. The harness maps
// every region into emulated memory; the locator reads instruction streams
// out of it.
type Image interface {
	CodeAt(addr, size uint64) ([]byte, error)
	Mappings() []Mapping
}

// RawImage is a flat code blob at a fixed base. Used for raw section dumps
// and in tests.
type RawImage struct {
	Base uint64
	Data []byte
}

func (r *RawImage) CodeAt(addr, size uint64) ([]byte, error) {
	if addr < r.Base || addr+size > r.Base+uint64(len(r.Data)) {
		return nil, fmt.Errorf("address range %#x-%#x outside image", addr, addr+size)
	}
	return r.Data[addr-r.Base : addr-r.Base+size], nil
}

func (r *RawImage) Mappings() []Mapping {
	return []Mapping{{Addr: r.Base, Data: r.Data}}
}

// PEImage holds the executable sections of a PE file (ntoskrnl.exe) at their
// preferred virtual addresses.
type PEImage struct {
	ImageBase uint64
	Is64Bit   bool
	sections  []Mapping
}

const imageScnMemExecute = 0x20000000

// OpenPE loads the executable sections of a PE file.
func OpenPE(path string) (*PEImage, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse PE %s", path)
	}
	defer f.Close()

	img := &PEImage{}
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		img.ImageBase = oh.ImageBase
		img.Is64Bit = true
	case *pe.OptionalHeader32:
		img.ImageBase = uint64(oh.ImageBase)
	default:
		return nil, fmt.Errorf("%s has no optional header", path)
	}

	for _, sec := range f.Sections {
		if sec.Characteristics&imageScnMemExecute == 0 {
			continue
		}
		raw, err := sec.Data()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read section %s", sec.Name)
		}
		// sections are often larger in memory than on disk; pad to the
		// virtual size so the tail is mapped (and zeroed) during emulation
		if uint32(len(raw)) < sec.VirtualSize {
			raw = append(raw, make([]byte, sec.VirtualSize-uint32(len(raw)))...)
		}
		img.sections = append(img.sections, Mapping{
			Addr: img.ImageBase + uint64(sec.VirtualAddress),
			Data: raw,
		})
	}
	if len(img.sections) == 0 {
		return nil, fmt.Errorf("%s has no executable sections", path)
	}
	return img, nil
}

func (p *PEImage) CodeAt(addr, size uint64) ([]byte, error) {
	for _, sec := range p.sections {
		if addr >= sec.Addr && addr+size <= sec.Addr+uint64(len(sec.Data)) {
			return sec.Data[addr-sec.Addr : addr-sec.Addr+size], nil
		}
	}
	return nil, fmt.Errorf("address range %#x-%#x not in any executable section", addr, addr+size)
}

func (p *PEImage) Mappings() []Mapping { return p.sections }

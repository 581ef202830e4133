package symdb

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileSource is a Source backed by a YAML symbol map exported from the
// analyst's disassembler, e.g.
//
//	bitness: 64
//	symbols:
//	  - name: SmStMapVirtualRegion
//	    addr: 0x140a0c000
//	    size: 0x1f0
type FileSource struct {
	Bitness int      `yaml:"bitness"`
	Symbols []Symbol `yaml:"symbols"`
}

// LoadSource parses a YAML symbol map.
func LoadSource(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbol map: %w", err)
	}
	var src FileSource
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("failed to parse symbol map %s: %w", path, err)
	}
	if src.Bitness != 32 && src.Bitness != 64 {
		return nil, fmt.Errorf("symbol map %s: bitness must be 32 or 64, got %d", path, src.Bitness)
	}
	return &src, nil
}

// LookupByName matches pattern exactly first, then as a substring of
// decorated names (the kernel's templated C++ names are rarely typed in full).
func (s *FileSource) LookupByName(pattern string) []Symbol {
	var exact, partial []Symbol
	for _, sym := range s.Symbols {
		switch {
		case sym.Name == pattern:
			exact = append(exact, sym)
		case strings.Contains(sym.Name, pattern):
			partial = append(partial, sym)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return partial
}

// Is64Bit reports the bitness declared by the symbol map.
func (s *FileSource) Is64Bit() bool { return s.Bitness == 64 }

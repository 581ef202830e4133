package smkm

import (
	"errors"
	"fmt"
)

// Bitness tags a field resolver with the architectures it is valid for.
type Bitness uint8

const (
	Arch32 Bitness = 1 << iota
	Arch64

	ArchBoth = Arch32 | Arch64
)

func (b Bitness) supports(is64 bool) bool {
	if is64 {
		return b&Arch64 != 0
	}
	return b&Arch32 != 0
}

func (b Bitness) String() string {
	switch b {
	case Arch32:
		return "x86"
	case Arch64:
		return "x64"
	case ArchBoth:
		return "x86/x64"
	}
	return "none"
}

var (
	// ErrUnknownField is returned when no resolver is registered for a field.
	ErrUnknownField = errors.New("smkm: unknown field")
	// ErrUnsupportedArch is returned when a field has no resolver valid for
	// the detected bitness.
	ErrUnsupportedArch = errors.New("smkm: no resolver for detected architecture")
)

// ResolverFunc recovers one field offset.
type ResolverFunc func(a *Analyzer) (uint64, error)

type field struct {
	name  string
	valid Bitness
	fn    ResolverFunc
}

// Registry maps (field name, bitness) to the resolver to run. Built once at
// startup and read-only afterwards; a field missing for the active bitness
// is a single lookup failure, not a runtime branch miss.
type Registry struct {
	fields []field
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a field resolver valid for the given bitnesses. Registration
// order is the order DumpOffsets reports fields in.
func (r *Registry) Register(name string, valid Bitness, fn ResolverFunc) {
	r.fields = append(r.fields, field{name: name, valid: valid, fn: fn})
}

// Dispatch selects the resolver registered for the field at the given bitness.
func (r *Registry) Dispatch(name string, is64 bool) (ResolverFunc, error) {
	known := false
	for _, f := range r.fields {
		if f.name != name {
			continue
		}
		known = true
		if f.valid.supports(is64) {
			return f.fn, nil
		}
	}
	if known {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, name)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownField, name)
}

// Fields returns the registered field names in registration order, without
// duplicates.
func (r *Registry) Fields() []string {
	var names []string
	seen := make(map[string]bool)
	for _, f := range r.fields {
		if !seen[f.name] {
			seen[f.name] = true
			names = append(names, f.name)
		}
	}
	return names
}

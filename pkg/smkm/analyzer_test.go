package smkm

import (
	"errors"
	"strings"
	"testing"

	"github.com/memdig/smkmdump/pkg/symdb"
)

const testBase = 0x401000

// testImage hand-assembles the three routines the resolvers lean on. The
// callee zeroes rcx before returning: the real KiStackAttachProcess clobbers
// the argument register too, so value correlation only works if the harness
// steps over the call instead of executing it.
//
//	0x401000  SmStMapVirtualRegion   mov rax, [rcx+0x118]; ret
//	0x401040  SmStDirectRead         mov rcx, [rcx+0x40]; call KiStackAttachProcess; ret
//	0x401100  KiStackAttachProcess   xor rcx, rcx; ret
func testImage() *symdb.RawImage {
	code := make([]byte, 0x200)
	copy(code[0x000:], []byte{0x48, 0x8b, 0x81, 0x18, 0x01, 0x00, 0x00, 0xc3})
	copy(code[0x040:], []byte{
		0x48, 0x8b, 0x49, 0x40, // mov rcx, [rcx+0x40]
		0xe8, 0xb7, 0x00, 0x00, 0x00, // call 0x401100
		0xc3,
	})
	copy(code[0x100:], []byte{0x48, 0x31, 0xc9, 0xc3})
	return &symdb.RawImage{Base: testBase, Data: code}
}

type testSource struct {
	syms []symdb.Symbol
}

func (s *testSource) Is64Bit() bool { return true }

func (s *testSource) LookupByName(pattern string) []symdb.Symbol {
	var out []symdb.Symbol
	for _, sym := range s.syms {
		if strings.Contains(sym.Name, pattern) {
			out = append(out, sym)
		}
	}
	return out
}

func testAnalyzer(t *testing.T, src symdb.Source) *Analyzer {
	t.Helper()
	db, err := symdb.New(src, testImage())
	if err != nil {
		t.Fatalf("failed to create symbol db: %v", err)
	}
	return NewAnalyzer(db, testImage())
}

func fullSource() *testSource {
	return &testSource{syms: []symdb.Symbol{
		{Name: "SmStMapVirtualRegion", Addr: testBase, Size: 8},
		{Name: "?SmStDirectRead@?$SMKM_STORE@USM_TRAITS@@@@QEAAJXZ", Addr: testBase + 0x40, Size: 10},
		{Name: "KiStackAttachProcess", Addr: testBase + 0x100, Size: 4},
	}}
}

func TestResolveStStore(t *testing.T) {
	a := testAnalyzer(t, fullSource())
	off, err := a.Resolve(FieldStStore)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if off != 0 {
		t.Errorf("StStore = %#x; want 0", off)
	}
}

func TestResolveCompressedRegionPtrArray(t *testing.T) {
	a := testAnalyzer(t, fullSource())
	off, err := a.Resolve(FieldCompressedRegionPtrArray)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if off != 0x118 {
		t.Errorf("pCompressedRegionPtrArray = %#x; want 0x118", off)
	}
}

func TestResolveStoreOwnerProcess(t *testing.T) {
	// the test callee zeroes rcx; recovering 0x40 proves the sampled value
	// is the one loaded before the call, not whatever the callee left behind
	a := testAnalyzer(t, fullSource())
	off, err := a.Resolve(FieldStoreOwnerProcess)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if off != 0x40 {
		t.Errorf("StoreOwnerProcess = %#x; want 0x40", off)
	}
}

func TestResolveUnknownField(t *testing.T) {
	a := testAnalyzer(t, fullSource())
	if _, err := a.Resolve("NoSuchField"); !errors.Is(err, ErrUnknownField) {
		t.Errorf("err = %v; want ErrUnknownField", err)
	}
}

func TestResolveNoAccessObserved(t *testing.T) {
	// point the map routine at a register-only stub: nothing touches the probe
	src := fullSource()
	src.syms[0].Addr = testBase + 0x100
	src.syms[0].Size = 4

	a := testAnalyzer(t, src)
	if _, err := a.Resolve(FieldCompressedRegionPtrArray); !errors.Is(err, ErrNoAccessObserved) {
		t.Errorf("err = %v; want ErrNoAccessObserved", err)
	}
}

func TestResolveMissingSymbol(t *testing.T) {
	src := fullSource()
	src.syms = src.syms[:2] // drop KiStackAttachProcess

	a := testAnalyzer(t, src)
	if _, err := a.Resolve(FieldStoreOwnerProcess); !errors.Is(err, symdb.ErrNotFound) {
		t.Errorf("err = %v; want symdb.ErrNotFound", err)
	}
}

func TestDumpOffsets(t *testing.T) {
	a := testAnalyzer(t, fullSource())
	report := a.DumpOffsets()

	want := map[string]uint64{
		FieldStStore:                  0,
		FieldCompressedRegionPtrArray: 0x118,
		FieldStoreOwnerProcess:        0x40,
	}
	if len(report) != len(want) {
		t.Fatalf("report has %d entries; want %d", len(report), len(want))
	}
	for _, entry := range report {
		if !entry.Resolved {
			t.Errorf("%s failed: %s", entry.Field, entry.Error)
			continue
		}
		if entry.Offset != want[entry.Field] {
			t.Errorf("%s = %#x; want %#x", entry.Field, entry.Offset, want[entry.Field])
		}
	}
}

func TestDumpOffsetsIsolation(t *testing.T) {
	// one broken resolver must not take the rest of the report down
	src := fullSource()
	src.syms = src.syms[1:] // drop SmStMapVirtualRegion

	a := testAnalyzer(t, src)
	report := a.DumpOffsets()

	byField := make(map[string]FieldOffset, len(report))
	for _, entry := range report {
		byField[entry.Field] = entry
	}
	if entry := byField[FieldCompressedRegionPtrArray]; entry.Resolved || entry.Error == "" {
		t.Errorf("pCompressedRegionPtrArray should have failed, got %+v", entry)
	}
	if entry := byField[FieldStoreOwnerProcess]; !entry.Resolved || entry.Offset != 0x40 {
		t.Errorf("StoreOwnerProcess = %+v; want resolved offset 0x40", entry)
	}
}

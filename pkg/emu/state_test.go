package emu

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseState(t *testing.T) {
	name := filepath.Join(t.TempDir(), "state.yml")
	data := `registers:
  rdx: 0x0
  r8: "0x140000000"
  r9: 16
`
	if err := os.WriteFile(name, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	state, err := ParseState(name)
	if err != nil {
		t.Fatalf("failed to parse state: %v", err)
	}
	regs, err := state.Apply(nil)
	if err != nil {
		t.Fatalf("failed to apply state: %v", err)
	}

	want := map[string]uint64{"rdx": 0, "r8": 0x140000000, "r9": 16}
	for name, val := range want {
		if regs[name] != val {
			t.Errorf("%s = %#x; want %#x", name, regs[name], val)
		}
	}
}

func TestStateApplyBadValue(t *testing.T) {
	state := &State{Registers: map[string]any{"rax": "not-a-number"}}
	if _, err := state.Apply(nil); err == nil {
		t.Error("expected error for unparsable register value")
	}
}

func TestAlign(t *testing.T) {
	tests := []struct {
		addr, size         uint64
		wantAddr, wantSize uint64
	}{
		{0x1000, 0x1000, 0x1000, 0x1000},
		{0x1001, 0x10, 0x1000, 0x1000},
		{0x1ff0, 0x20, 0x1000, 0x2000},
		{0x1ff0, 0x200, 0x1000, 0x2000},
	}
	for _, tt := range tests {
		addr, size := Align(tt.addr, tt.size)
		if addr != tt.wantAddr || size != tt.wantSize {
			t.Errorf("Align(%#x, %#x) = %#x, %#x; want %#x, %#x",
				tt.addr, tt.size, addr, size, tt.wantAddr, tt.wantSize)
		}
	}
}

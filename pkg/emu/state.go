package emu

import (
	"fmt"
	"os"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// State is an optional initial register state loaded from a YAML file, e.g.
//
//	registers:
//	  rdx: 0x0
//	  r8: "0x140000000"
//
// Values may be YAML integers or hex strings.
type State struct {
	Registers map[string]any `yaml:"registers"`
}

// ParseState reads a register state file.
func ParseState(name string) (*State, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("error reading state file: %v", err)
	}
	var state State
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("error unmarshalling state file: %v", err)
	}
	return &state, nil
}

// Apply resolves the state's values into a register map for Options.
func (state *State) Apply(regs map[string]uint64) (map[string]uint64, error) {
	if regs == nil {
		regs = make(map[string]uint64, len(state.Registers))
	}
	for name, raw := range state.Registers {
		val, err := cast.ToUint64E(raw)
		if err != nil {
			return nil, fmt.Errorf("bad value for register %s: %v", name, err)
		}
		regs[name] = val
	}
	return regs, nil
}

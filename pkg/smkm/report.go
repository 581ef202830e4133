package smkm

import (
	"github.com/apex/log"
)

// FieldOffset is one resolved (or failed) field in a report.
type FieldOffset struct {
	Field    string `json:"field"`
	Offset   uint64 `json:"offset"`
	Resolved bool   `json:"resolved"`
	Error    string `json:"error,omitempty"`
}

// DumpOffsets resolves every registered field and returns the per-field
// results. Each field runs in isolation: a resolver failure is recorded in
// that field's entry and the rest still run.
func (a *Analyzer) DumpOffsets() []FieldOffset {
	var report []FieldOffset
	for _, name := range a.reg.Fields() {
		entry := FieldOffset{Field: name}
		off, err := a.Resolve(name)
		if err != nil {
			entry.Error = err.Error()
			log.WithFields(log.Fields{
				"arch":  a.arch.String(),
				"field": name,
			}).Warnf("failed to resolve: %v", err)
		} else {
			entry.Offset = off
			entry.Resolved = true
			log.WithFields(log.Fields{
				"arch":   a.arch.String(),
				"offset": off,
			}).Infof("resolved %s", name)
		}
		report = append(report, entry)
	}
	return report
}

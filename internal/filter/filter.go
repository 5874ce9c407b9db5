// Package filter implements the Base-Model Filter (C7): a configurable
// opt-in whitelist over a version's baseModel field.
package filter

import (
	"strings"
	"sync/atomic"
)

// BaseModel admits or rejects versions by baseModel, case-insensitive
// substring match against a whitelist. A nil/empty whitelist admits
// everything.
type BaseModel struct {
	whitelist []string

	accepted atomic.Int64
	rejected atomic.Int64
}

// New builds a filter from the configured whitelist. Entries are lowercased
// once up front so Admit never allocates on the hot path.
func New(whitelist []string) *BaseModel {
	lowered := make([]string, len(whitelist))
	for i, w := range whitelist {
		lowered[i] = strings.ToLower(strings.TrimSpace(w))
	}
	return &BaseModel{whitelist: lowered}
}

// Active reports whether filtering is in effect.
func (f *BaseModel) Active() bool {
	return len(f.whitelist) > 0
}

// Admit decides whether a version with the given baseModel should be
// fetched. A version with an empty baseModel is rejected while filtering is
// active.
func (f *BaseModel) Admit(baseModel string) bool {
	if !f.Active() {
		f.accepted.Add(1)
		return true
	}
	if baseModel == "" {
		f.rejected.Add(1)
		return false
	}
	lowered := strings.ToLower(baseModel)
	for _, entry := range f.whitelist {
		if strings.Contains(lowered, entry) {
			f.accepted.Add(1)
			return true
		}
	}
	f.rejected.Add(1)
	return false
}

// Stats is the accepted/rejected counter snapshot emitted in the progress
// stream (as filter_accepted/filter_rejected on the model pipeline.stats
// event).
type Stats struct {
	Accepted int64
	Rejected int64
}

// Stats returns the running accepted/rejected counts.
func (f *BaseModel) Stats() Stats {
	return Stats{Accepted: f.accepted.Load(), Rejected: f.rejected.Load()}
}

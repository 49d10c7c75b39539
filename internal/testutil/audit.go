package testutil

import (
	"context"
	"sync"

	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
)

// AuditRecorder keeps audit entries in memory.
type AuditRecorder struct {
	mu      sync.Mutex
	entries []auditdomain.Entry
}

func (r *AuditRecorder) Record(_ context.Context, entry auditdomain.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *AuditRecorder) Entries() []auditdomain.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]auditdomain.Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns how many entries carry action.
func (r *AuditRecorder) Count(action string) int {
	n := 0
	for _, entry := range r.Entries() {
		if entry.Action == action {
			n++
		}
	}
	return n
}

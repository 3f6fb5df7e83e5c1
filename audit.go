package compose

import (
	"context"
	"time"
)

// Audit result values
const (
	AuditSuccess = "success"
	AuditFailed  = "failed"
	AuditSkipped = "skipped"
)

// SystemActor is the actor recorded for actions taken by the daemon itself.
const SystemActor = "system"

// AuditEntry records one control action.
type AuditEntry struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"user"`
	Role      string    `json:"role"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail"`
	Result    string    `json:"result"`
}

// AuditSink receives audit entries. Implementations own the storage format.
type AuditSink interface {
	Record(ctx context.Context, e AuditEntry) error
}

// NopAuditSink discards entries.
type NopAuditSink struct{}

// Record implements AuditSink.
func (NopAuditSink) Record(context.Context, AuditEntry) error { return nil }

// ResultOf maps an operation error to an audit result.
func ResultOf(err error) string {
	if err == nil {
		return AuditSuccess
	}
	return AuditFailed
}

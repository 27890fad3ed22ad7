package store

import (
	"context"
	"time"

	"github.com/goliatone/go-orchestrator/audit"
)

// AuditSink persists audit events in the store's audit table.
type AuditSink struct {
	store Store
	now   func() time.Time
}

var _ audit.Sink = (*AuditSink)(nil)

func NewAuditSink(store Store) *AuditSink {
	return &AuditSink{store: store, now: time.Now}
}

func (s *AuditSink) Record(ctx context.Context, event audit.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	event = audit.Normalize(event, s.now())
	return s.store.RunInTransaction(ctx, func(tx Tx) error {
		return tx.AppendAudit(ctx, event)
	})
}

package audit

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/offline"
)

const (
	AuditTable = "audit_logs"
	LoginTable = "login_logs"
)

// StoreSink turns events into durable mutations, so they reach the remote store with the next sync pass.
type StoreSink struct {
	Store offline.Store
}

var _ Sink = (*StoreSink)(nil)

func (s StoreSink) Write(ctx context.Context, ev Event) error {
	table := AuditTable
	if ev.IsLogin() {
		table = LoginTable
	}
	payload, err := offline.Encode(ev)
	if err != nil {
		return err
	}
	_, err = s.Store.Apply(ctx, offline.Change{Table: table, Operation: offline.OpCreate, RecordID: ev.ID, Payload: payload})
	return errors.Wrap(err, "storing audit event")
}

// MultiSink writes to every sink and returns the first error.
type MultiSink []Sink

var _ Sink = (MultiSink)(nil)

func (ms MultiSink) Write(ctx context.Context, ev Event) error {
	var firstErr error
	for _, s := range ms {
		if err := s.Write(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Write(ctx context.Context, ev Event) error { return f(ctx, ev) }

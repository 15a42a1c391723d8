package syncengine

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/remote"
)

// Mirror keeps the Local Store record cache of some tables up to date with the remote store.
// Records with pending local changes are never overwritten.
type Mirror struct {
	local  offline.Store
	remote remote.Store
	logger core.Logger
	tables []string
	wg     sync.WaitGroup
}

func NewMirror(local offline.Store, rmt remote.Store, logger core.Logger, tables ...string) *Mirror {
	return &Mirror{local: local, remote: rmt, logger: logger, tables: tables}
}

// Refresh copies every remote document of the table into the record cache.
func (m *Mirror) Refresh(ctx context.Context, table string) error {
	docs, err := m.remote.List(ctx, table)
	if err != nil {
		return errors.Wrap(err, "listing remote documents")
	}
	for _, doc := range docs {
		if err = m.local.CacheRecord(ctx, table, doc.ID, doc.Data, false); err != nil {
			return errors.Wrap(err, "caching record")
		}
	}
	return nil
}

// Start refreshes the tables then applies their remote changes until ctx is done.
func (m *Mirror) Start(ctx context.Context) error {
	for _, table := range m.tables {
		if err := m.Refresh(ctx, table); err != nil && m.logger != nil {
			m.logger.Warn("refreshing mirrored table", err, map[string]interface{}{"table": table})
		}
		changes, err := m.remote.Subscribe(ctx, table)
		if err != nil {
			return errors.Wrapf(err, "subscribing to %s", table)
		}
		m.wg.Add(1)
		go m.apply(ctx, changes)
	}
	return nil
}

func (m *Mirror) apply(ctx context.Context, changes <-chan remote.Change) {
	defer m.wg.Done()
	for c := range changes {
		err := m.local.CacheRecord(ctx, c.Table, c.RecordID, c.Data, c.Kind == remote.ChangeDelete)
		if err != nil && ctx.Err() == nil && m.logger != nil {
			m.logger.Error("caching remote change", err, map[string]interface{}{"table": c.Table, "id": c.RecordID})
		}
	}
}

// Wait blocks until every subscription is closed.
func (m *Mirror) Wait() {
	m.wg.Wait()
}

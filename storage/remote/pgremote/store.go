// Package pgremote is the Postgres backed remote store. Documents live in the remote_records table
// and changes are streamed with LISTEN/NOTIFY.
package pgremote

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/remote"
)

const (
	notifyChannel        = "remote_changes"
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	subscriberBuffer     = 64
)

type documentRow struct {
	Collection string    `db:"collection"`
	RecordID   string    `db:"record_id"`
	Data       null.JSON `db:"data"`
	CreatedAt  null.Time `db:"created_at"`
	UpdatedAt  null.Time `db:"updated_at"`
}

func (row documentRow) document() (remote.Document, error) {
	doc := remote.Document{
		Table:     row.Collection,
		ID:        row.RecordID,
		Data:      make(map[string]interface{}),
		CreatedAt: row.CreatedAt.Time.UTC(),
		UpdatedAt: row.UpdatedAt.Time.UTC(),
	}
	if row.Data.Valid {
		if err := row.Data.Unmarshal(&doc.Data); err != nil {
			return remote.Document{}, errors.Wrap(err, "decoding document")
		}
	}
	return doc, nil
}

type notification struct {
	Collection string `json:"collection"`
	RecordID   string `json:"record_id"`
	Op         string `json:"op"`
}

type Store struct {
	db     core.DBExecutor
	dsn    string
	logger core.Logger
}

var _ remote.Store = (*Store)(nil) // interface compliance check

// New returns a store running its queries on db. dsn is used to open the LISTEN connections of subscribers.
func New(db core.DBExecutor, dsn string, logger core.Logger) *Store {
	return &Store{db: db, dsn: dsn, logger: logger}
}

func (s *Store) Upsert(ctx context.Context, table, id string, data map[string]interface{}) error {
	if data == nil {
		data = map[string]interface{}{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encoding document")
	}
	q := `INSERT INTO remote_records (collection, record_id, data, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, now(), now())
		ON CONFLICT (collection, record_id)
		DO UPDATE SET data = remote_records.data || EXCLUDED.data, updated_at = now()`
	if _, err = s.db.ExecContext(ctx, q, table, id, string(b)); err != nil {
		return errors.Wrap(err, "upserting document")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	q := `DELETE FROM remote_records WHERE collection = $1 AND record_id = $2`
	if _, err := s.db.ExecContext(ctx, q, table, id); err != nil {
		return errors.Wrap(err, "deleting document")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, table, id string) (remote.Document, error) {
	var row documentRow
	q := `SELECT collection, record_id, data, created_at, updated_at FROM remote_records
		WHERE collection = $1 AND record_id = $2`
	if err := sqlx.GetContext(ctx, s.db, &row, q, table, id); err != nil {
		if err == sql.ErrNoRows {
			return remote.Document{}, remote.ErrNotFound
		}
		return remote.Document{}, errors.Wrap(err, "getting document")
	}
	return row.document()
}

func (s *Store) List(ctx context.Context, table string) ([]remote.Document, error) {
	var rows []documentRow
	q := `SELECT collection, record_id, data, created_at, updated_at FROM remote_records
		WHERE collection = $1 ORDER BY record_id`
	if err := sqlx.SelectContext(ctx, s.db, &rows, q, table); err != nil {
		return nil, errors.Wrap(err, "listing documents")
	}
	docs := make([]remote.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := row.document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *Store) Subscribe(ctx context.Context, table string) (<-chan remote.Change, error) {
	listener := pq.NewListener(s.dsn, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		if err != nil && s.logger != nil {
			s.logger.Warn("remote change listener", err, map[string]interface{}{"table": table})
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		_ = listener.Close()
		return nil, errors.Wrap(err, "listening to remote changes")
	}

	changes := make(chan remote.Change, subscriberBuffer)
	go func() {
		defer close(changes)
		defer func() { _ = listener.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				if n == nil { // reconnected, some notifications may have been lost
					continue
				}
				c, ok := s.toChange(ctx, table, n.Extra)
				if !ok {
					continue
				}
				select {
				case changes <- c:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				go func() { _ = listener.Ping() }()
			}
		}
	}()
	return changes, nil
}

func (s *Store) toChange(ctx context.Context, table, payload string) (remote.Change, bool) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil || n.Collection != table {
		return remote.Change{}, false
	}
	if n.Op == "delete" {
		return remote.Change{Kind: remote.ChangeDelete, Table: table, RecordID: n.RecordID}, true
	}
	doc, err := s.Get(ctx, table, n.RecordID)
	if err != nil {
		if errors.Cause(err) == remote.ErrNotFound {
			return remote.Change{Kind: remote.ChangeDelete, Table: table, RecordID: n.RecordID}, true
		}
		if s.logger != nil {
			s.logger.Error("loading changed document", err, map[string]interface{}{"table": table, "id": n.RecordID})
		}
		return remote.Change{}, false
	}
	return remote.Change{Kind: remote.ChangeUpsert, Table: table, RecordID: n.RecordID, Data: doc.Data}, true
}

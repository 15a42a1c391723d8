// Package offline defines the on-device Local Store: a record cache plus a durable queue of
// mutations waiting to be propagated to the remote store.
package offline

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

var (
	// errors
	ErrNotFound      = errors.New("record not found")
	ErrInvalidChange = errors.New("invalid change")
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (op Operation) IsValid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// QueueItem is a mutation awaiting propagation to the remote store.
type QueueItem struct {
	ID            string                 `json:"id"`
	TableName     string                 `json:"table_name"`
	Operation     Operation              `json:"operation"`
	RecordID      string                 `json:"record_id"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     time.Time              `json:"timestamp"` // UTC, enqueue time
	Attempts      int                    `json:"attempts"`
	LastError     string                 `json:"last_error,omitempty"`
	LastAttemptAt time.Time              `json:"last_attempt_at,omitempty"` // UTC
}

// Record is a cached document of a table.
type Record struct {
	Table     string                 `json:"table"`
	ID        string                 `json:"id"`
	Data      map[string]interface{} `json:"data"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Change describes a durable mutation: it is applied to the record cache and enqueued for sync.
// On update, Payload is merged into the cached record; on delete it is ignored by the cache.
type Change struct {
	Table     string
	Operation Operation
	RecordID  string
	Payload   map[string]interface{}
}

func (c Change) Validate() error {
	if c.Table == "" || c.RecordID == "" || !c.Operation.IsValid() {
		return ErrInvalidChange
	}
	return nil
}

// Reader reads cached records inside an Update transaction.
type Reader interface {
	GetRecord(table, id string, dst interface{}) error
}

// UpdateFunc computes the changes to apply from records read through r.
type UpdateFunc func(r Reader) ([]Change, error)

type Store interface {
	// Apply writes every change to the record cache and enqueues one item per change, in one transaction.
	// Nothing is persisted when it fails.
	Apply(ctx context.Context, changes ...Change) ([]QueueItem, error)
	// Update runs fn and applies the changes it returns in the same transaction, so the records fn read
	// cannot change before the write. fn must only read through r. An error from fn is returned as is
	// and nothing is persisted.
	Update(ctx context.Context, fn UpdateFunc) ([]QueueItem, error)
	// Enqueue persists a queue item with zero attempts and returns its id.
	Enqueue(ctx context.Context, table string, op Operation, recordID string, payload map[string]interface{}) (string, error)
	// PendingItems returns every queue item, oldest first.
	PendingItems(ctx context.Context) ([]QueueItem, error)
	// RemoveItem deletes an item. It is a no-op when the item does not exist.
	RemoveItem(ctx context.Context, id string) error
	// ClearQueue deletes all items and returns how many were removed.
	ClearQueue(ctx context.Context) (int64, error)
	// RecordFailure increments the attempts of an item and stores the error message.
	RecordFailure(ctx context.Context, id, errMsg string, at time.Time) (QueueItem, error)
	// ResetAttempts sets the attempts of the given items back to zero (all items when no id is given).
	ResetAttempts(ctx context.Context, ids ...string) (int64, error)

	// GetRecord decodes the cached record into dst.
	GetRecord(ctx context.Context, table, id string, dst interface{}) error
	ListRecords(ctx context.Context, table string) ([]Record, error)
	// CacheRecord stores a record received from the remote store without enqueueing anything.
	// Records with pending queue items are left untouched.
	CacheRecord(ctx context.Context, table, id string, data map[string]interface{}, deleted bool) error

	Close() error
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a lexicographically time-ordered id.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Encode converts a struct into a record payload using its json tags.
func Encode(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding payload")
	}
	m := make(map[string]interface{})
	if err = json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "encoding payload")
	}
	return m, nil
}

// Decode converts a record payload into dst.
func Decode(data map[string]interface{}, dst interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "decoding payload")
	}
	if err = json.Unmarshal(b, dst); err != nil {
		return errors.Wrap(err, "decoding payload")
	}
	return nil
}

// Merge returns a copy of base overwritten by delta.
func Merge(base, delta map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(delta))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range delta {
		merged[k] = v
	}
	return merged
}

// ShortCode returns the last 6 characters of a new ULID (30 random bits).
// Codes are not unique: two codes drawn in different milliseconds collide with probability 2^-30,
// so they label records for humans and never serve as keys.
func ShortCode() string {
	id := NewID()
	return id[len(id)-6:]
}

// Package remote defines the client of the authoritative remote store.
package remote

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("remote document not found")

// Document is a record of a remote table.
type Document struct {
	Table     string                 `json:"table"`
	ID        string                 `json:"id"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeDelete ChangeKind = "delete"
)

// Change is pushed to subscribers when a document of their table changes.
// Data is empty for deletions.
type Change struct {
	Kind     ChangeKind             `json:"kind"`
	Table    string                 `json:"table"`
	RecordID string                 `json:"record_id"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

type Store interface {
	// Upsert creates the document or merges data into the existing one. Writes are unconditional.
	Upsert(ctx context.Context, table, id string, data map[string]interface{}) error
	// Delete removes a document; deleting an absent document is not an error.
	Delete(ctx context.Context, table, id string) error
	Get(ctx context.Context, table, id string) (Document, error)
	List(ctx context.Context, table string) ([]Document, error)
	// Subscribe streams the changes of a table until ctx is done, then closes the channel.
	Subscribe(ctx context.Context, table string) (<-chan Change, error)
}

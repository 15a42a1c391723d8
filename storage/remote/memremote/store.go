// Package memremote is an in-memory remote store used in development and tests.
package memremote

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/remote"
)

const subscriberBuffer = 64

type subscriber struct {
	table string
	ch    chan remote.Change
}

type Store struct {
	sync.RWMutex
	tables map[string]map[string]*remote.Document
	subs   map[*subscriber]struct{}
	now    func() time.Time
}

var _ remote.Store = (*Store)(nil) // interface compliance check

func New() *Store {
	return &Store{
		tables: make(map[string]map[string]*remote.Document),
		subs:   make(map[*subscriber]struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func copyDoc(doc remote.Document) remote.Document {
	doc.Data = offline.Merge(nil, doc.Data)
	return doc
}

func (s *Store) Upsert(ctx context.Context, table, id string, data map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()

	docs, ok := s.tables[table]
	if !ok {
		docs = make(map[string]*remote.Document)
		s.tables[table] = docs
	}
	now := s.now()
	doc, ok := docs[id]
	if !ok {
		doc = &remote.Document{Table: table, ID: id, CreatedAt: now}
		docs[id] = doc
	}
	doc.Data = offline.Merge(doc.Data, data)
	doc.UpdatedAt = now
	s.publish(remote.Change{Kind: remote.ChangeUpsert, Table: table, RecordID: id, Data: offline.Merge(nil, doc.Data)})
	return nil
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()

	if _, ok := s.tables[table][id]; !ok {
		return nil
	}
	delete(s.tables[table], id)
	s.publish(remote.Change{Kind: remote.ChangeDelete, Table: table, RecordID: id})
	return nil
}

func (s *Store) Get(_ context.Context, table, id string) (remote.Document, error) {
	s.RLock()
	defer s.RUnlock()

	doc, ok := s.tables[table][id]
	if !ok {
		return remote.Document{}, remote.ErrNotFound
	}
	return copyDoc(*doc), nil
}

func (s *Store) List(_ context.Context, table string) ([]remote.Document, error) {
	s.RLock()
	defer s.RUnlock()

	docs := make([]remote.Document, 0, len(s.tables[table]))
	for _, doc := range s.tables[table] {
		docs = append(docs, copyDoc(*doc))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (s *Store) Subscribe(ctx context.Context, table string) (<-chan remote.Change, error) {
	sub := &subscriber{table: table, ch: make(chan remote.Change, subscriberBuffer)}
	s.Lock()
	s.subs[sub] = struct{}{}
	s.Unlock()

	go func() {
		<-ctx.Done()
		s.Lock()
		delete(s.subs, sub)
		close(sub.ch)
		s.Unlock()
	}()
	return sub.ch, nil
}

// publish must be called with the lock held. Slow subscribers miss changes.
func (s *Store) publish(c remote.Change) {
	for sub := range s.subs {
		if sub.table != c.Table {
			continue
		}
		select {
		case sub.ch <- c:
		default:
		}
	}
}

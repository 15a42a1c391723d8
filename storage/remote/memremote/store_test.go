package memremote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core/remote"
)

func TestStore_UpsertMerges(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.Upsert(ctx, "students", "s1", map[string]interface{}{"name": "Amani", "class": "4A"}))
	require.NoError(t, store.Upsert(ctx, "students", "s1", map[string]interface{}{"class": "4B"}))

	doc, err := store.Get(ctx, "students", "s1")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "Amani", "class": "4B"}, doc.Data)
	assert.False(t, doc.CreatedAt.After(doc.UpdatedAt))

	// returned documents are copies
	doc.Data["name"] = "changed"
	doc, err = store.Get(ctx, "students", "s1")
	require.NoError(t, err)
	assert.Equal(t, "Amani", doc.Data["name"])
}

func TestStore_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	store := New()

	for _, id := range []string{"s2", "s1", "s3"} {
		require.NoError(t, store.Upsert(ctx, "students", id, map[string]interface{}{"id": id}))
	}
	require.NoError(t, store.Delete(ctx, "students", "s2"))
	require.NoError(t, store.Delete(ctx, "students", "absent"))

	docs, err := store.List(ctx, "students")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "s1", docs[0].ID)
	assert.Equal(t, "s3", docs[1].ID)

	_, err = store.Get(ctx, "students", "s2")
	assert.Equal(t, remote.ErrNotFound, err)
}

func TestStore_Subscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := New()

	changes, err := store.Subscribe(ctx, "grades")
	require.NoError(t, err)

	require.NoError(t, store.Upsert(ctx, "students", "s1", map[string]interface{}{"name": "Amani"}))
	require.NoError(t, store.Upsert(ctx, "grades", "g1", map[string]interface{}{"score": 80.0}))
	require.NoError(t, store.Delete(ctx, "grades", "g1"))

	select {
	case c := <-changes:
		assert.Equal(t, remote.Change{Kind: remote.ChangeUpsert, Table: "grades", RecordID: "g1", Data: map[string]interface{}{"score": 80.0}}, c)
	case <-time.After(time.Second):
		t.Fatal("no upsert change received")
	}
	select {
	case c := <-changes:
		assert.Equal(t, remote.ChangeDelete, c.Kind)
		assert.Equal(t, "g1", c.RecordID)
	case <-time.After(time.Second):
		t.Fatal("no delete change received")
	}

	cancel()
	select {
	case _, ok := <-changes:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

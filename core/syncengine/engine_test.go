package syncengine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/remote"
	"github.com/trezcool/shule/storage/localdb"
	"github.com/trezcool/shule/storage/remote/memremote"
)

var errRemoteDown = errors.New("remote unavailable")

// flakyRemote fails the writes of the listed records.
type flakyRemote struct {
	*memremote.Store
	mu    sync.Mutex
	fail  map[string]bool
	calls int
}

func newFlakyRemote(failIDs ...string) *flakyRemote {
	fail := make(map[string]bool, len(failIDs))
	for _, id := range failIDs {
		fail[id] = true
	}
	return &flakyRemote{Store: memremote.New(), fail: fail}
}

func (r *flakyRemote) check(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail[id] {
		return errRemoteDown
	}
	return nil
}

func (r *flakyRemote) setFail(id string, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[id] = fail
}

func (r *flakyRemote) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *flakyRemote) Upsert(ctx context.Context, table, id string, data map[string]interface{}) error {
	if err := r.check(id); err != nil {
		return err
	}
	return r.Store.Upsert(ctx, table, id, data)
}

func (r *flakyRemote) Delete(ctx context.Context, table, id string) error {
	if err := r.check(id); err != nil {
		return err
	}
	return r.Store.Delete(ctx, table, id)
}

func newLocalStore(t *testing.T) offline.Store {
	t.Helper()

	store, err := localdb.New(localdb.Config{Path: filepath.Join(t.TempDir(), "local.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func enqueue(t *testing.T, store offline.Store, table string, op offline.Operation, id string, payload map[string]interface{}) string {
	t.Helper()

	itemID, err := store.Enqueue(context.Background(), table, op, id, payload)
	require.NoError(t, err)
	return itemID
}

func TestEngine_SyncAllTables_PartialFailure(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rmt := newFlakyRemote("s2")
	engine := NewEngine(local, rmt, nil, Options{})

	enqueue(t, local, "students", offline.OpCreate, "s1", map[string]interface{}{"name": "Amani"})
	failedID := enqueue(t, local, "students", offline.OpCreate, "s2", map[string]interface{}{"name": "Baraka"})
	enqueue(t, local, "students", offline.OpUpdate, "s1", map[string]interface{}{"class": "4B"})

	res, err := engine.SyncAllTables(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.TotalSynced)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, failedID, res.Errors[0].ItemID)
	assert.Equal(t, 1, res.Errors[0].Attempts)
	assert.Equal(t, errRemoteDown.Error(), res.Errors[0].Message)

	items, err := local.PendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, failedID, items[0].ID)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, errRemoteDown.Error(), items[0].LastError)

	doc, err := rmt.Get(ctx, "students", "s1")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "Amani", "class": "4B"}, doc.Data)
}

func TestEngine_SyncAllTables_RetriesEveryPass(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rmt := newFlakyRemote("g1")
	engine := NewEngine(local, rmt, nil, Options{})

	enqueue(t, local, "grades", offline.OpCreate, "g1", map[string]interface{}{"score": 75.0})

	for pass := 1; pass <= 3; pass++ {
		res, err := engine.SyncAllTables(ctx)
		require.NoError(t, err)
		assert.False(t, res.Success)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, pass, res.Errors[0].Attempts)
	}

	rmt.setFail("g1", false)
	res, err := engine.SyncAllTables(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.TotalSynced)
	assert.Empty(t, res.Errors)

	items, err := local.PendingItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestEngine_SyncAllTables_Delete(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rmt := newFlakyRemote()
	engine := NewEngine(local, rmt, nil, Options{})

	require.NoError(t, rmt.Store.Upsert(ctx, "students", "s1", map[string]interface{}{"name": "Amani"}))
	enqueue(t, local, "students", offline.OpDelete, "s1", nil)

	res, err := engine.SyncAllTables(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.TotalSynced)

	_, err = rmt.Get(ctx, "students", "s1")
	assert.Equal(t, remote.ErrNotFound, err)
}

func TestEngine_SyncAllTables_EmptyQueue(t *testing.T) {
	engine := NewEngine(newLocalStore(t), newFlakyRemote(), nil, Options{})

	res, err := engine.SyncAllTables(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.TotalSynced)
	assert.Empty(t, res.Errors)
}

func TestEngine_SyncAllTables_MaxAttempts(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rmt := newFlakyRemote("p1")
	engine := NewEngine(local, rmt, nil, Options{Policy: RetryPolicy{MaxAttempts: 2}})

	itemID := enqueue(t, local, "payments", offline.OpCreate, "p1", map[string]interface{}{"amount": 100.0})

	for i := 0; i < 2; i++ {
		_, err := engine.SyncAllTables(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, rmt.Calls())

	// parked: skipped without a remote call
	res, err := engine.SyncAllTables(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, rmt.Calls())

	statuses, err := engine.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, StateError, statuses[0].Status)
	assert.Equal(t, errRemoteDown.Error(), statuses[0].Error)

	// operator retry
	rmt.setFail("p1", false)
	n, err := engine.ResetAttempts(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	res, err = engine.SyncAllTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalSynced)
}

func TestEngine_SyncAllTables_Backoff(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rmt := newFlakyRemote("a1")
	engine := NewEngine(local, rmt, nil, Options{Policy: RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour}})

	now := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }
	enqueue(t, local, "attendance", offline.OpCreate, "a1", nil)

	_, err := engine.SyncAllTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rmt.Calls())

	now = now.Add(30 * time.Second)
	_, err = engine.SyncAllTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rmt.Calls(), "item retried before its backoff elapsed")

	statuses, err := engine.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, StateError, statuses[0].Status, "a backing off table is not completed")
	assert.NotEmpty(t, statuses[0].Error)
	assert.Equal(t, 1, statuses[0].Total)

	now = now.Add(time.Minute)
	_, err = engine.SyncAllTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rmt.Calls())
}

func TestEngine_SyncAllTables_Exclusive(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	locker := &LocalLocker{}
	engine := NewEngine(local, newFlakyRemote(), nil, Options{Locker: locker})
	enqueue(t, local, "students", offline.OpCreate, "s1", nil)

	release, err := locker.TryLock(ctx)
	require.NoError(t, err)

	_, err = engine.SyncAllTables(ctx)
	assert.Equal(t, ErrSyncInProgress, err)
	_, err = engine.ClearQueue(ctx)
	assert.Equal(t, ErrSyncInProgress, err)

	release()
	res, err := engine.SyncAllTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalSynced)
}

func TestEngine_SyncAllTables_Cancelled(t *testing.T) {
	local := newLocalStore(t)
	rmt := newFlakyRemote()
	engine := NewEngine(local, rmt, nil, Options{})
	enqueue(t, local, "students", offline.OpCreate, "s1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := engine.SyncAllTables(ctx)
	assert.Equal(t, context.Canceled, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, rmt.Calls())

	items, err := local.PendingItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].Attempts)
}

func TestEngine_Status(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rmt := newFlakyRemote("g2")
	engine := NewEngine(local, rmt, nil, Options{})

	enqueue(t, local, "students", offline.OpCreate, "s1", nil)
	enqueue(t, local, "grades", offline.OpCreate, "g1", nil)
	enqueue(t, local, "grades", offline.OpCreate, "g2", nil)

	statuses, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []TableStatus{
		{TableName: "grades", Total: 2, Progress: 2, Status: StateIdle},
		{TableName: "students", Total: 1, Progress: 1, Status: StateIdle},
	}, statuses)

	_, err = engine.SyncAllTables(ctx)
	require.NoError(t, err)

	statuses, err = engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []TableStatus{
		{TableName: "grades", Total: 1, Progress: 1, Status: StateError, Error: errRemoteDown.Error()},
		{TableName: "students", Total: 0, Progress: 0, Status: StateCompleted},
	}, statuses)
}

func TestEngine_ClearQueue(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	engine := NewEngine(local, newFlakyRemote("s1"), nil, Options{})

	enqueue(t, local, "students", offline.OpCreate, "s1", nil)
	enqueue(t, local, "students", offline.OpCreate, "s2", nil)
	_, err := engine.SyncAllTables(ctx)
	require.NoError(t, err)
	enqueue(t, local, "fees", offline.OpCreate, "f1", nil)

	n, err := engine.ClearQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	statuses, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	tests := []struct {
		name     string
		policy   RetryPolicy
		attempts int
		want     time.Duration
	}{
		{name: "no delay configured", policy: RetryPolicy{}, attempts: 3, want: 0},
		{name: "never failed", policy: RetryPolicy{BaseDelay: time.Second}, attempts: 0, want: 0},
		{name: "first failure", policy: RetryPolicy{BaseDelay: time.Second}, attempts: 1, want: time.Second},
		{name: "doubles", policy: RetryPolicy{BaseDelay: time.Second}, attempts: 4, want: 8 * time.Second},
		{name: "capped", policy: RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}, attempts: 4, want: 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Backoff(tt.attempts); got != tt.want {
				t.Errorf("Backoff() = %v, want %v", got, tt.want)
			}
		})
	}
}

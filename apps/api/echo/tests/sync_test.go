package tests

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/shule/apps/api/echo"
	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/syncengine"
	"github.com/trezcool/shule/core/user"
)

func Test_syncApi(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := f.token(t, f.createUser(t, "admin", "", true, user.RoleAdmin))
	teacher := f.token(t, f.createUser(t, "teacher", "", true, user.RoleTeacher))

	_, err := f.local.Enqueue(ctx, "students", offline.OpCreate, "s1", map[string]interface{}{"first_name": "Amani"})
	require.NoError(t, err)
	_, err = f.local.Enqueue(ctx, "grades", offline.OpCreate, "g1", map[string]interface{}{"score": 71.0})
	require.NoError(t, err)

	t.Run("admin only", func(t *testing.T) {
		for _, route := range []struct{ method, path string }{
			{http.MethodPost, "/v1/sync/run"},
			{http.MethodGet, "/v1/sync/status"},
			{http.MethodGet, "/v1/sync/queue"},
			{http.MethodDelete, "/v1/sync/queue"},
			{http.MethodPost, "/v1/sync/retry"},
		} {
			rec := f.do(t, route.method, route.path, teacher, nil)
			assert.Equal(t, http.StatusForbidden, rec.Code, route.path)
		}
	})

	t.Run("status before the pass", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/sync/status", admin, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var st echoapi.StatusResponse
		decode(t, rec, &st)
		assert.False(t, st.Running)
		assert.Equal(t, 2, st.Pending)
		assert.Len(t, st.Tables, 2)

		rec = f.do(t, http.MethodGet, "/v1/sync/queue", admin, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var items []offline.QueueItem
		decode(t, rec, &items)
		assert.Len(t, items, 2)
	})

	t.Run("run", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/sync/run", admin, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var res syncengine.Result
		decode(t, rec, &res)
		assert.Equal(t, syncengine.Result{Success: true, TotalSynced: 2, Errors: []syncengine.ItemError{}}, res)

		doc, err := f.rmt.Get(ctx, "students", "s1")
		require.NoError(t, err)
		assert.Equal(t, "Amani", doc.Data["first_name"])
		assert.Empty(t, f.pendingItems(t))
	})

	t.Run("clear", func(t *testing.T) {
		_, err := f.local.Enqueue(ctx, "students", offline.OpDelete, "s1", nil)
		require.NoError(t, err)

		rec := f.do(t, http.MethodDelete, "/v1/sync/queue", admin, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var got echoapi.CountResponse
		decode(t, rec, &got)
		assert.Equal(t, int64(1), got.Count)
		assert.Empty(t, f.pendingItems(t))
	})
}

func Test_syncApi_inProgress(t *testing.T) {
	locker := new(syncengine.LocalLocker)
	f := setup(t, syncengine.Options{Locker: locker})
	admin := f.token(t, f.createUser(t, "admin", "", true, user.RoleAdmin))

	release, err := locker.TryLock(context.Background())
	require.NoError(t, err)

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/v1/sync/run"},
		{http.MethodDelete, "/v1/sync/queue"},
	} {
		rec := f.do(t, route.method, route.path, admin, nil)
		require.Equal(t, http.StatusConflict, rec.Code, route.path)
		var got httpErr
		decode(t, rec, &got)
		assert.Equal(t, errorBody("sync already in progress"), got)
	}

	release()
	rec := f.do(t, http.MethodPost, "/v1/sync/run", admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

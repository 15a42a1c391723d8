package container

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/student"
	"github.com/trezcool/shule/storage/remote/memremote"
)

func memoryConfig(t *testing.T) *core.Config {
	conf := core.NewConfig()
	conf.Debug = true
	conf.Remote.Driver = RemoteMemory
	conf.LocalStore.Path = filepath.Join(t.TempDir(), "local.db")
	conf.Redis.Addr = ""
	conf.Kafka.Brokers = nil
	conf.Sync.DistributedLock = false
	return conf
}

func TestNew_memory(t *testing.T) {
	c, err := New(memoryConfig(t))
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.DB)
	assert.Nil(t, c.Redis)
	assert.IsType(t, &memremote.Store{}, c.Remote)

	ctx := context.Background()
	_, err = c.StudentSvc.Add(ctx, core.Session{UserID: "u1", Roles: []string{"admin:"}}, student.NewStudent{
		FirstName: "Amani", LastName: "Juma", ClassID: "Grade 3A",
	})
	require.NoError(t, err)

	res, err := c.Engine.SyncAllTables(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, res.TotalSynced, 1)

	families, err := c.Registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "shule_sync_items_total")
}

func TestNew_distributedLockNeedsRedis(t *testing.T) {
	conf := memoryConfig(t)
	conf.Sync.DistributedLock = true

	_, err := New(conf)
	assert.EqualError(t, err, "sync.distributedLock requires redis.addr")
}

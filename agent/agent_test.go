package agent

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/config"
	"github.com/songzhibin97/approval-engine/workflow"
)

func memoryConfig() config.Config {
	return config.Config{
		HttpPort:      18080,
		StorageType:   config.STORAGE_TYPE_INMEM,
		PublisherType: config.PUBLISHER_TYPE_BUS,
		DirectoryType: config.DIRECTORY_TYPE_STATIC,
		Roles:         map[string][]string{"finance": {"f1"}},
		LogLevel:      "warn",
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.StorageType = "dynamo"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNewInMemory(t *testing.T) {
	a, err := New(memoryConfig())
	require.NoError(t, err)
	require.NotNil(t, a.Engine())

	code, err := a.Engine().GenerateCode()
	require.NoError(t, err)
	assert.NotEmpty(t, code)

	res, err := a.Engine().ProcessTransition(context.Background(), workflow.TransitionRequest{
		InstanceID: "missing", ActorID: "u",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)

	assert.NoError(t, a.Shutdown())
	assert.NoError(t, a.Shutdown())
}

func TestNewOnRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.StorageType = config.STORAGE_TYPE_REDIS
	cfg.PublisherType = config.PUBLISHER_TYPE_REDIS
	cfg.DirectoryType = config.DIRECTORY_TYPE_REDIS
	cfg.RedisConfig = config.RedisStorageConfig{Addr: mr.Addr(), Namespace: "approvald"}
	cfg.MaxRetries = 3

	a, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, a.redisStore)
	assert.NoError(t, a.Shutdown())
}

func TestNewRedisUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	cfg := memoryConfig()
	cfg.StorageType = config.STORAGE_TYPE_REDIS
	cfg.RedisConfig = config.RedisStorageConfig{Addr: addr}
	_, err = New(cfg)
	assert.Error(t, err)
}

package directory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRedis struct {
	mock.Mock
}

func (m *mockRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	args := m.Called(ctx, key, values)
	cmd := redis.NewIntCmd(ctx)
	if err := args.Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

// TxPipelined runs fn against a recording pipeline and returns the
// configured EXEC error.
func (m *mockRedis) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	pipe := &recordingPipe{}
	if err := fn(pipe); err != nil {
		return nil, err
	}
	args := m.Called(ctx, pipe.queued)
	return nil, args.Error(0)
}

// recordingPipe implements only the pipeline commands the directory queues.
type recordingPipe struct {
	redis.Pipeliner
	queued []string
}

func (p *recordingPipe) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	p.queued = append(p.queued, fmt.Sprintf("HSET %s %v", key, values))
	return redis.NewIntCmd(ctx)
}

func (p *recordingPipe) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	p.queued = append(p.queued, fmt.Sprintf("HDEL %s %v", key, fields))
	return redis.NewIntCmd(ctx)
}

func setupDirectory(t *testing.T) (*RedisDirectory, *mockRedis) {
	t.Helper()
	client := new(mockRedis)
	dir, err := NewRedisDirectory(client, zerolog.Nop())
	require.NoError(t, err)
	dir.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return dir, client
}

func TestRedisDirectory_SetOnline(t *testing.T) {
	dir, client := setupDirectory(t)
	ctx := context.Background()

	client.On("HSet", ctx, "presence:user-1", []interface{}{"is_online", 1, "last_heartbeat", int64(1_700_000_000)}).Return(nil).Once()

	require.NoError(t, dir.SetOnline(ctx, "user-1", true))
	client.AssertExpectations(t)
}

func TestRedisDirectory_SetOffline(t *testing.T) {
	dir, client := setupDirectory(t)
	ctx := context.Background()

	client.On("TxPipelined", ctx, []string{
		"HSET presence:user-1 [is_online 0]",
		"HDEL presence:user-1 [last_heartbeat]",
	}).Return(nil).Once()

	require.NoError(t, dir.SetOnline(ctx, "user-1", false))
	client.AssertExpectations(t)
	client.AssertNotCalled(t, "HSet", mock.Anything, mock.Anything, mock.Anything)
}

func TestRedisDirectory_Errors(t *testing.T) {
	dir, client := setupDirectory(t)
	ctx := context.Background()
	boom := errors.New("connection refused")

	client.On("HSet", ctx, "presence:user-1", mock.Anything).Return(boom)
	client.On("TxPipelined", ctx, mock.Anything).Return(boom)

	assert.ErrorIs(t, dir.SetOnline(ctx, "user-1", true), boom)
	assert.ErrorIs(t, dir.SetOnline(ctx, "user-1", false), boom)
}

func TestNewRedisDirectory_NilClient(t *testing.T) {
	_, err := NewRedisDirectory(nil, zerolog.Nop())
	assert.Error(t, err)
}

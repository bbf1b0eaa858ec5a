package healthcheck

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingCheckerListChecks(t *testing.T) {
	t.Parallel()
	c := NewPingChecker(time.Second, map[string]Pinger{
		"redis":    pingerFunc(func(context.Context) error { return errors.New("connection refused") }),
		"database": pingerFunc(func(context.Context) error { return nil }),
	})

	results := c.ListChecks(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, "database", results[0].ID)
	assert.Equal(t, StatusOK, results[0].Status)
	assert.Equal(t, "redis", results[1].ID)
	assert.Equal(t, StatusError, results[1].Status)
	assert.Equal(t, "connection refused", results[1].Detail)
	assert.False(t, Healthy(results))
	assert.True(t, Healthy(results[:1]))
}

func TestPingCheckerTimeout(t *testing.T) {
	t.Parallel()
	c := NewPingChecker(20*time.Millisecond, map[string]Pinger{
		"slow": pingerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	})

	start := time.Now()
	results := c.ListChecks(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, results, 1)
	assert.Equal(t, StatusError, results[0].Status)
	assert.Contains(t, results[0].Detail, "deadline exceeded")
}

func TestHealthyEmpty(t *testing.T) {
	t.Parallel()
	assert.True(t, Healthy(nil))
	assert.Empty(t, NewPingChecker(0, nil).ListChecks(context.Background()))
}

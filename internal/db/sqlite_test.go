package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Postgres)(nil)
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	for _, tc := range storeCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tc.run(t, newTestSQLite(t))
		})
	}
}

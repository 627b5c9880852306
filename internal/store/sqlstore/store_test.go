package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pliu/chatcore/internal/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *SQLStore, id int64, name string) {
	t.Helper()
	err := s.UpsertUser(context.Background(), &models.User{ID: id, Name: name})
	require.NoError(t, err)
}

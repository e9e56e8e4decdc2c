package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kirychukyurii/vpn-node-balancer/internal/logger"
	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
)

func nodeScanFunc(id int64, name string, current, maxUsers int) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*int64)) = id
		*(dest[1].(*string)) = name
		*(dest[5].(*string)) = "https://panel.example.com"
		*(dest[8].(*string)) = model.NodeStatusActive
		*(dest[9].(*string)) = model.HealthStatusHealthy
		*(dest[10].(*int)) = current
		*(dest[11].(*int)) = maxUsers
		*(dest[12].(*int)) = model.DefaultPriority
		*(dest[13].(*float64)) = model.DefaultWeight
		*(dest[16].(*time.Time)) = time.Unix(0, 0)
		*(dest[17].(*time.Time)) = time.Unix(0, 0)
		return nil
	}
}

func TestPostgresGetNodeNotFound(t *testing.T) {
	db := &mockDB{}
	store := NewPostgresStoreWithDB(db, logger.Discard())
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{int64(9)}).
		Return(&mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }})

	_, err := store.GetNode(ctx, 9)
	assert.ErrorIs(t, err, model.ErrNodeNotFound)
	db.AssertExpectations(t)
}

func TestPostgresGetNode(t *testing.T) {
	db := &mockDB{}
	store := NewPostgresStoreWithDB(db, logger.Discard())
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{int64(3)}).
		Return(&mockRow{scanFunc: nodeScanFunc(3, "nl-1", 40, 100)})

	node, err := store.GetNode(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), node.ID)
	assert.Equal(t, "nl-1", node.Name)
	assert.Equal(t, 40.0, node.LoadPercentage())
}

func TestPostgresListNodesFilter(t *testing.T) {
	db := &mockDB{}
	store := NewPostgresStoreWithDB(db, logger.Discard())
	ctx := context.Background()

	rows := newMockRows(nodeScanFunc(1, "a", 0, 10), nodeScanFunc(2, "b", 5, 10))
	db.On("Query", ctx,
		mock.MatchedBy(func(sql string) bool {
			return strings.Contains(sql, "status = $1") &&
				strings.Contains(sql, "health_status = $2") &&
				strings.Contains(sql, "ORDER BY priority DESC")
		}),
		[]any{model.NodeStatusActive, model.HealthStatusHealthy},
	).Return(rows, nil)

	nodes, err := store.ListNodes(ctx, model.NodeFilter{
		Status:       model.NodeStatusActive,
		HealthStatus: model.HealthStatusHealthy,
	})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "b", nodes[1].Name)
}

func TestPostgresListNodesQueryError(t *testing.T) {
	db := &mockDB{}
	store := NewPostgresStoreWithDB(db, logger.Discard())
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), []any(nil)).Return(nil, errors.New("connection reset"))

	_, err := store.ListNodes(ctx, model.NodeFilter{})
	assert.ErrorContains(t, err, "failed to list nodes")
}

func sqlContaining(part string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, part) })
}

func TestPostgresDeleteNode(t *testing.T) {
	ctx := context.Background()
	scanID := func(id int64) *mockRow {
		return &mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*int64)) = id
			return nil
		}}
	}
	scanBool := func(v bool) *mockRow {
		return &mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*bool)) = v
			return nil
		}}
	}

	t.Run("missing", func(t *testing.T) {
		db, tx := &mockDB{}, &mockTx{}
		db.On("Begin", ctx).Return(tx, nil)
		tx.On("QueryRow", ctx, sqlContaining("FOR UPDATE"), []any{int64(4)}).
			Return(&mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }})

		store := NewPostgresStoreWithDB(db, logger.Discard())
		assert.ErrorIs(t, store.DeleteNode(ctx, 4), model.ErrNodeNotFound)
		assert.True(t, tx.rolledBack)
	})

	t.Run("active users", func(t *testing.T) {
		db, tx := &mockDB{}, &mockTx{}
		db.On("Begin", ctx).Return(tx, nil)
		tx.On("QueryRow", ctx, sqlContaining("FOR UPDATE"), []any{int64(2)}).Return(scanID(2))
		tx.On("QueryRow", ctx, sqlContaining("EXISTS"), []any{int64(2)}).Return(scanBool(true))

		store := NewPostgresStoreWithDB(db, logger.Discard())
		assert.ErrorIs(t, store.DeleteNode(ctx, 2), model.ErrNodeHasActiveUsers)
		assert.True(t, tx.rolledBack)
		tx.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("empty node", func(t *testing.T) {
		db, tx := &mockDB{}, &mockTx{}
		db.On("Begin", ctx).Return(tx, nil)
		tx.On("QueryRow", ctx, sqlContaining("FOR UPDATE"), []any{int64(3)}).Return(scanID(3))
		tx.On("QueryRow", ctx, sqlContaining("EXISTS"), []any{int64(3)}).Return(scanBool(false))
		tx.On("Exec", ctx, sqlContaining("DELETE FROM vpn_nodes"), []any{int64(3)}).
			Return(pgconn.NewCommandTag("DELETE 1"), nil)

		store := NewPostgresStoreWithDB(db, logger.Discard())
		require.NoError(t, store.DeleteNode(ctx, 3))
		assert.True(t, tx.committed)
		tx.AssertExpectations(t)
	})
}

func TestPostgresUpdateNodeHealth(t *testing.T) {
	db := &mockDB{}
	store := NewPostgresStoreWithDB(db, logger.Discard())
	ctx := context.Background()

	ms := int64(120)
	checked := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	db.On("Exec", ctx, mock.AnythingOfType("string"),
		[]any{int64(1), model.HealthStatusHealthy, &ms, checked},
	).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := store.UpdateNodeHealth(ctx, 1, model.HealthUpdate{
		HealthStatus:   model.HealthStatusHealthy,
		ResponseTimeMs: &ms,
		CheckedAt:      checked,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestPostgresUpdateNodeWithoutChangesReadsNode(t *testing.T) {
	db := &mockDB{}
	store := NewPostgresStoreWithDB(db, logger.Discard())
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{int64(2)}).
		Return(&mockRow{scanFunc: nodeScanFunc(2, "de-1", 0, 10)})

	node, err := store.UpdateNode(ctx, 2, model.NodeUpdate{})
	require.NoError(t, err)
	assert.Equal(t, "de-1", node.Name)
	db.AssertNotCalled(t, "Exec")
}

func TestPostgresReconcileNodeCounters(t *testing.T) {
	db := &mockDB{}
	store := NewPostgresStoreWithDB(db, logger.Discard())
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any(nil)).
		Return(pgconn.NewCommandTag("UPDATE 2"), nil)

	corrected, err := store.ReconcileNodeCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, corrected)
}

func TestPostgresUserExists(t *testing.T) {
	db := &mockDB{}
	store := NewPostgresStoreWithDB(db, logger.Discard())
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{int64(77)}).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*bool)) = true
			return nil
		}})

	ok, err := store.UserExists(ctx, 77)
	require.NoError(t, err)
	assert.True(t, ok)
}

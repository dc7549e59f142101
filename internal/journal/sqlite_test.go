package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "data", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestSQLiteJournal_Orders(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)

	base := time.Date(2025, 1, 20, 9, 30, 0, 0, time.UTC)
	require.NoError(t, j.RecordOrder(ctx, OrderRecord{
		Timestamp: base, OrderID: "A1", Symbol: "NIFTY25JAN23500CE", Kind: "SELL",
		TransactionType: "SELL", Quantity: 75, Price: 95.5, Status: StatusPending, UnderlyingPrice: 23510,
	}))
	require.NoError(t, j.RecordOrder(ctx, OrderRecord{
		Timestamp: base.Add(time.Minute), Symbol: "NIFTY25JAN24500CE", Kind: "HEDGE",
		TransactionType: "BUY", Quantity: 75, Status: StatusFailed, Error: "insufficient liquidity",
	}))

	got, err := j.RecentOrders(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "HEDGE", got[0].Kind)
	assert.Equal(t, StatusFailed, got[0].Status)
	assert.Equal(t, "insufficient liquidity", got[0].Error)
	assert.Empty(t, got[0].OrderID)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, "A1", got[1].OrderID)
	assert.InDelta(t, 23510.0, got[1].UnderlyingPrice, 1e-9)

	limited, err := j.RecentOrders(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteJournal_Snapshots(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)

	s, err := j.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)

	base := time.Date(2025, 1, 20, 9, 30, 0, 0, time.UTC)
	require.NoError(t, j.RecordSnapshot(ctx, Snapshot{Timestamp: base, ActiveOrders: 2}))
	require.NoError(t, j.RecordSnapshot(ctx, Snapshot{Timestamp: base.Add(time.Minute), ActiveOrders: 1, ClosedOrders: 3, RealizedPnL: 1500}))

	s, err = j.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 1, s.ActiveOrders)
	assert.Equal(t, 3, s.ClosedOrders)
	assert.InDelta(t, 1500.0, s.RealizedPnL, 1e-9)
}

func TestNop(t *testing.T) {
	var s Sink = Nop{}
	assert.NoError(t, s.RecordOrder(context.Background(), OrderRecord{}))
	assert.NoError(t, s.RecordSnapshot(context.Background(), Snapshot{}))
	assert.NoError(t, s.Close())
}

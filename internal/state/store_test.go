package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"autonomous-trader/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trader.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadFreshStoreReturnsNil(t *testing.T) {
	s := openTestStore(t)
	state, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := types.NewLoopState("sess-1", "BTCUSDT", decimal.NewFromInt(1000))
	st.DailyPnL = decimal.NewFromFloat(-12.5)
	st.AnalysisCount = 42
	st.OpenOrders["abc"] = types.Order{
		ClientOrderID: "abc",
		Symbol:        "BTCUSDT",
		Side:          types.ActionBuy,
		Qty:           decimal.NewFromFloat(0.001),
		Status:        types.OrderSubmitted,
	}
	st.LastTickTime = time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.Snapshot(ctx, st))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, "sess-1", loaded.SessionID)
	require.True(t, loaded.DailyPnL.Equal(st.DailyPnL))
	require.Equal(t, int64(42), loaded.AnalysisCount)
	require.Len(t, loaded.OpenOrders, 1)
	require.Equal(t, types.OrderSubmitted, loaded.OpenOrders["abc"].Status)
}

func TestLatestSnapshotWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := types.NewLoopState("sess-1", "BTCUSDT", decimal.NewFromInt(1000))
	require.NoError(t, s.Snapshot(ctx, st))

	st.AnalysisCount = 7
	require.NoError(t, s.Snapshot(ctx, st))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), loaded.AnalysisCount)
}

func TestLoadIgnoresUnknownFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// A snapshot written by a future build with extra fields.
	rec := snapshotRecord{
		SessionID: "sess-1",
		Version:   SchemaVersion,
		Data:      `{"session_id":"sess-1","symbol":"BTCUSDT","daily_pnl":"-3.5","experimental_field":true,"hedge_ratio":0.25}`,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.db.Create(&rec).Error)

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, "sess-1", loaded.SessionID)
	require.True(t, loaded.DailyPnL.Equal(decimal.NewFromFloat(-3.5)))
}

func TestLoadRejectsNewerSchema(t *testing.T) {
	s := openTestStore(t)

	rec := snapshotRecord{
		SessionID: "sess-1",
		Version:   SchemaVersion + 1,
		Data:      `{"session_id":"sess-1"}`,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.db.Create(&rec).Error)

	_, err := s.Load(context.Background())
	require.Error(t, err)
}

func TestDecisionAuditTrail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := types.Decision{
		ID:         "dec-1",
		Action:     types.ActionBuy,
		Confidence: 0.8,
		RiskScore:  0.3,
		Source:     "openai",
		Reason:     "momentum",
	}
	snap := types.FeatureSnapshot{ID: "snap-1", Symbol: "BTCUSDT", Close: 50000}

	require.NoError(t, s.RecordDecision(ctx, "sess-1", d, snap))

	var count int64
	require.NoError(t, s.db.Model(&decisionRecord{}).Where("decision_id = ?", "dec-1").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestRecordDecisionReplayIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := types.Decision{
		ID:         "dec-1",
		Action:     types.ActionBuy,
		Confidence: 0.8,
		Source:     "openai",
	}
	snap := types.FeatureSnapshot{ID: "snap-1", Symbol: "BTCUSDT", Close: 50000}

	// A replayed decision hits the unique index and is dropped, not
	// surfaced as an error.
	require.NoError(t, s.RecordDecision(ctx, "sess-1", d, snap))
	require.NoError(t, s.RecordDecision(ctx, "sess-1", d, snap))

	var count int64
	require.NoError(t, s.db.Model(&decisionRecord{}).Where("decision_id = ?", "dec-1").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := types.Session{
		ID:        "sess-1",
		Symbol:    "BTCUSDT",
		Strategy:  "llm-chain",
		StartTime: time.Now().UTC(),
	}
	require.NoError(t, s.StartSession(ctx, sess))
	require.NoError(t, s.EndSession(ctx, "sess-1", types.SessionTotals{
		Ticks:       10,
		Decisions:   3,
		Orders:      1,
		RealizedPnL: decimal.NewFromFloat(4.2),
	}))

	var rec sessionRecord
	require.NoError(t, s.db.First(&rec, "id = ?", "sess-1").Error)
	require.NotNil(t, rec.EndTime)
}

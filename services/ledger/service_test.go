package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"outreach-engine/pkg/errutil"
	"outreach-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T, clock *testutil.Clock) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Ledger{}, &Entry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node}).WithClock(clock.Now)
}

func TestSnapshotEmptyLedger(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	require.Zero(t, snap.Today)
	require.Zero(t, snap.Total)
	require.Zero(t, snap.Wallet)
	require.Equal(t, "2026-10-15", snap.LastResetDate)
}

func TestCreditIncrementsAllAccumulators(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)
	ctx := context.Background()

	_, err := svc.Credit(ctx, Movement{Kind: KindContactSent, Amount: 500, ReferenceID: "e1"})
	require.NoError(t, err)
	snap, err := svc.Credit(ctx, Movement{Kind: KindContactClosed, Amount: 50000, ReferenceID: "+100"})
	require.NoError(t, err)

	require.Equal(t, int64(50500), snap.Today)
	require.Equal(t, int64(50500), snap.Total)
	require.Equal(t, int64(50500), snap.Wallet)
}

func TestCreditRejectsNonPositiveAmount(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)

	_, err := svc.Credit(context.Background(), Movement{Kind: KindContactSent, Amount: 0})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestCreditHonoursCancelledContext(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Credit(ctx, Movement{Kind: KindContactSent, Amount: 500, ReferenceID: "e1"})
	require.Error(t, err)
	_, err = svc.Snapshot(ctx)
	require.Error(t, err)

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	require.Zero(t, snap.Total)

	entries, err := svc.ListEntries(context.Background(), KindContactSent, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDailyResetOnFirstAccessOfNewDay(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 10, 15, 22, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)
	ctx := context.Background()

	_, err := svc.Credit(ctx, Movement{Kind: KindContactSent, Amount: 500})
	require.NoError(t, err)

	clock.Advance(4 * time.Hour)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	require.Zero(t, snap.Today)
	require.Equal(t, int64(500), snap.Total)
	require.Equal(t, int64(500), snap.Wallet)
	require.Equal(t, "2026-10-16", snap.LastResetDate)

	snap, err = svc.Credit(ctx, Movement{Kind: KindContactSent, Amount: 500})
	require.NoError(t, err)
	require.Equal(t, int64(500), snap.Today)
	require.Equal(t, int64(1000), snap.Total)

	// a second access on the same date must not reset again
	clock.Advance(time.Hour)
	snap, err = svc.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(500), snap.Today)
}

func TestDailyResetFollowsConfiguredZone(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	clock := testutil.NewClock(time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC)) // 23:30 IST
	svc := newTestService(t, clock).WithLocation(ist)
	ctx := context.Background()

	_, err := svc.Credit(ctx, Movement{Kind: KindContactSent, Amount: 500})
	require.NoError(t, err)

	clock.Advance(time.Hour) // 00:30 IST next day, still the 15th in UTC
	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	require.Zero(t, snap.Today)
	require.Equal(t, "2026-10-16", snap.LastResetDate)
}

func TestDebitInsufficientFundsLeavesLedgerUnchanged(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)
	ctx := context.Background()

	_, err := svc.Credit(ctx, Movement{Kind: KindContactSent, Amount: 300})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, Movement{Kind: KindWithdrawal, Amount: 301})
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.StatusInsufficientFunds))

	var base errutil.BaseError
	require.ErrorAs(t, err, &base)
	require.Equal(t, int64(300), base.Meta["available"])

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(300), snap.Wallet)

	entries, err := svc.ListEntries(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDebitExactWalletLeavesZero(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)
	ctx := context.Background()

	_, err := svc.Credit(ctx, Movement{Kind: KindContactSent, Amount: 300})
	require.NoError(t, err)

	snap, err := svc.Debit(ctx, Movement{Kind: KindWithdrawal, Amount: 300})
	require.NoError(t, err)
	require.Zero(t, snap.Wallet)
	require.Equal(t, int64(300), snap.Total)
	require.Equal(t, int64(300), snap.Today)
}

func TestConcurrentCreditsAreSerialized(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Credit(ctx, Movement{Kind: KindContactSent, Amount: 10})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(200), snap.Total)
	require.Equal(t, int64(200), snap.Wallet)

	ok, _, err := svc.VerifyChain(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)
	ctx := context.Background()

	for _, amount := range []int64{100, 200, 300} {
		_, err := svc.Credit(ctx, Movement{Kind: KindContactSent, Amount: amount})
		require.NoError(t, err)
	}

	ok, broken, err := svc.VerifyChain(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, broken)

	entries, err := svc.ListEntries(ctx, KindContactSent, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, int64(600), entries[0].BalanceAfter)

	require.NoError(t, svc.db.Model(&Entry{}).Where("id = ?", entries[1].ID).Update("amount", 999).Error)

	ok, broken, err = svc.VerifyChain(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, entries[1].ID, broken)
}

package outreach

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"outreach-engine/pkg/config"
	"outreach-engine/pkg/errutil"
	"outreach-engine/services/delivery"
	"outreach-engine/services/engagement"
	"outreach-engine/services/ledger"
	"outreach-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type generatorMock struct {
	mu      sync.Mutex
	prompts []string
	fn      func(ctx context.Context, prompt string) (string, error)
}

func (m *generatorMock) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(ctx, prompt)
	}
	return "generated copy", nil
}

type sent struct {
	address string
	message string
}

type transportMock struct {
	mu   sync.Mutex
	sent []sent
	fn   func(ctx context.Context, address, message string) (delivery.Receipt, error)
}

func (m *transportMock) Send(ctx context.Context, address, message string) (delivery.Receipt, error) {
	if m.fn != nil {
		if _, err := m.fn(ctx, address, message); err != nil {
			return delivery.Receipt{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent{address: address, message: message})
	return delivery.Receipt{ID: "r-" + address}, nil
}

func (m *transportMock) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fixture struct {
	engine    *Engine
	clock     *testutil.Clock
	generator *generatorMock
	transport *transportMock
	store     engagement.Store
	ledger    *ledger.Service
}

func newFixture(t *testing.T, mutate ...func(cfg *config.Config)) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, &engagement.Engagement{}, &engagement.FollowUp{}, &ledger.Ledger{}, &ledger.Entry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Outreach.FollowUpIntervals = []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour}
	cfg.Outreach.PricePerContact = 500
	cfg.Outreach.Concurrency = 1
	for _, m := range mutate {
		m(cfg)
	}

	clock := testutil.NewClock(t0)
	led := ledger.NewService(ledger.ServiceParams{DB: db, Node: node}).WithClock(clock.Now)
	store := engagement.NewStore(engagement.StoreParams{DB: db, Node: node})
	gen := &generatorMock{}
	tr := &transportMock{}

	engine, err := NewEngine(Params{
		DB:         db,
		Config:     cfg,
		Store:      store,
		Ledger:     led,
		Generator:  gen,
		Transport:  tr,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	engine.WithClock(clock.Now)

	return &fixture{engine: engine, clock: clock, generator: gen, transport: tr, store: store, ledger: led}
}

func (f *fixture) initiate(t *testing.T, address string) *engagement.Engagement {
	t.Helper()
	res, err := f.engine.Initiate(context.Background(), InitiateInput{
		ContactAddress: address,
		Subject:        engagement.Subject{Name: "Priya Shah", Company: "Good Beans"},
		InitialMessage: "Hi Priya, quick idea for Good Beans.",
	})
	require.NoError(t, err)
	return res.Engagement
}

func (f *fixture) get(t *testing.T, id string) *engagement.Engagement {
	t.Helper()
	e, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	requireInvariant(t, e)
	return e
}

func requireInvariant(t *testing.T, e *engagement.Engagement) {
	t.Helper()
	require.Equal(t, e.Done(), e.NextFollowUpAt == nil, "done must hold exactly when no follow-up is scheduled")
}

func TestInitiateSchedulesFirstFollowUpAndCredits(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Initiate(context.Background(), InitiateInput{
		ContactAddress: " addr1 ",
		InitialMessage: "Hello there",
	})
	require.NoError(t, err)

	rec := res.Engagement
	require.Equal(t, "addr1", rec.ContactAddress)
	require.Equal(t, 0, rec.FollowUpCount)
	require.True(t, rec.NextFollowUpAt.Equal(rec.CreatedAt.Add(time.Hour)))
	require.Equal(t, engagement.StatusScheduled, rec.Status)
	requireInvariant(t, rec)

	require.Equal(t, int64(500), res.Ledger.Today)
	require.Equal(t, int64(500), res.Ledger.Total)
	require.Equal(t, int64(500), res.Ledger.Wallet)
	require.Equal(t, "r-addr1", res.Receipt.ID)
	require.Equal(t, []sent{{address: "addr1", message: "Hello there"}}, f.transport.sent)

	entries, err := f.ledger.ListEntries(context.Background(), ledger.KindContactSent, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, rec.ID, entries[0].ReferenceID)
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Initiate(ctx, InitiateInput{InitialMessage: "hi"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = f.engine.Initiate(ctx, InitiateInput{ContactAddress: "addr1"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	require.Zero(t, f.transport.count())
	require.Empty(t, f.generator.prompts)
}

func TestInitiateDeliveryFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.transport.fn = func(context.Context, string, string) (delivery.Receipt, error) {
		return delivery.Receipt{}, errors.New("gateway down")
	}

	_, err := f.engine.Initiate(context.Background(), InitiateInput{ContactAddress: "addr1", InitialMessage: "hi"})
	require.True(t, errutil.Is(err, errutil.StatusDeliveryFailed))

	list, _, err := f.engine.ListEngagements(context.Background(), engagement.Filter{})
	require.NoError(t, err)
	require.Empty(t, list)

	snap, err := f.engine.LedgerSnapshot(context.Background())
	require.NoError(t, err)
	require.Zero(t, snap.Total)
	require.Zero(t, snap.Wallet)
}

func TestInitiateGeneratesOpeningFromSubject(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Outreach.ServiceOffer = "Google Maps listings" })
	f.generator.fn = func(context.Context, string) (string, error) { return "  Hi Priya, saw your cafe.  ", nil }

	res, err := f.engine.Initiate(context.Background(), InitiateInput{
		ContactAddress: "addr1",
		Subject:        engagement.Subject{Name: "Priya", Company: "Good Beans", PainPoint: "few reviews"},
	})
	require.NoError(t, err)
	require.Equal(t, "Hi Priya, saw your cafe.", res.Engagement.InitialMessage)
	require.Len(t, f.generator.prompts, 1)
	require.Contains(t, f.generator.prompts[0], "Good Beans")
	require.Contains(t, f.generator.prompts[0], "Google Maps listings")
	require.Equal(t, "Priya", res.Engagement.SubjectInfo().Name)
}

func TestInitiateGenerationFailureIsSurfaced(t *testing.T) {
	f := newFixture(t)
	f.generator.fn = func(context.Context, string) (string, error) { return "", errors.New("quota exceeded") }

	_, err := f.engine.Initiate(context.Background(), InitiateInput{ContactAddress: "addr1", Prompt: "write something"})
	require.True(t, errutil.Is(err, errutil.StatusGenerationFailed))
	require.Zero(t, f.transport.count())
}

func TestInitiatePriceOverride(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Initiate(context.Background(), InitiateInput{
		ContactAddress: "addr1",
		InitialMessage: "hi",
		Price:          75000,
	})
	require.NoError(t, err)
	require.Equal(t, int64(75000), res.Ledger.Wallet)
	require.Equal(t, int64(75000), res.Engagement.PricePerContact)
}

func TestInitiateWithZeroPriceReturnsSnapshot(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Outreach.PricePerContact = 0 })

	res, err := f.engine.Initiate(context.Background(), InitiateInput{ContactAddress: "addr1", InitialMessage: "hi"})
	require.NoError(t, err)
	require.Zero(t, res.Ledger.Total)
	require.Equal(t, "2026-10-15", res.Ledger.LastResetDate)
}

func TestAdvanceRunsFullSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.initiate(t, "addr1")

	out, err := f.engine.Advance(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []Outcome{{EngagementID: rec.ID, ContactAddress: "addr1", Result: ResultFollowUpSent, FollowUpCount: 1}}, out)
	got := f.get(t, rec.ID)
	require.Equal(t, 1, got.FollowUpCount)
	require.True(t, got.NextFollowUpAt.Equal(t0.Add(7*time.Hour)))

	_, err = f.engine.Advance(ctx, t0.Add(7*time.Hour))
	require.NoError(t, err)
	got = f.get(t, rec.ID)
	require.Equal(t, 2, got.FollowUpCount)
	require.True(t, got.NextFollowUpAt.Equal(t0.Add(31*time.Hour)))

	_, err = f.engine.Advance(ctx, t0.Add(31*time.Hour))
	require.NoError(t, err)
	got = f.get(t, rec.ID)
	require.Equal(t, 3, got.FollowUpCount)
	require.True(t, got.Done())
	require.Nil(t, got.NextFollowUpAt)

	require.Len(t, got.FollowUps, 3)
	for _, fu := range got.FollowUps {
		require.Equal(t, engagement.OutcomeDelivered, fu.Outcome)
		require.Equal(t, "generated copy", fu.Message)
	}

	out, err = f.engine.Advance(ctx, t0.Add(100*time.Hour))
	require.NoError(t, err)
	require.Empty(t, out)

	// follow-ups do not credit the ledger
	snap, err := f.engine.LedgerSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(500), snap.Total)
}

func TestAdvanceUsesPerIndexPrompts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initiate(t, "addr1")

	for _, at := range []time.Duration{time.Hour, 7 * time.Hour, 31 * time.Hour} {
		_, err := f.engine.Advance(ctx, t0.Add(at))
		require.NoError(t, err)
	}

	require.Len(t, f.generator.prompts, 3)
	require.Contains(t, f.generator.prompts[0], "follow-up message 1 of 3")
	require.Contains(t, f.generator.prompts[1], "get started")
	require.Contains(t, f.generator.prompts[2], "soft goodbye")
}

func TestAdvanceTwiceWithSameNowChangesStateOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.initiate(t, "addr1")

	out, err := f.engine.Advance(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, out, 1)

	out, err = f.engine.Advance(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, out)

	got := f.get(t, rec.ID)
	require.Equal(t, 1, got.FollowUpCount)
	require.Len(t, got.FollowUps, 1)
	require.Equal(t, 2, f.transport.count())
}

func TestAdvanceDeliveryFailureRetriesOnNextTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.initiate(t, "addr1")

	f.transport.fn = func(context.Context, string, string) (delivery.Receipt, error) {
		return delivery.Receipt{}, errors.New("gateway down")
	}
	out, err := f.engine.Advance(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, ResultError, out[0].Result)
	require.Contains(t, out[0].Error, "gateway down")

	got := f.get(t, rec.ID)
	require.Equal(t, 0, got.FollowUpCount)
	require.True(t, got.NextFollowUpAt.Equal(t0.Add(time.Hour)))
	require.Len(t, got.FollowUps, 1)
	require.Equal(t, engagement.OutcomeError, got.FollowUps[0].Outcome)
	require.Equal(t, "gateway down", got.FollowUps[0].Error)

	f.transport.fn = nil
	retryAt := t0.Add(time.Hour + time.Minute)
	out, err = f.engine.Advance(ctx, retryAt)
	require.NoError(t, err)
	require.Equal(t, ResultFollowUpSent, out[0].Result)

	got = f.get(t, rec.ID)
	require.Equal(t, 1, got.FollowUpCount)
	require.True(t, got.NextFollowUpAt.Equal(retryAt.Add(6*time.Hour)))
	require.Len(t, got.FollowUps, 2)
}

func TestAdvanceFallsBackWhenGenerationFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initiate(t, "addr1")

	f.generator.fn = func(context.Context, string) (string, error) { return "", errors.New("timeout") }
	out, err := f.engine.Advance(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, ResultFollowUpSent, out[0].Result)

	want := Fallback(engagement.Subject{Name: "Priya Shah", Company: "Good Beans"}, "Owner", 0, 3)
	require.Equal(t, want, f.transport.sent[1].message)
	require.True(t, strings.HasPrefix(want, "Hi Priya,"))
	require.Equal(t, 1.0, promtestutil.ToFloat64(f.engine.metrics.fallbacks))
}

func TestAdvanceBoundsStalledDelivery(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Outreach.DeliveryTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()
	rec := f.initiate(t, "addr1")

	f.transport.fn = func(ctx context.Context, _, _ string) (delivery.Receipt, error) {
		<-ctx.Done()
		return delivery.Receipt{}, ctx.Err()
	}

	start := time.Now()
	out, err := f.engine.Advance(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, out, 1)
	require.Equal(t, ResultError, out[0].Result)
	require.Contains(t, out[0].Error, context.DeadlineExceeded.Error())

	got := f.get(t, rec.ID)
	require.Equal(t, 0, got.FollowUpCount)
	require.True(t, got.NextFollowUpAt.Equal(t0.Add(time.Hour)))
	require.Equal(t, 1, f.transport.count())
}

func TestAdvanceFallsBackWhenGenerationStalls(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Outreach.GenerateTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()
	rec := f.initiate(t, "addr1")

	f.generator.fn = func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	start := time.Now()
	out, err := f.engine.Advance(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, ResultFollowUpSent, out[0].Result)

	want := Fallback(engagement.Subject{Name: "Priya Shah", Company: "Good Beans"}, "Owner", 0, 3)
	require.Equal(t, want, f.transport.sent[1].message)
	require.Equal(t, 1.0, promtestutil.ToFloat64(f.engine.metrics.fallbacks))
	require.Equal(t, 1, f.get(t, rec.ID).FollowUpCount)
}

func TestAdvanceContinuesBatchPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.initiate(t, "addr1")
	second := f.initiate(t, "addr2")

	f.transport.fn = func(_ context.Context, address, _ string) (delivery.Receipt, error) {
		if address == "addr1" {
			return delivery.Receipt{}, errors.New("blocked")
		}
		return delivery.Receipt{}, nil
	}

	out, err := f.engine.Advance(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, first.ID, out[0].EngagementID)
	require.Equal(t, ResultError, out[0].Result)
	require.Equal(t, second.ID, out[1].EngagementID)
	require.Equal(t, ResultFollowUpSent, out[1].Result)

	require.Equal(t, 1.0, promtestutil.ToFloat64(f.engine.metrics.followUps.WithLabelValues(string(ResultError))))
	require.Equal(t, 1.0, promtestutil.ToFloat64(f.engine.metrics.followUps.WithLabelValues(string(ResultFollowUpSent))))
}

func TestAdvanceSkipsRecordClosedMidFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.initiate(t, "addr1")

	f.transport.fn = func(ctx context.Context, address, _ string) (delivery.Receipt, error) {
		_, err := f.engine.Close(ctx, address, 100)
		return delivery.Receipt{}, err
	}

	out, err := f.engine.Advance(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, ResultSkipped, out[0].Result)

	got := f.get(t, rec.ID)
	require.True(t, got.Done())
	require.Equal(t, 0, got.FollowUpCount)
	require.Empty(t, got.FollowUps)
	require.Equal(t, int64(100), *got.ClosedAmount)
}

func TestAdvanceWithBoundedParallelism(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Outreach.Concurrency = 4 })
	ctx := context.Background()

	ids := make([]string, 0, 8)
	for _, addr := range []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8"} {
		ids = append(ids, f.initiate(t, addr).ID)
	}

	out, err := f.engine.Advance(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, out, 8)
	for i, o := range out {
		require.Equal(t, ids[i], o.EngagementID)
		require.Equal(t, ResultFollowUpSent, o.Result)
		require.Equal(t, 1, f.get(t, o.EngagementID).FollowUpCount)
	}
}

func TestCloseFinishesOpenEngagementAndCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.initiate(t, "addr1")

	_, err := f.engine.Advance(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	before, err := f.engine.LedgerSnapshot(ctx)
	require.NoError(t, err)

	f.clock.Set(t0.Add(2 * time.Hour))
	res, err := f.engine.Close(ctx, "addr1", 75000)
	require.NoError(t, err)
	require.Len(t, res.Closed, 1)

	got := f.get(t, rec.ID)
	require.True(t, got.Done())
	require.Nil(t, got.NextFollowUpAt)
	require.Equal(t, int64(75000), *got.ClosedAmount)
	require.True(t, got.ClosedAt.Equal(t0.Add(2*time.Hour)))
	require.Equal(t, 1, got.FollowUpCount)

	require.Equal(t, before.Total+75000, res.Ledger.Total)
	require.Equal(t, before.Wallet+75000, res.Ledger.Wallet)

	entries, err := f.ledger.ListEntries(ctx, ledger.KindContactClosed, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "addr1", entries[0].ReferenceID)
	require.Contains(t, string(entries[0].Metadata), `"amount":75000`)
	require.Contains(t, string(entries[0].Metadata), "Good Beans")

	out, err := f.engine.Advance(ctx, t0.Add(100*time.Hour))
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestCloseClosesEveryOpenEngagementForAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initiate(t, "addr1")
	f.initiate(t, "addr1")
	other := f.initiate(t, "addr2")

	res, err := f.engine.Close(ctx, "addr1", 1000)
	require.NoError(t, err)
	require.Len(t, res.Closed, 2)
	require.Equal(t, int64(1500+1000), res.Ledger.Total)

	require.False(t, f.get(t, other.ID).Done())

	_, err = f.engine.Close(ctx, "addr1", 1000)
	require.True(t, errutil.Is(err, errutil.StatusNotFound))

	snap, err := f.engine.LedgerSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2500), snap.Total)
}

func TestCloseValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initiate(t, "addr1")

	_, err := f.engine.Close(ctx, "addr1", 0)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
	_, err = f.engine.Close(ctx, "addr1", -5)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
	_, err = f.engine.Close(ctx, "", 5)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestNewEngineRequiresIntervals(t *testing.T) {
	_, err := NewEngine(Params{Config: &config.Config{}})
	require.Error(t, err)
}

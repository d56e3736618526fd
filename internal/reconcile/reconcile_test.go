package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	"github.com/smallbiznis/promosale/internal/clock"
	"github.com/smallbiznis/promosale/internal/config"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/promosale/internal/ledger/service"
	"github.com/smallbiznis/promosale/internal/stockcache"
	"github.com/smallbiznis/promosale/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type liveUnitsStub struct {
	activitydomain.Service
	units []activitydomain.LiveUnit
}

func (s *liveUnitsStub) ListLiveUnits(context.Context) ([]activitydomain.LiveUnit, error) {
	return s.units, nil
}

type fixture struct {
	db     *gorm.DB
	cache  *stockcache.Cache
	ledger ledgerdomain.Service
	syncer *Syncer
	node   *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t,
		&ledgerdomain.SellableUnit{},
		&ledgerdomain.LedgerWrite{},
		&ledgerdomain.ReservationRecord{},
		&ledgerdomain.DriftEvent{},
	)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := clock.NewFakeClock(testNow)
	node := testutil.NewNode(t)
	cache := stockcache.New(client, config.NewStaticPromoConfigHolder(config.DefaultPromoConfig()), zap.NewNop(), nil, stockcache.Options{})
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: zap.NewNop(), GenID: node, Clock: clk})
	syncer := NewSyncer(SyncerParams{Cache: cache, Ledger: ledger, Log: zap.NewNop(), Clock: clk})
	return &fixture{db: db, cache: cache, ledger: ledger, syncer: syncer, node: node}
}

func (f *fixture) unit(t *testing.T, total, sold int64) ledgerdomain.SellableUnit {
	t.Helper()
	unit := ledgerdomain.SellableUnit{
		ID:            f.node.Generate(),
		ActivityID:    f.node.Generate(),
		SKUID:         "sku-1",
		TotalQuantity: total,
		SoldQuantity:  sold,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
	require.NoError(t, f.db.Create(&unit).Error)
	return unit
}

func (f *fixture) reserve(t *testing.T, unitID snowflake.ID, requester string, qty int64) int64 {
	t.Helper()
	resvID := int64(f.node.Generate())
	res, err := f.cache.Reserve(context.Background(), stockcache.ReserveRequest{
		UnitID:         int64(unitID),
		RequesterID:    requester,
		Quantity:       qty,
		IdempotencyKey: requester + "-key",
		ReservationID:  resvID,
		ExpireAt:       testNow.Add(15 * time.Minute),
		Now:            testNow,
	})
	require.NoError(t, err)
	require.Equal(t, stockcache.OutcomeGranted, res.Outcome)
	return resvID
}

func TestSyncActivateWarmsFromLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unit := f.unit(t, 10, 4)

	res, err := f.syncer.Sync(ctx, unit.ID, 2, stockcache.SyncActivate)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.True(t, res.Warmed)
	assert.Equal(t, int64(4), res.CacheSold)

	state, err := f.cache.ReadUnit(ctx, int64(unit.ID))
	require.NoError(t, err)
	assert.True(t, state.Active)
	assert.Equal(t, int64(6), state.Remaining)
	assert.Equal(t, int64(2), state.Limit)
}

func TestReconcileUnitConvergesToLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unit := f.unit(t, 10, 0)
	_, err := f.syncer.Sync(ctx, unit.ID, 0, stockcache.SyncActivate)
	require.NoError(t, err)

	require.NoError(t, f.db.Exec(`UPDATE sellable_units SET sold_quantity = 3 WHERE id = ?`, unit.ID).Error)

	svc := NewService(ServiceParams{Syncer: f.syncer, Activity: &liveUnitsStub{}, Log: zap.NewNop()})
	res, err := svc.ReconcileUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), res.Drift)
	assert.Equal(t, int64(0), res.CacheSold)
	assert.Equal(t, int64(3), res.LedgerSold)

	state, err := f.cache.ReadUnit(ctx, int64(unit.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Sold)

	got, err := f.ledger.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.SoldQuantity)

	var events []ledgerdomain.DriftEvent
	require.NoError(t, f.db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, int64(-3), events[0].Drift)

	again, err := svc.ReconcileUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Zero(t, again.Drift)
}

func TestReconcileKeepsUnappliedReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unit := f.unit(t, 10, 0)
	_, err := f.syncer.Sync(ctx, unit.ID, 0, stockcache.SyncActivate)
	require.NoError(t, err)

	f.reserve(t, unit.ID, "u1", 2)

	res, err := f.syncer.Sync(ctx, unit.ID, 0, stockcache.SyncReconcile)
	require.NoError(t, err)
	assert.Zero(t, res.Drift)
	assert.Equal(t, int64(2), res.Pending)

	state, err := f.cache.ReadUnit(ctx, int64(unit.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Sold)
}

func TestReconcileUnitIgnoresUncachedUnit(t *testing.T) {
	f := newFixture(t)
	unit := f.unit(t, 5, 1)

	svc := NewService(ServiceParams{Syncer: f.syncer, Activity: &liveUnitsStub{}, Log: zap.NewNop()})
	res, err := svc.ReconcileUnit(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.False(t, res.Cached)

	state, err := f.cache.ReadUnit(context.Background(), int64(unit.ID))
	require.NoError(t, err)
	assert.False(t, state.Cached)
}

func TestReconcileUnitUnknownUnit(t *testing.T) {
	f := newFixture(t)
	svc := NewService(ServiceParams{Syncer: f.syncer, Activity: &liveUnitsStub{}, Log: zap.NewNop()})
	_, err := svc.ReconcileUnit(context.Background(), f.node.Generate())
	assert.ErrorIs(t, err, ledgerdomain.ErrUnitNotFound)
}

func TestReconcileLiveWarmsMissingAndSkipsEvicted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	missing := f.unit(t, 5, 1)
	evicted := f.unit(t, 5, 0)

	_, err := f.syncer.Sync(ctx, evicted.ID, 0, stockcache.SyncActivate)
	require.NoError(t, err)
	_, err = f.cache.Evict(ctx, int64(evicted.ID))
	require.NoError(t, err)

	stub := &liveUnitsStub{units: []activitydomain.LiveUnit{
		{Unit: missing, Kind: activitydomain.KindGroupBuy, Limit: 1},
		{Unit: evicted, Kind: activitydomain.KindGroupBuy},
	}}
	svc := NewService(ServiceParams{Syncer: f.syncer, Activity: stub, Log: zap.NewNop()})
	summary, err := svc.ReconcileLive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Units)
	assert.Equal(t, 1, summary.Warmed)

	state, err := f.cache.ReadUnit(ctx, int64(missing.ID))
	require.NoError(t, err)
	assert.True(t, state.Active)
	assert.Equal(t, int64(1), state.Sold)
	assert.Equal(t, int64(1), state.Limit)

	state, err = f.cache.ReadUnit(ctx, int64(evicted.ID))
	require.NoError(t, err)
	assert.False(t, state.Active)
}

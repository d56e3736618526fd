package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	activityservice "github.com/smallbiznis/promosale/internal/activity/service"
	"github.com/smallbiznis/promosale/internal/catalog"
	"github.com/smallbiznis/promosale/internal/clock"
	"github.com/smallbiznis/promosale/internal/config"
	groupdomain "github.com/smallbiznis/promosale/internal/groupbuy/domain"
	groupservice "github.com/smallbiznis/promosale/internal/groupbuy/service"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/promosale/internal/ledger/service"
	"github.com/smallbiznis/promosale/internal/ratelimit"
	"github.com/smallbiznis/promosale/internal/reconcile"
	reservationdomain "github.com/smallbiznis/promosale/internal/reservation/domain"
	reservationservice "github.com/smallbiznis/promosale/internal/reservation/service"
	schedulertesting "github.com/smallbiznis/promosale/internal/scheduler/testing"
	"github.com/smallbiznis/promosale/internal/stockcache"
	"github.com/smallbiznis/promosale/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var fakeStart = time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC)

type schedFixture struct {
	mr           *miniredis.Miniredis
	db           *gorm.DB
	clock        *clock.FakeClock
	cache        *stockcache.Cache
	activity     activitydomain.Service
	reservations reservationdomain.Service
	groups       groupdomain.Service
	params       Params
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	db := testutil.NewDB(t,
		&activitydomain.Activity{},
		&activitydomain.Session{},
		&ledgerdomain.SellableUnit{},
		&ledgerdomain.LedgerWrite{},
		&ledgerdomain.ReservationRecord{},
		&ledgerdomain.DriftEvent{},
		&groupdomain.BuyGroup{},
		&groupdomain.GroupMember{},
	)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	promo := config.DefaultPromoConfig()
	promo.CacheOpTimeout = 2 * time.Second
	holder := config.NewStaticPromoConfigHolder(promo)

	clk := clock.NewFakeClock(fakeStart)
	node := testutil.NewNode(t)
	cache := stockcache.New(client, holder, zap.NewNop(), nil, stockcache.Options{})
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: zap.NewNop(), GenID: node, Clock: clk})
	syncer := reconcile.NewSyncer(reconcile.SyncerParams{Cache: cache, Ledger: ledger, Log: zap.NewNop(), Clock: clk})
	activity := activityservice.NewService(activityservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Cache:  cache,
		Ledger: ledger,
		Syncer: syncer,
		Clock:  clk,
	})
	reservations := reservationservice.NewService(reservationservice.Params{
		Log:      zap.NewNop(),
		GenID:    node,
		Cache:    cache,
		Ledger:   ledger,
		Activity: activity,
		Catalog:  catalog.Permissive{},
		Promo:    holder,
		Clock:    clk,
	})
	groups := groupservice.NewService(groupservice.Params{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		Activity:     activity,
		Ledger:       ledger,
		Reservations: reservations,
		Clock:        clk,
	})

	return &schedFixture{
		mr:           mr,
		db:           db,
		clock:        clk,
		cache:        cache,
		activity:     activity,
		reservations: reservations,
		groups:       groups,
		params: Params{
			Log:          zap.NewNop(),
			GenID:        node,
			Clock:        clk,
			Activity:     activity,
			Reservations: reservations,
			Groups:       groups,
			Reconcile:    reconcile.NewService(reconcile.ServiceParams{Syncer: syncer, Activity: activity, Log: zap.NewNop()}),
			Cache:        cache,
			Locker:       ratelimit.NewLocker(client),
		},
	}
}

func (f *schedFixture) scheduler(t *testing.T, jobs ...string) *Scheduler {
	t.Helper()
	p := f.params
	p.Config = Config{EnabledJobs: jobs, JobRetries: 1}
	s, err := New(p)
	require.NoError(t, err)
	return s
}

// flashSession creates a flash sale whose only session starts in one minute and runs for two hours.
func (f *schedFixture) flashSession(t *testing.T, total int64) (*activitydomain.Session, *ledgerdomain.SellableUnit) {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	activity, err := f.activity.CreateActivity(ctx, activitydomain.CreateActivityRequest{
		Kind:    activitydomain.KindFlashSale,
		Title:   "Morning drop",
		StartAt: now.Add(time.Minute),
		EndAt:   now.Add(6 * time.Hour),
	})
	require.NoError(t, err)
	session, err := f.activity.CreateSession(ctx, activitydomain.CreateSessionRequest{
		ActivityID: &activity.ID,
		StartAt:    now.Add(time.Minute),
		EndAt:      now.Add(2 * time.Hour),
		PerUserMax: 5,
	})
	require.NoError(t, err)
	unit, err := f.activity.CreateUnit(ctx, activitydomain.CreateUnitRequest{
		ActivityID:    activity.ID,
		SessionID:     &session.ID,
		SKUID:         "sku-drop",
		TotalQuantity: total,
		OriginalPrice: decimal.NewFromInt(30),
		PromoPrice:    decimal.NewFromInt(12),
	})
	require.NoError(t, err)
	return session, unit
}

func (f *schedFixture) unitState(t *testing.T, unit *ledgerdomain.SellableUnit) stockcache.UnitState {
	t.Helper()
	state, err := f.cache.ReadUnit(context.Background(), int64(unit.ID))
	require.NoError(t, err)
	return state
}

func TestRunOnceDrivesFlashSessionLifecycle(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	s := f.scheduler(t, JobActivateDue, JobDeactivateDue, JobExpireReservations)
	session, unit := f.flashSession(t, 10)

	require.NoError(t, s.RunOnce(ctx))
	got, err := f.activity.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, activitydomain.StatusPending, got.Status)
	assert.False(t, f.unitState(t, unit).Cached)

	f.clock.Advance(time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	got, err = f.activity.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, activitydomain.StatusActive, got.Status)
	state := f.unitState(t, unit)
	assert.True(t, state.Cached)
	assert.Equal(t, int64(10), state.Remaining)

	res, err := f.reservations.TryReserve(ctx, reservationdomain.ReserveRequest{
		UnitID:         unit.ID,
		RequesterID:    "u-1",
		Quantity:       3,
		IdempotencyKey: "expire-1",
	})
	require.NoError(t, err)
	require.True(t, res.Granted())
	assert.Equal(t, int64(7), f.unitState(t, unit).Remaining)

	f.clock.Advance(16 * time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, int64(10), f.unitState(t, unit).Remaining)
	resv, err := f.reservations.Get(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StatusReleased, resv.Status)

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, s.RunOnce(ctx))
	got, err = f.activity.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, activitydomain.StatusEnded, got.Status)
	assert.False(t, f.unitState(t, unit).Cached)
}

func TestRunOnceSkipsJobWhenLockIsHeld(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	s := f.scheduler(t, JobActivateDue)
	session, _ := f.flashSession(t, 5)
	require.NoError(t, f.mr.Set(lockKeyPrefix+JobActivateDue, "other-replica"))

	f.clock.Advance(time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	got, err := f.activity.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, activitydomain.StatusPending, got.Status)

	f.mr.Del(lockKeyPrefix + JobActivateDue)
	require.NoError(t, s.RunOnce(ctx))
	got, err = f.activity.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, activitydomain.StatusActive, got.Status)
	assert.False(t, f.mr.Exists(lockKeyPrefix+JobActivateDue))
}

func TestExpireGroupsJobReleasesFormingGroups(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	s := f.scheduler(t, JobActivateDue, JobExpireGroups)
	now := f.clock.Now()

	activity, err := f.activity.CreateActivity(ctx, activitydomain.CreateActivityRequest{
		Kind:           activitydomain.KindGroupBuy,
		Title:          "Bundle",
		StartAt:        now.Add(time.Minute),
		EndAt:          now.Add(24 * time.Hour),
		MinPeople:      3,
		MaxPeople:      3,
		GroupTimeLimit: 10 * time.Minute,
	})
	require.NoError(t, err)
	unit, err := f.activity.CreateUnit(ctx, activitydomain.CreateUnitRequest{
		ActivityID:    activity.ID,
		SKUID:         "sku-bundle",
		TotalQuantity: 6,
		OriginalPrice: decimal.NewFromInt(50),
		PromoPrice:    decimal.NewFromInt(35),
	})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	require.NoError(t, s.RunOnce(ctx))

	created, err := f.groups.CreateGroup(ctx, groupdomain.CreateGroupRequest{
		ActivityID: activity.ID,
		LeaderID:   "lead",
		Quantity:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), f.unitState(t, unit).Remaining)

	accel := schedulertesting.NewTimeAccelerator(f.db, f.clock)
	moved, err := accel.ExpireGroupNow(ctx, created.Group.Code)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	require.NoError(t, s.RunOnce(ctx))
	group, err := f.groups.GetGroup(ctx, created.Group.Code)
	require.NoError(t, err)
	assert.Equal(t, groupdomain.StatusExpired, group.Status)
	assert.Equal(t, int64(6), f.unitState(t, unit).Remaining)
}

func TestWriteBehindRequeueWaitsForStall(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	s := f.scheduler(t, JobActivateDue, JobWriteBehindRequeue)
	_, unit := f.flashSession(t, 5)
	f.clock.Advance(time.Minute)
	require.NoError(t, s.RunOnce(ctx))

	res, err := f.reservations.TryReserve(ctx, reservationdomain.ReserveRequest{
		UnitID:         unit.ID,
		RequesterID:    "u-2",
		Quantity:       1,
		IdempotencyKey: "stall-1",
	})
	require.NoError(t, err)
	require.True(t, res.Granted())
	claimed, err := f.cache.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.RunOnce(ctx))
	queued, inflight, _, err := f.cache.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), queued)
	assert.Equal(t, int64(1), inflight)

	require.NoError(t, s.RunOnce(ctx))
	queued, inflight, _, err = f.cache.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queued)
	assert.Equal(t, int64(0), inflight)
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{cfg: Config{}}
	assert.True(t, s.isJobEnabled(JobReconcileUnits))

	s.cfg.EnabledJobs = []string{"ACTIVATE_DUE"}
	assert.True(t, s.isJobEnabled(JobActivateDue))
	assert.False(t, s.isJobEnabled(JobExpireGroups))
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

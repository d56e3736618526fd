package writebehind

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
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

type recordingMarker struct {
	mu    sync.Mutex
	calls []ledgerdomain.ApplyResult
}

func (m *recordingMarker) MarkSoldOutIfFull(_ context.Context, result ledgerdomain.ApplyResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, result)
	return true, nil
}

func (m *recordingMarker) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// flakyLedger fails the first n Apply calls with a transient error.
type flakyLedger struct {
	ledgerdomain.Service
	failures atomic.Int32
}

func (l *flakyLedger) Apply(ctx context.Context, write ledgerdomain.Write) (ledgerdomain.ApplyResult, error) {
	if l.failures.Add(-1) >= 0 {
		return ledgerdomain.ApplyResult{}, errors.New("connection reset")
	}
	return l.Service.Apply(ctx, write)
}

type fixture struct {
	db     *gorm.DB
	node   *snowflake.Node
	cache  *stockcache.Cache
	ledger ledgerdomain.Service
	marker *recordingMarker
	promo  *config.PromoConfigHolder
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

	cfg := config.DefaultPromoConfig()
	cfg.CacheOpTimeout = 2 * time.Second
	cfg.WriteBehindMaxRetries = 3
	promo := config.NewStaticPromoConfigHolder(cfg)

	node := testutil.NewNode(t)
	return &fixture{
		db:     db,
		node:   node,
		cache:  stockcache.New(client, promo, zap.NewNop(), nil, stockcache.Options{}),
		ledger: ledgerservice.NewService(ledgerservice.Params{DB: db, Log: zap.NewNop(), GenID: node, Clock: clock.NewFakeClock(testNow)}),
		marker: &recordingMarker{},
		promo:  promo,
	}
}

func (f *fixture) worker(ledger ledgerdomain.Service) *Worker {
	return NewWorker(Params{
		Cache:   f.cache,
		Ledger:  ledger,
		SoldOut: f.marker,
		Promo:   f.promo,
		Log:     zap.NewNop(),
		Config: Config{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			PollInterval:   5 * time.Millisecond,
		},
	})
}

// liveUnit stores a unit in the ledger and warms it in the cache.
func (f *fixture) liveUnit(t *testing.T, total int64, persist bool) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	if persist {
		require.NoError(t, f.db.Create(&ledgerdomain.SellableUnit{
			ID:            id,
			ActivityID:    f.node.Generate(),
			SKUID:         "sku-1",
			TotalQuantity: total,
			CreatedAt:     testNow,
			UpdatedAt:     testNow,
		}).Error)
	}
	_, err := f.cache.SyncUnit(context.Background(), stockcache.SyncRequest{
		UnitID: int64(id),
		Total:  total,
		Mode:   stockcache.SyncActivate,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) reserve(t *testing.T, unitID snowflake.ID, requester string, qty int64) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	res, err := f.cache.Reserve(context.Background(), stockcache.ReserveRequest{
		UnitID:         int64(unitID),
		RequesterID:    requester,
		Quantity:       qty,
		IdempotencyKey: "k-" + id.String(),
		ReservationID:  int64(id),
		ExpireAt:       testNow.Add(15 * time.Minute),
		Now:            testNow,
	})
	require.NoError(t, err)
	require.Equal(t, stockcache.OutcomeGranted, res.Outcome)
	return id
}

func TestProcessBatchAppliesIntentsInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unitID := f.liveUnit(t, 10, true)

	kept := f.reserve(t, unitID, "alice", 2)
	dropped := f.reserve(t, unitID, "bob", 3)
	_, err := f.cache.Confirm(ctx, int64(kept), testNow)
	require.NoError(t, err)
	_, err = f.cache.Release(ctx, int64(dropped), testNow, nil)
	require.NoError(t, err)

	n, err := f.worker(f.ledger).ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	unit, err := f.ledger.GetUnit(ctx, unitID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), unit.SoldQuantity)

	record, err := f.ledger.GetReservation(ctx, kept)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.ReservationStatusConfirmed, record.Status)
	record, err = f.ledger.GetReservation(ctx, dropped)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.ReservationStatusReleased, record.Status)

	state, err := f.cache.ReadUnit(ctx, int64(unitID))
	require.NoError(t, err)
	assert.Zero(t, state.Pending)
	assert.Equal(t, state.Sold, unit.SoldQuantity)

	queued, inflight, dead, err := f.cache.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued+inflight+dead)
	assert.Zero(t, f.marker.count())
}

func TestProcessBatchRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unitID := f.liveUnit(t, 10, true)
	f.reserve(t, unitID, "alice", 1)

	flaky := &flakyLedger{Service: f.ledger}
	flaky.failures.Store(2)

	n, err := f.worker(flaky).ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	unit, err := f.ledger.GetUnit(ctx, unitID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unit.SoldQuantity)
}

func TestProcessBatchDeadLettersAfterRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unitID := f.liveUnit(t, 10, true)
	f.reserve(t, unitID, "alice", 1)

	flaky := &flakyLedger{Service: f.ledger}
	flaky.failures.Store(100)

	_, err := f.worker(flaky).ProcessBatch(ctx)
	require.NoError(t, err)

	queued, inflight, dead, err := f.cache.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
	assert.Zero(t, inflight)
	assert.Equal(t, int64(1), dead)
	assert.Equal(t, int32(100-4), flaky.failures.Load())
}

func TestProcessBatchDeadLettersPermanentErrorsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unitID := f.liveUnit(t, 10, false)
	f.reserve(t, unitID, "alice", 1)

	_, err := f.worker(f.ledger).ProcessBatch(ctx)
	require.NoError(t, err)

	_, _, dead, err := f.cache.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestSoldOutReserveNotifiesMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unitID := f.liveUnit(t, 2, true)
	f.reserve(t, unitID, "alice", 1)
	f.reserve(t, unitID, "bob", 1)

	_, err := f.worker(f.ledger).ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.marker.count())
	assert.True(t, f.marker.calls[0].SoldOut())
}

func TestStartDrainsQueueUntilStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unitID := f.liveUnit(t, 10, true)
	w := f.worker(f.ledger)

	require.NoError(t, w.Start(ctx))
	f.reserve(t, unitID, "alice", 3)

	require.Eventually(t, func() bool {
		unit, err := f.ledger.GetUnit(ctx, unitID)
		return err == nil && unit.SoldQuantity == 3
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
	require.NoError(t, w.Stop(stopCtx))
}

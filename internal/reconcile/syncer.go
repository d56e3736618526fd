package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/promosale/internal/clock"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/promosale/internal/observability/metrics"
	"github.com/smallbiznis/promosale/internal/stockcache"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxSyncAttempts = 3

// Result describes one unit sync.
type Result struct {
	UnitID     snowflake.ID `json:"unit_id"`
	Cached     bool         `json:"cached"`
	Warmed     bool         `json:"warmed"`
	LedgerSold int64        `json:"ledger_sold"`
	CacheSold  int64        `json:"cache_sold"`
	Pending    int64        `json:"pending"`
	Drift      int64        `json:"drift"`
	// Stale is set when an activation raced a ledger write and skipped the counter check.
	Stale bool `json:"stale"`
	// Deferred is set when ledger writes kept landing during the sync; the next pass retries.
	Deferred bool `json:"deferred"`
}

type SyncerParams struct {
	fx.In

	Cache   *stockcache.Cache
	Ledger  ledgerdomain.Service
	Log     *zap.Logger
	Clock   clock.Clock                   `optional:"true"`
	Metrics *obsmetrics.ReservationMetrics `optional:"true"`
}

// Syncer copies ledger truth into the stock cache. The ledger row is read after
// the write sequence so the cache script can reject a stale read.
type Syncer struct {
	cache   *stockcache.Cache
	ledger  ledgerdomain.Service
	log     *zap.Logger
	clock   clock.Clock
	metrics *obsmetrics.ReservationMetrics
}

func NewSyncer(p SyncerParams) *Syncer {
	c := p.Clock
	if c == nil {
		c = clock.NewSystemClock()
	}
	return &Syncer{
		cache:   p.Cache,
		ledger:  p.Ledger,
		log:     p.Log.Named("reconcile.syncer"),
		clock:   c,
		metrics: p.Metrics,
	}
}

// Sync runs one sync of unitID in the given mode. limit is the effective per-user
// limit written on warm-up. Drift is recorded as a drift event.
func (s *Syncer) Sync(ctx context.Context, unitID snowflake.ID, limit int64, mode stockcache.SyncMode) (Result, error) {
	result := Result{UnitID: unitID}
	for attempt := 1; attempt <= maxSyncAttempts; attempt++ {
		seq, err := s.cache.WriteSeq(ctx, int64(unitID))
		if err != nil {
			return result, err
		}
		unit, err := s.ledger.GetUnit(ctx, unitID)
		if err != nil {
			return result, err
		}

		res, err := s.cache.SyncUnit(ctx, stockcache.SyncRequest{
			UnitID:      int64(unitID),
			Total:       unit.TotalQuantity,
			LedgerSold:  unit.SoldQuantity,
			Limit:       limit,
			ObservedSeq: seq,
			Mode:        mode,
		})
		if errors.Is(err, stockcache.ErrSeqMoved) {
			s.log.Debug("reconcile.seq_moved", zap.String("unit_id", unitID.String()), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return result, err
		}

		result.Cached = res.Cached
		result.Warmed = res.Warmed
		result.Stale = res.Stale
		result.LedgerSold = unit.SoldQuantity
		result.CacheSold = res.CacheSold
		result.Drift = res.Drift
		if res.Cached && !res.Stale {
			result.Pending = res.CacheSold - res.Drift - unit.SoldQuantity
		}
		if res.Drift != 0 {
			s.recordDrift(ctx, result)
		}
		return result, nil
	}
	result.Deferred = true
	return result, nil
}

func (s *Syncer) recordDrift(ctx context.Context, result Result) {
	s.metrics.ObserveDrift(result.Drift)
	s.log.Warn("reconcile.drift",
		zap.String("unit_id", result.UnitID.String()),
		zap.Int64("cache_sold", result.CacheSold),
		zap.Int64("ledger_sold", result.LedgerSold),
		zap.Int64("pending", result.Pending),
		zap.Int64("drift", result.Drift),
	)
	if err := s.ledger.RecordDrift(ctx, ledgerdomain.DriftEvent{
		UnitID:     result.UnitID,
		CacheSold:  result.CacheSold,
		LedgerSold: result.LedgerSold,
		Pending:    result.Pending,
		Drift:      result.Drift,
		DetectedAt: s.clock.Now().UTC(),
	}); err != nil {
		s.log.Error("reconcile.drift_record_failed",
			zap.String("unit_id", result.UnitID.String()),
			zap.Error(fmt.Errorf("record drift: %w", err)),
		)
	}
}

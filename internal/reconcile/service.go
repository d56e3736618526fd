package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	obsmetrics "github.com/smallbiznis/promosale/internal/observability/metrics"
	"github.com/smallbiznis/promosale/internal/stockcache"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Summary aggregates one reconcile pass over live units.
type Summary struct {
	Units    int `json:"units"`
	Warmed   int `json:"warmed"`
	Drifted  int `json:"drifted"`
	Deferred int `json:"deferred"`
	Failed   int `json:"failed"`
}

type ServiceParams struct {
	fx.In

	Syncer   *Syncer
	Activity activitydomain.Service
	Log      *zap.Logger
}

type Service struct {
	syncer   *Syncer
	activity activitydomain.Service
	log      *zap.Logger
}

func NewService(p ServiceParams) *Service {
	return &Service{
		syncer:   p.Syncer,
		activity: p.Activity,
		log:      p.Log.Named("reconcile.service"),
	}
}

// ReconcileUnit corrects the cached sold counter of one unit to ledger sold plus
// unapplied deltas. The ledger is never written except for the drift event.
// An uncached unit is reported as not cached and left alone.
func (s *Service) ReconcileUnit(ctx context.Context, unitID snowflake.ID) (Result, error) {
	res, err := s.syncer.Sync(ctx, unitID, 0, stockcache.SyncReconcile)
	if err != nil {
		obsmetrics.Scheduler().IncLifecycleError(obsmetrics.LifecycleStageReconcile, err)
		return res, fmt.Errorf("reconcile unit %s: %w", unitID, err)
	}
	return res, nil
}

// ReconcileLive syncs every live unit. Missing entries are created, so a cache
// restart heals on the next pass; evicted units stay evicted.
func (s *Service) ReconcileLive(ctx context.Context) (Summary, error) {
	units, err := s.activity.ListLiveUnits(ctx)
	if err != nil {
		return Summary{}, err
	}

	var summary Summary
	var passErr error
	for _, live := range units {
		if ctx.Err() != nil {
			return summary, errors.Join(passErr, ctx.Err())
		}
		summary.Units++
		res, err := s.syncer.Sync(ctx, live.Unit.ID, live.Limit, stockcache.SyncWarm)
		if err != nil {
			summary.Failed++
			passErr = errors.Join(passErr, fmt.Errorf("reconcile unit %s: %w", live.Unit.ID, err))
			continue
		}
		switch {
		case res.Deferred:
			summary.Deferred++
		case res.Warmed:
			summary.Warmed++
		case res.Drift != 0:
			summary.Drifted++
		}
	}
	if passErr != nil {
		obsmetrics.Scheduler().IncLifecycleError(obsmetrics.LifecycleStageReconcile, passErr)
	}

	s.log.Info("reconcile.pass",
		zap.Int("units", summary.Units),
		zap.Int("warmed", summary.Warmed),
		zap.Int("drifted", summary.Drifted),
		zap.Int("deferred", summary.Deferred),
		zap.Int("failed", summary.Failed),
	)
	return summary, passErr
}

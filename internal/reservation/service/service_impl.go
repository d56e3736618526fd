package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	auditdomain "github.com/smallbiznis/promosale/internal/audit/domain"
	"github.com/smallbiznis/promosale/internal/cache"
	"github.com/smallbiznis/promosale/internal/catalog"
	"github.com/smallbiznis/promosale/internal/clock"
	"github.com/smallbiznis/promosale/internal/config"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/promosale/internal/observability/metrics"
	reservationdomain "github.com/smallbiznis/promosale/internal/reservation/domain"
	"github.com/smallbiznis/promosale/internal/stockcache"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxIdempotencyKeyLen = 128

type Config struct {
	// SweepBatch caps how many reservations one ExpireDue call releases from each source.
	SweepBatch int
	// UnitInfoTTL is how long unit SKU and kind lookups stay cached in process.
	UnitInfoTTL time.Duration
	// LedgerGrace delays the audit-log sweep so write-behind lag is not mistaken for a lost hold.
	LedgerGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepBatch <= 0 {
		c.SweepBatch = 200
	}
	if c.UnitInfoTTL <= 0 {
		c.UnitInfoTTL = time.Minute
	}
	if c.LedgerGrace <= 0 {
		c.LedgerGrace = 2 * time.Minute
	}
	return c
}

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Cache      *stockcache.Cache
	Ledger     ledgerdomain.Service
	Activity   activitydomain.Service
	Catalog    catalog.Client
	Promo      *config.PromoConfigHolder
	Clock      clock.Clock                    `optional:"true"`
	Metrics    *obsmetrics.ReservationMetrics `optional:"true"`
	ObsMetrics *obsmetrics.Metrics            `optional:"true"`
	AuditSvc   auditdomain.Service            `optional:"true"`
	Config     Config                         `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	cache      *stockcache.Cache
	ledger     ledgerdomain.Service
	activity   activitydomain.Service
	catalog    catalog.Client
	promo      *config.PromoConfigHolder
	clock      clock.Clock
	metrics    *obsmetrics.ReservationMetrics
	obsMetrics *obsmetrics.Metrics
	auditSvc   auditdomain.Service
	cfg        Config
	units      cache.Cache[snowflake.ID, unitInfo]
}

type unitInfo struct {
	SKUID string
	Kind  string
}

func NewService(p Params) reservationdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.NewSystemClock()
	}
	return &Service{
		log:        p.Log.Named("reservation.service"),
		genID:      p.GenID,
		cache:      p.Cache,
		ledger:     p.Ledger,
		activity:   p.Activity,
		catalog:    p.Catalog,
		promo:      p.Promo,
		clock:      c,
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,
		auditSvc:   p.AuditSvc,
		cfg:        p.Config.withDefaults(),
		units:      cache.NewTTLCache[snowflake.ID, unitInfo](cache.WithNow(c.Now)),
	}
}

// TryReserve runs one atomic check-and-increment against the stock cache. Any
// cache or collaborator failure is a denial with reason unavailable, never a grant.
func (s *Service) TryReserve(ctx context.Context, req reservationdomain.ReserveRequest) (reservationdomain.Result, error) {
	requester := strings.TrimSpace(req.RequesterID)
	key := strings.TrimSpace(req.IdempotencyKey)
	switch {
	case req.UnitID <= 0:
		return reservationdomain.Result{}, reservationdomain.ErrInvalidUnit
	case requester == "":
		return reservationdomain.Result{}, reservationdomain.ErrInvalidRequester
	case req.Quantity <= 0:
		return reservationdomain.Result{}, reservationdomain.ErrInvalidQuantity
	case key == "" || len(key) > maxIdempotencyKeyLen:
		return reservationdomain.Result{}, reservationdomain.ErrInvalidIdempotencyKey
	}

	info, err := s.unitInfo(ctx, req.UnitID)
	if errors.Is(err, ledgerdomain.ErrUnitNotFound) || errors.Is(err, activitydomain.ErrActivityNotFound) {
		return reservationdomain.Result{}, reservationdomain.ErrUnitNotFound
	}
	if err != nil {
		return s.deny(ctx, req, "unknown", reservationdomain.ReasonUnavailable, err), nil
	}

	snapshot, err := s.catalog.GetSnapshot(ctx, info.SKUID)
	switch {
	case errors.Is(err, catalog.ErrSKUNotFound):
		return s.deny(ctx, req, info.Kind, reservationdomain.ReasonUnitNotActive, err), nil
	case err != nil:
		return s.deny(ctx, req, info.Kind, reservationdomain.ReasonUnavailable, err), nil
	case !snapshot.Active:
		return s.deny(ctx, req, info.Kind, reservationdomain.ReasonUnitNotActive, nil), nil
	}

	now := s.clock.Now().UTC()
	expiresAt := now.Add(s.promo.Get().ReservationTTL)
	if req.HoldUntil.After(now) {
		expiresAt = req.HoldUntil.UTC()
	}
	reservationID := s.genID.Generate()
	res, err := s.cache.Reserve(ctx, stockcache.ReserveRequest{
		UnitID:         int64(req.UnitID),
		RequesterID:    requester,
		Quantity:       req.Quantity,
		IdempotencyKey: key,
		ReservationID:  int64(reservationID),
		ExpireAt:       expiresAt,
		Now:            now,
	})
	if err != nil {
		return s.deny(ctx, req, info.Kind, reservationdomain.ReasonUnavailable, err), nil
	}

	switch res.Outcome {
	case stockcache.OutcomeGranted:
		s.metrics.IncGranted(info.Kind)
		s.obsMetrics.RecordReserveAttempt(ctx, info.Kind, string(reservationdomain.OutcomeGranted))
		s.log.Info("reservation.granted",
			zap.String("reservation_id", reservationID.String()),
			zap.String("unit_id", req.UnitID.String()),
			zap.String("requester_id", requester),
			zap.Int64("quantity", req.Quantity),
		)
		return reservationdomain.Result{
			Outcome:       reservationdomain.OutcomeGranted,
			ReservationID: reservationID,
			ExpiresAt:     &expiresAt,
		}, nil
	case stockcache.OutcomeDuplicate:
		s.metrics.IncDuplicate(info.Kind)
		s.obsMetrics.RecordReserveAttempt(ctx, info.Kind, "duplicate")
		return reservationdomain.Result{
			Outcome:       reservationdomain.OutcomeGranted,
			ReservationID: snowflake.ID(res.ReservationID),
			Duplicate:     true,
		}, nil
	default:
		return s.deny(ctx, req, info.Kind, res.Reason, nil), nil
	}
}

func (s *Service) deny(ctx context.Context, req reservationdomain.ReserveRequest, kind, reason string, cause error) reservationdomain.Result {
	s.metrics.IncDenied(kind, reason)
	s.obsMetrics.RecordReserveAttempt(ctx, kind, reason)
	fields := []zap.Field{
		zap.String("unit_id", req.UnitID.String()),
		zap.String("requester_id", strings.TrimSpace(req.RequesterID)),
		zap.String("reason", reason),
	}
	if cause != nil {
		s.log.Warn("reservation.denied", append(fields, zap.Error(cause))...)
	} else {
		s.log.Debug("reservation.denied", fields...)
	}
	return reservationdomain.Denied(reason)
}

func (s *Service) unitInfo(ctx context.Context, unitID snowflake.ID) (unitInfo, error) {
	if info, ok := s.units.Get(unitID); ok {
		return info, nil
	}
	unit, err := s.ledger.GetUnit(ctx, unitID)
	if err != nil {
		return unitInfo{}, err
	}
	activity, err := s.activity.GetActivity(ctx, unit.ActivityID)
	if err != nil {
		return unitInfo{}, err
	}
	info := unitInfo{SKUID: unit.SKUID, Kind: string(activity.Kind)}
	s.units.Set(unitID, info, s.cfg.UnitInfoTTL)
	return info, nil
}

func (s *Service) Confirm(ctx context.Context, id snowflake.ID) (reservationdomain.ConfirmResult, error) {
	if id <= 0 {
		return reservationdomain.ConfirmResult{}, reservationdomain.ErrReservationNotFound
	}
	res, err := s.cache.Confirm(ctx, int64(id), s.clock.Now().UTC())
	if errors.Is(err, stockcache.ErrReservationAbsent) {
		return s.confirmFromLedger(ctx, id)
	}
	if err != nil {
		return reservationdomain.ConfirmResult{}, fmt.Errorf("%w: %w", reservationdomain.ErrUnavailable, err)
	}

	out := reservationdomain.ConfirmResult{
		ReservationID: id,
		Confirmed:     res.Confirmed,
		Already:       res.Already,
		Status:        reservationdomain.Status(res.Status),
	}
	if !res.Confirmed {
		return out, reservationdomain.ErrReservationReleased
	}
	if !res.Already {
		s.metrics.IncConfirmed()
		s.log.Info("reservation.confirmed", zap.String("reservation_id", id.String()))
	}
	return out, nil
}

func (s *Service) confirmFromLedger(ctx context.Context, id snowflake.ID) (reservationdomain.ConfirmResult, error) {
	record, err := s.ledgerRecord(ctx, id)
	if err != nil {
		return reservationdomain.ConfirmResult{}, err
	}
	out := reservationdomain.ConfirmResult{ReservationID: id, Status: reservationdomain.Status(record.Status)}
	switch record.Status {
	case ledgerdomain.ReservationStatusConfirmed:
		out.Confirmed = true
		out.Already = true
		return out, nil
	case ledgerdomain.ReservationStatusReleased:
		return out, reservationdomain.ErrReservationReleased
	default:
		return out, reservationdomain.ErrReservationLost
	}
}

// Release returns a granted reservation's quantity to the pool. Confirmed and
// released reservations are left unchanged.
func (s *Service) Release(ctx context.Context, id snowflake.ID, cause string) (reservationdomain.ReleaseResult, error) {
	if id <= 0 {
		return reservationdomain.ReleaseResult{}, reservationdomain.ErrReservationNotFound
	}
	if strings.TrimSpace(cause) == "" {
		cause = reservationdomain.CauseManual
	}

	res, err := s.cache.Release(ctx, int64(id), s.clock.Now().UTC(), nil)
	if errors.Is(err, stockcache.ErrReservationAbsent) {
		return s.releaseFromLedger(ctx, id, cause)
	}
	if err != nil {
		return reservationdomain.ReleaseResult{}, fmt.Errorf("%w: %w", reservationdomain.ErrUnavailable, err)
	}
	out := reservationdomain.ReleaseResult{
		ReservationID: id,
		Released:      res.Released,
		Quantity:      res.Quantity,
		Status:        reservationdomain.Status(res.Status),
	}
	if res.Released {
		out.Status = reservationdomain.StatusReleased
		s.metrics.IncReleased(cause)
		s.log.Info("reservation.released",
			zap.String("reservation_id", id.String()),
			zap.Int64("quantity", res.Quantity),
			zap.String("cause", cause),
		)
	}
	return out, nil
}

// releaseFromLedger handles a reservation the cache no longer holds. A granted
// audit row is released through the cache with the row as the hold description.
func (s *Service) releaseFromLedger(ctx context.Context, id snowflake.ID, cause string) (reservationdomain.ReleaseResult, error) {
	record, err := s.ledgerRecord(ctx, id)
	if err != nil {
		return reservationdomain.ReleaseResult{}, err
	}
	if record.Status != ledgerdomain.ReservationStatusGranted {
		return reservationdomain.ReleaseResult{ReservationID: id, Status: reservationdomain.Status(record.Status)}, nil
	}

	res, err := s.cache.Release(ctx, int64(id), s.clock.Now().UTC(), &stockcache.Hold{
		UnitID:         int64(record.UnitID),
		RequesterID:    record.RequesterID,
		Quantity:       record.Quantity,
		IdempotencyKey: record.IdempotencyKey,
		ExpireAt:       record.ExpiresAt,
	})
	if err != nil {
		return reservationdomain.ReleaseResult{}, fmt.Errorf("%w: %w", reservationdomain.ErrUnavailable, err)
	}
	out := reservationdomain.ReleaseResult{
		ReservationID: id,
		Released:      res.Released,
		Quantity:      res.Quantity,
		Status:        reservationdomain.Status(res.Status),
		Recovered:     true,
	}
	if res.Released {
		out.Status = reservationdomain.StatusReleased
		s.metrics.IncReleased(cause)
		s.log.Warn("reservation.release_recovered",
			zap.String("reservation_id", id.String()),
			zap.String("unit_id", record.UnitID.String()),
			zap.String("cause", cause),
		)
		if s.auditSvc != nil {
			_ = s.auditSvc.Record(ctx, auditdomain.Entry{
				Action:     "reservation.release_recovered",
				TargetType: "reservation",
				TargetID:   id.String(),
				Metadata: map[string]any{
					"unit_id":  record.UnitID.String(),
					"quantity": record.Quantity,
					"cause":    cause,
				},
			})
		}
	}
	return out, nil
}

func (s *Service) ledgerRecord(ctx context.Context, id snowflake.ID) (*ledgerdomain.ReservationRecord, error) {
	record, err := s.ledger.GetReservation(ctx, id)
	if errors.Is(err, ledgerdomain.ErrReservationNotFound) {
		return nil, reservationdomain.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*reservationdomain.Reservation, error) {
	if id <= 0 {
		return nil, reservationdomain.ErrReservationNotFound
	}
	cached, err := s.cache.GetReservation(ctx, int64(id))
	if err == nil {
		return &reservationdomain.Reservation{
			ID:             id,
			UnitID:         snowflake.ID(cached.UnitID),
			RequesterID:    cached.RequesterID,
			Quantity:       cached.Quantity,
			Status:         reservationdomain.Status(cached.Status),
			IdempotencyKey: cached.IdempotencyKey,
			ExpiresAt:      cached.ExpireAt,
			CreatedAt:      cached.CreatedAt,
			ConfirmedAt:    cached.ConfirmedAt,
			ReleasedAt:     cached.ReleasedAt,
			Source:         "cache",
		}, nil
	}
	if !errors.Is(err, stockcache.ErrReservationAbsent) {
		s.log.Warn("reservation.get.cache_failed", zap.String("reservation_id", id.String()), zap.Error(err))
	}

	record, err := s.ledgerRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return &reservationdomain.Reservation{
		ID:             record.ID,
		UnitID:         record.UnitID,
		RequesterID:    record.RequesterID,
		Quantity:       record.Quantity,
		Status:         reservationdomain.Status(record.Status),
		IdempotencyKey: record.IdempotencyKey,
		ExpiresAt:      record.ExpiresAt,
		CreatedAt:      record.CreatedAt,
		ConfirmedAt:    record.ConfirmedAt,
		ReleasedAt:     record.ReleasedAt,
		Source:         "ledger",
	}, nil
}

// ExpireDue releases reservations whose expiry passed: first those the cache
// tracks, then granted audit rows older than the grace window whose cache
// record is gone.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	ids, err := s.cache.DueReservations(ctx, now, int64(s.cfg.SweepBatch))
	if err != nil {
		return 0, err
	}

	released := 0
	var sweepErr error
	seen := make(map[snowflake.ID]struct{}, len(ids))
	for _, raw := range ids {
		if ctx.Err() != nil {
			return released, errors.Join(sweepErr, ctx.Err())
		}
		id := snowflake.ID(raw)
		seen[id] = struct{}{}
		res, err := s.Release(ctx, id, reservationdomain.CauseExpired)
		if err != nil && !errors.Is(err, reservationdomain.ErrReservationNotFound) {
			sweepErr = errors.Join(sweepErr, fmt.Errorf("expire reservation %s: %w", id, err))
			continue
		}
		if res.Released {
			released++
		}
	}

	records, err := s.ledger.ListExpiredGranted(ctx, now.Add(-s.cfg.LedgerGrace), s.cfg.SweepBatch)
	if err != nil {
		return released, errors.Join(sweepErr, err)
	}
	for _, record := range records {
		if _, ok := seen[record.ID]; ok {
			continue
		}
		if ctx.Err() != nil {
			return released, errors.Join(sweepErr, ctx.Err())
		}
		res, err := s.Release(ctx, record.ID, reservationdomain.CauseExpired)
		if err != nil {
			sweepErr = errors.Join(sweepErr, fmt.Errorf("expire reservation %s: %w", record.ID, err))
			continue
		}
		if res.Released {
			released++
		}
	}
	return released, sweepErr
}

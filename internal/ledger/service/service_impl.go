package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/promosale/internal/clock"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/promosale/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.NewSystemClock()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      c,
		obsMetrics: p.ObsMetrics,
	}
}

type unitRow struct {
	ID            snowflake.ID
	ActivityID    snowflake.ID
	SessionID     *snowflake.ID
	TotalQuantity int64
	SoldQuantity  int64
}

// Apply records one durable write. Reserve and release rows are unique per
// reservation, so replays are no-ops; a release that arrives before its reserve
// is recorded without touching counters and the late reserve is then skipped.
func (s *Service) Apply(ctx context.Context, write ledgerdomain.Write) (ledgerdomain.ApplyResult, error) {
	if write.ReservationID == 0 || write.UnitID == 0 {
		return ledgerdomain.ApplyResult{}, ledgerdomain.ErrInvalidWrite
	}
	switch write.Op {
	case ledgerdomain.WriteOpReserve, ledgerdomain.WriteOpRelease:
		if write.Quantity <= 0 {
			return ledgerdomain.ApplyResult{}, ledgerdomain.ErrInvalidWrite
		}
	case ledgerdomain.WriteOpConfirm:
	default:
		return ledgerdomain.ApplyResult{}, ledgerdomain.ErrInvalidOp
	}

	now := s.clock.Now().UTC()
	var result ledgerdomain.ApplyResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var unit unitRow
		if err := tx.Raw(
			`SELECT id, activity_id, session_id, total_quantity, sold_quantity
			 FROM sellable_units
			 WHERE id = ?
			 FOR UPDATE`,
			write.UnitID,
		).Scan(&unit).Error; err != nil {
			return err
		}
		if unit.ID == 0 {
			return ledgerdomain.ErrUnitNotFound
		}
		result.ActivityID = unit.ActivityID
		result.SessionID = unit.SessionID
		result.Total = unit.TotalQuantity
		result.Sold = unit.SoldQuantity

		switch write.Op {
		case ledgerdomain.WriteOpReserve:
			applied, err := s.applyReserve(ctx, tx, write, unit, now)
			if err != nil {
				return err
			}
			result.Applied = applied
			if applied {
				result.Sold += write.Quantity
			}
		case ledgerdomain.WriteOpRelease:
			applied, decremented, err := s.applyRelease(ctx, tx, write, unit, now)
			if err != nil {
				return err
			}
			result.Applied = applied
			if decremented {
				result.Sold -= write.Quantity
			}
		case ledgerdomain.WriteOpConfirm:
			applied, err := s.upsertReservation(ctx, tx, write, ledgerdomain.ReservationStatusConfirmed, now)
			if err != nil {
				return err
			}
			result.Applied = applied
		}
		return nil
	})
	if err != nil {
		return ledgerdomain.ApplyResult{}, err
	}
	if result.Applied {
		s.obsMetrics.RecordLedgerWrite(ctx, string(write.Op))
	}
	return result, nil
}

func (s *Service) applyReserve(ctx context.Context, tx *gorm.DB, write ledgerdomain.Write, unit unitRow, now time.Time) (bool, error) {
	inserted, err := s.insertWrite(ctx, tx, write, now)
	if err != nil || !inserted {
		return false, err
	}

	released, err := s.hasWrite(ctx, tx, write.ReservationID, ledgerdomain.WriteOpRelease)
	if err != nil {
		return false, err
	}
	if released {
		s.log.Warn("ledger.reserve_after_release",
			zap.String("reservation_id", write.ReservationID.String()),
			zap.String("unit_id", write.UnitID.String()),
		)
		return false, nil
	}

	res := tx.WithContext(ctx).Exec(
		`UPDATE sellable_units
		 SET sold_quantity = sold_quantity + ?, updated_at = ?
		 WHERE id = ? AND sold_quantity + ? <= total_quantity`,
		write.Quantity,
		now,
		write.UnitID,
		write.Quantity,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, ledgerdomain.ErrCapacityExceeded
	}
	if unit.SessionID != nil {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE activity_sessions
			 SET sold_quantity = sold_quantity + ?, updated_at = ?
			 WHERE id = ?`,
			write.Quantity,
			now,
			*unit.SessionID,
		).Error; err != nil {
			return false, err
		}
	}

	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO reservations (
			id, unit_id, requester_id, quantity, idempotency_key, status, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		write.ReservationID,
		write.UnitID,
		write.RequesterID,
		write.Quantity,
		write.IdempotencyKey,
		ledgerdomain.ReservationStatusGranted,
		write.ExpiresAt.UTC(),
		write.At.UTC(),
		now,
	).Error; err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) applyRelease(ctx context.Context, tx *gorm.DB, write ledgerdomain.Write, unit unitRow, now time.Time) (bool, bool, error) {
	inserted, err := s.insertWrite(ctx, tx, write, now)
	if err != nil || !inserted {
		return false, false, err
	}

	reserved, err := s.hasWrite(ctx, tx, write.ReservationID, ledgerdomain.WriteOpReserve)
	if err != nil {
		return false, false, err
	}
	decremented := false
	if reserved {
		res := tx.WithContext(ctx).Exec(
			`UPDATE sellable_units
			 SET sold_quantity = sold_quantity - ?, updated_at = ?
			 WHERE id = ? AND sold_quantity >= ?`,
			write.Quantity,
			now,
			write.UnitID,
			write.Quantity,
		)
		if res.Error != nil {
			return false, false, res.Error
		}
		decremented = res.RowsAffected > 0
		if decremented && unit.SessionID != nil {
			if err := tx.WithContext(ctx).Exec(
				`UPDATE activity_sessions
				 SET sold_quantity = CASE WHEN sold_quantity >= ? THEN sold_quantity - ? ELSE 0 END,
				     updated_at = ?
				 WHERE id = ?`,
				write.Quantity,
				write.Quantity,
				now,
				*unit.SessionID,
			).Error; err != nil {
				return false, false, err
			}
		}
	}

	if _, err := s.upsertReservation(ctx, tx, write, ledgerdomain.ReservationStatusReleased, now); err != nil {
		return false, false, err
	}
	return true, decremented, nil
}

func (s *Service) insertWrite(ctx context.Context, tx *gorm.DB, write ledgerdomain.Write, now time.Time) (bool, error) {
	res := tx.WithContext(ctx).Exec(
		`INSERT INTO stock_ledger_writes (
			id, reservation_id, unit_id, op, quantity, applied_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (reservation_id, op) DO NOTHING`,
		s.genID.Generate(),
		write.ReservationID,
		write.UnitID,
		write.Op,
		write.Quantity,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Service) hasWrite(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID, op ledgerdomain.WriteOp) (bool, error) {
	var count int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM stock_ledger_writes WHERE reservation_id = ? AND op = ?`,
		reservationID,
		op,
	).Scan(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// upsertReservation moves the audit row to a terminal status. A granted row is
// created when the reserve write has not landed yet.
func (s *Service) upsertReservation(ctx context.Context, tx *gorm.DB, write ledgerdomain.Write, status ledgerdomain.ReservationStatus, now time.Time) (bool, error) {
	var confirmedAt, releasedAt *time.Time
	at := write.At.UTC()
	if at.IsZero() {
		at = now
	}
	switch status {
	case ledgerdomain.ReservationStatusConfirmed:
		confirmedAt = &at
	case ledgerdomain.ReservationStatusReleased:
		releasedAt = &at
	}

	res := tx.WithContext(ctx).Exec(
		`INSERT INTO reservations (
			id, unit_id, requester_id, quantity, idempotency_key, status, expires_at,
			confirmed_at, released_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			confirmed_at = COALESCE(excluded.confirmed_at, reservations.confirmed_at),
			released_at = COALESCE(excluded.released_at, reservations.released_at),
			updated_at = excluded.updated_at
		WHERE reservations.status = ?`,
		write.ReservationID,
		write.UnitID,
		write.RequesterID,
		write.Quantity,
		write.IdempotencyKey,
		status,
		write.ExpiresAt.UTC(),
		confirmedAt,
		releasedAt,
		now,
		now,
		ledgerdomain.ReservationStatusGranted,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Service) GetUnit(ctx context.Context, id snowflake.ID) (*ledgerdomain.SellableUnit, error) {
	var unit ledgerdomain.SellableUnit
	err := s.db.WithContext(ctx).First(&unit, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledgerdomain.ErrUnitNotFound
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

func (s *Service) ListUnitsByActivity(ctx context.Context, activityID snowflake.ID) ([]ledgerdomain.SellableUnit, error) {
	var units []ledgerdomain.SellableUnit
	err := s.db.WithContext(ctx).
		Where("activity_id = ?", activityID).
		Order("id ASC").
		Find(&units).Error
	return units, err
}

func (s *Service) ListUnitsBySession(ctx context.Context, sessionID snowflake.ID) ([]ledgerdomain.SellableUnit, error) {
	var units []ledgerdomain.SellableUnit
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&units).Error
	return units, err
}

func (s *Service) GetReservation(ctx context.Context, id snowflake.ID) (*ledgerdomain.ReservationRecord, error) {
	var record ledgerdomain.ReservationRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledgerdomain.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListExpiredGranted returns audit rows still granted past their expiry. The
// cache sweep normally releases these first; rows found here lost their cache record.
func (s *Service) ListExpiredGranted(ctx context.Context, now time.Time, limit int) ([]ledgerdomain.ReservationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []ledgerdomain.ReservationRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", ledgerdomain.ReservationStatusGranted, now.UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (s *Service) RecordDrift(ctx context.Context, event ledgerdomain.DriftEvent) error {
	if event.UnitID == 0 {
		return ledgerdomain.ErrInvalidWrite
	}
	if event.ID == 0 {
		event.ID = s.genID.Generate()
	}
	if event.DetectedAt.IsZero() {
		event.DetectedAt = s.clock.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&event).Error
}

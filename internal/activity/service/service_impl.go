package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	"github.com/smallbiznis/promosale/internal/activity/guard"
	auditdomain "github.com/smallbiznis/promosale/internal/audit/domain"
	"github.com/smallbiznis/promosale/internal/clock"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
	"github.com/smallbiznis/promosale/internal/notification"
	obsmetrics "github.com/smallbiznis/promosale/internal/observability/metrics"
	"github.com/smallbiznis/promosale/internal/reconcile"
	"github.com/smallbiznis/promosale/internal/stockcache"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tableActivities = "activities"
	tableSessions   = "activity_sessions"
)

// Transition reasons.
const (
	ReasonScheduled     = "scheduled"
	ReasonLinkedSession = "linked_session"
	ReasonSoldOut       = "sold_out"
	ReasonManual        = "manual"
)

type Config struct {
	// BatchSize caps how many due entities one ActivateDue or DeactivateDue call handles per table.
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Cache    *stockcache.Cache
	Ledger   ledgerdomain.Service
	Syncer   *reconcile.Syncer
	Clock    clock.Clock             `optional:"true"`
	Notifier notification.Dispatcher `optional:"true"`
	AuditSvc auditdomain.Service     `optional:"true"`
	Config   Config                  `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	cache    *stockcache.Cache
	ledger   ledgerdomain.Service
	syncer   *reconcile.Syncer
	clock    clock.Clock
	notifier notification.Dispatcher
	auditSvc auditdomain.Service
	cfg      Config
}

func NewService(p Params) activitydomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.NewSystemClock()
	}
	notifier := p.Notifier
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("activity.service"),
		genID:    p.GenID,
		cache:    p.Cache,
		ledger:   p.Ledger,
		syncer:   p.Syncer,
		clock:    c,
		notifier: notifier,
		auditSvc: p.AuditSvc,
		cfg:      p.Config.withDefaults(),
	}
}

func (s *Service) CreateActivity(ctx context.Context, req activitydomain.CreateActivityRequest) (*activitydomain.Activity, error) {
	title := strings.TrimSpace(req.Title)
	if !req.Kind.Valid() {
		return nil, activitydomain.ErrInvalidKind
	}
	if title == "" {
		return nil, activitydomain.ErrInvalidTitle
	}
	if !req.StartAt.Before(req.EndAt) {
		return nil, activitydomain.ErrInvalidWindow
	}

	now := s.clock.Now().UTC()
	activity := activitydomain.Activity{
		ID:        s.genID.Generate(),
		Kind:      req.Kind,
		Title:     title,
		Status:    activitydomain.StatusPending,
		Enabled:   !req.Disabled,
		StartAt:   req.StartAt.UTC(),
		EndAt:     req.EndAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Kind == activitydomain.KindGroupBuy {
		if req.MinPeople < 2 || req.MaxPeople < req.MinPeople {
			return nil, activitydomain.ErrInvalidPeople
		}
		if req.GroupTimeLimit < time.Second {
			return nil, activitydomain.ErrInvalidGroupTimeLimit
		}
		activity.MinPeople = req.MinPeople
		activity.MaxPeople = req.MaxPeople
		activity.GroupTimeLimitSeconds = int(req.GroupTimeLimit / time.Second)
	}

	if err := s.db.WithContext(ctx).Create(&activity).Error; err != nil {
		return nil, err
	}
	return &activity, nil
}

func (s *Service) CreateSession(ctx context.Context, req activitydomain.CreateSessionRequest) (*activitydomain.Session, error) {
	if !req.StartAt.Before(req.EndAt) {
		return nil, activitydomain.ErrInvalidWindow
	}
	if req.PerUserMax < 0 {
		return nil, activitydomain.ErrInvalidLimit
	}
	if req.ActivityID != nil {
		activity, err := s.GetActivity(ctx, *req.ActivityID)
		if err != nil {
			return nil, err
		}
		if activity.Kind != activitydomain.KindFlashSale {
			return nil, activitydomain.ErrSessionNotFlashSale
		}
		if req.StartAt.Before(activity.StartAt) || req.EndAt.After(activity.EndAt) {
			return nil, activitydomain.ErrSessionOutsideWindow
		}
	}

	now := s.clock.Now().UTC()
	session := activitydomain.Session{
		ID:         s.genID.Generate(),
		ActivityID: req.ActivityID,
		Status:     activitydomain.StatusPending,
		Enabled:    true,
		StartAt:    req.StartAt.UTC(),
		EndAt:      req.EndAt.UTC(),
		PerUserMax: req.PerUserMax,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Service) CreateUnit(ctx context.Context, req activitydomain.CreateUnitRequest) (*ledgerdomain.SellableUnit, error) {
	sku := strings.TrimSpace(req.SKUID)
	switch {
	case sku == "":
		return nil, activitydomain.ErrInvalidSKU
	case req.TotalQuantity <= 0:
		return nil, activitydomain.ErrInvalidQuantity
	case req.PerUserLimit < 0:
		return nil, activitydomain.ErrInvalidLimit
	case req.OriginalPrice.IsNegative() || req.PromoPrice.IsNegative():
		return nil, activitydomain.ErrInvalidPrice
	}

	activity, err := s.GetActivity(ctx, req.ActivityID)
	if err != nil {
		return nil, err
	}
	switch activity.Kind {
	case activitydomain.KindFlashSale:
		if req.SessionID == nil {
			return nil, activitydomain.ErrUnitSessionRequired
		}
		session, err := s.GetSession(ctx, *req.SessionID)
		if err != nil {
			return nil, err
		}
		if session.ActivityID != nil && *session.ActivityID != activity.ID {
			return nil, activitydomain.ErrUnitSessionMismatch
		}
	case activitydomain.KindGroupBuy:
		if req.SessionID != nil {
			return nil, activitydomain.ErrUnitSessionMismatch
		}
	}

	now := s.clock.Now().UTC()
	unit := ledgerdomain.SellableUnit{
		ID:            s.genID.Generate(),
		ActivityID:    activity.ID,
		SessionID:     req.SessionID,
		SKUID:         sku,
		TotalQuantity: req.TotalQuantity,
		OriginalPrice: req.OriginalPrice,
		PromoPrice:    req.PromoPrice,
		PerUserLimit:  req.PerUserLimit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&unit).Error; err != nil {
			return err
		}
		if unit.SessionID == nil {
			return nil
		}
		return tx.Exec(
			`UPDATE activity_sessions
			 SET total_quantity = total_quantity + ?, updated_at = ?
			 WHERE id = ?`,
			unit.TotalQuantity,
			now,
			*unit.SessionID,
		).Error
	})
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

func (s *Service) GetActivity(ctx context.Context, id snowflake.ID) (*activitydomain.Activity, error) {
	var activity activitydomain.Activity
	err := s.db.WithContext(ctx).First(&activity, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, activitydomain.ErrActivityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &activity, nil
}

func (s *Service) GetSession(ctx context.Context, id snowflake.ID) (*activitydomain.Session, error) {
	var session activitydomain.Session
	err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, activitydomain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ActivateDue handles sessions before activities so a linked activation lands
// before the activity's own trigger is evaluated.
func (s *Service) ActivateDue(ctx context.Context) ([]activitydomain.Transition, error) {
	now := s.clock.Now().UTC()
	var out []activitydomain.Transition
	var jobErr error

	sessionIDs, err := s.dueIDs(ctx, tableSessions, "status = ? AND enabled = ? AND start_at <= ?", "start_at",
		activitydomain.StatusPending, true, now)
	if err != nil {
		return nil, err
	}
	for _, id := range sessionIDs {
		if ctx.Err() != nil {
			return out, errors.Join(jobErr, ctx.Err())
		}
		transitions, err := s.activateSession(ctx, id, now)
		out = append(out, transitions...)
		jobErr = errors.Join(jobErr, err)
	}

	activityIDs, err := s.dueIDs(ctx, tableActivities, "status = ? AND enabled = ? AND start_at <= ?", "start_at",
		activitydomain.StatusPending, true, now)
	if err != nil {
		return out, errors.Join(jobErr, err)
	}
	for _, id := range activityIDs {
		if ctx.Err() != nil {
			return out, errors.Join(jobErr, ctx.Err())
		}
		activity, err := s.GetActivity(ctx, id)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if err := guard.EnsureCanActivate(activity.Status, activity.Enabled, activity.StartAt, now); err != nil {
			s.log.Debug("activity.activate.skipped", zap.String("activity_id", id.String()), zap.Error(err))
			continue
		}
		transition, changed, err := s.activateActivity(ctx, activity, now, ReasonScheduled)
		if changed {
			out = append(out, transition)
		}
		jobErr = errors.Join(jobErr, err)
	}
	return out, jobErr
}

func (s *Service) activateSession(ctx context.Context, id snowflake.ID, now time.Time) ([]activitydomain.Transition, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := guard.EnsureCanActivate(session.Status, session.Enabled, session.StartAt, now); err != nil {
		s.log.Debug("session.activate.skipped", zap.String("session_id", id.String()), zap.Error(err))
		return nil, nil
	}
	changed, err := s.updateStatus(ctx, tableSessions, id, session.Status, activitydomain.StatusActive, now)
	if err != nil || !changed {
		return nil, err
	}

	out := make([]activitydomain.Transition, 0, 2)
	var warmErr error
	if session.ActivityID != nil {
		parent, err := s.GetActivity(ctx, *session.ActivityID)
		switch {
		case err != nil:
			warmErr = errors.Join(warmErr, err)
		case parent.Status == activitydomain.StatusPending && parent.Enabled:
			transition, linked, err := s.activateActivity(ctx, parent, now, ReasonLinkedSession)
			if linked {
				out = append(out, transition)
			}
			warmErr = errors.Join(warmErr, err)
		}
	}

	warmed, err := s.warmUnits(ctx, "u.session_id = ?", id)
	warmErr = errors.Join(warmErr, err)

	transition := activitydomain.Transition{
		Entity: activitydomain.EntitySession,
		ID:     id,
		From:   session.Status,
		To:     activitydomain.StatusActive,
		Reason: ReasonScheduled,
		At:     now,
		Units:  warmed,
	}
	s.recordTransition(ctx, transition)
	if warmErr != nil {
		obsmetrics.Scheduler().IncLifecycleError(obsmetrics.LifecycleStageActivate, warmErr)
	}
	return append([]activitydomain.Transition{transition}, out...), warmErr
}

func (s *Service) activateActivity(ctx context.Context, activity *activitydomain.Activity, now time.Time, reason string) (activitydomain.Transition, bool, error) {
	if err := guard.EnsureTransition(activity.Status, activitydomain.StatusActive); err != nil {
		return activitydomain.Transition{}, false, nil
	}
	changed, err := s.updateStatus(ctx, tableActivities, activity.ID, activity.Status, activitydomain.StatusActive, now)
	if err != nil || !changed {
		return activitydomain.Transition{}, false, err
	}

	warmed, warmErr := s.warmUnits(ctx, "u.activity_id = ?", activity.ID)
	transition := activitydomain.Transition{
		Entity: activitydomain.EntityActivity,
		ID:     activity.ID,
		From:   activity.Status,
		To:     activitydomain.StatusActive,
		Reason: reason,
		At:     now,
		Units:  warmed,
	}
	s.recordTransition(ctx, transition)
	if warmErr != nil {
		obsmetrics.Scheduler().IncLifecycleError(obsmetrics.LifecycleStageActivate, warmErr)
	}
	return transition, true, warmErr
}

func (s *Service) DeactivateDue(ctx context.Context) ([]activitydomain.Transition, error) {
	now := s.clock.Now().UTC()
	var out []activitydomain.Transition
	var jobErr error

	sessionIDs, err := s.dueIDs(ctx, tableSessions, "status = ? AND end_at <= ?", "end_at",
		activitydomain.StatusActive, now)
	if err != nil {
		return nil, err
	}
	for _, id := range sessionIDs {
		if ctx.Err() != nil {
			return out, errors.Join(jobErr, ctx.Err())
		}
		session, err := s.GetSession(ctx, id)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if err := guard.EnsureCanEnd(session.Status, session.EndAt, now); err != nil {
			continue
		}
		transition, changed, err := s.endEntity(ctx, activitydomain.EntitySession, id, session.Status, activitydomain.StatusEnded, ReasonScheduled, now)
		if changed {
			out = append(out, transition)
		}
		jobErr = errors.Join(jobErr, err)
	}

	activityIDs, err := s.dueIDs(ctx, tableActivities, "status = ? AND end_at <= ?", "end_at",
		activitydomain.StatusActive, now)
	if err != nil {
		return out, errors.Join(jobErr, err)
	}
	for _, id := range activityIDs {
		if ctx.Err() != nil {
			return out, errors.Join(jobErr, ctx.Err())
		}
		activity, err := s.GetActivity(ctx, id)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if err := guard.EnsureCanEnd(activity.Status, activity.EndAt, now); err != nil {
			continue
		}
		transition, changed, err := s.endEntity(ctx, activitydomain.EntityActivity, id, activity.Status, activitydomain.StatusEnded, ReasonScheduled, now)
		if changed {
			out = append(out, transition)
		}
		jobErr = errors.Join(jobErr, err)
	}
	return out, jobErr
}

// endEntity evicts an entity's units and then moves it to a terminal status.
// A failed eviction leaves the status untouched so the next pass retries it.
func (s *Service) endEntity(ctx context.Context, entity activitydomain.Entity, id snowflake.ID, from, to activitydomain.Status, reason string, now time.Time) (activitydomain.Transition, bool, error) {
	table := tableActivities
	filter := "u.activity_id = ?"
	if entity == activitydomain.EntitySession {
		table = tableSessions
		filter = "u.session_id = ?"
	}

	evicted, err := s.evictUnits(ctx, entity, id)
	if err != nil {
		stage := obsmetrics.LifecycleStageDeactivate
		if to == activitydomain.StatusSoldOut {
			stage = obsmetrics.LifecycleStageSoldOut
		}
		obsmetrics.Scheduler().IncLifecycleError(stage, err)
		return activitydomain.Transition{}, false, err
	}

	changed, err := s.updateStatus(ctx, table, id, from, to, now)
	if err != nil {
		return activitydomain.Transition{}, false, err
	}
	if !changed {
		// Lost a race with another transition; units that are still live get their stock back.
		if _, err := s.warmUnits(ctx, filter, id); err != nil {
			s.log.Warn("activity.rewarm_failed",
				zap.String("entity", string(entity)),
				zap.String("id", id.String()),
				zap.Error(err),
			)
		}
		return activitydomain.Transition{}, false, nil
	}

	transition := activitydomain.Transition{
		Entity: entity,
		ID:     id,
		From:   from,
		To:     to,
		Reason: reason,
		At:     now,
		Units:  evicted,
	}
	s.recordTransition(ctx, transition)
	return transition, true, nil
}

// CancelActivity cancels a pending or active activity. Cancelling twice is a no-op;
// cancelling an ended or sold-out activity is an error.
func (s *Service) CancelActivity(ctx context.Context, id snowflake.ID, reason string) (bool, error) {
	activity, err := s.GetActivity(ctx, id)
	if err != nil {
		return false, err
	}
	return s.cancel(ctx, activitydomain.EntityActivity, id, activity.Status, reason)
}

func (s *Service) CancelSession(ctx context.Context, id snowflake.ID, reason string) (bool, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	return s.cancel(ctx, activitydomain.EntitySession, id, session.Status, reason)
}

func (s *Service) cancel(ctx context.Context, entity activitydomain.Entity, id snowflake.ID, current activitydomain.Status, reason string) (bool, error) {
	if current == activitydomain.StatusCancelled {
		return false, nil
	}
	if err := guard.EnsureTransition(current, activitydomain.StatusCancelled); err != nil {
		return false, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = ReasonManual
	}
	_, changed, err := s.endEntity(ctx, entity, id, current, activitydomain.StatusCancelled, reason, s.clock.Now().UTC())
	return changed, err
}

// SetActivityEnabled toggles the enabled flag. Disabling evicts every unit at once;
// enabling an active activity warms its live units again.
func (s *Service) SetActivityEnabled(ctx context.Context, id snowflake.ID, enabled bool) (bool, error) {
	activity, err := s.GetActivity(ctx, id)
	if err != nil {
		return false, err
	}
	if activity.Enabled == enabled {
		return false, nil
	}

	now := s.clock.Now().UTC()
	res := s.db.WithContext(ctx).Exec(
		`UPDATE activities
		 SET enabled = ?, updated_at = ?
		 WHERE id = ? AND enabled = ?`,
		enabled,
		now,
		id,
		!enabled,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	var units int
	var cacheErr error
	eventType := notification.EventActivityDisabled
	if enabled {
		eventType = notification.EventActivityEnabled
		if activity.Status == activitydomain.StatusActive {
			units, cacheErr = s.warmUnits(ctx, "u.activity_id = ?", id)
		}
	} else {
		units, cacheErr = s.evictUnits(ctx, activitydomain.EntityActivity, id)
	}
	if cacheErr != nil {
		obsmetrics.Scheduler().IncLifecycleError(obsmetrics.LifecycleStageManualTransform, cacheErr)
	}

	s.log.Info("activity.enabled_changed",
		zap.String("activity_id", id.String()),
		zap.Bool("enabled", enabled),
		zap.Int("units", units),
	)
	data := map[string]any{"enabled": enabled, "units": units, "status": string(activity.Status)}
	s.emitAudit(ctx, string(eventType), activitydomain.EntityActivity, id, data)
	s.notifier.Publish(ctx, notification.NewEvent(eventType, string(activitydomain.EntityActivity), id.String(), now, data))
	return true, cacheErr
}

// MarkSoldOutIfFull moves the unit's parent, its session for flash sales or its
// activity for group buys, from active to sold_out once no unit under it has stock left.
func (s *Service) MarkSoldOutIfFull(ctx context.Context, result ledgerdomain.ApplyResult) (bool, error) {
	if !result.SoldOut() {
		return false, nil
	}

	entity := activitydomain.EntityActivity
	parentID := result.ActivityID
	column := "activity_id"
	if result.SessionID != nil {
		entity = activitydomain.EntitySession
		parentID = *result.SessionID
		column = "session_id"
	}

	var remaining int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM sellable_units
		 WHERE `+column+` = ? AND sold_quantity < total_quantity`,
		parentID,
	).Scan(&remaining).Error; err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}

	var current activitydomain.Status
	if entity == activitydomain.EntitySession {
		session, err := s.GetSession(ctx, parentID)
		if err != nil {
			return false, err
		}
		current = session.Status
	} else {
		activity, err := s.GetActivity(ctx, parentID)
		if err != nil {
			return false, err
		}
		current = activity.Status
	}
	if err := guard.EnsureTransition(current, activitydomain.StatusSoldOut); err != nil {
		return false, nil
	}

	_, changed, err := s.endEntity(ctx, entity, parentID, current, activitydomain.StatusSoldOut, ReasonSoldOut, s.clock.Now().UTC())
	return changed, err
}

func (s *Service) ListLiveUnits(ctx context.Context) ([]activitydomain.LiveUnit, error) {
	return s.liveUnits(ctx, "")
}

type liveUnitRow struct {
	ledgerdomain.SellableUnit
	Kind              activitydomain.Kind
	SessionPerUserMax *int64
}

// liveUnits lists units whose activity is active and enabled and whose session,
// when there is one, is active and enabled too.
func (s *Service) liveUnits(ctx context.Context, filter string, args ...any) ([]activitydomain.LiveUnit, error) {
	stmt := s.db.WithContext(ctx).
		Table("sellable_units AS u").
		Select("u.*, a.kind AS kind, s.per_user_max AS session_per_user_max").
		Joins("JOIN activities a ON a.id = u.activity_id").
		Joins("LEFT JOIN activity_sessions s ON s.id = u.session_id").
		Where("a.status = ? AND a.enabled = ?", activitydomain.StatusActive, true).
		Where("(u.session_id IS NULL OR (s.status = ? AND s.enabled = ?))", activitydomain.StatusActive, true)
	if filter != "" {
		stmt = stmt.Where(filter, args...)
	}

	var rows []liveUnitRow
	if err := stmt.Order("u.id ASC").Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]activitydomain.LiveUnit, 0, len(rows))
	for _, row := range rows {
		var sessionMax int64
		if row.SessionPerUserMax != nil {
			sessionMax = *row.SessionPerUserMax
		}
		out = append(out, activitydomain.LiveUnit{
			Unit:  row.SellableUnit,
			Kind:  row.Kind,
			Limit: activitydomain.EffectiveLimit(row.PerUserLimit, sessionMax),
		})
	}
	return out, nil
}

// warmUnits makes every live unit matching filter reservable. A unit whose sync
// is deferred is left for the reconcile pass, which creates missing live units.
func (s *Service) warmUnits(ctx context.Context, filter string, args ...any) (int, error) {
	units, err := s.liveUnits(ctx, filter, args...)
	if err != nil {
		return 0, err
	}
	var warmErr error
	warmed := 0
	for _, live := range units {
		res, err := s.syncer.Sync(ctx, live.Unit.ID, live.Limit, stockcache.SyncActivate)
		if err != nil {
			warmErr = errors.Join(warmErr, fmt.Errorf("warm unit %s: %w", live.Unit.ID, err))
			continue
		}
		if res.Deferred {
			s.log.Warn("activity.warm.deferred", zap.String("unit_id", live.Unit.ID.String()))
			continue
		}
		warmed++
	}
	return warmed, warmErr
}

func (s *Service) evictUnits(ctx context.Context, entity activitydomain.Entity, id snowflake.ID) (int, error) {
	var units []ledgerdomain.SellableUnit
	var err error
	if entity == activitydomain.EntitySession {
		units, err = s.ledger.ListUnitsBySession(ctx, id)
	} else {
		units, err = s.ledger.ListUnitsByActivity(ctx, id)
	}
	if err != nil {
		return 0, err
	}

	var evictErr error
	evicted := 0
	for _, unit := range units {
		ok, err := s.cache.Evict(ctx, int64(unit.ID))
		if err != nil {
			evictErr = errors.Join(evictErr, fmt.Errorf("evict unit %s: %w", unit.ID, err))
			continue
		}
		if ok {
			evicted++
		}
	}
	return evicted, evictErr
}

func (s *Service) dueIDs(ctx context.Context, table, where, orderColumn string, args ...any) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).
		Table(table).
		Where(where, args...).
		Order(orderColumn+" ASC, id ASC").
		Limit(s.cfg.BatchSize).
		Pluck("id", &ids).Error
	return ids, err
}

// updateStatus applies from -> to only if the row still holds from.
func (s *Service) updateStatus(ctx context.Context, table string, id snowflake.ID, from, to activitydomain.Status, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE `+table+`
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		now,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

var transitionVerbs = map[activitydomain.Status]string{
	activitydomain.StatusActive:    "activated",
	activitydomain.StatusEnded:     "ended",
	activitydomain.StatusSoldOut:   "sold_out",
	activitydomain.StatusCancelled: "cancelled",
}

func eventTypeFor(t activitydomain.Transition) notification.EventType {
	return notification.EventType(fmt.Sprintf("%s.%s", t.Entity, transitionVerbs[t.To]))
}

func (s *Service) recordTransition(ctx context.Context, t activitydomain.Transition) {
	obsmetrics.Scheduler().IncLifecycleTransition(string(t.Entity), string(t.From), string(t.To))
	s.log.Info("activity.transition",
		zap.String("entity", string(t.Entity)),
		zap.String("id", t.ID.String()),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("reason", t.Reason),
		zap.Int("units", t.Units),
	)

	data := map[string]any{
		"from":   string(t.From),
		"to":     string(t.To),
		"reason": t.Reason,
		"units":  t.Units,
	}
	eventType := eventTypeFor(t)
	s.emitAudit(ctx, string(eventType), t.Entity, t.ID, data)
	s.notifier.Publish(ctx, notification.NewEvent(eventType, string(t.Entity), t.ID.String(), t.At, data))
}

func (s *Service) emitAudit(ctx context.Context, action string, entity activitydomain.Entity, id snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.Record(ctx, auditdomain.Entry{
		Action:     action,
		TargetType: string(entity),
		TargetID:   id.String(),
		Metadata:   metadata,
	})
}

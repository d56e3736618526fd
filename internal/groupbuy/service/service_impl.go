package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	auditdomain "github.com/smallbiznis/promosale/internal/audit/domain"
	"github.com/smallbiznis/promosale/internal/clock"
	groupdomain "github.com/smallbiznis/promosale/internal/groupbuy/domain"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
	"github.com/smallbiznis/promosale/internal/notification"
	obsmetrics "github.com/smallbiznis/promosale/internal/observability/metrics"
	reservationdomain "github.com/smallbiznis/promosale/internal/reservation/domain"
	"github.com/smallbiznis/promosale/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const entityGroup = "group"

type Config struct {
	// SweepBatch caps how many expired groups one sweep closes.
	SweepBatch int
}

func (c Config) withDefaults() Config {
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	return c
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Activity     activitydomain.Service
	Ledger       ledgerdomain.Service
	Reservations reservationdomain.Service
	Clock        clock.Clock             `optional:"true"`
	Notifier     notification.Dispatcher `optional:"true"`
	AuditSvc     auditdomain.Service     `optional:"true"`
	Config       Config                  `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	activity     activitydomain.Service
	ledger       ledgerdomain.Service
	reservations reservationdomain.Service
	clock        clock.Clock
	notifier     notification.Dispatcher
	auditSvc     auditdomain.Service
	cfg          Config
}

func NewService(p Params) groupdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.NewSystemClock()
	}
	notifier := p.Notifier
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("groupbuy.service"),
		genID:        p.GenID,
		activity:     p.Activity,
		ledger:       p.Ledger,
		reservations: p.Reservations,
		clock:        c,
		notifier:     notifier,
		auditSvc:     p.AuditSvc,
		cfg:          p.Config.withDefaults(),
	}
}

func (s *Service) CreateGroup(ctx context.Context, req groupdomain.CreateGroupRequest) (*groupdomain.JoinResult, error) {
	leader := strings.TrimSpace(req.LeaderID)
	if leader == "" {
		return nil, groupdomain.ErrInvalidMember
	}
	if req.Quantity <= 0 {
		return nil, groupdomain.ErrInvalidQuantity
	}

	activity, err := s.activity.GetActivity(ctx, req.ActivityID)
	if err != nil {
		return nil, err
	}
	if activity.Kind != activitydomain.KindGroupBuy {
		return nil, groupdomain.ErrActivityNotGroupBuy
	}
	if activity.Status != activitydomain.StatusActive || !activity.Enabled {
		return nil, groupdomain.ErrActivityNotActive
	}
	unitID, err := s.resolveUnit(ctx, activity.ID, req.UnitID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	expireAt := now.Add(activity.GroupTimeLimit())
	res, err := s.reservations.TryReserve(ctx, reservationdomain.ReserveRequest{
		UnitID:         unitID,
		RequesterID:    leader,
		Quantity:       req.Quantity,
		IdempotencyKey: idempotencyKey(req.IdempotencyKey, "group:"+s.genID.Generate().String()),
		HoldUntil:      expireAt,
	})
	if err != nil {
		return nil, err
	}
	if !res.Granted() {
		return nil, &reservationdomain.DeniedError{Reason: res.Reason}
	}
	if res.Duplicate {
		if existing, err := s.resultForReservation(ctx, res.ReservationID); err == nil {
			return existing, nil
		}
	}

	group := &groupdomain.BuyGroup{
		ID:          s.genID.Generate(),
		Code:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		ActivityID:  activity.ID,
		UnitID:      unitID,
		LeaderID:    leader,
		MinPeople:   activity.MinPeople,
		MaxPeople:   activity.MaxPeople,
		MemberCount: 1,
		Status:      groupdomain.StatusForming,
		ExpireAt:    expireAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	member := &groupdomain.GroupMember{
		ID:            s.genID.Generate(),
		GroupID:       group.ID,
		MemberID:      leader,
		ReservationID: res.ReservationID,
		Quantity:      req.Quantity,
		IsLeader:      true,
		JoinedAt:      now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(group).Error; err != nil {
			return err
		}
		return tx.Create(member).Error
	})
	if err != nil {
		s.releaseQuietly(ctx, res.ReservationID, reservationdomain.CauseGroupFailed)
		return nil, err
	}

	group.Members = []groupdomain.GroupMember{*member}
	s.log.Info("group.created",
		zap.String("code", group.Code),
		zap.String("activity_id", activity.ID.String()),
		zap.String("leader_id", leader),
		zap.Time("expire_at", expireAt),
	)
	s.emitAudit(ctx, "group.created", group, map[string]any{
		"leader_id":      leader,
		"reservation_id": res.ReservationID.String(),
	})
	return &groupdomain.JoinResult{Group: group, Member: member}, nil
}

func (s *Service) resolveUnit(ctx context.Context, activityID, requested snowflake.ID) (snowflake.ID, error) {
	units, err := s.ledger.ListUnitsByActivity(ctx, activityID)
	if err != nil {
		return 0, err
	}
	if requested != 0 {
		for _, u := range units {
			if u.ID == requested {
				return u.ID, nil
			}
		}
		return 0, groupdomain.ErrUnitMismatch
	}
	if len(units) != 1 {
		return 0, groupdomain.ErrUnitRequired
	}
	return units[0].ID, nil
}

// JoinGroup claims a slot with a conditional update before reserving, so
// member_count never exceeds max_people. A failed reservation gives the slot back.
func (s *Service) JoinGroup(ctx context.Context, req groupdomain.JoinGroupRequest) (*groupdomain.JoinResult, error) {
	code := strings.TrimSpace(req.Code)
	memberID := strings.TrimSpace(req.MemberID)
	if code == "" {
		return nil, groupdomain.ErrInvalidCode
	}
	if memberID == "" {
		return nil, groupdomain.ErrInvalidMember
	}
	if req.Quantity <= 0 {
		return nil, groupdomain.ErrInvalidQuantity
	}

	group, err := s.loadGroup(ctx, code)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if err := joinable(group, now); err != nil {
		return nil, err
	}
	joined, err := s.isMember(ctx, group.ID, memberID)
	if err != nil {
		return nil, err
	}
	if joined {
		return nil, groupdomain.ErrAlreadyJoined
	}

	claimed, err := s.claimSlot(ctx, group.ID, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		fresh, err := s.loadGroup(ctx, code)
		if err != nil {
			return nil, err
		}
		if err := joinable(fresh, now); err != nil {
			return nil, err
		}
		return nil, groupdomain.ErrGroupFull
	}

	res, err := s.reservations.TryReserve(ctx, reservationdomain.ReserveRequest{
		UnitID:         group.UnitID,
		RequesterID:    memberID,
		Quantity:       req.Quantity,
		IdempotencyKey: idempotencyKey(req.IdempotencyKey, "group:"+group.Code+":"+memberID),
		HoldUntil:      group.ExpireAt,
	})
	if err != nil {
		s.returnSlot(ctx, group.ID)
		return nil, err
	}
	if !res.Granted() {
		s.returnSlot(ctx, group.ID)
		return nil, &reservationdomain.DeniedError{Reason: res.Reason}
	}

	member := &groupdomain.GroupMember{
		ID:            s.genID.Generate(),
		GroupID:       group.ID,
		MemberID:      memberID,
		ReservationID: res.ReservationID,
		Quantity:      req.Quantity,
		JoinedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(member).Error; err != nil {
		s.returnSlot(ctx, group.ID)
		if db.IsDuplicateKeyErr(err) {
			// A concurrent join by the same member won; a replayed reservation is theirs.
			if !res.Duplicate {
				s.releaseQuietly(ctx, res.ReservationID, reservationdomain.CauseGroupFailed)
			}
			return nil, groupdomain.ErrAlreadyJoined
		}
		s.releaseQuietly(ctx, res.ReservationID, reservationdomain.CauseGroupFailed)
		return nil, err
	}

	// The sweep may have closed the group while the reservation was in flight.
	status, err := s.groupStatus(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	if status != groupdomain.StatusForming {
		s.dropMember(ctx, member)
		s.releaseQuietly(ctx, member.ReservationID, reservationdomain.CauseGroupFailed)
		if status == groupdomain.StatusSucceeded {
			return nil, groupdomain.ErrGroupClosed
		}
		return nil, groupdomain.ErrGroupExpired
	}

	s.log.Info("group.joined",
		zap.String("code", group.Code),
		zap.String("member_id", memberID),
		zap.String("reservation_id", res.ReservationID.String()),
	)

	succeeded, err := s.trySucceed(ctx, group, now)
	if err != nil {
		return nil, err
	}
	fresh, err := s.GetGroup(ctx, group.Code)
	if err != nil {
		return nil, err
	}
	return &groupdomain.JoinResult{Group: fresh, Member: member, Succeeded: succeeded}, nil
}

func joinable(group *groupdomain.BuyGroup, now time.Time) error {
	switch group.Status {
	case groupdomain.StatusForming:
	case groupdomain.StatusSucceeded:
		if group.MemberCount >= group.MaxPeople {
			return groupdomain.ErrGroupFull
		}
		return groupdomain.ErrGroupClosed
	default:
		return groupdomain.ErrGroupExpired
	}
	if !now.Before(group.ExpireAt) {
		return groupdomain.ErrGroupExpired
	}
	if group.MemberCount >= group.MaxPeople {
		return groupdomain.ErrGroupFull
	}
	return nil
}

func (s *Service) claimSlot(ctx context.Context, groupID snowflake.ID, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE buy_groups
		 SET member_count = member_count + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND member_count < max_people AND expire_at > ?`,
		now,
		groupID,
		groupdomain.StatusForming,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Service) returnSlot(ctx context.Context, groupID snowflake.ID) {
	err := s.db.WithContext(ctx).Exec(
		`UPDATE buy_groups
		 SET member_count = member_count - 1, updated_at = ?
		 WHERE id = ? AND member_count > 0`,
		s.clock.Now().UTC(),
		groupID,
	).Error
	if err != nil {
		s.log.Warn("group.return_slot_failed", zap.String("group_id", groupID.String()), zap.Error(err))
	}
}

// trySucceed moves the group to succeeded once its stored members reach
// min_people, then confirms every member reservation.
func (s *Service) trySucceed(ctx context.Context, group *groupdomain.BuyGroup, now time.Time) (bool, error) {
	var members int64
	if err := s.db.WithContext(ctx).
		Model(&groupdomain.GroupMember{}).
		Where("group_id = ?", group.ID).
		Count(&members).Error; err != nil {
		return false, err
	}
	if members < int64(group.MinPeople) {
		return false, nil
	}

	res := s.db.WithContext(ctx).Exec(
		`UPDATE buy_groups
		 SET status = ?, succeeded_at = ?, closed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		groupdomain.StatusSucceeded,
		now,
		now,
		now,
		group.ID,
		groupdomain.StatusForming,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	list, err := s.listMembers(ctx, group.ID)
	if err != nil {
		return true, err
	}
	var confirmErr error
	for i := range list {
		if err := s.settleMember(ctx, &list[i], now); err != nil {
			confirmErr = errors.Join(confirmErr, fmt.Errorf("confirm %s: %w", list[i].ReservationID, err))
		}
	}
	if confirmErr != nil {
		// SweepExpiredGroups retries unsettled members before their holds expire.
		s.log.Warn("group.confirm_deferred", zap.String("code", group.Code), zap.Error(confirmErr))
	}

	s.recordTransition(ctx, group, groupdomain.StatusForming, groupdomain.StatusSucceeded, len(list), now)
	return true, nil
}

func (s *Service) GetGroup(ctx context.Context, code string) (*groupdomain.BuyGroup, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, groupdomain.ErrInvalidCode
	}
	group, err := s.loadGroup(ctx, code)
	if err != nil {
		return nil, err
	}
	members, err := s.listMembers(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	group.Members = members
	return group, nil
}

func (s *Service) Withdraw(ctx context.Context, code, memberID, cause string) error {
	group, err := s.loadGroup(ctx, strings.TrimSpace(code))
	if err != nil {
		return err
	}
	if group.Status != groupdomain.StatusForming {
		return groupdomain.ErrGroupClosed
	}
	var member groupdomain.GroupMember
	err = s.db.WithContext(ctx).
		Where("group_id = ? AND member_id = ?", group.ID, strings.TrimSpace(memberID)).
		First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return groupdomain.ErrNotMember
	}
	if err != nil {
		return err
	}
	if strings.TrimSpace(cause) == "" {
		cause = reservationdomain.CauseManual
	}

	if member.IsLeader {
		closed, err := s.close(ctx, group, groupdomain.StatusFailed, cause)
		if err != nil {
			return err
		}
		if !closed {
			return groupdomain.ErrGroupClosed
		}
		return nil
	}

	s.dropMember(ctx, &member)
	if _, err := s.reservations.Release(ctx, member.ReservationID, cause); err != nil {
		return err
	}
	s.log.Info("group.withdrawn",
		zap.String("code", group.Code),
		zap.String("member_id", member.MemberID),
		zap.String("cause", cause),
	)
	return nil
}

func (s *Service) SweepExpiredGroups(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	var groups []groupdomain.BuyGroup
	err := s.db.WithContext(ctx).
		Where("status = ? AND expire_at <= ?", groupdomain.StatusForming, now).
		Order("expire_at ASC, id ASC").
		Limit(s.cfg.SweepBatch).
		Find(&groups).Error
	if err != nil {
		return 0, err
	}

	expired := 0
	var sweepErr error
	for i := range groups {
		if ctx.Err() != nil {
			return expired, errors.Join(sweepErr, ctx.Err())
		}
		closed, err := s.close(ctx, &groups[i], groupdomain.StatusExpired, reservationdomain.CauseGroupFailed)
		if err != nil {
			sweepErr = errors.Join(sweepErr, fmt.Errorf("expire group %s: %w", groups[i].Code, err))
		}
		if closed {
			expired++
		}
	}

	if err := s.settleSucceeded(ctx, now); err != nil {
		sweepErr = errors.Join(sweepErr, err)
	}
	return expired, sweepErr
}

// settleSucceeded confirms members of succeeded groups whose confirmation did
// not complete when the group closed.
func (s *Service) settleSucceeded(ctx context.Context, now time.Time) error {
	var members []groupdomain.GroupMember
	err := s.db.WithContext(ctx).
		Where("settled_at IS NULL AND group_id IN (SELECT id FROM buy_groups WHERE status = ?)", groupdomain.StatusSucceeded).
		Order("joined_at ASC, id ASC").
		Limit(s.cfg.SweepBatch).
		Find(&members).Error
	if err != nil {
		return err
	}

	var settleErr error
	for i := range members {
		if ctx.Err() != nil {
			return errors.Join(settleErr, ctx.Err())
		}
		if err := s.settleMember(ctx, &members[i], now); err != nil {
			settleErr = errors.Join(settleErr, fmt.Errorf("settle %s: %w", members[i].ReservationID, err))
		}
	}
	return settleErr
}

// settleMember confirms a member reservation and stamps settled_at once the
// outcome is final. A hold that was released or lost is logged, not retried.
func (s *Service) settleMember(ctx context.Context, member *groupdomain.GroupMember, now time.Time) error {
	_, err := s.reservations.Confirm(ctx, member.ReservationID)
	switch {
	case err == nil:
	case errors.Is(err, reservationdomain.ErrReservationReleased),
		errors.Is(err, reservationdomain.ErrReservationLost),
		errors.Is(err, reservationdomain.ErrReservationNotFound):
		s.log.Error("group.member_hold_lost",
			zap.String("member_id", member.MemberID),
			zap.String("reservation_id", member.ReservationID.String()),
			zap.Error(err),
		)
	default:
		return err
	}
	if err := s.db.WithContext(ctx).
		Model(&groupdomain.GroupMember{}).
		Where("id = ?", member.ID).
		Update("settled_at", now).Error; err != nil {
		return err
	}
	member.SettledAt = &now
	return nil
}

// close fails a forming group and releases every member reservation. Release is
// idempotent, so a partially released group is finished by the next caller.
func (s *Service) close(ctx context.Context, group *groupdomain.BuyGroup, to groupdomain.Status, cause string) (bool, error) {
	now := s.clock.Now().UTC()
	res := s.db.WithContext(ctx).Exec(
		`UPDATE buy_groups
		 SET status = ?, closed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		now,
		now,
		group.ID,
		groupdomain.StatusForming,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	members, err := s.listMembers(ctx, group.ID)
	if err != nil {
		return true, err
	}
	var releaseErr error
	for _, m := range members {
		if _, err := s.reservations.Release(ctx, m.ReservationID, cause); err != nil &&
			!errors.Is(err, reservationdomain.ErrReservationNotFound) {
			releaseErr = errors.Join(releaseErr, fmt.Errorf("release %s: %w", m.ReservationID, err))
		}
	}
	s.recordTransition(ctx, group, groupdomain.StatusForming, to, len(members), now)
	return true, releaseErr
}

func (s *Service) dropMember(ctx context.Context, member *groupdomain.GroupMember) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(`DELETE FROM buy_group_members WHERE id = ?`, member.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Exec(
			`UPDATE buy_groups
			 SET member_count = member_count - 1, updated_at = ?
			 WHERE id = ? AND member_count > 0`,
			s.clock.Now().UTC(),
			member.GroupID,
		).Error
	})
	if err != nil {
		s.log.Warn("group.drop_member_failed", zap.String("member_id", member.MemberID), zap.Error(err))
	}
}

func (s *Service) releaseQuietly(ctx context.Context, id snowflake.ID, cause string) {
	if _, err := s.reservations.Release(ctx, id, cause); err != nil {
		s.log.Warn("group.release_failed", zap.String("reservation_id", id.String()), zap.Error(err))
	}
}

func (s *Service) resultForReservation(ctx context.Context, reservationID snowflake.ID) (*groupdomain.JoinResult, error) {
	var member groupdomain.GroupMember
	if err := s.db.WithContext(ctx).Where("reservation_id = ?", reservationID).First(&member).Error; err != nil {
		return nil, err
	}
	var group groupdomain.BuyGroup
	if err := s.db.WithContext(ctx).First(&group, "id = ?", member.GroupID).Error; err != nil {
		return nil, err
	}
	members, err := s.listMembers(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	group.Members = members
	return &groupdomain.JoinResult{Group: &group, Member: &member}, nil
}

func (s *Service) loadGroup(ctx context.Context, code string) (*groupdomain.BuyGroup, error) {
	var group groupdomain.BuyGroup
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, groupdomain.ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *Service) groupStatus(ctx context.Context, id snowflake.ID) (groupdomain.Status, error) {
	var status string
	err := s.db.WithContext(ctx).Raw(`SELECT status FROM buy_groups WHERE id = ?`, id).Scan(&status).Error
	return groupdomain.Status(status), err
}

func (s *Service) isMember(ctx context.Context, groupID snowflake.ID, memberID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&groupdomain.GroupMember{}).
		Where("group_id = ? AND member_id = ?", groupID, memberID).
		Count(&n).Error
	return n > 0, err
}

func (s *Service) listMembers(ctx context.Context, groupID snowflake.ID) ([]groupdomain.GroupMember, error) {
	var members []groupdomain.GroupMember
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("joined_at ASC, id ASC").
		Find(&members).Error
	return members, err
}

var groupEvents = map[groupdomain.Status]notification.EventType{
	groupdomain.StatusSucceeded: notification.EventGroupSucceeded,
	groupdomain.StatusFailed:    notification.EventGroupFailed,
	groupdomain.StatusExpired:   notification.EventGroupFailed,
}

func (s *Service) recordTransition(ctx context.Context, group *groupdomain.BuyGroup, from, to groupdomain.Status, members int, at time.Time) {
	obsmetrics.Scheduler().IncLifecycleTransition(entityGroup, string(from), string(to))
	eventType := groupEvents[to]
	s.log.Info(string(eventType),
		zap.String("code", group.Code),
		zap.String("activity_id", group.ActivityID.String()),
		zap.String("status", string(to)),
		zap.Int("members", members),
	)

	data := map[string]any{
		"code":        group.Code,
		"activity_id": group.ActivityID.String(),
		"unit_id":     group.UnitID.String(),
		"status":      string(to),
		"members":     members,
	}
	s.emitAudit(ctx, string(eventType), group, data)
	s.notifier.Publish(ctx, notification.NewEvent(eventType, entityGroup, group.ID.String(), at, data))
}

func (s *Service) emitAudit(ctx context.Context, action string, group *groupdomain.BuyGroup, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.Record(ctx, auditdomain.Entry{
		Action:     action,
		TargetType: entityGroup,
		TargetID:   group.ID.String(),
		Metadata:   metadata,
	})
}

func idempotencyKey(requested, fallback string) string {
	if key := strings.TrimSpace(requested); key != "" {
		return key
	}
	return fallback
}

package checkout

import (
	"context"
	"errors"

	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	groupdomain "github.com/smallbiznis/promosale/internal/groupbuy/domain"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
	reservationdomain "github.com/smallbiznis/promosale/internal/reservation/domain"
	"go.uber.org/zap"
)

// FlashSale confirms the reservation as soon as the order exists.
type FlashSale struct {
	reservations reservationdomain.Service
	log          *zap.Logger
}

func NewFlashSale(reservations reservationdomain.Service, log *zap.Logger) *FlashSale {
	return &FlashSale{reservations: reservations, log: log.Named("checkout.flash_sale")}
}

func (v *FlashSale) Kind() activitydomain.Kind { return activitydomain.KindFlashSale }

func (v *FlashSale) Validate(_ context.Context, req Request, unit *ledgerdomain.SellableUnit, activity *activitydomain.Activity) error {
	if activity.Kind != activitydomain.KindFlashSale || unit.SessionID == nil {
		return ErrKindMismatch
	}
	if req.GroupCode != "" {
		return ErrInvalidRequest
	}
	return nil
}

func (v *FlashSale) BuildDraft(ctx context.Context, req Request, unit *ledgerdomain.SellableUnit) (*Draft, error) {
	res, err := v.reservations.TryReserve(ctx, reservationdomain.ReserveRequest{
		UnitID:         unit.ID,
		RequesterID:    req.RequesterID,
		Quantity:       req.Quantity,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if !res.Granted() {
		return nil, &reservationdomain.DeniedError{Reason: res.Reason}
	}
	price, total := priced(unit, req.Quantity)
	return &Draft{
		Request:       req,
		Unit:          unit,
		ReservationID: res.ReservationID,
		Duplicate:     res.Duplicate,
		UnitPrice:     price,
		Total:         total,
		ExpiresAt:     res.ExpiresAt,
	}, nil
}

func (v *FlashSale) PostCreate(ctx context.Context, draft *Draft, orderID string, orderErr error) (*Result, error) {
	if orderErr != nil {
		if _, err := v.reservations.Release(ctx, draft.ReservationID, reservationdomain.CauseOrderFailed); err != nil {
			v.log.Warn("checkout.release_failed", zap.String("reservation_id", draft.ReservationID.String()), zap.Error(err))
		}
		return nil, orderErr
	}
	conf, err := v.reservations.Confirm(ctx, draft.ReservationID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Kind:          v.Kind(),
		ReservationID: draft.ReservationID,
		OrderID:       orderID,
		UnitPrice:     draft.UnitPrice,
		Total:         draft.Total,
		ExpiresAt:     draft.ExpiresAt,
		Confirmed:     conf.Confirmed,
	}, nil
}

// GroupBuy reserves through group formation. The reservation is confirmed when
// the group succeeds and released by the group sweep when it does not.
type GroupBuy struct {
	groups groupdomain.Service
	log    *zap.Logger
}

func NewGroupBuy(groups groupdomain.Service, log *zap.Logger) *GroupBuy {
	return &GroupBuy{groups: groups, log: log.Named("checkout.group_buy")}
}

func (v *GroupBuy) Kind() activitydomain.Kind { return activitydomain.KindGroupBuy }

func (v *GroupBuy) Validate(_ context.Context, _ Request, unit *ledgerdomain.SellableUnit, activity *activitydomain.Activity) error {
	if activity.Kind != activitydomain.KindGroupBuy || unit.SessionID != nil {
		return ErrKindMismatch
	}
	return nil
}

func (v *GroupBuy) BuildDraft(ctx context.Context, req Request, unit *ledgerdomain.SellableUnit) (*Draft, error) {
	var (
		res *groupdomain.JoinResult
		err error
	)
	if req.GroupCode == "" {
		res, err = v.groups.CreateGroup(ctx, groupdomain.CreateGroupRequest{
			ActivityID:     unit.ActivityID,
			UnitID:         unit.ID,
			LeaderID:       req.RequesterID,
			Quantity:       req.Quantity,
			IdempotencyKey: req.IdempotencyKey,
		})
	} else {
		res, err = v.groups.JoinGroup(ctx, groupdomain.JoinGroupRequest{
			Code:           req.GroupCode,
			MemberID:       req.RequesterID,
			Quantity:       req.Quantity,
			IdempotencyKey: req.IdempotencyKey,
		})
	}
	if err != nil {
		return nil, err
	}
	if res.Group.UnitID != unit.ID {
		if err := v.groups.Withdraw(ctx, res.Group.Code, req.RequesterID, reservationdomain.CauseOrderFailed); err != nil {
			v.log.Warn("checkout.withdraw_failed", zap.String("code", res.Group.Code), zap.Error(err))
		}
		return nil, ErrKindMismatch
	}

	price, total := priced(unit, req.Quantity)
	expires := res.Group.ExpireAt
	return &Draft{
		Request:       req,
		Unit:          unit,
		ReservationID: res.Member.ReservationID,
		UnitPrice:     price,
		Total:         total,
		ExpiresAt:     &expires,
		Group:         res.Group,
	}, nil
}

func (v *GroupBuy) PostCreate(ctx context.Context, draft *Draft, orderID string, orderErr error) (*Result, error) {
	if orderErr != nil {
		err := v.groups.Withdraw(ctx, draft.Group.Code, draft.Request.RequesterID, reservationdomain.CauseOrderFailed)
		if err != nil && !errors.Is(err, groupdomain.ErrNotMember) {
			// A group that already succeeded keeps the confirmed stock; the order side owns the retry.
			v.log.Error("checkout.withdraw_failed",
				zap.String("code", draft.Group.Code),
				zap.String("reservation_id", draft.ReservationID.String()),
				zap.Error(err),
			)
		}
		return nil, orderErr
	}
	return &Result{
		Kind:          v.Kind(),
		ReservationID: draft.ReservationID,
		OrderID:       orderID,
		UnitPrice:     draft.UnitPrice,
		Total:         draft.Total,
		ExpiresAt:     draft.ExpiresAt,
		Confirmed:     draft.Group.Status == groupdomain.StatusSucceeded,
		GroupCode:     draft.Group.Code,
		GroupStatus:   draft.Group.Status,
	}, nil
}

package checkout

import (
	"context"
	"errors"
	"strings"

	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	groupdomain "github.com/smallbiznis/promosale/internal/groupbuy/domain"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
	"github.com/smallbiznis/promosale/internal/order"
	reservationdomain "github.com/smallbiznis/promosale/internal/reservation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("checkout",
	fx.Provide(NewService),
)

type Params struct {
	fx.In

	Log          *zap.Logger
	Ledger       ledgerdomain.Service
	Activity     activitydomain.Service
	Reservations reservationdomain.Service
	Groups       groupdomain.Service
	Orders       order.Client
}

// Service runs the shared order pipeline: validate, reserve, create the order,
// then settle the reservation the way the selected variant requires.
type Service struct {
	log      *zap.Logger
	ledger   ledgerdomain.Service
	activity activitydomain.Service
	orders   order.Client
	variants map[activitydomain.Kind]Variant
}

func NewService(p Params) *Service {
	log := p.Log.Named("checkout")
	return &Service{
		log:      log,
		ledger:   p.Ledger,
		activity: p.Activity,
		orders:   p.Orders,
		variants: map[activitydomain.Kind]Variant{
			activitydomain.KindFlashSale: NewFlashSale(p.Reservations, log),
			activitydomain.KindGroupBuy:  NewGroupBuy(p.Groups, log),
		},
	}
}

func (s *Service) Checkout(ctx context.Context, req Request) (*Result, error) {
	variant, ok := s.variants[req.Kind]
	if !ok {
		return nil, ErrUnsupportedKind
	}
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	req.GroupCode = strings.TrimSpace(req.GroupCode)
	if req.UnitID <= 0 {
		return nil, reservationdomain.ErrInvalidUnit
	}

	unit, err := s.ledger.GetUnit(ctx, req.UnitID)
	if errors.Is(err, ledgerdomain.ErrUnitNotFound) {
		return nil, reservationdomain.ErrUnitNotFound
	}
	if err != nil {
		return nil, err
	}
	activity, err := s.activity.GetActivity(ctx, unit.ActivityID)
	if err != nil {
		return nil, err
	}
	if err := variant.Validate(ctx, req, unit, activity); err != nil {
		return nil, err
	}

	draft, err := variant.BuildDraft(ctx, req, unit)
	if err != nil {
		return nil, err
	}

	orderReq := order.Request{
		ReservationID: draft.ReservationID.String(),
		Kind:          string(req.Kind),
		UnitID:        unit.ID.String(),
		SKUID:         unit.SKUID,
		RequesterID:   req.RequesterID,
		Quantity:      req.Quantity,
		UnitPrice:     draft.UnitPrice,
		Total:         draft.Total,
	}
	if draft.Group != nil {
		orderReq.GroupCode = draft.Group.Code
	}
	orderID, orderErr := s.orders.CreateOrderFromReservation(ctx, orderReq)
	if orderErr != nil {
		s.log.Warn("checkout.order_failed",
			zap.String("kind", string(req.Kind)),
			zap.String("reservation_id", draft.ReservationID.String()),
			zap.Error(orderErr),
		)
	}

	result, err := variant.PostCreate(ctx, draft, orderID, orderErr)
	if err != nil {
		return nil, err
	}
	s.log.Info("checkout.completed",
		zap.String("kind", string(req.Kind)),
		zap.String("reservation_id", result.ReservationID.String()),
		zap.String("order_id", result.OrderID),
		zap.Bool("confirmed", result.Confirmed),
	)
	return result, nil
}

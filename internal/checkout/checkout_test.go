package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	groupdomain "github.com/smallbiznis/promosale/internal/groupbuy/domain"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
	"github.com/smallbiznis/promosale/internal/order"
	reservationdomain "github.com/smallbiznis/promosale/internal/reservation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	flashUnitID    snowflake.ID = 100
	groupUnitID    snowflake.ID = 200
	flashActivity  snowflake.ID = 10
	groupActivity  snowflake.ID = 20
	reservationID1 snowflake.ID = 9001
)

type stubLedger struct {
	ledgerdomain.Service
	units map[snowflake.ID]*ledgerdomain.SellableUnit
}

func (l *stubLedger) GetUnit(_ context.Context, id snowflake.ID) (*ledgerdomain.SellableUnit, error) {
	if u, ok := l.units[id]; ok {
		return u, nil
	}
	return nil, ledgerdomain.ErrUnitNotFound
}

type stubActivity struct {
	activitydomain.Service
	activities map[snowflake.ID]*activitydomain.Activity
}

func (a *stubActivity) GetActivity(_ context.Context, id snowflake.ID) (*activitydomain.Activity, error) {
	if act, ok := a.activities[id]; ok {
		return act, nil
	}
	return nil, activitydomain.ErrActivityNotFound
}

type mockReservations struct {
	mock.Mock
	reservationdomain.Service
}

func (m *mockReservations) TryReserve(ctx context.Context, req reservationdomain.ReserveRequest) (reservationdomain.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(reservationdomain.Result), args.Error(1)
}

func (m *mockReservations) Confirm(ctx context.Context, id snowflake.ID) (reservationdomain.ConfirmResult, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(reservationdomain.ConfirmResult), args.Error(1)
}

func (m *mockReservations) Release(ctx context.Context, id snowflake.ID, cause string) (reservationdomain.ReleaseResult, error) {
	args := m.Called(ctx, id, cause)
	return args.Get(0).(reservationdomain.ReleaseResult), args.Error(1)
}

type mockGroups struct {
	mock.Mock
	groupdomain.Service
}

func (m *mockGroups) CreateGroup(ctx context.Context, req groupdomain.CreateGroupRequest) (*groupdomain.JoinResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*groupdomain.JoinResult)
	return res, args.Error(1)
}

func (m *mockGroups) JoinGroup(ctx context.Context, req groupdomain.JoinGroupRequest) (*groupdomain.JoinResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*groupdomain.JoinResult)
	return res, args.Error(1)
}

func (m *mockGroups) Withdraw(ctx context.Context, code, memberID, cause string) error {
	return m.Called(ctx, code, memberID, cause).Error(0)
}

type mockOrders struct {
	mock.Mock
}

func (m *mockOrders) CreateOrderFromReservation(ctx context.Context, req order.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type fixture struct {
	svc          *Service
	reservations *mockReservations
	groups       *mockGroups
	orders       *mockOrders
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sessionID := snowflake.ID(1)
	ledger := &stubLedger{units: map[snowflake.ID]*ledgerdomain.SellableUnit{
		flashUnitID: {ID: flashUnitID, ActivityID: flashActivity, SessionID: &sessionID, SKUID: "sku-f", TotalQuantity: 10, PromoPrice: decimal.RequireFromString("9.50")},
		groupUnitID: {ID: groupUnitID, ActivityID: groupActivity, SKUID: "sku-g", TotalQuantity: 10, PromoPrice: decimal.NewFromInt(60)},
	}}
	activity := &stubActivity{activities: map[snowflake.ID]*activitydomain.Activity{
		flashActivity: {ID: flashActivity, Kind: activitydomain.KindFlashSale, Status: activitydomain.StatusActive, Enabled: true},
		groupActivity: {ID: groupActivity, Kind: activitydomain.KindGroupBuy, Status: activitydomain.StatusActive, Enabled: true},
	}}
	f := &fixture{
		reservations: &mockReservations{},
		groups:       &mockGroups{},
		orders:       &mockOrders{},
	}
	f.svc = NewService(Params{
		Log:          zap.NewNop(),
		Ledger:       ledger,
		Activity:     activity,
		Reservations: f.reservations,
		Groups:       f.groups,
		Orders:       f.orders,
	})
	t.Cleanup(func() {
		f.reservations.AssertExpectations(t)
		f.groups.AssertExpectations(t)
		f.orders.AssertExpectations(t)
	})
	return f
}

func flashRequest(qty int64) Request {
	return Request{
		Kind:           activitydomain.KindFlashSale,
		UnitID:         flashUnitID,
		RequesterID:    "alice",
		Quantity:       qty,
		IdempotencyKey: "order-1",
	}
}

func TestFlashSaleCheckoutConfirmsAfterOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expires := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)

	f.reservations.On("TryReserve", ctx, reservationdomain.ReserveRequest{
		UnitID: flashUnitID, RequesterID: "alice", Quantity: 2, IdempotencyKey: "order-1",
	}).Return(reservationdomain.Result{Outcome: reservationdomain.OutcomeGranted, ReservationID: reservationID1, ExpiresAt: &expires}, nil)
	f.orders.On("CreateOrderFromReservation", ctx, mock.MatchedBy(func(req order.Request) bool {
		return req.ReservationID == reservationID1.String() &&
			req.SKUID == "sku-f" &&
			req.Total.Equal(decimal.RequireFromString("19"))
	})).Return("ord-1", nil)
	f.reservations.On("Confirm", ctx, reservationID1).
		Return(reservationdomain.ConfirmResult{ReservationID: reservationID1, Confirmed: true}, nil)

	res, err := f.svc.Checkout(ctx, flashRequest(2))
	require.NoError(t, err)
	assert.Equal(t, "ord-1", res.OrderID)
	assert.True(t, res.Confirmed)
	assert.True(t, res.UnitPrice.Equal(decimal.RequireFromString("9.50")))
	assert.Equal(t, &expires, res.ExpiresAt)
}

func TestFlashSaleCheckoutReleasesWhenOrderFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.reservations.On("TryReserve", ctx, mock.Anything).
		Return(reservationdomain.Result{Outcome: reservationdomain.OutcomeGranted, ReservationID: reservationID1}, nil)
	f.orders.On("CreateOrderFromReservation", ctx, mock.Anything).Return("", order.ErrUnavailable)
	f.reservations.On("Release", ctx, reservationID1, reservationdomain.CauseOrderFailed).
		Return(reservationdomain.ReleaseResult{ReservationID: reservationID1, Released: true}, nil)

	_, err := f.svc.Checkout(ctx, flashRequest(1))
	assert.ErrorIs(t, err, order.ErrUnavailable)
	f.reservations.AssertNotCalled(t, "Confirm", mock.Anything, mock.Anything)
}

func TestFlashSaleCheckoutDeniedSkipsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.reservations.On("TryReserve", ctx, mock.Anything).
		Return(reservationdomain.Denied(reservationdomain.ReasonInsufficientStock), nil)

	_, err := f.svc.Checkout(ctx, flashRequest(1))
	var denied *reservationdomain.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, reservationdomain.ReasonInsufficientStock, denied.Reason)
	f.orders.AssertNotCalled(t, "CreateOrderFromReservation", mock.Anything, mock.Anything)
}

func TestGroupBuyCheckoutJoinsWithoutConfirming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := &groupdomain.BuyGroup{Code: "01GROUP", UnitID: groupUnitID, Status: groupdomain.StatusSucceeded, ExpireAt: time.Now()}

	f.groups.On("JoinGroup", ctx, groupdomain.JoinGroupRequest{
		Code: "01GROUP", MemberID: "bob", Quantity: 1, IdempotencyKey: "order-2",
	}).Return(&groupdomain.JoinResult{
		Group:     group,
		Member:    &groupdomain.GroupMember{MemberID: "bob", ReservationID: reservationID1},
		Succeeded: true,
	}, nil)
	f.orders.On("CreateOrderFromReservation", ctx, mock.MatchedBy(func(req order.Request) bool {
		return req.GroupCode == "01GROUP" && req.Kind == string(activitydomain.KindGroupBuy)
	})).Return("ord-2", nil)

	res, err := f.svc.Checkout(ctx, Request{
		Kind:           activitydomain.KindGroupBuy,
		UnitID:         groupUnitID,
		RequesterID:    "bob",
		Quantity:       1,
		IdempotencyKey: "order-2",
		GroupCode:      "01GROUP",
	})
	require.NoError(t, err)
	assert.Equal(t, "01GROUP", res.GroupCode)
	assert.Equal(t, groupdomain.StatusSucceeded, res.GroupStatus)
	assert.True(t, res.Confirmed)
	f.reservations.AssertNotCalled(t, "Confirm", mock.Anything, mock.Anything)
}

func TestGroupBuyCheckoutWithdrawsWhenOrderFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := &groupdomain.BuyGroup{Code: "01NEW", UnitID: groupUnitID, Status: groupdomain.StatusForming}

	f.groups.On("CreateGroup", ctx, groupdomain.CreateGroupRequest{
		ActivityID: groupActivity, UnitID: groupUnitID, LeaderID: "carol", Quantity: 1, IdempotencyKey: "order-3",
	}).Return(&groupdomain.JoinResult{
		Group:  group,
		Member: &groupdomain.GroupMember{MemberID: "carol", ReservationID: reservationID1, IsLeader: true},
	}, nil)
	f.orders.On("CreateOrderFromReservation", ctx, mock.Anything).Return("", order.ErrRejected)
	f.groups.On("Withdraw", ctx, "01NEW", "carol", reservationdomain.CauseOrderFailed).Return(nil)

	_, err := f.svc.Checkout(ctx, Request{
		Kind:           activitydomain.KindGroupBuy,
		UnitID:         groupUnitID,
		RequesterID:    "carol",
		Quantity:       1,
		IdempotencyKey: "order-3",
	})
	assert.ErrorIs(t, err, order.ErrRejected)
}

func TestCheckoutRejectsMismatchedKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := flashRequest(1)
	req.UnitID = groupUnitID
	_, err := f.svc.Checkout(ctx, req)
	assert.ErrorIs(t, err, ErrKindMismatch)

	req.Kind = "raffle"
	_, err = f.svc.Checkout(ctx, req)
	assert.ErrorIs(t, err, ErrUnsupportedKind)

	req = flashRequest(1)
	req.UnitID = 404
	_, err = f.svc.Checkout(ctx, req)
	assert.ErrorIs(t, err, reservationdomain.ErrUnitNotFound)
}

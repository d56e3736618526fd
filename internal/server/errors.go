package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	auditdomain "github.com/smallbiznis/promosale/internal/audit/domain"
	"github.com/smallbiznis/promosale/internal/authorization"
	"github.com/smallbiznis/promosale/internal/catalog"
	"github.com/smallbiznis/promosale/internal/checkout"
	groupdomain "github.com/smallbiznis/promosale/internal/groupbuy/domain"
	ledgerdomain "github.com/smallbiznis/promosale/internal/ledger/domain"
	"github.com/smallbiznis/promosale/internal/order"
	reservationdomain "github.com/smallbiznis/promosale/internal/reservation/domain"
	"gorm.io/gorm"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationErrors is returned by handlers that check input themselves.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v *ValidationErrors) Error() string { return "validation error" }

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// errorRule maps any of its sentinels to one response. Rules are checked in
// order, so specific conflicts come before the generic ones.
type errorRule struct {
	status  int
	typ     string
	message string
	match   []error
}

var errorRules = []errorRule{
	{http.StatusUnauthorized, "unauthorized", "unauthorized", []error{
		ErrUnauthorized, authorization.ErrInvalidActor,
	}},
	{http.StatusForbidden, "forbidden", "forbidden", []error{
		ErrForbidden, authorization.ErrForbidden,
	}},
	{http.StatusNotFound, "not_found", "not found", []error{
		ErrNotFound,
		reservationdomain.ErrUnitNotFound,
		reservationdomain.ErrReservationNotFound,
		ledgerdomain.ErrUnitNotFound,
		activitydomain.ErrActivityNotFound,
		activitydomain.ErrSessionNotFound,
		groupdomain.ErrGroupNotFound,
		groupdomain.ErrNotMember,
		catalog.ErrSKUNotFound,
		gorm.ErrRecordNotFound,
	}},
	{http.StatusConflict, "group_full", "group is full", []error{groupdomain.ErrGroupFull}},
	{http.StatusConflict, "group_expired", "group has expired", []error{groupdomain.ErrGroupExpired}},
	{http.StatusConflict, "group_already_joined", "already a member of this group", []error{groupdomain.ErrAlreadyJoined}},
	{http.StatusConflict, "group_closed", "group is no longer forming", []error{groupdomain.ErrGroupClosed}},
	{http.StatusConflict, "reservation_released", "reservation was released", []error{reservationdomain.ErrReservationReleased}},
	{http.StatusConflict, "reservation_lost", "reservation can no longer be confirmed", []error{reservationdomain.ErrReservationLost}},
	{http.StatusConflict, "conflict", "conflict", []error{ErrConflict}},
	{http.StatusUnprocessableEntity, "not_active", "activity is not running", []error{groupdomain.ErrActivityNotActive}},
	{http.StatusUnprocessableEntity, "not_group_buy", "activity is not a group-buy", []error{groupdomain.ErrActivityNotGroupBuy}},
	{http.StatusUnprocessableEntity, "order_rejected", "order was rejected", []error{order.ErrRejected}},
	{http.StatusTooManyRequests, "rate_limited", "too many requests", []error{ErrRateLimited}},
	{http.StatusServiceUnavailable, "service_unavailable", "service unavailable", []error{
		ErrServiceUnavailable,
		reservationdomain.ErrUnavailable,
		order.ErrUnavailable,
		catalog.ErrUnavailable,
	}},
}

// denialRules covers reservation outcomes that are refusals rather than faults.
var denialRules = map[string]errorRule{
	reservationdomain.ReasonInsufficientStock: {status: http.StatusConflict, typ: "sold_out", message: "not enough stock left"},
	reservationdomain.ReasonPerUserLimit:      {status: http.StatusConflict, typ: "limit_reached", message: "per user limit reached"},
	reservationdomain.ReasonUnitNotActive:     {status: http.StatusUnprocessableEntity, typ: "not_active", message: "unit is not on sale"},
}

// validationSentinels are domain input errors; the sentinel text doubles as
// the response code.
var validationSentinels = []error{
	ErrInvalidRequest,
	errInvalidID,
	reservationdomain.ErrInvalidUnit,
	reservationdomain.ErrInvalidRequester,
	reservationdomain.ErrInvalidQuantity,
	reservationdomain.ErrInvalidIdempotencyKey,
	checkout.ErrInvalidRequest,
	checkout.ErrUnsupportedKind,
	checkout.ErrKindMismatch,
	auditdomain.ErrInvalidPageToken,
	auditdomain.ErrInvalidTimeRange,
	auditdomain.ErrInvalidAction,
	activitydomain.ErrInvalidKind,
	activitydomain.ErrInvalidTitle,
	activitydomain.ErrInvalidWindow,
	activitydomain.ErrInvalidPeople,
	activitydomain.ErrInvalidGroupTimeLimit,
	activitydomain.ErrSessionOutsideWindow,
	activitydomain.ErrSessionNotFlashSale,
	activitydomain.ErrInvalidQuantity,
	activitydomain.ErrInvalidSKU,
	activitydomain.ErrInvalidPrice,
	activitydomain.ErrInvalidLimit,
	activitydomain.ErrUnitSessionRequired,
	activitydomain.ErrUnitSessionMismatch,
	groupdomain.ErrInvalidMember,
	groupdomain.ErrInvalidQuantity,
	groupdomain.ErrInvalidCode,
	groupdomain.ErrUnitRequired,
	groupdomain.ErrUnitMismatch,
}

var internalError = errorPayload{Type: "internal_error", Message: "internal server error"}

// ErrorHandlingMiddleware renders the last handler error unless the handler
// already wrote a response.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		lastErr := c.Errors.Last()
		if lastErr == nil || c.Writer.Written() {
			return
		}
		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, internalError
	}

	var vErr *ValidationErrors
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, validationPayload(vErr.Errors)
	}
	if sentinel := matchAny(err, validationSentinels); sentinel != nil {
		code := sentinel.Error()
		field := strings.TrimPrefix(code, "invalid_")
		message := "invalid value"
		if code == "invalid_request" {
			field, message = "request", "invalid request"
		}
		return http.StatusBadRequest, validationPayload([]ValidationError{{Field: field, Code: code, Message: message}})
	}

	var denied *reservationdomain.DeniedError
	if errors.As(err, &denied) {
		if rule, ok := denialRules[denied.Reason]; ok {
			return rule.status, errorPayload{Type: rule.typ, Message: rule.message}
		}
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: "service unavailable"}
	}

	for _, rule := range errorRules {
		if matchAny(err, rule.match) != nil {
			return rule.status, errorPayload{Type: rule.typ, Message: rule.message}
		}
	}
	return http.StatusInternalServerError, internalError
}

func validationPayload(errs []ValidationError) errorPayload {
	return errorPayload{Type: "validation_error", Message: "validation error", Errors: errs}
}

func matchAny(err error, targets []error) error {
	for _, target := range targets {
		if errors.Is(err, target) {
			return target
		}
	}
	return nil
}

// classifyErrorForLog returns the response type and the error code for request logs.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, err.Error()
}

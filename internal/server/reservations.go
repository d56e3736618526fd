package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	reservationdomain "github.com/smallbiznis/promosale/internal/reservation/domain"
)

type createReservationRequest struct {
	UnitID         snowflake.ID `json:"unit_id"`
	RequesterID    string       `json:"requester_id"`
	Quantity       int64        `json:"quantity"`
	IdempotencyKey string       `json:"idempotency_key"`
}

type releaseReservationRequest struct {
	Cause string `json:"cause"`
}

// CreateReservation answers 201 for a fresh grant and 200 for an idempotent
// replay. Denials map to 409, 422 or 503 by reason.
func (s *Server) CreateReservation(c *gin.Context) {
	var req createReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("unit_id", req.UnitID.String())

	res, err := s.reservations.TryReserve(c.Request.Context(), reservationdomain.ReserveRequest{
		UnitID:         req.UnitID,
		RequesterID:    strings.TrimSpace(req.RequesterID),
		Quantity:       req.Quantity,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !res.Granted() {
		AbortWithError(c, &reservationdomain.DeniedError{Reason: res.Reason})
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": res})
}

func (s *Server) GetReservation(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resv, err := s.reservations.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resv})
}

func (s *Server) ConfirmReservation(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	res, err := s.reservations.Confirm(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

// ReleaseReservation releases a granted hold. Releasing a confirmed or already
// released reservation is a no-op answered with the observed status.
func (s *Server) ReleaseReservation(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req releaseReservationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	cause := strings.TrimSpace(req.Cause)
	switch cause {
	case "":
		cause = reservationdomain.CauseManual
	case reservationdomain.CauseManual, reservationdomain.CauseOrderFailed:
	default:
		AbortWithError(c, newValidationError("cause", "invalid_cause", "cause must be manual or order_failed"))
		return
	}

	res, err := s.reservations.Release(c.Request.Context(), id, cause)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

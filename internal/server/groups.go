package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	groupdomain "github.com/smallbiznis/promosale/internal/groupbuy/domain"
	reservationdomain "github.com/smallbiznis/promosale/internal/reservation/domain"
)

type createGroupRequest struct {
	ActivityID     snowflake.ID `json:"activity_id"`
	UnitID         snowflake.ID `json:"unit_id"`
	LeaderID       string       `json:"leader_id"`
	Quantity       int64        `json:"quantity"`
	IdempotencyKey string       `json:"idempotency_key"`
}

type joinGroupRequest struct {
	MemberID       string `json:"member_id"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) CreateGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.ActivityID <= 0 {
		AbortWithError(c, newValidationError("activity_id", "required", "activity_id is required"))
		return
	}

	res, err := s.groups.CreateGroup(c.Request.Context(), groupdomain.CreateGroupRequest{
		ActivityID:     req.ActivityID,
		UnitID:         req.UnitID,
		LeaderID:       strings.TrimSpace(req.LeaderID),
		Quantity:       req.Quantity,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": res})
}

func (s *Server) JoinGroup(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))
	if code == "" {
		AbortWithError(c, groupdomain.ErrInvalidCode)
		return
	}

	var req joinGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.groups.JoinGroup(c.Request.Context(), groupdomain.JoinGroupRequest{
		Code:           code,
		MemberID:       strings.TrimSpace(req.MemberID),
		Quantity:       req.Quantity,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

type withdrawGroupRequest struct {
	MemberID string `json:"member_id"`
}

// WithdrawGroup drops a member from a forming group. A withdrawing leader
// fails the group for everyone.
func (s *Server) WithdrawGroup(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))
	if code == "" {
		AbortWithError(c, groupdomain.ErrInvalidCode)
		return
	}

	var req withdrawGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	memberID := strings.TrimSpace(req.MemberID)
	if memberID == "" {
		AbortWithError(c, groupdomain.ErrInvalidMember)
		return
	}

	if err := s.groups.Withdraw(c.Request.Context(), code, memberID, reservationdomain.CauseManual); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"code": code, "member_id": memberID, "withdrawn": true}})
}

func (s *Server) GetGroup(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))
	if code == "" {
		AbortWithError(c, groupdomain.ErrInvalidCode)
		return
	}

	group, err := s.groups.GetGroup(c.Request.Context(), code)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": group})
}

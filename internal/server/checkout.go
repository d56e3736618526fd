package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/promosale/internal/checkout"
)

func (s *Server) Checkout(c *gin.Context) {
	if s.checkout == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	var req checkout.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("unit_id", req.UnitID.String())

	res, err := s.checkout.Checkout(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": res})
}

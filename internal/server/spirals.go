package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	loyaltydomain "github.com/smallbiznis/spiral/internal/loyalty/domain"
)

func (s *Server) GetSpiralBalance(c *gin.Context) {
	userID, err := parseUserIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.loyaltySvc.Balance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "balance": balance})
}

func (s *Server) ListSpiralTransactions(c *gin.Context) {
	userID, err := parseUserIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil || (limit != nil && *limit <= 0) {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	req := loyaltydomain.ListTransactionsRequest{UserID: userID}
	if limit != nil {
		req.Limit = *limit
	}

	transactions, err := s.loyaltySvc.ListTransactions(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "transactions": transactions})
}

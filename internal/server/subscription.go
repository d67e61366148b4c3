package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	orderdomain "github.com/smallbiznis/spiral/internal/order/domain"
	subscriptiondomain "github.com/smallbiznis/spiral/internal/subscription/domain"
)

func (s *Server) ListUserSubscriptions(c *gin.Context) {
	userID, err := parseUserIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.subscriptionSvc.List(c.Request.Context(), subscriptiondomain.ListSubscriptionRequest{
		UserID: userID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "subscriptions": resp.Subscriptions})
}

func (s *Server) CreateSubscription(c *gin.Context) {
	var req subscriptiondomain.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	for i := range req.Items {
		req.Items[i].ProductID = strings.TrimSpace(req.Items[i].ProductID)
		req.Items[i].ProductName = strings.TrimSpace(req.Items[i].ProductName)
		req.Items[i].StoreName = strings.TrimSpace(req.Items[i].StoreName)
	}
	if err := validateRequest(req); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.subscriptionSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "subscription": resp})
}

func (s *Server) GetSubscriptionByID(c *gin.Context) {
	id, err := parseSubscriptionIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	item, err := s.subscriptionSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "subscription": item})
}

func (s *Server) UpdateSubscription(c *gin.Context) {
	id, err := parseSubscriptionIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req subscriptiondomain.UpdateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := validateRequest(req); err != nil {
		AbortWithError(c, err)
		return
	}
	req.ID = id

	resp, err := s.subscriptionSvc.Update(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"subscription": resp,
		"message":      "Subscription updated successfully",
	})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	id, err := parseSubscriptionIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.subscriptionSvc.Cancel(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"message":      "Subscription cancelled successfully",
		"subscription": resp,
	})
}

// ProcessSubscription materializes the current cycle of one subscription.
// Repeating the call for a cycle that already has an order returns that order.
func (s *Server) ProcessSubscription(c *gin.Context) {
	id, err := parseSubscriptionIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.orderSvc.Materialize(c.Request.Context(), orderdomain.MaterializeRequest{
		SubscriptionID: id,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	message := "Subscription order processed successfully"
	if result.Duplicate {
		message = "Subscription order already processed for this cycle"
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"order":         result.Order,
		"items":         result.Items,
		"spiralsEarned": result.SpiralsEarned,
		"nextDelivery":  result.NextDelivery,
		"duplicate":     result.Duplicate,
		"message":       message,
	})
}

func (s *Server) ListPopularTemplates(c *gin.Context) {
	catalog := s.catalog.Get()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"templates": catalog.Templates,
		"benefits":  catalog.Benefits,
	})
}

func parseSubscriptionIDParam(c *gin.Context) (string, error) {
	id := strings.TrimSpace(c.Param("id"))
	if parsed, err := snowflake.ParseString(id); err != nil || parsed <= 0 {
		return "", newValidationError("id", "invalid_id", "invalid id")
	}
	return id, nil
}

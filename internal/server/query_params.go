package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func parseUserIDParam(c *gin.Context) (int64, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(c.Param("userId")), 10, 64)
	if err != nil || parsed <= 0 {
		return 0, newValidationError("userId", "invalid_user", "invalid user id")
	}
	return parsed, nil
}

func parseOptionalInt(value string) (*int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

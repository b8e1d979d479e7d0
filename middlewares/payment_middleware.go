package middlewares

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/table-sessions/utils"
)

// IdempotencyKey copies the Idempotency-Key header into the context so the
// payment handler can fall back to it when the body carries no token.
func IdempotencyKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("Idempotency-Key"); key != "" {
			c.Set("idempotency_key", key)
		}
		c.Next()
	}
}

// LogPaymentRequest logs every payment attempt with its outcome.
func LogPaymentRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		fields := logrus.Fields{
			"session_id": c.Param("id"),
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).String(),
		}
		if key := c.GetString("idempotency_key"); key != "" {
			fields["idempotency_key"] = key
		}
		if staffID := c.GetString("staff_id"); staffID != "" {
			fields["staff_id"] = staffID
		}

		if c.Writer.Status() >= 400 {
			utils.ErrorLogger.WithFields(fields).Warn("payment request rejected")
			return
		}
		utils.InfoLogger.WithFields(fields).Info("payment request")
	}
}

package middlewares

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/table-sessions/utils"
)

// StaffCredential accepts a staff bearer token or a raw PIN in X-Staff-PIN.
// Websocket clients may pass the token as ?token=. The credential is only
// carried here; the session manager resolves it on every operation.
func StaffCredential() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			if !strings.HasPrefix(authHeader, "Bearer ") {
				utils.RespondError(c, http.StatusUnauthorized, errors.New("authorization header must be a bearer token"))
				c.Abort()
				return
			}
			token = strings.TrimPrefix(authHeader, "Bearer ")
		} else if q := c.Query("token"); q != "" {
			token = q
		}

		if token != "" {
			claims, err := utils.ParseStaffToken(token)
			if err != nil {
				utils.RespondError(c, http.StatusUnauthorized, err)
				c.Abort()
				return
			}
			c.Set("staff_id", claims.StaffID)
			c.Set("role", claims.Role)
			c.Next()
			return
		}

		if pin := c.GetHeader("X-Staff-PIN"); pin != "" {
			c.Set("staff_pin", pin)
			c.Next()
			return
		}

		utils.InfoLogger.WithFields(logrus.Fields{
			"path": c.Request.URL.Path,
			"ip":   c.ClientIP(),
		}).Debug("request without staff credential")
		utils.RespondError(c, http.StatusUnauthorized, errors.New("staff token or pin required"))
		c.Abort()
	}
}

package middlewares

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/table-sessions/models"
	"github.com/yeremiapane/table-sessions/services"
	"github.com/yeremiapane/table-sessions/utils"
)

// Authenticator resolves a presented credential to an active staff member.
type Authenticator interface {
	Authenticate(ctx context.Context, cred services.Credential) (models.StaffIdentity, error)
}

// RequireElevated lets only managers and admins through. The role is taken
// from the directory, not from the token, so a demoted manager loses access
// immediately.
func RequireElevated(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := services.Credential{
			StaffID: c.GetString("staff_id"),
			PIN:     c.GetString("staff_pin"),
		}
		staff, err := auth.Authenticate(c.Request.Context(), cred)
		if err != nil {
			code := http.StatusUnauthorized
			if services.KindOf(err) == services.KindUpstream {
				code = http.StatusGatewayTimeout
			}
			utils.RespondError(c, code, err)
			c.Abort()
			return
		}
		if !staff.IsElevated() {
			utils.RespondError(c, http.StatusForbidden, errors.New("manager access required"))
			c.Abort()
			return
		}
		c.Set("role", staff.Role)
		c.Next()
	}
}

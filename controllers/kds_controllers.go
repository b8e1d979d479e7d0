package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/table-sessions/kds"
	"github.com/yeremiapane/table-sessions/middlewares"
	"github.com/yeremiapane/table-sessions/utils"
)

type FloorController struct {
	Hub      *kds.Hub
	Auth     middlewares.Authenticator
	upgrader websocket.Upgrader
}

// NewFloorController accepts websocket upgrades from allowedOrigin, or from
// any origin when it is empty.
func NewFloorController(hub *kds.Hub, auth middlewares.Authenticator, allowedOrigin string) *FloorController {
	return &FloorController{
		Hub:  hub,
		Auth: auth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return allowedOrigin == "" || r.Header.Get("Origin") == "" || r.Header.Get("Origin") == allowedOrigin
			},
		},
	}
}

// FloorFeed -> websocket stream of session events
func (fc *FloorController) FloorFeed(c *gin.Context) {
	staff, err := fc.Auth.Authenticate(c.Request.Context(), credentialFrom(c))
	if err != nil {
		respondOperationError(c, err)
		return
	}

	ws, err := fc.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.ErrorLogger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	client := fc.Hub.Register(ws, staff.Role)
	utils.InfoLogger.WithFields(logrus.Fields{
		"staff_id": staff.ID,
		"role":     staff.Role,
	}).Info("floor terminal connected")

	ws.SetReadDeadline(time.Now().Add(kds.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(kds.PongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
		ws.SetReadDeadline(time.Now().Add(kds.PongWait))
	}

	fc.Hub.Unregister(client)
}

package router

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/table-sessions/controllers"
	"github.com/yeremiapane/table-sessions/kds"
	"github.com/yeremiapane/table-sessions/middlewares"
	"github.com/yeremiapane/table-sessions/models"
	"github.com/yeremiapane/table-sessions/services"
)

// Options carries what the route table needs beyond the session manager.
type Options struct {
	Directory     services.StaffDirectory
	Hub           *kds.Hub
	SnapshotTTL   time.Duration
	AllowedOrigin string

	PinAttemptInterval time.Duration
	PinAttemptBurst    int
	RequestsPerMinute  int
}

func SetupRouter(manager *services.SessionManager, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	if opts.PinAttemptInterval <= 0 {
		opts.PinAttemptInterval = time.Minute
	}
	if opts.PinAttemptBurst <= 0 {
		opts.PinAttemptBurst = 5
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 600
	}

	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.CORSMiddlewares(opts.AllowedOrigin))
	r.Use(middlewares.LoggerMiddleware())
	r.Use(middlewares.NewRateLimiter(opts.RequestsPerMinute, time.Minute).RateLimit())

	pinLimiter := middlewares.NewPinAttemptLimiter(opts.PinAttemptInterval, opts.PinAttemptBurst)
	board := services.NewSnapshotCache[[]models.TableSession](opts.SnapshotTTL, controllers.FloorBoardLoader(manager))

	authCtrl := controllers.NewAuthController(opts.Directory, 0)
	sessionCtrl := controllers.NewSessionController(manager, board)
	orderCtrl := controllers.NewOrderController(manager)
	paymentCtrl := controllers.NewPaymentController(manager)
	floorCtrl := controllers.NewFloorController(opts.Hub, manager, opts.AllowedOrigin)

	// ----------------------------------------------------------------
	//                      PUBLIC ROUTES
	// ----------------------------------------------------------------
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})
	r.POST("/auth/pin", pinLimiter.Middleware(), authCtrl.ExchangePin)

	// ----------------------------------------------------------------
	//                      STAFF ROUTES
	// ----------------------------------------------------------------
	staff := r.Group("/")
	staff.Use(pinLimiter.Middleware())
	staff.Use(middlewares.StaffCredential())

	staff.GET("/ws/floor", floorCtrl.FloorFeed)

	// SESSIONS
	staff.POST("/sessions", sessionCtrl.OpenSession)
	staff.GET("/sessions", sessionCtrl.ListSessions)
	staff.GET("/sessions/:id", sessionCtrl.GetSession)
	staff.POST("/sessions/:id/complete", sessionCtrl.CompleteSession)
	staff.POST("/sessions/:id/cancel", sessionCtrl.CancelSession)
	staff.GET("/sessions/:id/reconcile", sessionCtrl.Reconcile)
	staff.GET("/sessions/:id/audit", middlewares.RequireElevated(manager), sessionCtrl.AuditTrail)

	// ORDERS
	staff.POST("/sessions/:id/orders", orderCtrl.AttachOrder)
	staff.PATCH("/orders/:id", orderCtrl.AdvanceOrder)

	// PAYMENTS
	payments := staff.Group("/sessions/:id/payments")
	payments.Use(middlewares.IdempotencyKey(), middlewares.LogPaymentRequest())
	{
		payments.POST("", paymentCtrl.ApplyPayment)
	}

	return r
}

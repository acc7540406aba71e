// Package handlers is the HTTP and websocket surface of the server.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/duocall/duocall/internal/call"
	"github.com/duocall/duocall/internal/config"
	"github.com/duocall/duocall/internal/database"
	"github.com/duocall/duocall/internal/guest"
	"github.com/duocall/duocall/internal/hub"
	"github.com/duocall/duocall/internal/presence"
	"github.com/duocall/duocall/internal/push"
	"github.com/duocall/duocall/internal/relay"
	"github.com/duocall/duocall/internal/turn"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

type Handlers struct {
	db       *gorm.DB
	cfg      *config.Config
	hub      *hub.Hub
	tracker  *presence.Tracker
	calls    *call.Registry
	relay    *relay.Relay
	guests   *guest.Manager
	push     *push.Service
	turn     *turn.Server
	store    *database.CallStore
	log      *slog.Logger
	upgrader websocket.Upgrader
	nowFn    func() time.Time
}

type Deps struct {
	DB      *gorm.DB
	Config  *config.Config
	Hub     *hub.Hub
	Tracker *presence.Tracker
	Calls   *call.Registry
	Relay   *relay.Relay
	Guests  *guest.Manager
	Push    *push.Service
	Turn    *turn.Server
	Store   *database.CallStore
	Logger  *slog.Logger
}

func New(d Deps) *Handlers {
	return &Handlers{
		db:      d.DB,
		cfg:     d.Config,
		hub:     d.Hub,
		tracker: d.Tracker,
		calls:   d.Calls,
		relay:   d.Relay,
		guests:  d.Guests,
		push:    d.Push,
		turn:    d.Turn,
		store:   d.Store,
		log:     d.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		nowFn: time.Now,
	}
}

// RegisterRoutes wires the public API onto the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Healthz)

	api := router.Group("/api")
	{
		api.POST("/register", h.Register)
		api.POST("/login", h.Login)
		api.GET("/turn-config", h.GetTURNConfig)
		api.GET("/ws", h.HandleWebSocket)

		api.POST("/guest/rooms", h.CreateGuestRoom)
		api.POST("/guest/rooms/:room_id/join", h.JoinGuestRoom)
		api.GET("/guest/validate", h.ValidateGuestToken)

		authed := api.Group("", h.AuthMiddleware())
		{
			authed.GET("/me", h.GetMe)
			authed.GET("/users", h.ListUsers)
			authed.GET("/calls", h.CallHistory)
			authed.GET("/push/vapid-key", h.GetVAPIDPublicKey)
			authed.POST("/push/subscribe", h.SubscribePush)
			authed.POST("/push/unsubscribe", h.UnsubscribePush)
		}
	}
}

// Healthz is the liveness probe clients poll to detect whether the server
// is reachable at all.
func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

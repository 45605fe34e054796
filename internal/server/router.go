package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flintttan/hapi-sub000/internal/auth"
	"github.com/flintttan/hapi-sub000/internal/broadcast"
	"github.com/flintttan/hapi-sub000/internal/cache"
	"github.com/flintttan/hapi-sub000/internal/config"
	"github.com/flintttan/hapi-sub000/internal/handler"
	"github.com/flintttan/hapi-sub000/internal/middleware"
	"github.com/flintttan/hapi-sub000/internal/outbox"
	"github.com/flintttan/hapi-sub000/internal/store"
)

type Deps struct {
	Store       *store.Store
	Cache       *cache.Cache
	Broadcaster *broadcast.Broadcaster
	Resolver    *auth.Resolver
	TokenConfig auth.TokenConfig
	Config      config.Config
	Log         *zap.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	loginLimiter := middleware.NewRateLimiter(10, time.Minute)
	accountHandler := &handler.AccountHandler{
		Store:        deps.Store,
		Cache:        deps.Cache,
		TokenConfig:  deps.TokenConfig,
		LoginLimiter: loginLimiter,
		Log:          deps.Log,
	}

	r.POST("/v1/auth/register", accountHandler.Register)
	r.POST("/v1/auth/login", accountHandler.Login)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.Resolver))

	protected.GET("/account/profile", accountHandler.Profile)
	protected.DELETE("/account", accountHandler.Delete)

	tokenHandler := &handler.TokenHandler{Store: deps.Store, Log: deps.Log}
	protected.POST("/tokens", tokenHandler.Create)
	protected.GET("/tokens", tokenHandler.List)
	protected.DELETE("/tokens/:id", tokenHandler.Revoke)

	sessionHandler := &handler.SessionHandler{
		Store:       deps.Store,
		Cache:       deps.Cache,
		Broadcaster: deps.Broadcaster,
		Log:         deps.Log,
	}
	protected.GET("/sessions", sessionHandler.List)
	protected.POST("/sessions", sessionHandler.GetOrCreate)
	protected.GET("/sessions/:id", sessionHandler.Get)
	protected.DELETE("/sessions/:id", sessionHandler.Delete)
	protected.POST("/sessions/:id/metadata", sessionHandler.UpdateMetadata)
	protected.POST("/sessions/:id/agent-state", sessionHandler.UpdateAgentState)
	protected.POST("/sessions/:id/todos", sessionHandler.UpdateTodos)
	protected.POST("/sessions/:id/active", sessionHandler.SetActive)
	protected.GET("/sessions/:id/messages", sessionHandler.Messages)
	protected.POST("/sessions/:id/messages", sessionHandler.CreateMessage)

	machineHandler := &handler.MachineHandler{
		Store:       deps.Store,
		Cache:       deps.Cache,
		Broadcaster: deps.Broadcaster,
		Log:         deps.Log,
	}
	protected.GET("/machines", machineHandler.List)
	protected.POST("/machines", machineHandler.Upsert)
	protected.GET("/machines/:id", machineHandler.Get)
	protected.POST("/machines/:id/metadata", machineHandler.UpdateMetadata)
	protected.POST("/machines/:id/daemon-state", machineHandler.UpdateDaemonState)
	protected.POST("/machines/:id/active", machineHandler.SetActive)

	limits := outbox.Limits{
		MaxTotalBytes: deps.Config.OutboxMaxBytes,
		MaxItems:      deps.Config.OutboxMaxItems,
		MaxItemBytes:  deps.Config.OutboxMaxItemBytes,
		MaxItemAge:    deps.Config.OutboxMaxItemAge,
	}
	eventsHandler := &handler.EventsHandler{
		Broadcaster:     deps.Broadcaster,
		Limits:          limits,
		DropLogInterval: deps.Config.OutboxDropLogInterval,
		Log:             deps.Log,
	}
	protected.GET("/events", eventsHandler.Serve)

	wsHandler := &handler.WebSocketHandler{
		Broadcaster:     deps.Broadcaster,
		Limits:          limits,
		DropLogInterval: deps.Config.OutboxDropLogInterval,
		Log:             deps.Log,
	}
	protected.GET("/events/ws", wsHandler.Serve)

	return r
}

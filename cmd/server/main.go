package main

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flintttan/hapi-sub000/internal/auth"
	"github.com/flintttan/hapi-sub000/internal/broadcast"
	"github.com/flintttan/hapi-sub000/internal/cache"
	"github.com/flintttan/hapi-sub000/internal/config"
	"github.com/flintttan/hapi-sub000/internal/server"
	"github.com/flintttan/hapi-sub000/internal/store"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	gin.SetMode(cfg.GinMode)

	st, err := store.Open(store.Options{
		Path:     cfg.DBPath,
		TokenKey: []byte(cfg.MasterSecret),
		Logger:   log,
	})
	if err != nil {
		log.Fatal("store open failed", zap.Error(err))
	}
	defer st.Close()

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "agent-hub",
	}

	resolver := auth.NewResolver(st, tokenCfg, cfg.LegacySharedToken, store.DefaultCliUsername)
	bc := broadcast.New(cfg.HeartbeatInterval, log)
	defer bc.Close()

	router := server.NewRouter(server.Deps{
		Store:       st,
		Cache:       cache.New(),
		Broadcaster: bc,
		Resolver:    resolver,
		TokenConfig: tokenCfg,
		Config:      cfg,
		Log:         log,
	})

	log.Info("listening", zap.String("addr", fmt.Sprintf(":%d", cfg.Port)))
	if err := server.Run(cfg, router); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

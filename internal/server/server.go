package server

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"tigrinho/internal/cache"
	"tigrinho/internal/database"
	"tigrinho/internal/game"
	"tigrinho/internal/wallet"
)

type FiberServer struct {
	*fiber.App

	db     database.Service
	cache  cache.Service
	wallet *wallet.Store
	engine *game.Engine
	hub    *game.Hub
	driver *game.Driver
}

func New() *FiberServer {
	db := database.New()

	// Redis is optional: without it the engine serves every poll from
	// Postgres instead of the snapshot cache.
	cacheService := cache.New()
	var redisClient *redis.Client
	if cacheService != nil {
		redisClient = cacheService.GetClient()
	}

	walletStore := wallet.New(db.Pool())
	store := game.NewPGStore(db.Pool(), walletStore)

	hub := game.NewHub()
	engine := game.NewEngine(store, hub, redisClient)
	driver := game.NewDriver(engine)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "tigrinho",
			AppName:       "tigrinho",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		db:     db,
		cache:  cacheService,
		wallet: walletStore,
		engine: engine,
		hub:    hub,
		driver: driver,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	go hub.Run()
	driver.Start()

	log.Println("[SERVER] Crash engine started")

	return server
}

// Shutdown gracefully stops the round driver and closes connections.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] Shutting down...")

	if s.driver != nil {
		s.driver.Stop()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	return nil
}

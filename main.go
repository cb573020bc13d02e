package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	ginGzip "github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	cachecontrol "go.eigsys.de/gin-cachecontrol/v2"

	board "pikselo/internal/board"
	broadcast "pikselo/internal/broadcast"
	config "pikselo/internal/config"
	constants "pikselo/internal/constants"
	game "pikselo/internal/game"
	handlers "pikselo/internal/handlers"
	history "pikselo/internal/history"
	ratelimit "pikselo/internal/ratelimit"
	util "pikselo/internal/util"
	ws "pikselo/internal/ws"
)

type server struct {
	cfg          config.Config
	limiterMap   map[string]*rateLimiterEntry
	limiterMutex sync.RWMutex
}

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	util.LogInfo("Starting Pikselo in %s mode", map[bool]string{true: "production", false: "development"}[cfg.IsProduction])
	util.LogInfo("Board %dx%d, cooldown %v", cfg.Width, cfg.Height, cfg.Cooldown)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		util.LogFatal("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	cancelPing()
	util.LogInfo("Connected to Redis at %s", cfg.RedisAddr)

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		util.LogFatal("Failed to create Postgres pool: %v", err)
	}
	defer pool.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := history.Migrate(migrateCtx, pool); err != nil {
		util.LogFatal("Failed to run migrations: %v", err)
	}
	cancelMigrate()
	util.LogInfo("Connected to Postgres, schema is current")

	store := board.NewRedisStore(rdb, cfg.StoreTimeout, cfg.ScanBatch)
	gate := ratelimit.NewRedisGate(rdb, cfg.StoreTimeout)
	pgStore := history.NewPostgresStore(pool, cfg.StoreTimeout)
	publisher := broadcast.NewRedisPublisher(rdb, cfg.StoreTimeout)

	pipeline := game.New(store, gate, pgStore, pgStore, publisher, cfg.Width, cfg.Height, cfg.Cooldown)

	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	hub := ws.NewHub()
	go hub.Run(hubCtx)
	go ws.Bridge(hubCtx, rdb, hub)

	app := &handlers.App{
		Pipeline:  pipeline,
		Hub:       hub,
		Config:    cfg,
		StartTime: time.Now(),
	}

	srv := &server{
		cfg:        cfg,
		limiterMap: make(map[string]*rateLimiterEntry),
	}

	if cfg.IsProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	router.Use(requestIDMiddleware())
	router.Use(securityHeadersMiddleware())
	router.Use(ginGzip.Gzip(ginGzip.DefaultCompression,
		ginGzip.WithExcludedPaths([]string{constants.RouteWS})))

	if err := router.SetTrustedProxies([]string{"127.0.0.1"}); err != nil {
		util.LogWarn("Failed to set trusted proxies: %v", err)
	}

	router.Use(srv.applyCacheHeaders(cfg))

	if util.DirExists("static") {
		router.Static("/static", "./static")
	}

	router.GET(constants.RoutePixels, app.AllPixels)
	router.GET(constants.RoutePixelAt, app.PixelAt)
	router.POST(constants.RoutePixels, srv.rateLimitMiddleware(), app.ActorAuthMiddleware(), app.ChangePixel)
	router.GET(constants.RouteHistoryAfter, app.HistoryAfter)
	router.GET(constants.RouteHistoryNext, app.HistoryNext)
	router.GET(constants.RouteActor, app.ActorProfile)
	router.GET(constants.RouteActorHistory, app.ActorHistory)
	router.GET(constants.RouteInfo, app.Info)
	router.GET(constants.RouteHealthz, app.Healthz)
	router.GET(constants.RouteWS, app.ServeWS)

	srv.startLimiterCleanup()

	srv.startServer(router, cancelHub)
}

func (s *server) applyCacheHeaders(cfg config.Config) gin.HandlerFunc {
	staticCache := cachecontrol.New(cachecontrol.Config{
		Public: true,
		MaxAge: cachecontrol.Duration(cfg.StaticCacheAge),
	})
	noStore := cachecontrol.New(cachecontrol.Config{
		NoStore:        true,
		NoCache:        true,
		MustRevalidate: true,
	})
	return func(c *gin.Context) {
		if cfg.IsProduction && strings.HasPrefix(c.Request.URL.Path, "/static/") {
			staticCache(c)
			c.Header("Vary", "Accept-Encoding")
			return
		}
		noStore(c)
	}
}

func (s *server) startServer(router *gin.Engine, cancelHub context.CancelFunc) {
	httpSrv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
		<-sigint
		util.LogInfo("Shutdown signal received, shutting down server gracefully...")
		cancelHub()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			util.LogWarn("HTTP server Shutdown: %v", err)
		}
		close(idleConnsClosed)
	}()

	util.LogInfo("Server starting on http://localhost:%s", s.cfg.Port)
	if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		util.LogFatal("Server failed to start: %v", err)
	}
	<-idleConnsClosed
	util.LogInfo("Server shutdown complete")
}

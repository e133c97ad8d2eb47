package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"anoa.com/residencenotify/internal/auth"
	"anoa.com/residencenotify/internal/config"
	"anoa.com/residencenotify/internal/middleware"
	notifHttp "anoa.com/residencenotify/internal/modules/notification/delivery/http"
	notifWs "anoa.com/residencenotify/internal/modules/notification/delivery/ws"
	notifRepo "anoa.com/residencenotify/internal/modules/notification/repository"
	notifService "anoa.com/residencenotify/internal/modules/notification/service"
	"anoa.com/residencenotify/internal/realtime"
	"anoa.com/residencenotify/pkg/logger"
	"anoa.com/residencenotify/pkg/metrics"
	"anoa.com/residencenotify/pkg/worker"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Server struct {
	cfg         *config.Config
	engine      *gin.Engine
	db          *gorm.DB
	redisClient *redis.Client

	hub        *realtime.Hub
	relay      *realtime.RedisRelay
	pool       *worker.Pool
	scheduler  *notifService.Scheduler
	dispatcher *notifService.Dispatcher
}

// NewServer wires the notification subsystem. redisClient may be nil when
// the local relay is configured.
func NewServer(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	verifier := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	registry := realtime.NewRegistry(cfg.RegistryShards)
	hub := realtime.NewHub(registry)

	var (
		pusher realtime.Pusher = hub
		relay  *realtime.RedisRelay
	)
	if cfg.RealtimeRelay == config.RelayRedis {
		if redisClient == nil {
			return nil, errors.New("redis relay configured without a redis client")
		}
		relay = realtime.NewRedisRelay(redisClient, hub)
		pusher = relay
	}

	pool, err := worker.NewPool("notification-fanout", cfg.WorkerPoolSize)
	if err != nil {
		return nil, err
	}

	notificationRepository := notifRepo.NewNotificationRepository(db)
	dispatcher := notifService.NewDispatcher(notificationRepository, pusher, pool)
	querySvc := notifService.NewQueryService(notificationRepository)

	scheduler, err := notifService.NewScheduler(notificationRepository, dispatcher, cfg.SchedulerSpec)
	if err != nil {
		pool.Shutdown(time.Second)
		return nil, err
	}

	notificationHandler := notifHttp.NewNotificationHandler(dispatcher, querySvc, registry)
	wsHandler := notifWs.NewHandler(verifier, hub, querySvc, notifWs.Options{
		SendBuffer:     cfg.WSSendBuffer,
		ReadLimit:      cfg.WSReadLimit,
		PingInterval:   cfg.WSPingInterval,
		PongWait:       cfg.WSPongWait,
		WriteTimeout:   cfg.WSWriteTimeout,
		MessageRate:    cfg.WSMessageRate,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	setupCORS(router, cfg.AllowedOrigins)

	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger("/health", "/metrics"))

	s := &Server{
		cfg:         cfg,
		engine:      router,
		db:          db,
		redisClient: redisClient,
		hub:         hub,
		relay:       relay,
		pool:        pool,
		scheduler:   scheduler,
		dispatcher:  dispatcher,
	}

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	authMiddleware := middleware.NewAuthMiddleware(verifier)

	api := router.Group("/api")

	// The websocket route verifies its own token so a rejected handshake is never upgraded.
	api.GET("/notifications/ws", wsHandler.Serve)

	protected := api.Group("")
	protected.Use(authMiddleware.RequireAuth())
	{
		protected.GET("/notifications", notificationHandler.GetNotifications)
		protected.GET("/notifications/unread-count", notificationHandler.UnreadCount)
		protected.PUT("/notifications/read-all", notificationHandler.MarkAllAsRead)
		protected.PUT("/notifications/:id/read", notificationHandler.MarkAsRead)
		protected.DELETE("/notifications/:id", notificationHandler.DeleteNotification)

		protected.POST("/notifications",
			authMiddleware.RequireRole(auth.RoleAdmin, auth.RoleSystem),
			notificationHandler.SendNotification)
		protected.GET("/notifications/online",
			authMiddleware.RequireRole(auth.RoleAdmin),
			notificationHandler.OnlineStatus)
	}

	return s, nil
}

// Dispatcher is the in-process entry point for other backend modules.
func (s *Server) Dispatcher() *notifService.Dispatcher {
	return s.dispatcher
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	if s.relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.relay.Run(relayCtx)
		}()
	}
	s.scheduler.Start()

	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr), zap.String("relay", s.cfg.RealtimeRelay))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	logger.Info("shutting down", zap.Duration("timeout", s.cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; close them explicitly.
	s.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	s.scheduler.Stop()
	stopRelay()
	wg.Wait()
	s.pool.Shutdown(s.cfg.ShutdownTimeout)

	return serveErr
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}

	if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		status = http.StatusServiceUnavailable
		checks["database"] = "down"
	} else {
		checks["database"] = "up"
	}

	if s.redisClient != nil {
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			status = http.StatusServiceUnavailable
			checks["redis"] = "down"
		} else {
			checks["redis"] = "up"
		}
	}

	checks["fanout_pool"] = s.pool.Metrics()
	checks["connections"] = s.hub.Registry().ConnectionCount()
	checks["online_users"] = s.hub.Registry().OnlineUserCount()
	c.JSON(status, checks)
}

func setupCORS(router *gin.Engine, origins []string) {
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}

	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
}

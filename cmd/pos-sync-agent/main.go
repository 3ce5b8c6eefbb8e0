package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/pos_sync/catalogsync"
	"github.com/mmdatafocus/pos_sync/config"
	"github.com/mmdatafocus/pos_sync/engine"
	"github.com/mmdatafocus/pos_sync/feed"
	"github.com/mmdatafocus/pos_sync/middlewares"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/queue"
	"github.com/mmdatafocus/pos_sync/reachability"
	"github.com/mmdatafocus/pos_sync/remote"
	"github.com/mmdatafocus/pos_sync/session"
	"github.com/mmdatafocus/pos_sync/syncer"
	"github.com/mmdatafocus/pos_sync/utils"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// gate answers /healthz at once and everything else with 503 until the router
// is installed.
type gate struct {
	router atomic.Pointer[gin.Engine]
}

func (g *gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	router := g.router.Load()
	if router == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	router.ServeHTTP(w, r)
}

func main() {
	port := os.Getenv("SYNC_AGENT_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings := config.LoadSyncSettings()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	g := &gate{}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: g,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	memoryMode := strings.EqualFold(strings.TrimSpace(os.Getenv("LOCAL_STORE")), "memory")
	locals := engine.MemoryLocals()
	var queueStore queue.Store = queue.NewMemoryStore()
	if !memoryMode {
		config.ConnectDatabaseWithRetry()
		db := config.GetDB()
		sqlDB, _ := db.DB()
		defer func() {
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		}()
		if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
			if err := models.MigrateTable(db); err != nil {
				logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err)
			}
		} else {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		}
		locals = engine.GormLocals(db)
		queueStore = queue.NewGormStore(db)
	} else {
		logger.WithFields(logrus.Fields{"field": "main"}).Warn("LOCAL_STORE=memory; replica and queue are lost on exit")
	}

	if err := config.ConnectRemote(sigCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "main"}).Fatal(err)
	}
	pool := config.GetRemotePool()
	defer pool.Close()

	if err := config.ConnectRedisWithRetry(sigCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "redis"}).WithError(err).Warn("running without redis")
	}

	changes := changeFeed(sigCtx, settings, logger)

	holder := session.NewHolder()
	if token := strings.TrimSpace(os.Getenv("SYNC_SESSION_TOKEN")); token != "" {
		if _, err := holder.BindToken(token); err != nil {
			logger.WithFields(logrus.Fields{"field": "session"}).WithError(err).Warn("ignoring invalid SYNC_SESSION_TOKEN")
		}
	}

	var probe reachability.Probe = reachability.ProbeFunc(pool.Ping)
	if settings.ReachabilityProbe != "" {
		probe = reachability.ProbeFor(settings.ReachabilityProbe)
	}

	eng, err := engine.New(engine.Deps{
		Settings: settings,
		Session:  holder,
		Locals:   locals,
		Remote: func(table string) syncer.RemoteTable {
			return remote.NewTable(pool, table)
		},
		QueueStore: queueStore,
		Feed:       changes,
		Publisher:  changes,
		Probe:      probe,
		Logger:     logger,
	})
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "main"}).Fatal(err)
	}

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(cors.New(corsConfig()))
	r.Use(middlewares.AuthMiddleware())
	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api")
	eng.RegisterRoutes(api)

	if config.CatalogSyncEnabled() {
		var store catalogsync.Store = catalogsync.NewMemoryStore()
		if !memoryMode {
			store = catalogsync.NewGormStore(config.GetDB())
		}
		inline := &catalogsync.InlineDispatcher{}
		var dispatcher catalogsync.Dispatcher = inline
		if strings.EqualFold(strings.TrimSpace(os.Getenv("CATALOG_SYNC_DISPATCH")), "pubsub") {
			dispatcher = catalogsync.PubSubDispatcher{}
		}
		svc := catalogsync.NewService(store, eng.Customers, eng.InventoryItems, catalogsync.Options{
			Locker:     config.GetRedisLock(),
			Dispatcher: dispatcher,
			Logger:     logger,
		})
		inline.Service = svc
		svc.RegisterRoutes(api.Group("/integrations", middlewares.RequireTenant()))
		// Pub/Sub push endpoint for the catalog worker.
		r.POST("/pubsub/catalog-sync", svc.PushHandler())
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	g.router.Store(r)

	if err := eng.Start(sigCtx); err != nil {
		config.LogError(logger, "main", "main", "starting engine", nil, err)
	}
	logger.WithFields(logrus.Fields{
		"field":  "main",
		"port":   port,
		"feed":   settings.FeedDriver,
		"device": settings.DeviceId,
	}).Info("pos sync agent ready")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
	eng.Stop()
}

// changeFeed builds the configured change notification driver, or nil to poll.
func changeFeed(ctx context.Context, settings config.SyncSettings, logger *logrus.Logger) interface {
	feed.Subscriber
	feed.Publisher
} {
	if !config.PushFeedEnabled() {
		return nil
	}
	log := logger.WithFields(logrus.Fields{"field": "feed", "driver": settings.FeedDriver})
	switch settings.FeedDriver {
	case "redis":
		if config.GetRedisDB() == nil {
			log.Warn("redis not connected; polling")
			return nil
		}
		return feed.NewRedisFeed(config.GetRedisDB(), settings.DeviceId, logger)
	case "gcp", "pubsub":
		client, err := config.GetClient(ctx)
		if err != nil {
			log.WithError(err).Warn("pubsub unavailable; polling")
			return nil
		}
		topic := strings.TrimSpace(os.Getenv("SYNC_CHANGES_TOPIC"))
		if topic == "" {
			topic = "pos-sync-changes"
		}
		return feed.NewPubSubFeed(client, topic, settings.DeviceId, logger)
	case "postgres":
		return feed.NewPostgresFeed(config.GetRemotePool(), settings.DeviceId, logger)
	case "none", "":
		return nil
	default:
		log.Warn("unknown feed driver; polling")
		return nil
	}
}

func corsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
	corsConfig.AllowCredentials = true
	return corsConfig
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}

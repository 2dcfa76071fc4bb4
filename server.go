package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/middlewares"
	"bitbucket.org/mmdatafocus/immersion_backend/models"
	"bitbucket.org/mmdatafocus/immersion_backend/models/reports"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"bitbucket.org/mmdatafocus/immersion_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

const recalcLockTTL = 5 * time.Minute

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// app holds the services behind the HTTP adapter. They are wired after the port is open;
// until then every route except /healthz answers 503.
type app struct {
	logger *logrus.Logger
	ready  atomic.Bool

	logs   *workflow.LogService
	stats  *workflow.StatsService
	recalc *workflow.RecalcService
}

func (a *app) wire(store models.Store, locker workflow.UserLocker, tuning config.StatsTuning) {
	a.logs = workflow.NewLogService(store, locker, tuning, a.logger)
	a.stats = workflow.NewStatsService(store, tuning, reports.RedisReportCache{}, a.logger)
	a.recalc = workflow.NewRecalcService(store, locker, tuning, a.logger)
	a.ready.Store(true)
}

// RateLimiter counts requests per caller in fixed Redis windows. It lets traffic through while Redis is down.
type RateLimiter struct {
	limit  int64
	window time.Duration
}

func NewRateLimiter(limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window}
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	client := config.GetRedisDB()
	if client == nil {
		c.Next()
		return
	}
	key := "ratelimit:" + c.ClientIP()
	if userId, ok := utils.GetUserIdFromContext(c.Request.Context()); ok {
		key = "ratelimit:user:" + strconv.Itoa(userId)
	}

	count, err := client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.Next()
		return
	}
	if count == 1 {
		client.Expire(c.Request.Context(), key, rl.window)
	}
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}

func recalcPubSubHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage
		logger := a.logger

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "recalcPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "recalcPubSubHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.RecalcMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "recalcPubSubHandler", "Unmarshal pubsub message", string(msg.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}
		if m.Job == "" {
			config.LogError(logger, "server.go", "recalcPubSubHandler", "Invalid pubsub message (missing job)", m, errors.New("job required"))
			c.Status(http.StatusNoContent)
			return
		}

		if m.CorrelationId == "" {
			m.CorrelationId = msg.Message.ID
		}
		fields := logrus.Fields{
			"field":          "recalcPubSubHandler",
			"job":            m.Job,
			"request_id":     m.RequestId,
			"message_id":     msg.Message.ID,
			"correlation_id": m.CorrelationId,
		}

		// One instance per job at a time. Per-user locks inside the job keep it correct without this.
		var lock *redislock.Lock
		if redisLock := config.GetRedisLock(); redisLock == nil {
			logger.WithFields(fields).Warn("redis lock not ready; proceeding without redis lock")
		} else {
			lock, err = redisLock.Obtain(c.Request.Context(), "lock:recalc:"+m.Job, recalcLockTTL, nil)
			if errors.Is(err, redislock.ErrNotObtained) {
				logger.WithFields(fields).Warn("could not obtain redis lock; proceeding without redis lock")
				lock = nil
			} else if err != nil {
				logger.WithFields(fields).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(context.WithoutCancel(c.Request.Context())); releaseErr != nil {
				logger.WithFields(fields).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		ctx := utils.SetUsernameInContext(c.Request.Context(), "System")
		ctx = utils.SetCorrelationIdInContext(ctx, m.CorrelationId)
		if err := a.recalc.HandleRecalcMessage(ctx, m); err != nil {
			if errors.Is(err, utils.ErrValidation) {
				// Unknown job: retrying cannot help.
				logger.WithFields(fields).Error("pubsub recalc rejected: " + err.Error())
				c.Status(http.StatusNoContent)
				return
			}
			logger.WithFields(fields).Error("pubsub recalc failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func newCorsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
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
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", middlewares.CorrelationIdHeader)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.CorrelationIdHeader)
	if !corsConfig.AllowAllOrigins {
		corsConfig.AllowCredentials = true
	}
	return corsConfig
}

func newRouter(a *app) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.SessionMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !a.ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.Use(cors.New(newCorsConfig()))
	r.Use(middlewares.AuthMiddleware())

	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		r.Use(NewRateLimiter(limit, time.Duration(windowSec)*time.Second).RateLimitMiddleware)
	}

	r.Use(customErrorLogger(a.logger))
	r.Use(gin.Recovery())

	user := r.Group("/", middlewares.RequireUser())
	user.POST("/logs", createLogHandler(a))
	user.PATCH("/logs/:id", editLogHandler(a))
	user.DELETE("/logs/:id", deleteLogHandler(a))
	user.POST("/logs/import", importLogsHandler(a))
	user.GET("/stats", windowedStatsHandler(a))
	user.GET("/stats/export", exportStatsHandler(a))
	user.GET("/me/ledger", ledgerHandler(a))
	user.PUT("/me/timezone", timezoneHandler(a))
	user.DELETE("/me", purgeUserHandler(a))

	ops := r.Group("/internal/ops", middlewares.RequireUser(), middlewares.RequireAdmin())
	ops.POST("/recalc/:job", recalcHandler(a))

	r.POST("/pubsub/recalc", recalcPubSubHandler(a))
	r.NoRoute(customNotFoundHandler)
	return r
}

// openStore picks the persistence backend. The returned func releases it.
func openStore(logger *logrus.Logger) (models.Store, func(), error) {
	if config.StoreDriver() == "memory" {
		logger.WithFields(logrus.Fields{"field": "store"}).Warn("STORE_DRIVER=memory; data is lost on restart")
		return models.NewMemoryStore(), func() {}, nil
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	// AutoMigrate can run DDL that blocks tables; allow running it as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	return models.NewGormStore(db), func() { _ = sqlDB.Close() }, nil
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	tuning, err := config.GetStatsTuning()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "xp_tuning"}).Fatal(err.Error())
	}

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP; until the store is ready app endpoints return 503.
	a := &app{logger: logger}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(a),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Redis only serves locks and caches, and both fall back when it is missing.
	go config.ConnectRedisWithRetry(sigCtx)

	store, closeStore, err := openStore(logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "store"}).Fatal(err.Error())
	}
	defer closeStore()

	a.wire(store, workflow.NewRedisUserLocker(nil, logger), tuning)

	logger.WithFields(logrus.Fields{
		"info":  "Connection Established",
		"store": config.StoreDriver(),
	}).Info("listening on port ", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ReportLedger/internal/app"
	"github.com/jmerrifield20/ReportLedger/internal/config"
	"github.com/jmerrifield20/ReportLedger/internal/health"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/handler"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/service"
	"github.com/jmerrifield20/ReportLedger/internal/metrics"
)

func main() {
	cfgPath := flag.String("config", "", "path to ledgerd.yaml (default: search ./configs and .)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}

	logger, _ := zap.NewProduction()
	if cfg.Log.Development {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Source == "" {
		logger.Warn("no config file found, using defaults and env vars")
	} else {
		logger.Info("config loaded", zap.String("file", cfg.Source))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Ledger ────────────────────────────────────────────────────────────────
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	checker := health.New(a.Service, health.Config{
		CheckInterval: cfg.Health.CheckInterval,
		Concurrency:   cfg.Health.Concurrency,
	}, logger)
	checker.SetMetricsRecord(metrics.RecordChainStatus)
	checker.CheckAll(ctx)

	if a.Tokens == nil {
		logger.Warn("identity disabled: requesters are taken from X-Requester-* headers")
	}

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.PrometheusMiddleware())

	corsOrigins := cfg.Server.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Cache-Control", "no-store")
		c.Next()
	})

	maxBody := cfg.Server.MaxBodyBytes
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		c.Next()
	})

	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		tenants, intact := checker.Snapshot()
		if !intact {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "tenants": tenants})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "tenants": tenants})
	})
	router.GET("/metrics", metrics.Handler())
	if a.Tokens != nil {
		router.GET("/.well-known/ledger-token-key", func(c *gin.Context) {
			pemKey, err := a.Tokens.PublicKeyPEM()
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "public key unavailable"})
				return
			}
			c.Data(http.StatusOK, "application/x-pem-file", []byte(pemKey))
		})
	}

	// Rate limits apply per requester, so they sit behind identity.
	var tenantMW []gin.HandlerFunc
	if cfg.Server.RateLimitRPS > 0 {
		tenantMW = append(tenantMW, handler.RateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))
	}
	v1 := router.Group("/api/v1")
	handler.NewLedgerHandler(a.Service, a.Tokens, logger).Register(v1, tenantMW...)

	// ── Background: retention sweep and chain re-verification ────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Closing bgQuit stops both loops; each receives the zero value.
	bgQuit := make(chan os.Signal)
	sweeper := service.NewSweeper(a.Service, cfg.Retention.SweepInterval, logger)
	go sweeper.Start(bgQuit)
	go checker.Start(bgQuit)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down ledgerd...")
	close(bgQuit)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("ledgerd stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

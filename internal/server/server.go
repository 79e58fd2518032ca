// Package server exposes the query pipeline over HTTP: query, verify and
// feedback endpoints behind JWT auth, plus health and metrics.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/haniae/Team2-CBA-Project-sub005/config"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/embed"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/feedback"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/orchestrator"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/policy"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/rerank"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/store"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/telemetry"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/verify"
)

// Run wires the full pipeline and serves it until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := log.New(log.Writer(), "[SERVER] ", log.LstdFlags)

	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	tele, _, _, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tele.Shutdown(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	st, err := store.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	var sparseIdx *retrieval.SparseIndex
	if cfg.Storage.IndexPath != "" {
		sparseIdx, err = retrieval.OpenSparseIndex(cfg.Storage.IndexPath)
	} else {
		sparseIdx, err = retrieval.NewMemSparseIndex()
	}
	if err != nil {
		return fmt.Errorf("keyword index: %w", err)
	}

	fanout := retrieval.NewFanout(
		retrieval.NewStructuredRetriever(st, nil),
		retrieval.NewDenseRetriever(embed.NewClient(cfg.Embedding), st, nil),
		retrieval.NewSparseRetriever(sparseIdx, nil),
		cfg.Retrieval.SourceTimeout,
		nil,
	)
	table, err := policy.NewTable(cfg.Retrieval)
	if err != nil {
		return fmt.Errorf("policy table: %w", err)
	}
	weights := retrieval.NewWeights(cfg.Retrieval.SourceWeights)
	verifier := verify.New(cfg.Verification, nil)

	var reranker *rerank.Reranker
	if cfg.Rerank.Enabled {
		reranker = rerank.New(rerank.NewHTTPScorer(cfg.Rerank), cfg.Rerank, nil)
	}

	opts := orchestrator.Options{FeedbackStore: st}
	if cfg.Redis.Host != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr(),
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Redis.Addr(), err)
		}
		opts.Publisher = feedback.NewPublisher(rdb, cfg.Redis.FeedbackStream)
		if cfg.Redis.CacheEnabled {
			opts.Cache = orchestrator.NewDecisionCache(rdb, cfg.Redis.CacheTTL, nil)
		}
	}
	orch := orchestrator.New(cfg, table, fanout, reranker, weights, verifier, opts)

	e := newEcho(cfg, orch, tele)

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(cfg.Server.Address); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Printf("listening on %s", cfg.Server.Address)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}

// newEcho assembles routes and middleware around an already-wired pipeline.
func newEcho(cfg *config.Config, pipeline Pipeline, tele *telemetry.Telemetry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	if cfg.Server.RequestTimeout > 0 {
		e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{Timeout: cfg.Server.RequestTimeout}))
	}

	httpLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		httpLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(tele.Registry, promhttp.HandlerOpts{})))

	qh := &QueryHandler{Pipeline: pipeline}
	qh.Register(e.Group("/api/v1"), []byte(cfg.Server.JWTSecret))
	return e
}

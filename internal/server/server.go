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

	appconfig "github.com/mohammad-safakhou/toolbridge/config"
	"github.com/mohammad-safakhou/toolbridge/internal/broker"
	"github.com/mohammad-safakhou/toolbridge/internal/routing"
	"github.com/mohammad-safakhou/toolbridge/internal/store"
)

// New wires the broker HTTP API onto an echo instance.
func New(cfg *appconfig.Config, b *broker.Broker, logger *log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

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
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	if cfg.Telemetry.Enabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	api := e.Group("/api")

	agents := api.Group("/agents")
	if cfg.Server.JWTSecret != "" {
		agents.Use(AgentAuthMiddleware([]byte(cfg.Server.JWTSecret)))
	}
	ah := &AgentsHandler{Broker: b, Logger: logger}
	ah.Register(agents)

	dispatcher := routing.NewDispatcher(b, log.New(log.Writer(), "[ROUTING] ", log.LstdFlags))
	for _, tool := range cfg.Server.Tools {
		dispatcher.RegisterTool(tool.Name, tool.Source)
	}

	th := &TasksHandler{Broker: b, Dispatcher: dispatcher, Logger: logger}
	th.Register(api)

	return e
}

// Run builds the broker with its configured audit sinks, starts the sweep
// loop, and serves the HTTP API until ctx is cancelled.
func Run(ctx context.Context, cfg *appconfig.Config) error {
	logger := log.New(log.Writer(), "[BROKER] ", log.LstdFlags)
	auditLogger := log.New(log.Writer(), "[AUDIT] ", log.LstdFlags)

	var sinks []broker.AuditSink
	if cfg.Storage.Postgres.Enabled() {
		st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
		if err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		defer st.Close()
		sinks = append(sinks, st)
	}
	if cfg.Storage.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		defer client.Close()
		sinks = append(sinks, broker.NewStreamSink(client, cfg.Storage.Redis.Stream, cfg.Storage.Redis.MaxLen))
	}

	var auditor *broker.Auditor
	if len(sinks) > 0 {
		auditor = broker.NewAuditor(auditLogger, 256, sinks...)
		defer auditor.Close()
	}

	b := broker.New(logger,
		broker.WithAuditor(auditor),
		broker.WithDefaultTimeout(cfg.Server.DefaultTaskTimeout),
		broker.WithSweepInterval(cfg.Server.SweepInterval),
		broker.WithTaskRetention(cfg.Server.TaskRetention),
		broker.WithAgentWindows(cfg.Server.AgentStaleAfter, cfg.Server.AgentExpireAfter),
	)
	go b.Start(ctx)

	e := New(cfg, b, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(cfg.Server.Address) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Brownie44l1/action-api/internal/cache"
	"github.com/Brownie44l1/action-api/internal/config"
	"github.com/Brownie44l1/action-api/internal/handlers"
	"github.com/Brownie44l1/action-api/internal/inference"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
	"golang.org/x/time/rate"
)

var defaultCORSConfig = middleware.CORSConfig{
	AllowOrigins: []string{"*"},
	AllowMethods: []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
	},
	AllowHeaders: []string{
		"Accept",
		"Content-Type",
	},
	MaxAge: 86400,
}

func NewEchoServer(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(defaultCORSConfig))
	e.Use(requestLogger(logger))
	e.Use(handlers.BodyLimit(cfg.Server.MaxUploadMB))

	if cfg.Server.RateLimit > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool {
				return !strings.HasSuffix(c.Path(), "/predict")
			},
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.Server.RateLimit),
				Burst:     cfg.Server.RateBurst,
				ExpiresIn: 3 * time.Minute,
			}),
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				return handlers.NewAPIError("rate_limit_exceeded", "Too many requests. Please retry shortly.").
					ToHTTP(http.StatusTooManyRequests)
			},
		}))
	}
	return e
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	logger = logger.With().Str("component", "http").Logger()
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Msg("request")
			return nil
		},
	})
}

func ProvideHandler(engine *inference.Engine, store cache.Store, cfg *config.Config, logger zerolog.Logger) *handlers.Handler {
	return handlers.NewHandler(engine, store, cfg.Server, logger)
}

func RegisterRoutes(e *echo.Echo, h *handlers.Handler) {
	h.RegisterRoutes(e)
}

func StartServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger zerolog.Logger, shutdowner fx.Shutdowner) {
	addr := ":" + cfg.Server.Port
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Str("addr", addr).Msg("server failed")
					shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			logger.Info().Str("addr", addr).Msg("server listening")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}

var ServerModule = fx.Options(
	fx.Provide(NewEchoServer, ProvideHandler),
	fx.Invoke(RegisterRoutes, StartServer),
)

// Run starts the HTTP service and blocks until it is signalled to stop.
func Run(cfg *config.Config, logger zerolog.Logger) {
	fx.New(
		fx.NopLogger,
		fx.Supply(cfg, logger),
		EngineModule,
		CacheModule,
		ServerModule,
	).Run()
}

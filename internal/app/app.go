// Package app monta o perímetro completo a partir da configuração carregada.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"perimeter/internal/allowlist"
	"perimeter/internal/config"
	"perimeter/internal/credential"
	"perimeter/internal/csrf"
	"perimeter/internal/domain"
	"perimeter/internal/handler"
	"perimeter/internal/metrics"
	"perimeter/internal/middleware"
	"perimeter/internal/randutil"
	"perimeter/internal/service"
	"perimeter/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// Options ajusta a montagem (testes injetam registry e factory próprios)
type Options struct {
	Registry  *prometheus.Registry
	Factory   *storage.StorageFactory
	AccessLog bool
	// RegisterRoutes registra rotas adicionais atrás do perímetro
	RegisterRoutes func(router *gin.Engine)
}

// App contém o router e os componentes com ciclo de vida
type App struct {
	Router      *gin.Engine
	Backend     *storage.Backend
	RateLimiter *service.RateLimiterService
	Credentials domain.CredentialStore
	Summary     domain.PerimeterSummary

	janitors []func(context.Context) error
	logger   domain.Logger
}

// New monta storage, serviços, perímetro e rotas
func New(cfg *config.Config, log domain.Logger, opts Options) (*App, error) {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := metrics.New(reg)

	factory := opts.Factory
	if factory == nil {
		factory = storage.NewStorageFactory()
	}

	storageConfig := storage.BuildStorageConfig(cfg.StorageType, cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB)
	backend, err := factory.CreateBackend(storageConfig, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	a := &App{Backend: backend, logger: log}

	if mem, ok := backend.Counters.(*storage.MemoryCounterStore); ok {
		a.janitors = append(a.janitors, mem.StartJanitor)
	}

	var fallback domain.CounterStore
	if backend.Type == storage.RedisStorageType && cfg.RateLimitFallback == domain.FallbackMemory {
		mem := storage.NewMemoryCounterStore(log)
		a.janitors = append(a.janitors, mem.StartJanitor)
		fallback = mem
	}

	a.RateLimiter, err = service.NewRateLimiterService(backend.Counters, service.RateLimiterConfig{
		FallbackPolicy: cfg.RateLimitFallback,
		StoreTimeout:   cfg.StoreTimeout,
		Fallback:       fallback,
	}, m, log)
	if err != nil {
		_ = backend.Counters.Close()
		return nil, err
	}

	credentialOpts := credential.Options{
		TTL:        cfg.CredentialTTL,
		SweepEvery: cfg.CredentialSweep,
		Metrics:    m,
	}
	if backend.Redis != nil {
		a.Credentials = credential.NewRedisStore(backend.Redis, credentialOpts, log)
	} else {
		mem := credential.NewMemoryStore(credentialOpts, log)
		a.janitors = append(a.janitors, mem.StartJanitor)
		a.Credentials = mem
	}

	list := allowlist.Parse(cfg.IPAllowList, cfg.AllowListEmptyMode, log)
	csrfService := csrf.NewService(csrf.Config{
		SecureMode:        cfg.CookieSecure,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	}, nil)

	a.Summary = domain.PerimeterSummary{
		AllowListMode:        list.Mode(),
		AllowListEntries:     list.Len(),
		AllowListSkipped:     len(list.Skipped()),
		ProtectedPrefixes:    cfg.ProtectedPrefixes,
		CSPReportOnly:        cfg.CSPReportOnly,
		StorageType:          string(backend.Type),
		RateLimitFallback:    a.RateLimiter.Policy(),
		CredentialTTLSeconds: int(cfg.CredentialTTL / time.Second),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if opts.AccessLog {
		router.Use(gin.LoggerWithFormatter(accessLogFormatter))
	}
	router.Use(middleware.NewPerimeterMiddleware(middleware.PerimeterConfig{
		ProtectedPrefixes: cfg.ProtectedPrefixes,
		StaticPrefixes:    cfg.StaticPrefixes,
		CSRFExemptPaths:   []string{handler.CSPReportPath},
		TokenIssuePath:    handler.CSRFTokenPath,
		CSPReportOnly:     cfg.CSPReportOnly,
		CSPReportURI:      cfg.CSPReportURI,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	}, csrfService, list, randutil.New(), m, log))

	handlers := handler.NewHandlers(handler.Dependencies{
		RateLimiter: a.RateLimiter,
		CSRF:        csrfService,
		Credentials: a.Credentials,
		Counters:    backend.Counters,
		Gatherer:    reg,
		Summary:     a.Summary,
		HandoffLimit: domain.RateLimitOptions{
			MaxAttempts: cfg.RateLimitMaxAttempts,
			Window:      cfg.RateLimitWindow,
			Endpoint:    "credential-handoff",
		},
		TrustProxy: cfg.TrustProxyHeaders,
		Logger:     log,
	})
	handlers.SetupRoutes(router)
	if opts.RegisterRoutes != nil {
		opts.RegisterRoutes(router)
	}

	a.Router = router
	return a, nil
}

// Run serve HTTP e executa os janitors até o contexto ser cancelado, depois encerra com graceful shutdown
func (a *App) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      a.Router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("Starting HTTP server", map[string]interface{}{
			"addr": addr,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down server...", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	for _, janitor := range a.janitors {
		janitor := janitor
		g.Go(func() error { return janitor(gctx) })
	}

	return g.Wait()
}

// Close libera o storage
func (a *App) Close() error {
	if a.Backend == nil || a.Backend.Counters == nil {
		return nil
	}
	return a.Backend.Counters.Close()
}

func accessLogFormatter(param gin.LogFormatterParams) string {
	return fmt.Sprintf("[%s] \"%s %s %s %d %s \"%s\" %s\"\n",
		param.TimeStamp.Format("2006/01/02 - 15:04:05"),
		param.Method,
		param.Path,
		param.Request.Proto,
		param.StatusCode,
		param.Latency,
		param.Request.UserAgent(),
		param.ErrorMessage,
	)
}

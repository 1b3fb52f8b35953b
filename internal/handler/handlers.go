package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perimeter/internal/domain"
	"perimeter/internal/logger"
	"perimeter/internal/middleware"
)

const (
	CSRFTokenPath = "/api/csrf-token"
	CSPReportPath = "/api/csp-report"

	maxCSPReportBytes = 64 << 10
	healthTimeout     = 2 * time.Second
)

// Dependencies reúne os componentes usados pelos handlers
type Dependencies struct {
	RateLimiter  domain.RateLimiterService
	CSRF         domain.CSRFService
	Credentials  domain.CredentialStore
	Counters     domain.CounterStore
	Gatherer     prometheus.Gatherer
	Summary      domain.PerimeterSummary
	HandoffLimit domain.RateLimitOptions
	TrustProxy   bool
	Logger       domain.Logger
}

// Handlers contém os handlers da API
type Handlers struct {
	deps      Dependencies
	logger    domain.Logger
	startTime time.Time
}

// NewHandlers cria uma nova instância dos handlers
func NewHandlers(deps Dependencies) *Handlers {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewLoggerWithOutput("error", "json", io.Discard)
	}
	return &Handlers{
		deps:      deps,
		logger:    deps.Logger,
		startTime: time.Now(),
	}
}

// SetupRoutes configura as rotas da API; o perímetro já deve estar registrado no router
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	// Rotas públicas
	router.GET("/health", h.HealthHandler)
	router.GET("/metrics", h.MetricsHandler)
	router.GET("/metrics/prometheus", gin.WrapH(promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.GET("/csrf-token", h.CSRFTokenHandler)
		api.POST("/csp-report", h.CSPReportHandler)

		// Hand-off de credenciais com rate limiting
		handoffLimiter := middleware.NewRateLimitMiddleware(h.deps.RateLimiter, h.deps.HandoffLimit, h.deps.TrustProxy, h.logger)
		handoff := api.Group("/handoff")
		handoff.Use(handoffLimiter)
		{
			handoff.POST("", h.StoreCredentialHandler)
			handoff.POST("/consume", h.ConsumeCredentialHandler)
		}

		// Rotas administrativas, protegidas pela allow-list do perímetro
		admin := api.Group("/admin")
		{
			admin.POST("/ratelimit/reset", h.AdminResetHandler)
			admin.GET("/perimeter", h.AdminPerimeterHandler)
		}
	}
}

// HealthHandler implementa health check básico
func (h *Handlers) HealthHandler(c *gin.Context) {
	response := gin.H{
		"status":    "healthy",
		"service":   "Perimeter API",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0.0",
	}

	if h.deps.Counters != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		// O fallback do rate limiter mantém o serviço de pé; o storage indisponível só degrada o status
		if err := h.deps.Counters.Health(ctx); err != nil {
			h.logger.WithContext(ctx).Warn("Counter store health check failed", map[string]interface{}{
				"error": err.Error(),
			})
			response["status"] = "degraded"
			response["storage"] = "unavailable"
		} else {
			response["storage"] = "ok"
		}
	}

	c.JSON(http.StatusOK, response)
}

// MetricsHandler implementa endpoint de métricas do sistema
func (h *Handlers) MetricsHandler(c *gin.Context) {
	h.logger.WithContext(c.Request.Context()).Debug("Metrics endpoint accessed", map[string]interface{}{
		"path": c.Request.URL.Path,
	})

	uptime := time.Since(h.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"service":        "Perimeter API",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime":         uptime.String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"system": gin.H{
			"go_version":   runtime.Version(),
			"goroutines":   runtime.NumGoroutine(),
			"memory_alloc": formatBytes(m.Alloc),
			"memory_total": formatBytes(m.TotalAlloc),
			"memory_sys":   formatBytes(m.Sys),
			"gc_runs":      m.NumGC,
		},
	})
}

// CSRFTokenHandler devolve o token do cookie, emitindo um novo quando ausente
func (h *Handlers) CSRFTokenHandler(c *gin.Context) {
	token := h.deps.CSRF.GetToken(c.Request)
	if token == "" {
		var err error
		token, err = h.deps.CSRF.GenerateToken()
		if err != nil {
			h.logger.WithContext(c.Request.Context()).Error("Failed to generate CSRF token", err, nil)
			c.JSON(http.StatusInternalServerError, gin.H{
				"ok":    false,
				"error": "internal_error",
			})
			return
		}
		h.deps.CSRF.SetCookie(c.Writer, token, c.Request)
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":    true,
		"token": token,
	})
}

// CSPReportHandler registra violações de CSP enviadas pelo navegador
func (h *Handlers) CSPReportHandler(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCSPReportBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"ok":    false,
			"error": "report_too_large",
		})
		return
	}

	fields := map[string]interface{}{
		"content_type": c.ContentType(),
		"size":         len(body),
	}

	// application/csp-report traz {"csp-report": {...}}; a Reporting API traz uma lista
	var report interface{}
	if err := json.Unmarshal(body, &report); err == nil {
		fields["report"] = report
	} else {
		fields["malformed"] = true
	}

	h.logger.WithContext(c.Request.Context()).Warn("CSP violation reported", fields)
	c.Status(http.StatusNoContent)
}

// StoreCredentialRequest representa o corpo da requisição de hand-off
type StoreCredentialRequest struct {
	Secret string `json:"secret" binding:"required,max=4096"`
}

// StoreCredentialHandler guarda um segredo e devolve o token de uso único
func (h *Handlers) StoreCredentialHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req StoreCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "validation_error",
			"message": "secret is required",
		})
		return
	}

	token, err := h.deps.Credentials.Store(ctx, req.Secret)
	if err != nil {
		h.logger.WithContext(ctx).Error("Failed to store credential", err, nil)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ok":    false,
			"error": "credential_store_unavailable",
		})
		return
	}

	h.logger.WithContext(ctx).Info("Credential stored", map[string]interface{}{
		"token": logger.MaskToken(token),
	})

	c.JSON(http.StatusOK, gin.H{
		"ok":    true,
		"token": token,
	})
}

// ConsumeCredentialRequest representa o corpo da requisição de consumo
type ConsumeCredentialRequest struct {
	Token string `json:"token" binding:"required"`
}

// ConsumeCredentialHandler devolve o segredo uma única vez.
// Token inexistente e token já consumido produzem a mesma resposta.
func (h *Handlers) ConsumeCredentialHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req ConsumeCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "validation_error",
			"message": "token is required",
		})
		return
	}

	secret, ok := h.deps.Credentials.Consume(ctx, req.Token)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"ok": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":     true,
		"secret": secret,
	})
}

// AdminResetRequest representa o corpo da requisição para reset
type AdminResetRequest struct {
	Key string `json:"key" binding:"required"`
}

// AdminResetHandler implementa endpoint de reset administrativo
func (h *Handlers) AdminResetHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req AdminResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "validation_error",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}

	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "validation_error",
			"message": "key must not be blank",
		})
		return
	}

	if err := h.deps.RateLimiter.ClearRateLimit(ctx, req.Key); err != nil {
		h.logger.WithContext(ctx).Error("Failed to reset rate limit", err, map[string]interface{}{
			"key": req.Key,
		})
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal_server_error",
			"message": "Failed to reset rate limit",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"key":       req.Key,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminPerimeterHandler resume a postura carregada sem revelar as entradas da allow-list
func (h *Handlers) AdminPerimeterHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"perimeter": h.deps.Summary,
	})
}

// formatBytes formata bytes em formato legível
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatUint(bytes, 10) + " B"
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return strconv.FormatFloat(float64(bytes)/float64(div), 'f', 1, 64) + " " + "KMGTPE"[exp:exp+1] + "B"
}

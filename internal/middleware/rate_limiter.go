package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"perimeter/internal/domain"
)

// RateLimiterMiddleware aplica o rate limiter a uma rota, usando o IP do cliente como chave
type RateLimiterMiddleware struct {
	service    domain.RateLimiterService
	options    domain.RateLimitOptions
	trustProxy bool
	logger     domain.Logger
}

// NewRateLimitMiddleware cria o middleware para um endpoint (ex.: "staff-auth")
func NewRateLimitMiddleware(
	service domain.RateLimiterService,
	options domain.RateLimitOptions,
	trustProxy bool,
	logger domain.Logger,
) gin.HandlerFunc {
	middleware := &RateLimiterMiddleware{
		service:    service,
		options:    options,
		trustProxy: trustProxy,
		logger:     logger,
	}

	return middleware.Handle
}

// Handle é o handler principal do middleware
func (m *RateLimiterMiddleware) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	clientIP := GetClientIP(c, m.trustProxy)

	result := m.service.CheckRateLimit(ctx, clientIP, m.options)

	// Headers informativos sempre presentes
	m.setRateLimitHeaders(c, result)

	if !result.Allowed {
		retryAfter := result.RetryAfterSeconds()

		m.logger.WithContext(ctx).Info("Request rate limited", map[string]interface{}{
			"endpoint":    result.Endpoint,
			"limit":       result.Limit,
			"count":       result.CurrentCount,
			"retry_after": retryAfter,
			"degraded":    result.Degraded,
		})

		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"ok":         false,
			"error":      "rate_limit_exceeded",
			"message":    "Too many attempts. Please wait before trying again.",
			"retryAfter": retryAfter,
		})
		return
	}

	c.Next()
}

// setRateLimitHeaders define headers informativos de rate limiting
func (m *RateLimiterMiddleware) setRateLimitHeaders(c *gin.Context, result *domain.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
}

// ExtractClientIP extrai o IP do cliente considerando proxies e load balancers.
// Prioridade: X-Forwarded-For > X-Real-IP > RemoteAddr; headers só valem com trustProxy.
func ExtractClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		// X-Forwarded-For pode conter múltiplos IPs; o primeiro é o cliente original
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if clientIP := strings.TrimSpace(first); clientIP != "" {
				return clientIP
			}
		}

		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	// Remove a porta se presente
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}

// GetClientIP retorna o IP resolvido pelo perímetro ou o extrai da requisição
func GetClientIP(c *gin.Context, trustProxy bool) string {
	if ip := c.GetString(ClientIPKey); ip != "" {
		return ip
	}
	return ExtractClientIP(c.Request, trustProxy)
}

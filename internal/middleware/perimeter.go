package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"perimeter/internal/allowlist"
	"perimeter/internal/csrf"
	"perimeter/internal/domain"
	"perimeter/internal/logger"
	"perimeter/internal/metrics"
	"perimeter/internal/randutil"
)

// Chaves do gin.Context preenchidas pelo perímetro
const (
	RequestIDKey = "request_id"
	ClientIPKey  = "client_ip"
	CSPNonceKey  = "csp_nonce"

	RequestIDHeader   = "X-Request-ID"
	SessionCookieName = "_session_id"

	sessionMaxAge = 8 * time.Hour
	nonceBytes    = 16
)

var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// PerimeterConfig define os caminhos e modos aplicados pelo perímetro
type PerimeterConfig struct {
	// ProtectedPrefixes passam pela allow-list de IPs
	ProtectedPrefixes []string
	// StaticPrefixes não recebem Cache-Control: no-store
	StaticPrefixes []string
	// CSRFExemptPaths aceitam métodos mutáveis sem token (ex.: relatórios CSP do navegador)
	CSRFExemptPaths []string
	// TokenIssuePath emite o próprio cookie CSRF; o perímetro não duplica o Set-Cookie nele
	TokenIssuePath string

	CSPReportOnly     bool
	CSPReportURI      string
	TrustProxyHeaders bool
}

// PerimeterMiddleware compõe request id, nonce CSP, headers, allow-list e CSRF
type PerimeterMiddleware struct {
	config    PerimeterConfig
	csrf      domain.CSRFService
	allowList *allowlist.List
	random    *randutil.Generator
	metrics   *metrics.Metrics
	logger    domain.Logger
}

// NewPerimeterMiddleware cria o middleware do perímetro
func NewPerimeterMiddleware(
	config PerimeterConfig,
	csrfService domain.CSRFService,
	allowList *allowlist.List,
	random *randutil.Generator,
	m *metrics.Metrics,
	logger domain.Logger,
) gin.HandlerFunc {
	if random == nil {
		random = randutil.New()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if allowList == nil {
		allowList = allowlist.Parse("", domain.AllowAllWhenEmpty, logger)
	}

	middleware := &PerimeterMiddleware{
		config:    config,
		csrf:      csrfService,
		allowList: allowList,
		random:    random,
		metrics:   m,
		logger:    logger,
	}

	return middleware.Handle
}

// Handle executa a máquina de estados do perímetro para cada requisição
func (m *PerimeterMiddleware) Handle(c *gin.Context) {
	requestID := m.requestID(c)
	clientIP := ExtractClientIP(c.Request, m.config.TrustProxyHeaders)
	path := c.Request.URL.Path

	ctx := logger.ContextWithRequestInfo(c.Request.Context(), requestID, clientIP, c.GetHeader("User-Agent"), path)
	c.Request = c.Request.WithContext(ctx)
	c.Set(RequestIDKey, requestID)
	c.Set(ClientIPKey, clientIP)
	c.Header(RequestIDHeader, requestID)

	log := m.logger.WithContext(ctx)

	nonce, err := m.random.StdToken(nonceBytes)
	if err != nil {
		log.Error("Failed to generate CSP nonce", err, nil)
		m.setSecurityHeaders(c.Writer, c.Request, "")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"ok":    false,
			"error": "internal_error",
		})
		return
	}
	c.Set(CSPNonceKey, nonce)

	m.setSecurityHeaders(c.Writer, c.Request, nonce)

	if underAnyPrefix(path, m.config.ProtectedPrefixes) && !m.allowList.Allowed(clientIP) {
		m.metrics.IncrementAllowListDenials()
		log.Warn("Request denied by IP allow-list", map[string]interface{}{
			"method": c.Request.Method,
		})
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"ok":    false,
			"error": "forbidden",
		})
		return
	}

	if m.csrf.RequiresProtection(c.Request.Method) && !m.isCSRFExempt(path) && !m.csrf.Validate(c.Request) {
		m.metrics.IncrementCSRFRejections()
		log.Warn("CSRF validation failed", map[string]interface{}{
			"method":     c.Request.Method,
			"has_cookie": m.csrf.GetToken(c.Request) != "",
		})
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"ok":      false,
			"error":   "csrf_validation_failed",
			"message": "Invalid or missing CSRF token. Refresh the page and retry.",
		})
		return
	}

	if !m.csrf.RequiresProtection(c.Request.Method) && path != m.config.TokenIssuePath && m.csrf.GetToken(c.Request) == "" {
		m.issueCSRFCookie(c, log)
	}

	m.ensureSessionCookie(c)

	c.Next()
}

// requestID propaga um X-Request-ID válido ou gera um novo
func (m *PerimeterMiddleware) requestID(c *gin.Context) string {
	if requestID := c.GetHeader(RequestIDHeader); requestIDPattern.MatchString(requestID) {
		return requestID
	}
	return uuid.New().String()
}

func (m *PerimeterMiddleware) issueCSRFCookie(c *gin.Context, log domain.Logger) {
	token, err := m.csrf.GenerateToken()
	if err != nil {
		// A requisição segura segue; a próxima tentará emitir de novo
		log.Error("Failed to generate CSRF token", err, nil)
		return
	}
	m.csrf.SetCookie(c.Writer, token, c.Request)
}

// ensureSessionCookie emite o cookie de correlação de sessão quando ausente
func (m *PerimeterMiddleware) ensureSessionCookie(c *gin.Context) {
	if cookie, err := c.Request.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return
	}

	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookieName,
		Value:    uuid.New().String(),
		Path:     "/",
		MaxAge:   int(sessionMaxAge / time.Second),
		HttpOnly: true,
		Secure:   m.csrf.SecureCookies(c.Request),
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *PerimeterMiddleware) isCSRFExempt(path string) bool {
	for _, p := range m.config.CSRFExemptPaths {
		if p != "" && path == p {
			return true
		}
	}
	return false
}

func (m *PerimeterMiddleware) isTLS(r *http.Request) bool {
	return csrf.IsTLS(r, m.config.TrustProxyHeaders)
}

// underAnyPrefix casa o prefixo inteiro ou seguido de "/", então /api/admin não cobre /api/administrator
func underAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		p = strings.TrimSuffix(p, "/")
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// GetRequestID retorna o request id atribuído pelo perímetro
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

// GetCSPNonce retorna o nonce CSP da requisição, para uso nos templates
func GetCSPNonce(c *gin.Context) string {
	return c.GetString(CSPNonceKey)
}

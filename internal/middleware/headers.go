package middleware

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	cspHeader           = "Content-Security-Policy"
	cspReportOnlyHeader = "Content-Security-Policy-Report-Only"
	cspReportGroup      = "csp-endpoint"

	hstsValue        = "max-age=31536000; includeSubDomains"
	permissionsValue = "camera=(), microphone=(), geolocation=(), payment=(), usb=()"
)

// buildCSP monta a política com o nonce da requisição.
// Sem nonce, scripts e estilos ficam restritos a 'self'.
func buildCSP(nonce string, reportURI string) string {
	scriptSrc := "script-src 'self'"
	styleSrc := "style-src 'self'"
	if nonce != "" {
		scriptSrc = fmt.Sprintf("script-src 'self' 'nonce-%s' 'strict-dynamic'", nonce)
		styleSrc = fmt.Sprintf("style-src 'self' 'nonce-%s'", nonce)
	}

	directives := []string{
		"default-src 'self'",
		scriptSrc,
		styleSrc,
		"img-src 'self' data: blob:",
		"font-src 'self' data:",
		"connect-src 'self'",
		"object-src 'none'",
		"base-uri 'self'",
		"form-action 'self'",
		"frame-ancestors 'none'",
	}
	if reportURI != "" {
		directives = append(directives,
			"report-uri "+reportURI,
			"report-to "+cspReportGroup,
		)
	}
	return strings.Join(directives, "; ")
}

// setSecurityHeaders aplica os headers de endurecimento; chamado antes de qualquer desvio,
// então respostas 403 carregam os mesmos headers que respostas de sucesso
func (m *PerimeterMiddleware) setSecurityHeaders(w http.ResponseWriter, r *http.Request, nonce string) {
	h := w.Header()

	if m.config.CSPReportOnly {
		h.Set(cspReportOnlyHeader, buildCSP(nonce, m.config.CSPReportURI))
		if m.config.CSPReportURI != "" {
			h.Set("Reporting-Endpoints", fmt.Sprintf(`%s="%s"`, cspReportGroup, m.config.CSPReportURI))
			h.Set("Report-To", fmt.Sprintf(`{"group":"%s","max_age":10886400,"endpoints":[{"url":"%s"}]}`,
				cspReportGroup, m.config.CSPReportURI))
		}
	} else {
		h.Set(cspHeader, buildCSP(nonce, ""))
	}

	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", permissionsValue)

	if !hasAnyPrefix(r.URL.Path, m.config.StaticPrefixes) {
		h.Set("Cache-Control", "no-store")
	}

	if m.isTLS(r) {
		h.Set("Strict-Transport-Security", hstsValue)
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

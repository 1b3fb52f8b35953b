// Package csrf implementa o esquema double-submit cookie.
//
// Nenhum token é guardado no servidor: a requisição é válida quando o valor do cookie
// e o valor enviado no header (ou no campo de formulário) existem e são iguais.
package csrf

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"perimeter/internal/domain"
	"perimeter/internal/randutil"
)

const (
	CookieName = "_csrf_token"
	HeaderName = "X-CSRF-Token"
	FormField  = "_csrf"

	// 32 bytes = 256 bits de entropia
	tokenBytes = 32
	// Limite do corpo lido para achar o campo _csrf; acima disso o token conta como ausente.
	// Como o corpo inteiro cabe em memória, partes de arquivo nunca vão para disco.
	maxFormBytes = 1 << 20
)

// SecureMode controla o atributo Secure do cookie
type SecureMode string

const (
	// SecureAuto espelha o transporte real da requisição
	SecureAuto SecureMode = "auto"
	// SecureAlways força Secure
	SecureAlways SecureMode = "true"
	// SecureNever desliga Secure (desenvolvimento local sem TLS)
	SecureNever SecureMode = "false"
)

// ParseSecureMode converte o valor de configuração; valores desconhecidos são erro
func ParseSecureMode(v string) (SecureMode, error) {
	switch SecureMode(strings.ToLower(strings.TrimSpace(v))) {
	case "", SecureAuto:
		return SecureAuto, nil
	case SecureAlways, "1", "yes", "on":
		return SecureAlways, nil
	case SecureNever, "0", "no", "off":
		return SecureNever, nil
	default:
		return "", fmt.Errorf("%w: COOKIE_SECURE must be auto, true or false, got %q", domain.ErrInvalidConfig, v)
	}
}

// Config configura o serviço
type Config struct {
	SecureMode SecureMode
	// TrustProxyHeaders permite usar X-Forwarded-Proto para detectar TLS
	TrustProxyHeaders bool
}

// Service implementa domain.CSRFService
type Service struct {
	config Config
	random *randutil.Generator
}

// NewService cria o serviço; random nulo usa crypto/rand
func NewService(config Config, random *randutil.Generator) *Service {
	if config.SecureMode == "" {
		config.SecureMode = SecureAuto
	}
	if random == nil {
		random = randutil.New()
	}
	return &Service{config: config, random: random}
}

// GenerateToken gera um token aleatório URL-safe
func (s *Service) GenerateToken() (string, error) {
	return s.random.Token(tokenBytes)
}

// Validate retorna true somente se cookie e valor enviado existem e são iguais.
// Ausência de qualquer lado é tratada igual a divergência.
func (s *Service) Validate(r *http.Request) bool {
	cookieToken := s.GetToken(r)
	if cookieToken == "" {
		return false
	}

	submitted := submittedToken(r)
	if submitted == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(cookieToken), []byte(submitted)) == 1
}

// GetToken retorna o token do cookie ou "" se ausente
func (s *Service) GetToken(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// SetCookie emite o cookie do token.
// Nunca HttpOnly: o script do cliente precisa lê-lo para ecoar no header.
func (s *Service) SetCookie(w http.ResponseWriter, token string, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   s.SecureCookies(r),
		SameSite: http.SameSiteLaxMode,
	})
}

// RequiresProtection retorna true para métodos que alteram estado
func (s *Service) RequiresProtection(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// SecureCookies informa se cookies emitidos nesta requisição devem ser Secure
func (s *Service) SecureCookies(r *http.Request) bool {
	switch s.config.SecureMode {
	case SecureAlways:
		return true
	case SecureNever:
		return false
	default:
		return IsTLS(r, s.config.TrustProxyHeaders)
	}
}

// IsTLS informa se a requisição chegou por TLS, direto ou via proxy confiável
func IsTLS(r *http.Request, trustProxy bool) bool {
	if r.TLS != nil {
		return true
	}
	if !trustProxy {
		return false
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if i := strings.IndexByte(proto, ','); i >= 0 {
		proto = proto[:i]
	}
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

// submittedToken lê o header e, para formulários, o campo _csrf.
// O corpo do formulário é lido no máximo até maxFormBytes.
func submittedToken(r *http.Request) string {
	if token := r.Header.Get(HeaderName); token != "" {
		return token
	}

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		limitBody(r)
		if err := r.ParseForm(); err != nil {
			return ""
		}
		return r.PostForm.Get(FormField)
	case strings.HasPrefix(contentType, "multipart/form-data"):
		limitBody(r)
		if err := r.ParseMultipartForm(maxFormBytes); err != nil {
			return ""
		}
		return r.PostForm.Get(FormField)
	}
	return ""
}

func limitBody(r *http.Request) {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(nil, r.Body, maxFormBytes)
	}
}

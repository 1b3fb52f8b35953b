package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"perimeter/internal/csrf"
	"perimeter/internal/domain"
)

// MockRateLimiterService é um mock do RateLimiterService para testes
type MockRateLimiterService struct {
	mock.Mock
}

func (m *MockRateLimiterService) CheckRateLimit(ctx context.Context, key string, opts domain.RateLimitOptions) *domain.RateLimitResult {
	args := m.Called(ctx, key, opts)
	return args.Get(0).(*domain.RateLimitResult)
}

func (m *MockRateLimiterService) ClearRateLimit(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// MockCredentialStore é um mock do CredentialStore para testes
type MockCredentialStore struct {
	mock.Mock
}

func (m *MockCredentialStore) Store(ctx context.Context, secret string) (string, error) {
	args := m.Called(ctx, secret)
	return args.String(0), args.Error(1)
}

func (m *MockCredentialStore) Consume(ctx context.Context, token string) (string, bool) {
	args := m.Called(ctx, token)
	return args.String(0), args.Bool(1)
}

func (m *MockCredentialStore) Sweep(ctx context.Context) int {
	args := m.Called(ctx)
	return args.Int(0)
}

// MockCounterStore é um mock do CounterStore para testes
type MockCounterStore struct {
	mock.Mock
}

func (m *MockCounterStore) Increment(ctx context.Context, key, endpoint string, window time.Duration) (domain.CounterWindow, error) {
	args := m.Called(ctx, key, endpoint, window)
	return args.Get(0).(domain.CounterWindow), args.Error(1)
}

func (m *MockCounterStore) Clear(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockCounterStore) Health(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockCounterStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

var handoffLimit = domain.RateLimitOptions{MaxAttempts: 5, Window: time.Minute, Endpoint: "credential-handoff"}

func allowedResult() *domain.RateLimitResult {
	return &domain.RateLimitResult{Allowed: true, CurrentCount: 1, Limit: 5, Remaining: 4, ResetTime: time.Now().Add(time.Minute)}
}

func setupRouter(deps Dependencies) *gin.Engine {
	gin.SetMode(gin.TestMode)
	if deps.CSRF == nil {
		deps.CSRF = csrf.NewService(csrf.Config{}, nil)
	}
	deps.HandoffLimit = handoffLimit
	deps.TrustProxy = true

	router := gin.New()
	NewHandlers(deps).SetupRoutes(router)
	return router
}

func postJSON(path string, body interface{}) *http.Request {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestCSRFTokenHandler(t *testing.T) {
	t.Run("Should mint and set a token when no cookie exists", func(t *testing.T) {
		router := setupRouter(Dependencies{})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, CSRFTokenPath, nil))

		assert.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, true, body["ok"])
		token, _ := body["token"].(string)
		assert.GreaterOrEqual(t, len(token), 8)

		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, csrf.CookieName, cookies[0].Name)
		assert.Equal(t, token, cookies[0].Value)
	})

	t.Run("Should reuse the existing cookie token", func(t *testing.T) {
		router := setupRouter(Dependencies{})

		req := httptest.NewRequest(http.MethodGet, CSRFTokenPath, nil)
		req.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: "existing-token"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "existing-token", decode(t, w)["token"])
		assert.Empty(t, w.Result().Cookies())
	})
}

func TestCSPReportHandler(t *testing.T) {
	router := setupRouter(Dependencies{})

	report := `{"csp-report":{"document-uri":"https://library.example/","violated-directive":"script-src"}}`
	req := httptest.NewRequest(http.MethodPost, CSPReportPath, strings.NewReader(report))
	req.Header.Set("Content-Type", "application/csp-report")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	big := strings.Repeat("a", maxCSPReportBytes+1)
	req = httptest.NewRequest(http.MethodPost, CSPReportPath, strings.NewReader(big))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestCredentialHandoff(t *testing.T) {
	t.Run("Should store and consume a credential", func(t *testing.T) {
		limiter := new(MockRateLimiterService)
		store := new(MockCredentialStore)
		limiter.On("CheckRateLimit", mock.Anything, "10.0.0.1", handoffLimit).Return(allowedResult())
		store.On("Store", mock.Anything, "p@ss").Return("opaque-token", nil)
		store.On("Consume", mock.Anything, "opaque-token").Return("p@ss", true).Once()
		store.On("Consume", mock.Anything, "opaque-token").Return("", false).Once()

		router := setupRouter(Dependencies{RateLimiter: limiter, Credentials: store})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, postJSON("/api/handoff", map[string]string{"secret": "p@ss"}))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "opaque-token", decode(t, w)["token"])

		w = httptest.NewRecorder()
		router.ServeHTTP(w, postJSON("/api/handoff/consume", map[string]string{"token": "opaque-token"}))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "p@ss", decode(t, w)["secret"])

		w = httptest.NewRecorder()
		router.ServeHTTP(w, postJSON("/api/handoff/consume", map[string]string{"token": "opaque-token"}))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.JSONEq(t, `{"ok":false}`, w.Body.String())

		limiter.AssertNumberOfCalls(t, "CheckRateLimit", 3)
		store.AssertExpectations(t)
	})

	t.Run("Should reject missing secret", func(t *testing.T) {
		limiter := new(MockRateLimiterService)
		limiter.On("CheckRateLimit", mock.Anything, "10.0.0.1", handoffLimit).Return(allowedResult())

		router := setupRouter(Dependencies{RateLimiter: limiter, Credentials: new(MockCredentialStore)})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, postJSON("/api/handoff", map[string]string{}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Should report store failure", func(t *testing.T) {
		limiter := new(MockRateLimiterService)
		store := new(MockCredentialStore)
		limiter.On("CheckRateLimit", mock.Anything, "10.0.0.1", handoffLimit).Return(allowedResult())
		store.On("Store", mock.Anything, "p@ss").Return("", domain.ErrBackendUnavailable)

		router := setupRouter(Dependencies{RateLimiter: limiter, Credentials: store})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, postJSON("/api/handoff", map[string]string{"secret": "p@ss"}))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NotContains(t, w.Body.String(), "p@ss")
	})

	t.Run("Should be rate limited", func(t *testing.T) {
		limiter := new(MockRateLimiterService)
		store := new(MockCredentialStore)
		limiter.On("CheckRateLimit", mock.Anything, "10.0.0.1", handoffLimit).Return(&domain.RateLimitResult{
			Allowed: false, CurrentCount: 6, Limit: 5, ResetIn: 30 * time.Second, ResetTime: time.Now().Add(30 * time.Second),
		})

		router := setupRouter(Dependencies{RateLimiter: limiter, Credentials: store})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, postJSON("/api/handoff/consume", map[string]string{"token": "t"}))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "30", w.Header().Get("Retry-After"))
		store.AssertNotCalled(t, "Consume", mock.Anything, mock.Anything)
	})
}

func TestAdminResetHandler(t *testing.T) {
	tests := []struct {
		name         string
		body         interface{}
		setupMock    func(*MockRateLimiterService)
		expectedCode int
	}{
		{
			name: "Should reset key",
			body: map[string]string{"key": "10.0.0.9"},
			setupMock: func(m *MockRateLimiterService) {
				m.On("ClearRateLimit", mock.Anything, "10.0.0.9").Return(nil)
			},
			expectedCode: http.StatusOK,
		},
		{
			name:         "Should reject missing key",
			body:         map[string]string{},
			setupMock:    func(m *MockRateLimiterService) {},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "Should reject blank key",
			body:         map[string]string{"key": "   "},
			setupMock:    func(m *MockRateLimiterService) {},
			expectedCode: http.StatusBadRequest,
		},
		{
			name: "Should report store failure",
			body: map[string]string{"key": "10.0.0.9"},
			setupMock: func(m *MockRateLimiterService) {
				m.On("ClearRateLimit", mock.Anything, "10.0.0.9").Return(errors.New("redis down"))
			},
			expectedCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := new(MockRateLimiterService)
			tt.setupMock(limiter)
			router := setupRouter(Dependencies{RateLimiter: limiter})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, postJSON("/api/admin/ratelimit/reset", tt.body))

			assert.Equal(t, tt.expectedCode, w.Code)
			limiter.AssertExpectations(t)
		})
	}
}

func TestAdminPerimeterHandler(t *testing.T) {
	summary := domain.PerimeterSummary{
		AllowListMode:        domain.AllowAllWhenEmpty,
		AllowListEntries:     2,
		AllowListSkipped:     1,
		ProtectedPrefixes:    []string{"/api/admin"},
		StorageType:          "redis",
		RateLimitFallback:    domain.FallbackMemory,
		CredentialTTLSeconds: 300,
	}
	router := setupRouter(Dependencies{Summary: summary})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/admin/perimeter", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	perimeter := body["perimeter"].(map[string]interface{})
	assert.Equal(t, "allow-all", perimeter["allowListMode"])
	assert.Equal(t, float64(2), perimeter["allowListEntries"])
	assert.Equal(t, float64(1), perimeter["allowListSkipped"])
	assert.Equal(t, "memory", perimeter["rateLimitFallback"])
	assert.Equal(t, float64(300), perimeter["credentialTtlSeconds"])
}

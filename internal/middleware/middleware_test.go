package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Brownie44l1/curie-api/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(cors config.CORSConfig) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Logger(zap.NewNop()), CORS(cors))
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})
	return r
}

func TestRequestIDGenerated(t *testing.T) {
	r := newRouter(config.CORSConfig{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	id := w.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("Expected a UUID request id, got %q", id)
	}
	if w.Body.String() != id {
		t.Errorf("Expected handler to see %q, got %q", id, w.Body.String())
	}
}

func TestRequestIDReusesValidHeader(t *testing.T) {
	r := newRouter(config.CORSConfig{})
	incoming := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, incoming)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != incoming {
		t.Errorf("Expected %s, got %s", incoming, got)
	}
}

func TestRequestIDRejectsUnsafeHeader(t *testing.T) {
	r := newRouter(config.CORSConfig{})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "../../etc/passwd")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	got := w.Header().Get(RequestIDHeader)
	if got == "../../etc/passwd" {
		t.Fatal("Expected unsafe request id to be replaced")
	}
	if _, err := uuid.Parse(got); err != nil {
		t.Errorf("Expected a UUID request id, got %q", got)
	}
}

func TestCORSWildcard(t *testing.T) {
	r := newRouter(config.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           time.Hour,
	})

	req := httptest.NewRequest(http.MethodOptions, "/images/Curie_v1/", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 for preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected wildcard origin, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Expected no credentials with wildcard origin, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "3600" {
		t.Errorf("Expected max age 3600, got %q", got)
	}
}

func TestCORSExplicitOrigin(t *testing.T) {
	r := newRouter(config.CORSConfig{
		AllowOrigins:     []string{"https://curie.example.com"},
		AllowCredentials: true,
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://curie.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://curie.example.com" {
		t.Errorf("Expected explicit origin echoed, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Expected credentials allowed, got %q", got)
	}
}

func TestCORSRejectedOrigin(t *testing.T) {
	r := newRouter(config.CORSConfig{
		AllowOrigins: []string{"https://curie.example.com"},
	})

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for disallowed preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no allow-origin header, got %q", got)
	}
}

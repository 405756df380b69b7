package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 5, CleanupInterval: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("test-ip") {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow("test-ip") {
		t.Error("Request after burst should be denied")
	}

	time.Sleep(1100 * time.Millisecond)

	if !limiter.Allow("test-ip") {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 3, CleanupInterval: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterEvictsIdleClients(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 1, CleanupInterval: time.Hour})
	defer limiter.Stop()

	limiter.Allow("a")
	limiter.Allow("b")
	if got := limiter.Clients(); got != 2 {
		t.Fatalf("Expected 2 clients, got %d", got)
	}

	limiter.evict(time.Now().Add(time.Second))
	if got := limiter.Clients(); got != 0 {
		t.Errorf("Expected idle clients evicted, got %d", got)
	}
}

func TestLimiterStopTwice(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	limiter.Stop()
}

func TestMiddlewareKeysByActor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerSecond: 0.001, BurstSize: 1, CleanupInterval: time.Minute})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(actor string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if actor != "" {
			req.Header.Set("X-Actor-ID", actor)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("funder_1"); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if code := send("funder_1"); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 for second request, got %d", code)
	}
	if code := send("funder_2"); code != http.StatusOK {
		t.Errorf("Expected a different actor to pass, got %d", code)
	}
	if code := send(""); code != http.StatusOK {
		t.Errorf("Expected anonymous IP bucket to pass, got %d", code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerSecond != 100 {
		t.Errorf("Expected 100 requests/sec, got %v", cfg.RequestsPerSecond)
	}
	if cfg.BurstSize != 20 {
		t.Errorf("Expected burst size 20, got %d", cfg.BurstSize)
	}
}

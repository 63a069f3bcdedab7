package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.OPTIONS("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestLimiter_Middleware(t *testing.T) {
	lim := NewLimiter(rate.Every(time.Hour), 2, time.Minute, ByIPAndRoute)
	defer lim.Stop()
	r := newEngine(lim.Middleware())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// a different client has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("second client code = %d, want 200", w.Code)
	}
}

func TestLimiter_Sweep(t *testing.T) {
	lim := NewLimiter(rate.Every(time.Hour), 1, time.Minute, ByIP)
	defer lim.Stop()
	lim.Allow("a")
	lim.sweep(time.Now().Add(2 * time.Minute))

	if !lim.Allow("a") {
		t.Error("expired bucket should be recreated with a fresh token")
	}
	lim.Stop()
	lim.Stop()
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		env        string
		origin     string
		method     string
		wantAllow  string
		wantStatus int
	}{
		{"allowed origin", "prod", "https://app.example", http.MethodGet, "https://app.example", 200},
		{"foreign origin", "prod", "https://evil.example", http.MethodGet, "", 200},
		{"dev reflects any origin", "dev", "https://evil.example", http.MethodGet, "https://evil.example", 200},
		{"preflight", "prod", "https://app.example", http.MethodOptions, "https://app.example", http.StatusNoContent},
		{"no origin", "prod", "", http.MethodGet, "", 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newEngine(CORS(tt.env, []string{"https://app.example"}))
			req := httptest.NewRequest(tt.method, "/ping", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

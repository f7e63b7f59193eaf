package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNewRateLimiter(t *testing.T) {
	t.Run("valid configuration", func(t *testing.T) {
		mw, err := NewRateLimiter("10-M")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mw == nil {
			t.Fatal("expected non-nil middleware")
		}
	})

	t.Run("invalid format", func(t *testing.T) {
		if _, err := NewRateLimiter("ten per minute"); err == nil {
			t.Fatal("expected error for invalid rate format")
		}
	})

	t.Run("requests exceeding limit rejected", func(t *testing.T) {
		mw, err := NewRateLimiter("2-M")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		gin.SetMode(gin.TestMode)
		r := gin.New()
		r.Use(mw)
		r.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		})

		var last int
		for i := 0; i < 3; i++ {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/ping", nil)
			req.RemoteAddr = "127.0.0.1:12345"
			r.ServeHTTP(w, req)
			last = w.Code
		}
		if last != http.StatusTooManyRequests {
			t.Fatalf("third request status = %d, want 429", last)
		}
	})
}

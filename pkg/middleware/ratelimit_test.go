package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TestIPRateLimiter はIP単位のレート制限を検証する。
func TestIPRateLimiter(t *testing.T) {
	t.Parallel()

	t.Run("バースト上限までは許可され超過すると拒否されること", func(t *testing.T) {
		t.Parallel()

		l := NewIPRateLimiter(1, 3, zap.NewNop())
		for i := range 3 {
			if !l.Allow("10.0.0.1") {
				t.Fatalf("%d回目のリクエストが拒否された", i+1)
			}
		}
		if l.Allow("10.0.0.1") {
			t.Error("バースト超過後のリクエストが許可された")
		}
	})

	t.Run("IPごとに独立して制限されること", func(t *testing.T) {
		t.Parallel()

		l := NewIPRateLimiter(1, 1, zap.NewNop())
		if !l.Allow("10.0.0.1") {
			t.Fatal("10.0.0.1の最初のリクエストが拒否された")
		}
		if !l.Allow("10.0.0.2") {
			t.Error("10.0.0.2の最初のリクエストが拒否された")
		}
	})

	t.Run("Cleanupで古いIPのリミッターが破棄されること", func(t *testing.T) {
		t.Parallel()

		l := NewIPRateLimiter(1, 1, zap.NewNop())
		l.Allow("10.0.0.1")
		l.Cleanup(time.Now().Add(visitorTTL + time.Minute))

		l.mu.Lock()
		defer l.mu.Unlock()
		if len(l.visitors) != 0 {
			t.Errorf("visitors = %d, want 0", len(l.visitors))
		}
	})

	t.Run("制限超過時に429が返ること", func(t *testing.T) {
		t.Parallel()

		l := NewIPRateLimiter(1, 1, zap.NewNop())
		router := gin.New()
		router.Use(l.Handler())
		router.GET("/test", func(c *gin.Context) {
			c.Status(http.StatusOK)
		})

		codes := make([]int, 0, 2)
		for range 2 {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.RemoteAddr = "192.0.2.1:1234"
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			codes = append(codes, w.Code)
		}

		if codes[0] != http.StatusOK {
			t.Errorf("1回目 = %d, want %d", codes[0], http.StatusOK)
		}
		if codes[1] != http.StatusTooManyRequests {
			t.Errorf("2回目 = %d, want %d", codes[1], http.StatusTooManyRequests)
		}
	})
}

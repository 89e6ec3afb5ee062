package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// visitorTTL は最終アクセスからこの時間が経過したIPのリミッターを破棄する。
const visitorTTL = 5 * time.Minute

// IPRateLimiter はクライアントIPごとにトークンバケットでHTTPリクエストを制限する。
type IPRateLimiter struct {
	// mu はvisitorsへの並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// visitors はIPごとのリミッター。
	visitors map[string]*visitor
	// limit は1秒あたりの補充レート。
	limit rate.Limit
	// burst はバケット容量。
	burst int
	// logger は制限超過の記録に使用するロガー。
	logger *zap.Logger
}

// visitor はIPごとのリミッターと最終アクセス時刻。
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter は1分あたりperMinute件、最大burst件のバーストを許容するリミッターを生成する。
func NewIPRateLimiter(perMinute, burst int, logger *zap.Logger) *IPRateLimiter {
	return &IPRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		logger:   logger,
	}
}

// Allow は指定IPからのリクエストを許可するかどうかを返す。
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()

	return v.limiter.Allow()
}

// Cleanup は一定時間アクセスの無いIPのリミッターを破棄する。
func (l *IPRateLimiter) Cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-visitorTTL)
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
		}
	}
}

// Handler はレート制限を適用するGinミドルウェアを返す。
// 制限を超えたリクエストには429を返す。
func (l *IPRateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.Allow(ip) {
			l.logger.Warn("HTTPレート制限を超過しました",
				zap.String("ip", ip),
				zap.String("path", c.Request.URL.Path),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "リクエストが多すぎます。しばらくしてから再試行してください",
			})
			return
		}
		c.Next()
	}
}

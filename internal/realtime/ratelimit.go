package realtime

import (
	"sync"
	"time"
)

const (
	// DefaultRateLimitWindow はコマンド数を数える窓の長さ。
	DefaultRateLimitWindow = time.Minute
	// DefaultRateLimitMaxMessages は1窓あたりに許可するコマンド数。
	DefaultRateLimitMaxMessages = 100
)

// RateLimiter は接続ごとの受信コマンド数を固定窓で制限する。
// 窓が切れると全接続のカウンタをまとめてリセットする。
type RateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	counts    map[string]int
	lastReset time.Time
	now       func() time.Time
}

// NewRateLimiter は新しいRateLimiterを生成する。0以下の値は既定値を使う。
func NewRateLimiter(window time.Duration, maxMessages int) *RateLimiter {
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	if maxMessages <= 0 {
		maxMessages = DefaultRateLimitMaxMessages
	}
	l := &RateLimiter{
		window: window,
		max:    maxMessages,
		counts: make(map[string]int),
		now:    time.Now,
	}
	l.lastReset = l.now()
	return l
}

// IsLimited は接続IDのコマンドを破棄すべきかを返す。
// 許可した場合のみカウンタを進める。
func (l *RateLimiter) IsLimited(connID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastReset) > l.window {
		clear(l.counts)
		l.lastReset = now
	}

	count := l.counts[connID]
	if count >= l.max {
		return true
	}
	l.counts[connID] = count + 1
	return false
}

// Forget は切断した接続のカウンタを破棄する。
func (l *RateLimiter) Forget(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, connID)
}

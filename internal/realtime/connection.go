package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Connection は1人のユーザーに属する1本のWebSocket接続。
type Connection struct {
	// id は接続ID。
	id string
	// userID は認証済みの所有ユーザー。
	userID int64
	// token は接続時に提示されたトークン。コマンドごとに再検証する。
	token string
	ws    *websocket.Conn
	// send は送信待ちのフレーム。満杯の場合は破棄する。
	send chan []byte

	// holding の間はフレームをheldに溜め、openで最初のフレームの後に流す。
	mu      sync.Mutex
	holding bool
	held    [][]byte

	pingInterval time.Duration
	writeTimeout time.Duration

	cancelOnce sync.Once
	cancel     context.CancelFunc
}

func newConnection(ws *websocket.Conn, userID int64, token string, opts Options) *Connection {
	return &Connection{
		id:           uuid.NewString(),
		userID:       userID,
		token:        token,
		ws:           ws,
		send:         make(chan []byte, opts.SendBuffer),
		holding:      true,
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
	}
}

// ID は接続IDを返す。
func (c *Connection) ID() string { return c.id }

// UserID は所有ユーザーのIDを返す。
func (c *Connection) UserID() int64 { return c.userID }

// Send はフレームを送信キューに積む。キューが満杯の場合はfalseを返す。
func (c *Connection) Send(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holding {
		if len(c.held) >= cap(c.send) {
			return false
		}
		c.held = append(c.held, b)
		return true
	}
	return c.enqueue(b)
}

// open はfirstを先頭に積み、溜めていたフレームを続けて送信キューへ移す。
// firstがnilの場合は溜めていたフレームのみ移す。firstを積めなかった場合はfalseを返す。
func (c *Connection) open(first []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := first == nil || c.enqueue(first)
	for _, b := range c.held {
		c.enqueue(b)
	}
	c.held = nil
	c.holding = false
	return ok
}

func (c *Connection) enqueue(b []byte) bool {
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// stop は接続のポンプを停止させる。
func (c *Connection) stop() {
	c.cancelOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
	})
}

// readPump はメッセージを読み続け、1件ずつhandleへ渡す。
// handleがエラーを返すと読み込みを終了する。
func (c *Connection) readPump(ctx context.Context, maxSize int64, handle func(context.Context, []byte) error) error {
	c.ws.SetReadLimit(maxSize)
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("受信に失敗しました: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := handle(ctx, data); err != nil {
			return err
		}
	}
}

// writePump は送信キューのフレームを書き出し、定期的にPingを送る。
func (c *Connection) writePump(ctx context.Context) error {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-c.send:
			if err := c.write(ctx, b); err != nil {
				return err
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("pingの送信に失敗しました: %w", err)
			}
		}
	}
}

func (c *Connection) write(ctx context.Context, b []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("送信に失敗しました: %w", err)
	}
	return nil
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/nao1215/staffhub/internal/notification"
	"github.com/nao1215/staffhub/pkg/metrics"
	"github.com/nao1215/staffhub/pkg/middleware"
)

// errTokenRejected はコマンド処理時にトークンが無効だった場合のエラー。
var errTokenRejected = errors.New("トークンが無効になりました")

// NotificationService はゲートウェイが中継する通知サービスの操作。
type NotificationService interface {
	GetUnreadCount(ctx context.Context, userID int64) (int, error)
	FindByUser(ctx context.Context, userID int64, limit int) ([]notification.Notification, error)
	MarkAsReadForUser(ctx context.Context, userID, id int64) (notification.Notification, error)
	MarkAllAsRead(ctx context.Context, userID int64) (int64, error)
}

// Options はゲートウェイの設定。
type Options struct {
	// JWTSecret はトークン検証に使う秘密鍵。
	JWTSecret string
	// AllowedOrigins は接続を許可するOrigin。"*" は全て許可する。
	AllowedOrigins []string
	// PingInterval はPingの送信間隔。
	PingInterval time.Duration
	// WriteTimeout は1フレームの書き込み期限。
	WriteTimeout time.Duration
	// MaxMessageSize は受信メッセージの最大バイト数。
	MaxMessageSize int64
	// SendBuffer は接続ごとの送信キュー長。
	SendBuffer int
	// SnapshotOnConnect は接続時に未読数と最近の通知を送るかどうか。
	SnapshotOnConnect bool
	// RecentLimit は接続時に送る最近の通知の件数。
	RecentLimit int
}

func (o *Options) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.RecentLimit <= 0 {
		o.RecentLimit = 5
	}
}

// Gateway はWebSocket接続の受付とイベント配信を行う。
// notification.Pusherを実装する。
type Gateway struct {
	opts     Options
	service  NotificationService
	registry *Registry
	limiter  *RateLimiter
	logger   *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
	// relay は複数インスタンス間の中継先。nilの場合はローカルにのみ配信する。
	relay Relay
}

var _ notification.Pusher = (*Gateway)(nil)

// NewGateway は新しいGatewayを生成する。
func NewGateway(service NotificationService, limiter *RateLimiter, opts Options, logger *zap.Logger) *Gateway {
	opts.setDefaults()
	if limiter == nil {
		limiter = NewRateLimiter(DefaultRateLimitWindow, DefaultRateLimitMaxMessages)
	}
	return &Gateway{
		opts:     opts,
		service:  service,
		registry: NewRegistry(),
		limiter:  limiter,
		logger:   logger.Named("realtime"),
		conns:    make(map[string]*Connection),
	}
}

// SetRelay は配信を中継するRelayを設定する。接続の受付開始前に呼び出すこと。
func (g *Gateway) SetRelay(r Relay) {
	g.relay = r
}

// Registry は接続の対応表を返す。
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// ServeHTTP はトークンを検証してWebSocketへアップグレードし、切断まで接続を処理する。
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := handshakeToken(r)
	if !ok {
		g.reject(w, "トークンがありません")
		return
	}
	identity, err := middleware.VerifyToken(g.opts.JWTSecret, token)
	if err != nil {
		g.reject(w, "無効なトークンです")
		return
	}

	ws, err := websocket.Accept(w, r, g.acceptOptions())
	if err != nil {
		g.logger.Warn("WebSocketのアップグレードに失敗しました", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	conn := newConnection(ws, identity.UserID, token, g.opts)
	conn.cancel = cancel
	defer conn.stop()

	// 挨拶より先に登録する。挨拶までに届いた配信は保留される
	g.attach(conn)
	defer g.detach(conn)
	if err := g.greet(ctx, conn); err != nil {
		g.logger.Warn("接続確立イベントの生成に失敗しました", zap.Int64("user_id", conn.userID), zap.Error(err))
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return conn.writePump(ctx) })
	eg.Go(func() error {
		return conn.readPump(ctx, g.opts.MaxMessageSize, func(ctx context.Context, data []byte) error {
			return g.handleMessage(ctx, conn, data)
		})
	})
	err = eg.Wait()

	switch {
	case errors.Is(err, errTokenRejected):
		_ = ws.Close(websocket.StatusPolicyViolation, "トークンが無効です")
	default:
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}
}

// handshakeToken はクエリのtokenまたはAuthorizationヘッダーからトークンを取り出す。
func handshakeToken(r *http.Request) (string, bool) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return middleware.BearerToken(r.Header.Get("Authorization"))
}

func (g *Gateway) reject(w http.ResponseWriter, msg string) {
	metrics.ConnectionsRejected.Inc()
	g.logger.Info("接続を拒否しました", zap.String("reason", msg))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (g *Gateway) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, origin := range g.opts.AllowedOrigins {
		if origin == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
		}
	}
	return opts
}

// greet はconnection_establishedを送信キューの先頭に積み、保留していた配信を解放する。
// 登録後に届いた配信はconnection_establishedの後に送られる。
func (g *Gateway) greet(ctx context.Context, conn *Connection) error {
	b, err := g.establishedFrame(ctx, conn)
	if err != nil {
		conn.open(nil)
		return err
	}
	if !conn.open(b) {
		metrics.EventsDropped.Inc()
		return errors.New("送信キューが満杯です")
	}
	metrics.EventsPushed.WithLabelValues(EventConnectionEstablished).Inc()
	return nil
}

func (g *Gateway) establishedFrame(ctx context.Context, conn *Connection) ([]byte, error) {
	data := establishedData{UserID: conn.userID}
	if g.opts.SnapshotOnConnect {
		unread, err := g.service.GetUnreadCount(ctx, conn.userID)
		if err != nil {
			return nil, err
		}
		recent, err := g.service.FindByUser(ctx, conn.userID, g.opts.RecentLimit)
		if err != nil {
			return nil, err
		}
		if recent == nil {
			recent = []notification.Notification{}
		}
		data.UnreadCount = &unread
		data.RecentNotifications = recent
	}
	return encodeFrame(EventConnectionEstablished, data)
}

func (g *Gateway) attach(conn *Connection) {
	g.mu.Lock()
	g.conns[conn.id] = conn
	g.registry.Add(conn.userID, conn.id)
	g.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	g.logger.Info("接続しました", zap.Int64("user_id", conn.userID), zap.String("conn_id", conn.id))
}

func (g *Gateway) detach(conn *Connection) {
	g.mu.Lock()
	delete(g.conns, conn.id)
	g.registry.Remove(conn.id)
	g.mu.Unlock()

	g.limiter.Forget(conn.id)
	metrics.ConnectionsActive.Dec()
	g.logger.Info("切断しました", zap.Int64("user_id", conn.userID), zap.String("conn_id", conn.id))
}

// handleMessage は受信した1件のメッセージを処理する。
// トークンが無効になった場合のみエラーを返して接続を閉じさせる。
func (g *Gateway) handleMessage(ctx context.Context, conn *Connection, data []byte) error {
	if g.limiter.IsLimited(conn.id) {
		metrics.CommandsRateLimited.Inc()
		g.logger.Warn("レート制限によりコマンドを破棄しました", zap.String("conn_id", conn.id))
		g.emitError(conn, rateLimitMessage)
		return nil
	}

	if _, err := middleware.VerifyToken(g.opts.JWTSecret, conn.token); err != nil {
		g.logger.Info("トークンが無効になったため切断します", zap.Int64("user_id", conn.userID), zap.Error(err))
		return errTokenRejected
	}

	cmd, err := ParseCommand(data)
	if err != nil {
		g.logger.Warn("コマンドを解釈できません", zap.String("conn_id", conn.id), zap.Error(err))
		return nil
	}
	metrics.CommandsReceived.WithLabelValues(commandLabel(cmd)).Inc()

	switch c := cmd.(type) {
	case MarkAsRead:
		// 対象ユーザーは常に接続の所有者
		if _, err := g.service.MarkAsReadForUser(ctx, conn.userID, c.NotificationID); err != nil {
			g.logger.Warn("既読化に失敗しました",
				zap.Int64("user_id", conn.userID),
				zap.Int64("notification_id", c.NotificationID),
				zap.Error(err),
			)
		}
	case MarkAllAsRead:
		if _, err := g.service.MarkAllAsRead(ctx, conn.userID); err != nil {
			g.logger.Warn("全件既読化に失敗しました", zap.Int64("user_id", conn.userID), zap.Error(err))
		}
	case GetNotifications:
		list, err := g.service.FindByUser(ctx, conn.userID, 0)
		if err != nil {
			g.logger.Warn("通知一覧の取得に失敗しました", zap.Int64("user_id", conn.userID), zap.Error(err))
			return nil
		}
		if list == nil {
			list = []notification.Notification{}
		}
		b, err := encodeFrame(EventNotifications, notificationsData{Notifications: list})
		if err != nil {
			g.logger.Warn("通知一覧のエンコードに失敗しました", zap.Error(err))
			return nil
		}
		g.sendTo(conn, EventNotifications, b)
	case Unknown:
		g.logger.Info("未知のイベントを無視しました", zap.String("event", c.Name), zap.String("conn_id", conn.id))
	}
	return nil
}

// commandLabel はメトリクスのラベル値を返す。未知のイベント名はまとめる。
func commandLabel(cmd Command) string {
	if _, ok := cmd.(Unknown); ok {
		return "unknown"
	}
	return cmd.Event()
}

func (g *Gateway) emitError(conn *Connection, msg string) {
	b, err := encodeFrame(EventError, errorData{Message: msg})
	if err != nil {
		return
	}
	g.sendTo(conn, EventError, b)
}

// sendTo は1つの接続へフレームを送る。
func (g *Gateway) sendTo(conn *Connection, event string, b []byte) {
	if !conn.Send(b) {
		metrics.EventsDropped.Inc()
		g.logger.Warn("送信キューが満杯のためイベントを破棄しました",
			zap.String("event", event),
			zap.String("conn_id", conn.id),
		)
		return
	}
	metrics.EventsPushed.WithLabelValues(event).Inc()
}

// SendNotificationToUser は新着通知と未読数をユーザーの全接続へ送る。
func (g *Gateway) SendNotificationToUser(ctx context.Context, userID int64, n notification.Notification, unreadCount int) {
	g.emitToUser(ctx, userID, EventNewNotification, n)
	if unreadCount >= 0 {
		g.emitToUser(ctx, userID, EventUnreadCount, unreadCountData{Count: unreadCount})
	}
}

// NotifyRead は既読状態の変更をユーザーの全接続へ送る。
func (g *Gateway) NotifyRead(ctx context.Context, userID, notificationID int64, unreadCount int) {
	data := notificationReadData{NotificationID: notificationID}
	if unreadCount >= 0 {
		data.UnreadCount = &unreadCount
	}
	g.emitToUser(ctx, userID, EventNotificationRead, data)
}

// NotifyAllRead は全件既読をユーザーの全接続へ送る。
func (g *Gateway) NotifyAllRead(ctx context.Context, userID int64) {
	g.emitToUser(ctx, userID, EventAllNotificationsRead, allReadData{UnreadCount: 0})
}

// SendUnreadCount は未読数をユーザーの全接続へ送る。
func (g *Gateway) SendUnreadCount(ctx context.Context, userID int64, count int) {
	g.emitToUser(ctx, userID, EventUnreadCount, unreadCountData{Count: count})
}

// Broadcast は接続中の全クライアントへ送る。
func (g *Gateway) Broadcast(ctx context.Context, payload json.RawMessage) {
	b, err := encodeFrame(EventBroadcast, payload)
	if err != nil {
		g.logger.Warn("全体通知のエンコードに失敗しました", zap.Error(err))
		return
	}
	g.dispatch(ctx, Delivery{Broadcast: true, Event: EventBroadcast, Frame: b})
}

func (g *Gateway) emitToUser(ctx context.Context, userID int64, event string, data any) {
	b, err := encodeFrame(event, data)
	if err != nil {
		g.logger.Warn("イベントのエンコードに失敗しました", zap.String("event", event), zap.Error(err))
		return
	}
	g.dispatch(ctx, Delivery{UserID: userID, Event: event, Frame: b})
}

// dispatch はRelayがあればRelayへ、なければローカルの接続へ配信する。
// Relayへの発行に失敗した場合はローカルに配信する。
func (g *Gateway) dispatch(ctx context.Context, d Delivery) {
	if g.relay != nil {
		err := g.relay.Publish(ctx, d)
		if err == nil {
			return
		}
		g.logger.Warn("中継への発行に失敗したためローカルに配信します", zap.String("event", d.Event), zap.Error(err))
	}
	g.Deliver(d)
}

// Deliver はこのインスタンスに接続しているクライアントへ配信する。
// 対象ユーザーの接続が無い場合は何もしない。
func (g *Gateway) Deliver(d Delivery) int {
	g.mu.RLock()
	var targets []*Connection
	if d.Broadcast {
		targets = make([]*Connection, 0, len(g.conns))
		for _, c := range g.conns {
			targets = append(targets, c)
		}
	} else {
		for _, id := range g.registry.Connections(d.UserID) {
			if c, ok := g.conns[id]; ok {
				targets = append(targets, c)
			}
		}
	}
	g.mu.RUnlock()

	for _, c := range targets {
		g.sendTo(c, d.Event, d.Frame)
	}
	return len(targets)
}

// CloseAll は全接続を終了させる。シャットダウン時に使う。
func (g *Gateway) CloseAll() {
	g.mu.RLock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		c.stop()
	}
	if len(conns) > 0 {
		g.logger.Info("全接続を終了しました", zap.Int("connections", len(conns)))
	}
}

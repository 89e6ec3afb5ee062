package notification

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/staffhub/pkg/metrics"
	"github.com/nao1215/staffhub/pkg/middleware"
)

// ServerConfig はREST APIサーバーの設定。
type ServerConfig struct {
	// JWTSecret はBearerトークンの検証に使う秘密鍵。
	JWTSecret string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// RateLimitPerMinute はIPごとの1分あたりのリクエスト数。
	RateLimitPerMinute int
	// RateLimitBurst はIPごとのバースト許容数。
	RateLimitBurst int
	// WebSocket は /ws にマウントするWebSocketハンドラー。nilの場合はマウントしない。
	WebSocket http.Handler
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// service は通知のドメインロジック。
	service *Service
	// limiter はIP単位のレート制限。
	limiter *middleware.IPRateLimiter
	// logger はサーバーのロガー。
	logger *zap.Logger
}

// NewServer は新しい通知サーバーを生成し、ルーティングを設定する。
func NewServer(cfg ServerConfig, service *Service, logger *zap.Logger) *Server {
	logger = logger.Named("http")

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:  router,
		service: service,
		limiter: middleware.NewIPRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst, logger),
		logger:  logger,
	}
	s.setupRoutes(cfg)
	return s
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Limiter はREST APIのレート制限を返す。定期的なCleanupに使う。
func (s *Server) Limiter() *middleware.IPRateLimiter {
	return s.limiter
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(cfg ServerConfig) {
	api := s.router.Group("/api/v1")
	api.Use(s.limiter.Handler())
	api.Use(middleware.JWTAuth(cfg.JWTSecret))
	{
		notifications := api.Group("/notifications")
		creators := middleware.RequireRole(middleware.RoleAdmin, middleware.RoleTeamLeader)
		admins := middleware.RequireRole(middleware.RoleAdmin)

		// 通知一覧取得
		notifications.GET("", s.handleList())
		// ページング付き通知一覧取得
		notifications.GET("/paginated", s.handleListPaginated())
		// カテゴリ別通知一覧取得
		notifications.GET("/type/:category", s.handleListByType())
		// 未読数取得
		notifications.GET("/unread-count", s.handleUnreadCount())
		// 通知取得
		notifications.GET("/:id", s.handleGet())
		// 通知作成
		notifications.POST("", creators, s.handleCreate())
		// 一括作成
		notifications.POST("/bulk", creators, s.handleCreateBulk())
		// 部署メンバー全員へ作成
		notifications.POST("/department/:id", creators, s.handleCreateForDepartment())
		// 接続中の全クライアントへ配信
		notifications.POST("/broadcast", admins, s.handleBroadcast())
		// 既読状態の変更
		notifications.PATCH("/:id/read", s.handleMarkAsRead())
		// 複数通知を既読にする
		notifications.PATCH("/read", s.handleMarkMultipleAsRead())
		// 全通知を既読にする
		notifications.PATCH("/read-all", s.handleMarkAllAsRead())
		// 通知削除
		notifications.DELETE("/:id", admins, s.handleDelete())
	}

	if cfg.WebSocket != nil {
		s.router.GET("/ws", gin.WrapH(cfg.WebSocket))
	}

	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
}

// respondError はドメインエラーをHTTPステータスに変換してレスポンスする。
// 500の場合は詳細をログにのみ記録する。
func (s *Server) respondError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidCategory),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidRecipient):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error(msg, zap.Error(err), zap.String("path", c.Request.URL.Path))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

// parseIDParam はパスパラメータを正の整数IDとして取得する。失敗時は400を返してfalseを返す。
func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "IDが不正です"})
		return 0, false
	}
	return id, true
}

// queryInt はクエリパラメータを整数として取得する。未指定の場合はdefを返す。
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + "が不正です"})
		return 0, false
	}
	return v, true
}

// canAccess は呼び出し元が通知の所有者または管理者かどうかを返す。
func canAccess(c *gin.Context, n Notification) bool {
	return n.UserID == middleware.GetUserID(c) || middleware.GetRole(c) == middleware.RoleAdmin
}

// handleList は通知一覧を返すハンドラ。
// 管理者はuser_idで対象ユーザーを指定でき、省略時は全通知を返す。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		limit, ok := queryInt(c, "limit", 0)
		if !ok {
			return
		}

		isAdmin := middleware.GetRole(c) == middleware.RoleAdmin
		if raw := c.Query("user_id"); raw != "" {
			target, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || target <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "user_idが不正です"})
				return
			}
			if target != userID && !isAdmin {
				c.JSON(http.StatusForbidden, gin.H{"error": "この操作を行う権限がありません"})
				return
			}
			userID = target
		} else if isAdmin {
			all, err := s.service.FindAll(c.Request.Context())
			if err != nil {
				s.respondError(c, err, "通知一覧の取得に失敗しました")
				return
			}
			if limit > 0 && len(all) > limit {
				all = all[:limit]
			}
			c.JSON(http.StatusOK, all)
			return
		}

		list, err := s.service.FindByUser(c.Request.Context(), userID, limit)
		if err != nil {
			s.respondError(c, err, "通知一覧の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// handleListPaginated は認証済みユーザーの通知をページ単位で返すハンドラ。
func (s *Server) handleListPaginated() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, ok := queryInt(c, "page", 1)
		if !ok {
			return
		}
		pageSize, ok := queryInt(c, "page_size", DefaultPageSize)
		if !ok {
			return
		}

		result, err := s.service.FindByUserPaginated(c.Request.Context(), middleware.GetUserID(c), page, pageSize)
		if err != nil {
			s.respondError(c, err, "通知一覧の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// handleListByType は認証済みユーザーの指定カテゴリの通知を返すハンドラ。
func (s *Server) handleListByType() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := s.service.FindByType(c.Request.Context(), middleware.GetUserID(c), c.Param("category"))
		if err != nil {
			s.respondError(c, err, "通知一覧の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// handleUnreadCount は認証済みユーザーの未読数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := s.service.GetUnreadCount(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			s.respondError(c, err, "未読数の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleGet は通知を1件返すハンドラ。所有者と管理者のみ参照できる。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		n, err := s.service.FindOne(c.Request.Context(), id)
		if err != nil {
			s.respondError(c, err, "通知の取得に失敗しました")
			return
		}
		if !canAccess(c, n) {
			c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

// createRequest は通知作成リクエストのJSON構造。
type createRequest struct {
	// UserID は通知先のユーザーID。
	UserID int64 `json:"user_id" binding:"required"`
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required"`
	// Content は通知本文。
	Content string `json:"content" binding:"required"`
	// Type は通知カテゴリ。省略時はGeneral。
	Type string `json:"type"`
}

// handleCreate は通知を作成して通知先へ配信するハンドラ。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}

		n, err := s.service.Create(c.Request.Context(), CreateInput{
			UserID:  req.UserID,
			Title:   req.Title,
			Content: req.Content,
			Type:    req.Type,
		})
		if err != nil {
			s.respondError(c, err, "通知の作成に失敗しました")
			return
		}
		c.JSON(http.StatusCreated, n)
	}
}

// bulkRequest は一括作成リクエストのJSON構造。
type bulkRequest struct {
	// UserIDs は通知先のユーザーID一覧。
	UserIDs []int64 `json:"user_ids" binding:"required"`
	Title   string  `json:"title" binding:"required"`
	Content string  `json:"content" binding:"required"`
	Type    string  `json:"type"`
}

// handleCreateBulk は複数ユーザーへ通知を作成するハンドラ。
// 一部のユーザーで失敗しても200で結果を返す。
func (s *Server) handleCreateBulk() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bulkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}

		result, err := s.service.CreateBulk(c.Request.Context(), req.UserIDs, req.Title, req.Content, req.Type)
		if err != nil {
			s.respondError(c, err, "一括通知の作成に失敗しました")
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// departmentRequest は部署宛て作成リクエストのJSON構造。
type departmentRequest struct {
	Title   string `json:"title" binding:"required"`
	Content string `json:"content" binding:"required"`
	Type    string `json:"type"`
}

// handleCreateForDepartment は部署メンバー全員へ通知を作成するハンドラ。
func (s *Server) handleCreateForDepartment() gin.HandlerFunc {
	return func(c *gin.Context) {
		departmentID, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var req departmentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}

		result, err := s.service.CreateForDepartment(c.Request.Context(), departmentID, req.Title, req.Content, req.Type)
		if err != nil {
			s.respondError(c, err, "部署宛て通知の作成に失敗しました")
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// handleBroadcast は任意のJSONを接続中の全クライアントへ配信するハンドラ。
func (s *Server) handleBroadcast() gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload json.RawMessage
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}
		if err := s.service.Broadcast(c.Request.Context(), payload); err != nil {
			s.respondError(c, err, "全体通知の配信に失敗しました")
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message": "全体通知を配信しました"})
	}
}

// markAsReadRequest は既読状態変更リクエストのJSON構造。
type markAsReadRequest struct {
	// IsRead は設定する既読状態。省略時はtrue。
	IsRead *bool `json:"is_read"`
}

// handleMarkAsRead は指定された通知の既読状態を変更するハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}

		var req markAsReadRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
				return
			}
		}
		isRead := true
		if req.IsRead != nil {
			isRead = *req.IsRead
		}

		// 通知の存在確認と所有者チェック
		n, err := s.service.FindOne(c.Request.Context(), id)
		if err != nil {
			s.respondError(c, err, "通知の取得に失敗しました")
			return
		}
		if !canAccess(c, n) {
			c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
			return
		}

		updated, err := s.service.MarkAsRead(c.Request.Context(), id, isRead)
		if err != nil {
			s.respondError(c, err, "通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

// markMultipleRequest は複数既読化リクエストのJSON構造。
type markMultipleRequest struct {
	NotificationIDs []int64 `json:"notification_ids" binding:"required"`
}

// handleMarkMultipleAsRead は認証済みユーザーの指定通知を既読にするハンドラ。
func (s *Server) handleMarkMultipleAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req markMultipleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}

		updated, err := s.service.MarkMultipleAsRead(c.Request.Context(), middleware.GetUserID(c), req.NotificationIDs)
		if err != nil {
			s.respondError(c, err, "通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		updated, err := s.service.MarkAllAsRead(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			s.respondError(c, err, "全通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}

// handleDelete は通知を削除するハンドラ。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		if err := s.service.Remove(c.Request.Context(), id); err != nil {
			s.respondError(c, err, "通知の削除に失敗しました")
			return
		}
		c.Status(http.StatusNoContent)
	}
}

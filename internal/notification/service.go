package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nao1215/staffhub/pkg/metrics"
)

const (
	// DefaultPageSize はページサイズ未指定時の件数。
	DefaultPageSize = 10
	// MaxPageSize はページサイズの上限。
	MaxPageSize = 100
)

// Pusher は接続中のクライアントへリアルタイムにイベントを届ける。
// 配信はベストエフォートで、接続が無い場合は何もしない。
type Pusher interface {
	// SendNotificationToUser は新着通知をユーザーの全接続へ送る。
	// unreadCountが負の場合は未読数イベントを送らない。
	SendNotificationToUser(ctx context.Context, userID int64, n Notification, unreadCount int)
	// NotifyRead は通知が既読になったことをユーザーの全接続へ送る。
	NotifyRead(ctx context.Context, userID, notificationID int64, unreadCount int)
	// NotifyAllRead は全通知が既読になったことをユーザーの全接続へ送る。
	NotifyAllRead(ctx context.Context, userID int64)
	// SendUnreadCount は未読数をユーザーの全接続へ送る。
	SendUnreadCount(ctx context.Context, userID int64, count int)
	// Broadcast は接続中の全クライアントへ送る。
	Broadcast(ctx context.Context, payload json.RawMessage)
}

// EventPublisher は通知作成のドメインイベントを外部へ発行する。
type EventPublisher interface {
	PublishNotificationSent(ctx context.Context, n Notification) error
}

// RecipientSyncer は通知先ユーザーをローカルの複製へ取り込むDirectory。
// Directoryがこれを実装している場合、作成前に通知先を同期する。
type RecipientSyncer interface {
	SyncRecipients(ctx context.Context, userIDs []int64) error
}

// nopPusher は配信先が未設定の場合に使う何もしないPusher。
type nopPusher struct{}

func (nopPusher) SendNotificationToUser(context.Context, int64, Notification, int) {}
func (nopPusher) NotifyRead(context.Context, int64, int64, int)                    {}
func (nopPusher) NotifyAllRead(context.Context, int64)                             {}
func (nopPusher) SendUnreadCount(context.Context, int64, int)                      {}
func (nopPusher) Broadcast(context.Context, json.RawMessage)                       {}

// Service は通知の作成と状態変更の唯一の窓口。
// 作成・既読化のたびにPusherへ配信を依頼する。
type Service struct {
	// store は通知の永続化層。
	store *Store
	// directory は部署メンバーの解決に使う。
	directory Directory
	// pusher はリアルタイム配信の依頼先。
	pusher Pusher
	// events はドメインイベントの発行先。nilの場合は発行しない。
	events EventPublisher
	// logger はサービスのロガー。
	logger *zap.Logger
}

// NewService は新しいServiceを生成する。
// Pusherはゲートウェイとの相互依存を解くため、生成後にSetPusherで設定する。
func NewService(store *Store, directory Directory, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		directory: directory,
		pusher:    nopPusher{},
		logger:    logger.Named("notification"),
	}
}

// SetPusher はリアルタイム配信の依頼先を設定する。リクエスト処理の開始前に呼び出すこと。
func (s *Service) SetPusher(p Pusher) {
	if p == nil {
		p = nopPusher{}
	}
	s.pusher = p
}

// SetEventPublisher はドメインイベントの発行先を設定する。リクエスト処理の開始前に呼び出すこと。
func (s *Service) SetEventPublisher(p EventPublisher) {
	s.events = p
}

// Create は通知を保存し、通知先ユーザーへ配信する。
// 通知先が存在しない場合は永続化層の参照整合性エラー（ErrInvalidRecipient）を返す。
func (s *Service) Create(ctx context.Context, in CreateInput) (Notification, error) {
	category, err := ParseCategory(in.Type)
	if err != nil {
		return Notification{}, err
	}
	if err := validateContent(in.Title, in.Content); err != nil {
		return Notification{}, err
	}
	if in.UserID <= 0 {
		return Notification{}, fmt.Errorf("%w: user_idは正の整数である必要があります", ErrInvalidArgument)
	}
	s.syncRecipients(ctx, []int64{in.UserID})
	return s.create(ctx, in.UserID, in.Title, in.Content, category)
}

// create は検証済みの入力で通知を1件作成して配信する。
func (s *Service) create(ctx context.Context, userID int64, title, content string, category Category) (Notification, error) {
	n := Notification{
		UserID:  userID,
		Title:   title,
		Content: content,
		Type:    category,
	}
	if err := s.store.Insert(ctx, &n); err != nil {
		return Notification{}, err
	}
	metrics.NotificationsCreated.WithLabelValues(string(category)).Inc()

	unread, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		s.logger.Warn("未読数の取得に失敗しました", zap.Int64("user_id", userID), zap.Error(err))
		unread = -1
	}
	s.pusher.SendNotificationToUser(ctx, userID, n, unread)

	if s.events != nil {
		if err := s.events.PublishNotificationSent(ctx, n); err != nil {
			s.logger.Warn("NotificationSentイベントの発行に失敗しました",
				zap.Int64("notification_id", n.ID), zap.Error(err))
		}
	}

	s.logger.Debug("通知を作成しました",
		zap.Int64("notification_id", n.ID),
		zap.Int64("user_id", userID),
		zap.String("type", string(category)),
	)
	return n, nil
}

// CreateBulk は複数ユーザーへ同じ通知を作成する。
// 個別の失敗はログに記録して結果から除外し、バッチ全体を失敗にはしない。
func (s *Service) CreateBulk(ctx context.Context, userIDs []int64, title, content, typ string) (BulkResult, error) {
	category, err := ParseCategory(typ)
	if err != nil {
		return BulkResult{}, err
	}
	if err := validateContent(title, content); err != nil {
		return BulkResult{}, err
	}
	if len(userIDs) == 0 {
		return BulkResult{}, fmt.Errorf("%w: user_idsが空です", ErrInvalidArgument)
	}

	s.syncRecipients(ctx, userIDs)

	result := BulkResult{
		Requested:     len(userIDs),
		FailedUserIDs: []int64{},
		Created:       make([]Notification, 0, len(userIDs)),
	}
	for _, id := range userIDs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		n, err := s.create(ctx, id, title, content, category)
		if err != nil {
			s.logger.Warn("一括通知の一部に失敗しました", zap.Int64("user_id", id), zap.Error(err))
			metrics.BulkFailures.Inc()
			result.FailedUserIDs = append(result.FailedUserIDs, id)
			continue
		}
		result.Succeeded++
		result.Created = append(result.Created, n)
	}

	s.logger.Info("一括通知を作成しました",
		zap.Int("requested", result.Requested),
		zap.Int("succeeded", result.Succeeded),
	)
	return result, nil
}

// syncRecipients は通知先をローカルの複製へ取り込む。
// 失敗しても作成は続行し、未登録の通知先は作成時にErrInvalidRecipientとなる。
func (s *Service) syncRecipients(ctx context.Context, userIDs []int64) {
	syncer, ok := s.directory.(RecipientSyncer)
	if !ok {
		return
	}
	if err := syncer.SyncRecipients(ctx, userIDs); err != nil {
		s.logger.Warn("通知先ユーザーの同期に失敗しました", zap.Int("users", len(userIDs)), zap.Error(err))
	}
}

// CreateForDepartment は部署メンバー全員へ通知を作成する。
// メンバーが0人の場合はErrNotFoundを返す。
func (s *Service) CreateForDepartment(ctx context.Context, departmentID int64, title, content, typ string) (BulkResult, error) {
	members, err := s.directory.DepartmentMembers(ctx, departmentID)
	if err != nil {
		return BulkResult{}, err
	}
	if len(members) == 0 {
		return BulkResult{}, fmt.Errorf("部署 %d: %w", departmentID, ErrNotFound)
	}
	return s.CreateBulk(ctx, members, title, content, typ)
}

// FindAll は全通知を新しい順に返す。
func (s *Service) FindAll(ctx context.Context) ([]Notification, error) {
	return s.store.ListAll(ctx)
}

// FindOne は指定IDの通知を返す。
func (s *Service) FindOne(ctx context.Context, id int64) (Notification, error) {
	return s.store.Get(ctx, id)
}

// FindByUser はユーザーの通知を新しい順に返す。limitが0以下の場合は全件。
func (s *Service) FindByUser(ctx context.Context, userID int64, limit int) ([]Notification, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// FindByUserPaginated はユーザーの通知をページ単位で返す。pageは1始まり。
func (s *Service) FindByUserPaginated(ctx context.Context, userID int64, page, pageSize int) (Page, error) {
	if page < 1 {
		return Page{}, fmt.Errorf("%w: pageは1以上である必要があります", ErrInvalidArgument)
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return Page{}, fmt.Errorf("%w: page_sizeは1から%dの範囲である必要があります", ErrInvalidArgument, MaxPageSize)
	}
	items, total, err := s.store.ListByUserPage(ctx, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// FindByType はユーザーの指定カテゴリの通知を新しい順に返す。
func (s *Service) FindByType(ctx context.Context, userID int64, typ string) ([]Notification, error) {
	if strings.TrimSpace(typ) == "" {
		return nil, fmt.Errorf("%w: カテゴリが指定されていません", ErrInvalidCategory)
	}
	category, err := ParseCategory(typ)
	if err != nil {
		return nil, err
	}
	return s.store.ListByCategory(ctx, userID, category)
}

// MarkAsRead は既読フラグを設定して更新後の通知を返す。何度呼んでも結果は同じ。
// 所有者の全接続へ既読状態の変更を配信する。
func (s *Service) MarkAsRead(ctx context.Context, id int64, isRead bool) (Notification, error) {
	if err := s.store.SetRead(ctx, id, isRead); err != nil {
		return Notification{}, err
	}
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	s.pushReadState(ctx, n)
	return n, nil
}

// MarkAsReadForUser はuserIDが所有する通知のみを既読にする。
// 他人の通知や存在しない通知はErrNotFoundを返す。
func (s *Service) MarkAsReadForUser(ctx context.Context, userID, id int64) (Notification, error) {
	if err := s.store.SetReadForUser(ctx, userID, id); err != nil {
		return Notification{}, err
	}
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	s.pushReadState(ctx, n)
	return n, nil
}

// pushReadState は所有者の最新の未読数とともに既読イベントを配信する。
func (s *Service) pushReadState(ctx context.Context, n Notification) {
	unread, err := s.store.CountUnread(ctx, n.UserID)
	if err != nil {
		s.logger.Warn("未読数の取得に失敗しました", zap.Int64("user_id", n.UserID), zap.Error(err))
		unread = -1
	}
	s.pusher.NotifyRead(ctx, n.UserID, n.ID, unread)
}

// MarkAllAsRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
// 未読が無い場合もエラーにしない。
func (s *Service) MarkAllAsRead(ctx context.Context, userID int64) (int64, error) {
	updated, err := s.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.pusher.NotifyAllRead(ctx, userID)
	return updated, nil
}

// MarkMultipleAsRead はユーザーが所有する指定IDの通知を既読にし、更新件数を返す。
func (s *Service) MarkMultipleAsRead(ctx context.Context, userID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: notification_idsが空です", ErrInvalidArgument)
	}
	updated, err := s.store.MarkReadByIDs(ctx, userID, ids)
	if err != nil {
		return 0, err
	}
	if updated > 0 {
		unread, err := s.store.CountUnread(ctx, userID)
		if err != nil {
			s.logger.Warn("未読数の取得に失敗しました", zap.Int64("user_id", userID), zap.Error(err))
		} else {
			s.pusher.SendUnreadCount(ctx, userID, unread)
		}
	}
	return updated, nil
}

// GetUnreadCount はユーザーの未読通知数を返す。
func (s *Service) GetUnreadCount(ctx context.Context, userID int64) (int, error) {
	return s.store.CountUnread(ctx, userID)
}

// Remove は通知を物理削除する。
func (s *Service) Remove(ctx context.Context, id int64) error {
	return s.store.Delete(ctx, id)
}

// Broadcast は接続中の全クライアントへペイロードを配信する。
func (s *Service) Broadcast(ctx context.Context, payload json.RawMessage) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return fmt.Errorf("%w: ペイロードが不正なJSONです", ErrInvalidArgument)
	}
	s.pusher.Broadcast(ctx, payload)
	s.logger.Info("全体通知を配信しました")
	return nil
}

// validateContent はタイトルと本文を検証する。
func validateContent(title, content string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: titleが空です", ErrInvalidArgument)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: contentが空です", ErrInvalidArgument)
	}
	return nil
}

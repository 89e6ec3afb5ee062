package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

const (
	// defaultTimeout はリクエスト全体のデフォルトタイムアウト。
	defaultTimeout = 30 * time.Second
	// defaultFailureThreshold はブレーカーを開く連続失敗回数。
	defaultFailureThreshold = 5
	// defaultOpenTimeout はブレーカーが開いてから半開状態に移るまでの時間。
	defaultOpenTimeout = 30 * time.Second
)

// ErrCircuitOpen はサーキットブレーカーが開いていて呼び出しが遮断されたことを表す。
var ErrCircuitOpen = errors.New("サーキットブレーカーが開いています")

// StatusError は接続先が2xx以外のステータスを返したことを表す。
type StatusError struct {
	// Code はHTTPステータスコード。
	Code int
	// Body はレスポンスボディ。
	Body string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.Code, e.Body)
}

// Client はサービス間通信用のHTTPクライアント。
// タイムアウトとサーキットブレーカーの設定を持つ。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
	// breaker は連続失敗時に呼び出しを遮断するサーキットブレーカー。
	breaker *gobreaker.CircuitBreaker
	// token は設定されている場合にAuthorizationヘッダーへ付与するBearerトークン。
	token string
	// onStateChange はブレーカーの状態遷移時に呼ばれるコールバック。
	onStateChange func(name string, from, to gobreaker.State)
	// failureThreshold はブレーカーを開く連続失敗回数。
	failureThreshold uint32
	// openTimeout はブレーカーが開いている時間。
	openTimeout time.Duration
}

// Option はClientの設定を変更する関数。
type Option func(*Client)

// WithTimeout はリクエストのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithBearerToken は全リクエストに付与するBearerトークンを設定する。
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithBreaker はサーキットブレーカーの閾値と開放時間を設定する。
func WithBreaker(failureThreshold uint32, openTimeout time.Duration) Option {
	return func(c *Client) {
		c.failureThreshold = failureThreshold
		c.openTimeout = openTimeout
	}
}

// WithStateChangeHook はブレーカーの状態遷移を受け取るコールバックを設定する。
func WithStateChangeHook(fn func(name string, from, to gobreaker.State)) Option {
	return func(c *Client) { c.onStateChange = fn }
}

// New は新しいサービス間通信用HTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://user-service:8081"）を指定する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		baseURL:          baseURL,
		failureThreshold: defaultFailureThreshold,
		openTimeout:      defaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	threshold := c.failureThreshold
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        baseURL,
		MaxRequests: 1,
		Timeout:     c.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// 4xxは接続先の障害ではないので失敗として数えない
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *StatusError
			return errors.As(err, &se) && se.Code < http.StatusInternalServerError
		},
		OnStateChange: c.onStateChange,
	})
	return c
}

// State は現在のサーキットブレーカーの状態を返す。
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, result)
}

// doJSON はサーキットブレーカー越しにJSONリクエストを実行する。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.send(ctx, method, path, body, result)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, c.baseURL)
	}
	return err
}

// send はJSON形式のHTTPリクエストを1回実行する。
func (c *Client) send(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// コンテキストからユーザーIDを伝播する
	if userID, ok := ctx.Value(contextKeyUserID).(int64); ok {
		req.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyUserID はコンテキストにユーザーIDを格納するためのキー。
const contextKeyUserID contextKey = "user_id"

// WithUserID はコンテキストにユーザーIDを設定する。
// サービス間通信時にユーザーIDを伝播するために使用する。
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, contextKeyUserID, userID)
}

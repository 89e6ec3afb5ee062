package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Role はユーザーの権限ロールを表す。
type Role string

const (
	// RoleAdmin は管理者ロール。
	RoleAdmin Role = "Admin"
	// RoleEmployee は一般社員ロール。
	RoleEmployee Role = "Employee"
	// RoleTeamLeader はチームリーダーロール。
	RoleTeamLeader Role = "TeamLeader"
	// RoleSeniorManager は上級管理職ロール。
	RoleSeniorManager Role = "SeniorManager"
)

// Issuer は本サービス群が発行するJWTのiss値。
const Issuer = "staffhub-auth"

// tokenTTL は発行するJWTの有効期間。
const tokenTTL = 24 * time.Hour

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
// ユーザーIDは標準クレームのsubに10進数文字列で格納する。
type JWTClaims struct {
	jwt.RegisteredClaims
	// Role は認証済みユーザーのロール。
	Role Role `json:"role"`
}

// Identity はトークン検証によって得られた認証済みユーザーの情報。
type Identity struct {
	// UserID は認証済みユーザーの一意識別子。
	UserID int64
	// Role は認証済みユーザーのロール。
	Role Role
}

// ErrInvalidToken はトークンの署名・形式・有効期限・subjectのいずれかが不正であることを表す。
var ErrInvalidToken = errors.New("トークンが無効です")

// headerKeyUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// コンテキストキー。
const (
	contextKeyUserID = "user_id"
	contextKeyRole   = "role"
)

// GenerateJWT はユーザー情報からJWTトークンを生成する。
// 開発用トークン発行コマンドやテストから呼び出す。
func GenerateJWT(secret string, userID int64, role Role) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// VerifyToken はトークン文字列を検証し、認証済みユーザーの情報を返す。
// HTTP APIのミドルウェアとWebSocketゲートウェイの両方から使用する。
func VerifyToken(secret, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrInvalidToken
	}

	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("想定外の署名アルゴリズム: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return Identity{}, fmt.Errorf("%w: subjectが不正です(%q)", ErrInvalidToken, claims.Subject)
	}

	return Identity{UserID: userID, Role: claims.Role}, nil
}

// BearerToken はAuthorizationヘッダーの値からBearerトークンを取り出す。
func BearerToken(header string) (string, bool) {
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id" と "role" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := BearerToken(authHeader)
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		identity, err := VerifyToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		SetIdentity(c, identity)
		c.Header(headerKeyUserID, strconv.FormatInt(identity.UserID, 10))
		c.Next()
	}
}

// SetIdentity は認証済みユーザーの情報をGinコンテキストに設定する。
func SetIdentity(c *gin.Context, identity Identity) {
	c.Set(contextKeyUserID, identity.UserID)
	c.Set(contextKeyRole, identity.Role)
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// 未設定の場合は0を返す。JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) int64 {
	userID, _ := c.Get(contextKeyUserID)
	if id, ok := userID.(int64); ok {
		return id
	}
	return 0
}

// GetRole はGinコンテキストからロールを取得する。
func GetRole(c *gin.Context) Role {
	role, _ := c.Get(contextKeyRole)
	if r, ok := role.(Role); ok {
		return r
	}
	return ""
}

// RequireRole は指定されたロールのいずれかを持つユーザーのみを通過させるGinミドルウェアを返す。
// JWTAuthの後段に配置する。
func RequireRole(roles ...Role) gin.HandlerFunc {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := allowed[GetRole(c)]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "この操作を行う権限がありません",
			})
			return
		}
		c.Next()
	}
}

// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証とロールによる認可、zapによるアクセスログ、
// パニックリカバリ、CORS設定、IP単位のレート制限を含む。
package middleware

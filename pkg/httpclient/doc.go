// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// JSONリクエストの送受信と、接続先の障害が連続した場合に呼び出しを遮断する
// サーキットブレーカー（sony/gobreaker）を備える。ユーザー・部署サービスへの
// 問い合わせなど、サービス間の通信パターンを統一する。
package httpclient

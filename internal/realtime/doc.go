// Package realtime はWebSocketによる通知のリアルタイム配信を提供する。
//
// Gatewayは接続を認証してユーザーごとのグループにまとめ、
// クライアントからのコマンドを通知サービスへ中継し、
// 通知サービスからの配信依頼を該当ユーザーの全接続へ送る。
// 接続の対応表はプロセス内のRegistryが保持し、永続化しない。
package realtime

// Package notification は通知サービスの中核を提供する。
//
// 通知の永続化（Store）、部署メンバーの解決（Directory）、通知の作成と既読管理を
// 一手に担うService、およびREST API（Server）を含む。リアルタイム配信は
// Pusherインターフェース越しに行い、Serviceが唯一の配信トリガーとなる。
package notification

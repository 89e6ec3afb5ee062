// Package broker はKafkaを介した通知の受付とドメインイベントの発行を行う。
//
// 他のモジュールは通知要求イベントをrequestsトピックへ発行し、
// Consumerがそれを読み取って通知サービスで作成する。
// 作成された通知はPublisherがNotificationSentイベントとしてeventsトピックへ発行する。
package broker

package notification

import "errors"

var (
	// ErrNotFound は通知・部署・ユーザーが存在しないことを表す。
	ErrNotFound = errors.New("対象が見つかりません")
	// ErrInvalidCategory は通知カテゴリが不正であることを表す。
	ErrInvalidCategory = errors.New("通知カテゴリが不正です")
	// ErrInvalidRecipient は通知先ユーザーが存在しないことを表す（外部キー制約違反）。
	ErrInvalidRecipient = errors.New("通知先ユーザーが存在しません")
	// ErrInvalidArgument は入力値が不正であることを表す。
	ErrInvalidArgument = errors.New("入力値が不正です")
)

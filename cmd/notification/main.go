// 通知サービスのエントリポイント。
// REST APIとWebSocketゲートウェイを提供し、Kafkaからの通知要求を処理する。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

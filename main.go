package main

import (
	"context"
	"os"

	"facewatch/internal/app"
	"facewatch/internal/config"
	"facewatch/internal/log"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Error("設定の読み込みに失敗しました", "error", err)
		os.Exit(1)
	}
	log.Init(cfg.LogLevel)

	// サーバーを起動
	if err := app.Run(context.Background(), cfg); err != nil {
		log.Error("サーバーの起動に失敗しました", "error", err)
		os.Exit(1)
	}
}

// Package main はfacewatchサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"facewatch/internal/app"
	"facewatch/internal/config"
	"facewatch/internal/log"
)

func main() {
	// コマンドラインオプション
	var (
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		configFile = flag.String("config", "", "YAML設定ファイル (環境変数 CONFIG_FILE と同じ)")
		imagePath  = flag.String("image", "", "指定した画像を1回だけ認識して終了する")
		outPath    = flag.String("out", "", "-image の描画結果の書き出し先")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("facewatch")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println("  server -image photo.jpg -out result.jpg")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if *configFile != "" {
		if err := os.Setenv("CONFIG_FILE", *configFile); err != nil {
			fatal("CONFIG_FILE の設定に失敗しました", err)
		}
	}

	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		fatal("設定の読み込みに失敗しました", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fatal("設定が不正です", err)
	}

	log.Init(cfg.LogLevel)

	// コンテキストを作成
	ctx := context.Background()

	if *imagePath != "" {
		if _, err := app.RecognizeImage(ctx, cfg, *imagePath, *outPath); err != nil {
			fatal("画像の認識に失敗しました", err)
		}
		return
	}

	// サーバーを起動
	if err := app.Run(ctx, cfg); err != nil {
		fatal("サーバーの起動に失敗しました", err)
	}
}

func fatal(msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}

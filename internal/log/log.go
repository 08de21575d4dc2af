// Package log は facewatch 全体で使う構造化ロガーを提供する
//
// slog をラップし、LOG_LEVEL と GO_ENV に応じて出力形式を切り替える。
package log

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	logger *slog.Logger
	once   sync.Once
)

// Init はグローバルロガーを初期化する
// 有効なレベル: "debug", "info", "warn", "error"
func Init(level string) {
	once.Do(func() {
		logger = newLogger(os.Stdout, level, os.Getenv("GO_ENV") == "production")
		slog.SetDefault(logger)
	})
}

// newLogger は出力先とレベルを指定してロガーを作成する
func newLogger(w io.Writer, level string, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	// 本番環境ではJSON、開発環境ではテキスト
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L はグローバルロガーを返す
func L() *slog.Logger {
	Init("info")
	return logger
}

// Debug はdebugレベルで出力する
func Debug(msg string, args ...any) {
	L().Debug(msg, args...)
}

// Info はinfoレベルで出力する
func Info(msg string, args ...any) {
	L().Info(msg, args...)
}

// Warn はwarnレベルで出力する
func Warn(msg string, args ...any) {
	L().Warn(msg, args...)
}

// Error はerrorレベルで出力する
func Error(msg string, args ...any) {
	L().Error(msg, args...)
}

// With は属性を付与したロガーを返す
func With(args ...any) *slog.Logger {
	return L().With(args...)
}

// Package server はHTTPサーバーと配信ループを管理します。
//
// 責務:
//   - ビューアページと静的な応答の配信
//   - 認識結果を重ねたMJPEGストリーム (/video_feed)
//   - 認識イベントのServer-Sent Events (/logs) とWebSocket (/ws/events)
//   - 状態確認とスナップショット一覧のJSON API
//
// シャットダウンは shutdown.Coordinator を通じて行い、
// 配信ループの終了、キャプチャの停止、HTTPサーバーの停止の順に進めます。
package server

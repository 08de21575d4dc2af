package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"facewatch/internal/events"
)

const (
	wsWriteWait      = 5 * time.Second
	wsMaxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 認証なしで配信するため、オリジンは制限しない
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEventsWebSocket は /logs と同じメッセージをWebSocketで配信する
func (s *Server) handleEventsWebSocket(c *gin.Context) {
	if s.rejectIfStopping(c) {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade がエラーレスポンスを書き込み済み
		s.logger.Warn("WebSocketへのアップグレードに失敗", "error", err)
		return
	}
	defer conn.Close()

	release := s.coord.Track()
	defer release()

	sub := s.broker.Subscribe("ws:" + c.ClientIP())
	defer sub.Close()

	logger := s.logger.With("stream", "websocket", "client", c.ClientIP(), "subscription", sub.ID())
	logger.Info("WebSocket配信を開始しました")
	defer logger.Info("WebSocket配信を終了しました")

	// クライアントからのメッセージは使わないが、切断とpongの検知のために読み続ける
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(wsMaxMessageSize)
		pongWait := s.pingInterval * 2
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	// 書き込みはこのゴルーチンだけが行う
	for {
		select {
		case <-gone:
			return
		case <-s.coord.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(events.NewStreamMessage(e)); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

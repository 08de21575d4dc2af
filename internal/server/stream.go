package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"facewatch/internal/events"
	"facewatch/internal/recognition"
)

var (
	partHeader  = []byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")
	partTrailer = []byte("\r\n")
)

// handleVideoFeed は認識結果を重ねたMJPEGストリームを配信する
func (s *Server) handleVideoFeed(c *gin.Context) {
	if s.rejectIfStopping(c) {
		return
	}
	release := s.coord.Track()
	defer release()

	// レスポンスライターを取得
	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	writer.WriteHeaderNow()
	flusher.Flush()

	logger := s.logger.With("stream", "video", "client", c.ClientIP())
	logger.Info("映像ストリームを開始しました")
	defer logger.Info("映像ストリームを終了しました")

	// クライアント切断を検知するためのコンテキスト
	ctx := c.Request.Context()
	threshold := s.tracker.Threshold()

	ticker := time.NewTicker(s.frameInterval)
	defer ticker.Stop()

	// ストリーミングループ
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.coord.Done():
			return
		case <-ticker.C:
		}

		frame, ok := s.frames.GetFrame()
		if !ok {
			// まだフレームが無い
			continue
		}

		set, ok := s.recognize(ctx, frame.Data)
		if !ok {
			return
		}

		appeared := s.tracker.Update(set, time.Now())
		for _, e := range appeared {
			logger.Info("人物を認識しました", "label", e.Label, "similarity", e.Similarity, "event_id", e.ID)
		}

		out, err := s.drawer.Draw(frame.Data, set, threshold)
		if err != nil {
			logger.Warn("描画に失敗、元のフレームを送信します", "error", err)
			out = frame.Data
		}

		if s.snapshots != nil {
			for _, e := range appeared {
				if _, err := s.snapshots.Save(e, out); err != nil {
					logger.Warn("スナップショットの保存に失敗", "error", err, "event_id", e.ID)
				}
			}
		}

		if err := writePart(writer, out); err != nil {
			return
		}
		// バッファをフラッシュ
		flusher.Flush()
	}
}

type recognizeResult struct {
	set recognition.DetectionSet
	err error
}

// recognize は認識を別ゴルーチンで実行する
// 失敗した場合は空の結果を返す。結果を待つ間に切断か停止要求があれば false を返す
func (s *Server) recognize(ctx context.Context, image []byte) (recognition.DetectionSet, bool) {
	done := make(chan recognizeResult, 1)
	go func() {
		// 実行中の呼び出しは取り消さず、タイムアウトに任せる
		set, err := s.recognizer.Recognize(context.WithoutCancel(ctx), image)
		done <- recognizeResult{set: set, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			s.logger.Warn("顔認識に失敗、検出なしとして扱います",
				"error", r.err, "service_error", recognition.IsServiceError(r.err))
			return recognition.DetectionSet{}, true
		}
		return r.set, true
	case <-ctx.Done():
		return recognition.DetectionSet{}, false
	case <-s.coord.Done():
		return recognition.DetectionSet{}, false
	}
}

// writePart はMJPEGの1パートを書き込む
func writePart(w io.Writer, frame []byte) error {
	if _, err := w.Write(partHeader); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write(partTrailer)
	return err
}

// handleLogs は認識イベントをServer-Sent Eventsで配信する
func (s *Server) handleLogs(c *gin.Context) {
	if s.rejectIfStopping(c) {
		return
	}
	release := s.coord.Track()
	defer release()

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	sub := s.broker.Subscribe("sse:" + c.ClientIP())
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	writer.WriteHeaderNow()
	flusher.Flush()

	logger := s.logger.With("stream", "events", "client", c.ClientIP(), "subscription", sub.ID())
	logger.Info("イベントストリームを開始しました")
	defer logger.Info("イベントストリームを終了しました")

	ctx := c.Request.Context()
	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.coord.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEvent(writer, events.NewStreamMessage(e)); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(writer, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent はSSEの1イベントを書き込む
func writeEvent(w io.Writer, msg events.StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

package server

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"facewatch/internal/camera"
	"facewatch/internal/events"
	"facewatch/internal/presence"
	"facewatch/internal/snapshot"
)

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status      string                     `json:"status"`
	Uptime      string                     `json:"uptime"`
	Server      ServerInfo                 `json:"server"`
	Camera      CameraInfo                 `json:"camera"`
	Recognition RecognitionInfo            `json:"recognition"`
	Streams     StreamsInfo                `json:"streams"`
	Presence    map[string]presence.Record `json:"presence"`
	Devices     []camera.DeviceInfo        `json:"devices,omitempty"`
	MQTT        *events.MQTTStats          `json:"mqtt,omitempty"`
	Snapshots   *snapshot.Status           `json:"snapshots,omitempty"`
	Timestamp   time.Time                  `json:"timestamp"`
}

// ServerInfo はサーバーの設定
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// CameraInfo はカメラの状態
type CameraInfo struct {
	Name        string        `json:"name"`
	Status      camera.Status `json:"status"`
	LastFrameAt *time.Time    `json:"last_frame_at,omitempty"`
	FrameSeq    uint64        `json:"frame_seq"`
}

// RecognitionInfo は重複排除の設定
type RecognitionInfo struct {
	SimilarityThreshold float64 `json:"similarity_threshold"`
	Cooldown            string  `json:"cooldown"`
}

// StreamsInfo は接続中の配信数
type StreamsInfo struct {
	Active           int `json:"active"`
	EventSubscribers int `json:"event_subscribers"`
}

// ErrorResponse はエラーレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// handleRoot は埋め込みのビューアページを返す
func (s *Server) handleRoot(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

// handleFavicon は設定されたファイルがあれば返し、無ければ204を返す
func (s *Server) handleFavicon(c *gin.Context) {
	path := s.config.Server.FaviconPath
	if path != "" {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			c.File(path)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Status: s.coord.State().String(),
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
		Server: ServerInfo{
			Host: s.config.Server.Host,
			Port: s.config.Server.Port,
		},
		Recognition: RecognitionInfo{
			SimilarityThreshold: s.config.Presence.SimilarityThreshold,
			Cooldown:            s.config.Presence.Cooldown.String(),
		},
		Streams: StreamsInfo{
			Active: s.coord.Active(),
		},
		Timestamp: time.Now(),
	}

	if s.frames != nil {
		resp.Camera = CameraInfo{Name: s.frames.Name(), Status: s.frames.Status()}
		if frame, ok := s.frames.GetFrame(); ok {
			at := frame.CapturedAt
			resp.Camera.LastFrameAt = &at
			resp.Camera.FrameSeq = frame.Seq
		}
	}
	if s.broker != nil {
		resp.Streams.EventSubscribers = s.broker.Count()
	}
	if s.tracker != nil {
		resp.Presence = s.tracker.Snapshot()
	}
	if s.discovery != nil {
		devices, err := s.discovery.ScanDevices(c.Request.Context())
		if err != nil {
			s.logger.Warn("デバイスのスキャンに失敗", "error", err)
		}
		resp.Devices = devices
	}
	if s.mqtt != nil {
		stats := s.mqtt.Stats()
		resp.MQTT = &stats
	}
	if s.snapshots != nil {
		st := s.snapshots.Status()
		resp.Snapshots = &st
	}

	c.JSON(http.StatusOK, resp)
}

// SnapshotsResponse はスナップショット一覧のレスポンス
type SnapshotsResponse struct {
	Snapshots []snapshot.Snapshot `json:"snapshots"`
	Count     int                 `json:"count"`
}

// handleSnapshots は保存済みスナップショットの一覧を返す
func (s *Server) handleSnapshots(c *gin.Context) {
	if s.snapshots == nil {
		s.notFound(c, "スナップショットの保存は無効です")
		return
	}
	snaps, err := s.snapshots.List()
	if err != nil {
		s.logger.Error("スナップショット一覧の取得に失敗", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "snapshot_list_failed",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}
	c.JSON(http.StatusOK, SnapshotsResponse{Snapshots: snaps, Count: len(snaps)})
}

// handleSnapshotFile は保存済みスナップショットの画像を返す
func (s *Server) handleSnapshotFile(c *gin.Context) {
	if s.snapshots == nil {
		s.notFound(c, "スナップショットの保存は無効です")
		return
	}
	path, err := s.snapshots.Path(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid_name",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		s.notFound(c, "スナップショットが見つかりません")
		return
	}
	c.File(path)
}

func (s *Server) notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:     "not_found",
		Message:   msg,
		Timestamp: time.Now(),
	})
}

// rejectIfStopping は停止要求後なら503を返して true を返す
func (s *Server) rejectIfStopping(c *gin.Context) bool {
	if !s.coord.IsStopping() {
		return false
	}
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error:     "shutting_down",
		Message:   "サーバーはシャットダウン中です",
		Timestamp: time.Now(),
	})
	return true
}

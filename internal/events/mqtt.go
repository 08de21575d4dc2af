package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"facewatch/internal/log"
	"facewatch/internal/presence"
)

const (
	mqttConnectTimeout    = 5 * time.Second
	mqttPublishTimeout    = 2 * time.Second
	mqttRetryInterval     = 2 * time.Second
	mqttDisconnectQuiesce = 250 // ミリ秒
)

// MQTTOptions は MQTT 転送の設定
type MQTTOptions struct {
	Broker   string // 例: tcp://localhost:1883
	ClientID string
	Topic    string
	QoS      byte
}

// mqttPublisher は mqtt.Client のうち発行に使う部分
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPayload は MQTT に発行するメッセージ
type MQTTPayload struct {
	ID         string  `json:"id"`
	Timestamp  string  `json:"timestamp"` // RFC3339
	Label      string  `json:"label"`
	Similarity float64 `json:"similarity"`
	Message    string  `json:"message"`
}

// NewMQTTPayload はイベントから発行用のメッセージを作る
func NewMQTTPayload(e presence.Event) MQTTPayload {
	return MQTTPayload{
		ID:         e.ID,
		Timestamp:  e.Timestamp.Format(time.RFC3339),
		Label:      e.Label,
		Similarity: e.Similarity,
		Message:    e.Message(),
	}
}

// MQTTStats は発行の統計
type MQTTStats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// MQTTSink は Broker の購読者として認識イベントを MQTT に転送する
type MQTTSink struct {
	opts   MQTTOptions
	client mqtt.Client
	pub    mqttPublisher
	logger *slog.Logger

	connectTimeout time.Duration
	retryInterval  time.Duration

	connected atomic.Bool
	published atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTTSink は新しい MQTTSink を作成する
func NewMQTTSink(opts MQTTOptions) *MQTTSink {
	return &MQTTSink{
		opts:           opts,
		logger:         log.With("component", "mqtt", "broker", opts.Broker),
		connectTimeout: mqttConnectTimeout,
		retryInterval:  mqttRetryInterval,
	}
}

// Connect はブローカーに接続する。切断後は自動で再接続する
// 接続できずに戻る場合は再試行も止めてクライアントを破棄する
func (m *MQTTSink) Connect(ctx context.Context) error {
	co := mqtt.NewClientOptions()
	co.AddBroker(m.opts.Broker)
	co.SetClientID(m.opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(m.retryInterval)
	co.SetMaxReconnectInterval(30 * time.Second)

	co.OnConnect = func(mqtt.Client) {
		m.connected.Store(true)
		m.logger.Info("MQTTブローカーに接続しました", "client_id", m.opts.ClientID)
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.connected.Store(false)
		m.logger.Warn("MQTTブローカーとの接続が切れました。自動再接続します", "error", err)
	}

	client := mqtt.NewClient(co)
	timer := time.NewTimer(m.connectTimeout)
	defer timer.Stop()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-timer.C:
		m.abandon(client)
		return fmt.Errorf("MQTT接続がタイムアウトしました")
	case <-ctx.Done():
		m.abandon(client)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		m.abandon(client)
		return fmt.Errorf("MQTT接続に失敗: %w", err)
	}

	m.client = client
	m.pub = client
	m.connected.Store(true)
	return nil
}

// abandon は接続中のクライアントの再試行を止める
func (m *MQTTSink) abandon(client mqtt.Client) {
	client.Disconnect(0)
	m.connected.Store(false)
}

// Run は購読が閉じられるか ctx が終わるまでイベントを転送する
func (m *MQTTSink) Run(ctx context.Context, sub *Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := m.Publish(e); err != nil {
				m.logger.Warn("イベントの発行に失敗", "label", e.Label, "error", err)
			}
		}
	}
}

// Publish はイベントを1件発行する
func (m *MQTTSink) Publish(e presence.Event) error {
	if m.pub == nil {
		m.errors.Add(1)
		return fmt.Errorf("MQTTに接続されていません")
	}

	payload, err := json.Marshal(NewMQTTPayload(e))
	if err != nil {
		m.errors.Add(1)
		return fmt.Errorf("ペイロードの作成に失敗: %w", err)
	}

	token := m.pub.Publish(m.opts.Topic, m.opts.QoS, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		m.errors.Add(1)
		return fmt.Errorf("発行がタイムアウトしました")
	}
	if err := token.Error(); err != nil {
		m.errors.Add(1)
		return fmt.Errorf("発行に失敗: %w", err)
	}

	m.published.Add(1)
	m.logger.Debug("イベントを発行しました", "topic", m.opts.Topic, "label", e.Label, "size", len(payload))
	return nil
}

// Disconnect はブローカーから切断する
// 再接続中であっても再試行を止める
func (m *MQTTSink) Disconnect() {
	if m.client != nil {
		m.client.Disconnect(mqttDisconnectQuiesce)
		m.logger.Info("MQTTブローカーから切断しました")
	}
	m.connected.Store(false)
}

// Stats は発行の統計を返す
func (m *MQTTSink) Stats() MQTTStats {
	return MQTTStats{
		Connected: m.connected.Load(),
		Published: m.published.Load(),
		Errors:    m.errors.Load(),
	}
}

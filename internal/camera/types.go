package camera

import (
	"context"
	"time"
)

// Status はフレーム取得ループの動作状態を表す
type Status string

const (
	StatusInactive     Status = "inactive"     // 開始前または停止済み
	StatusActive       Status = "active"       // フレーム取得中
	StatusReconnecting Status = "reconnecting" // 読み取り失敗後の再接続待ち
)

// Frame は取得済みの1フレーム
// Data はJPEGエンコード済みの画像で、GetFrame が返すものは呼び出し側が自由に書き換えてよい
type Frame struct {
	Data       []byte
	CapturedAt time.Time
	Seq        uint64
}

// Device はカメラデバイスへの低レベルなアクセスを表す
// FrameSource のループだけが呼び出すため、並行呼び出しに対して安全である必要はない
type Device interface {
	// Open はデバイスを開く
	Open(ctx context.Context) error

	// Read は次のフレームをJPEGで返す
	// 返したスライスを実装側で再利用してはいけない
	Read(ctx context.Context) ([]byte, error)

	// Close はデバイスを解放する。開いていない場合は何もしない
	Close() error
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]DeviceInfo, error)
}

// DeviceInfo はカメラデバイスの情報を表す
type DeviceInfo struct {
	Device string `json:"device"` // デバイスパス
	Name   string `json:"name"`   // デバイス名
}

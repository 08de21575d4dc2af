//go:build !opencv

package app

import (
	"errors"

	"facewatch/internal/camera"
	"facewatch/internal/config"
)

// opencv タグなしのビルドではgocvをリンクしない
func newOpenCVDevice(config.CameraConfig, int) (camera.Device, error) {
	return nil, errors.New("opencv バックエンドは -tags opencv でビルドした場合のみ使えます")
}

//go:build opencv

// Package opencv は gocv (OpenCV) を使ったカメラデバイスを提供する
//
// ビルドには OpenCV 4 と cgo が必要。
package opencv

import (
	"context"
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// Device は OpenCV の VideoCapture をカメラ番号で開く camera.Device 実装
type Device struct {
	index   int
	width   int
	height  int
	fps     int
	quality int

	capture *gocv.VideoCapture
	img     gocv.Mat
}

// NewDevice は新しい Device を作成する
// quality はJPEGエンコードの品質 (1-100)
func NewDevice(index, width, height, fps, quality int) *Device {
	return &Device{
		index:   index,
		width:   width,
		height:  height,
		fps:     fps,
		quality: quality,
	}
}

// Open はカメラを開き、解像度とフレームレートを設定する
func (d *Device) Open(_ context.Context) error {
	if d.capture != nil {
		return nil
	}

	capture, err := gocv.VideoCaptureDevice(d.index)
	if err != nil {
		return fmt.Errorf("カメラ %d のオープンに失敗: %w", d.index, err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return fmt.Errorf("カメラ %d を開けませんでした", d.index)
	}

	// 遅延を減らすためにバッファは最小にする
	capture.Set(gocv.VideoCaptureBufferSize, 1)
	capture.Set(gocv.VideoCaptureFrameWidth, float64(d.width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(d.height))
	if d.fps > 0 {
		capture.Set(gocv.VideoCaptureFPS, float64(d.fps))
	}

	d.capture = capture
	d.img = gocv.NewMat()
	return nil
}

// Read は1フレームを読み取り、JPEGにエンコードして返す
// VideoCapture.Read は ctx でキャンセルできないため、ctx は読み取り前にだけ確認する
func (d *Device) Read(ctx context.Context) ([]byte, error) {
	if d.capture == nil {
		return nil, errors.New("デバイスが開かれていません")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ok := d.capture.Read(&d.img); !ok || d.img.Empty() {
		return nil, fmt.Errorf("カメラ %d からフレームを読み取れませんでした", d.index)
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, d.img, []int{gocv.IMWriteJpegQuality, d.quality})
	if err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	defer buf.Close()

	// NativeByteBuffer は Close で解放されるのでコピーする
	src := buf.GetBytes()
	data := make([]byte, len(src))
	copy(data, src)
	return data, nil
}

// Close はカメラを解放する
func (d *Device) Close() error {
	if d.capture == nil {
		return nil
	}
	err := d.capture.Close()
	_ = d.img.Close()
	d.capture = nil
	return err
}

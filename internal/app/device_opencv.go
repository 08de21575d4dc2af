//go:build opencv

package app

import (
	"facewatch/internal/camera"
	"facewatch/internal/camera/opencv"
	"facewatch/internal/config"
)

func newOpenCVDevice(c config.CameraConfig, quality int) (camera.Device, error) {
	return opencv.NewDevice(c.Index, c.Width, c.Height, c.FPS, quality), nil
}

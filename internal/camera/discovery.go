package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var videoDevicePattern = regexp.MustCompile(`^/dev/video(\d+)$`)

// LinuxDiscovery は /dev/video* を走査してV4L2デバイスを検出する
type LinuxDiscovery struct {
	pattern string
	// v4l2-ctl の出力を返す。テストで差し替える
	queryName func(ctx context.Context, device string) string
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{
		pattern:   "/dev/video*",
		queryName: v4l2CardName,
	}
}

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
// 読み取り権限のないデバイスは除外する
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]DeviceInfo, error) {
	matches, err := filepath.Glob(d.pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	devices := make([]DeviceInfo, 0, len(matches))
	for _, match := range matches {
		// コンテキストのキャンセルをチェック
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if !isReadable(match) {
			continue
		}
		devices = append(devices, DeviceInfo{
			Device: match,
			Name:   d.deviceName(ctx, match),
		})
	}

	return devices, nil
}

// deviceName はv4l2-ctlから取得した名前、取得できなければ番号から生成した名前を返す
func (d *LinuxDiscovery) deviceName(ctx context.Context, device string) string {
	if d.queryName != nil {
		if name := d.queryName(ctx, device); name != "" {
			return name
		}
	}
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

// isReadable はデバイスファイルを読み取り専用で開けるか確認する
func isReadable(device string) bool {
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// v4l2CardName はv4l2-ctlの "Card type" 行からカメラ名を取得する
func v4l2CardName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info").Output()
	if err != nil {
		return ""
	}
	return parseCardType(string(output))
}

func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		if _, value, ok := strings.Cut(line, ":"); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// extractDeviceNumber はデバイスパスから番号を抽出する
// /dev/videoXX 形式でなければ -1
func extractDeviceNumber(device string) int {
	m := videoDevicePattern.FindStringSubmatch(device)
	if len(m) < 2 {
		return -1
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return num
}

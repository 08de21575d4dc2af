package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// FFmpegDevice は ffmpeg を使ってV4L2デバイスからJPEGフレームを取得する
type FFmpegDevice struct {
	devicePath string
	width      int
	height     int
	fps        int

	// 最初のフレームを待つ上限
	openTimeout time.Duration
	// テストで差し替える
	command func(ctx context.Context, args ...string) *exec.Cmd

	session *ffmpegSession
	pending []byte
}

// ffmpegSession は ffmpeg プロセス1回分の状態
type ffmpegSession struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	frames chan []byte
	err    error // frames がクローズされた後にのみ読む
	stderr *tailBuffer
}

// NewFFmpegDevice は新しいFFmpegDeviceを作成する
func NewFFmpegDevice(devicePath string, width, height, fps int) *FFmpegDevice {
	return &FFmpegDevice{
		devicePath:  devicePath,
		width:       width,
		height:      height,
		fps:         fps,
		openTimeout: 10 * time.Second,
		command: func(ctx context.Context, args ...string) *exec.Cmd {
			return exec.CommandContext(ctx, "ffmpeg", args...)
		},
	}
}

// args は連続キャプチャ用の ffmpeg 引数を返す
func (d *FFmpegDevice) args() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", d.width, d.height),
		"-r", strconv.Itoa(d.fps),
		"-i", d.devicePath,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	}
}

// Open は ffmpeg を起動し、最初のフレームが届くまで待つ
// プロセスは ctx がキャンセルされるか Close が呼ばれるまで動き続ける
func (d *FFmpegDevice) Open(ctx context.Context) error {
	if d.session != nil {
		return nil
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := d.command(procCtx, d.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	sess := &ffmpegSession{
		cmd:    cmd,
		cancel: cancel,
		frames: make(chan []byte, 2),
		stderr: stderr,
	}
	go sess.readFrames(procCtx, stdout)
	d.session = sess

	// デバイステストを兼ねて最初のフレームを待つ
	timer := time.NewTimer(d.openTimeout)
	defer timer.Stop()

	select {
	case frame, ok := <-sess.frames:
		if !ok {
			err := sess.failure()
			_ = d.Close()
			return fmt.Errorf("カメラのテストキャプチャに失敗: %w", err)
		}
		d.pending = frame
		return nil
	case <-timer.C:
		_ = d.Close()
		return fmt.Errorf("カメラのテストキャプチャがタイムアウトしました (%v)", d.openTimeout)
	case <-ctx.Done():
		_ = d.Close()
		return ctx.Err()
	}
}

// Read は次のJPEGフレームを返す
func (d *FFmpegDevice) Read(ctx context.Context) ([]byte, error) {
	if d.session == nil {
		return nil, errors.New("デバイスが開かれていません")
	}
	if d.pending != nil {
		frame := d.pending
		d.pending = nil
		return frame, nil
	}

	select {
	case frame, ok := <-d.session.frames:
		if !ok {
			return nil, fmt.Errorf("フレーム読み取りエラー: %w", d.session.failure())
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close は ffmpeg プロセスを終了させる
func (d *FFmpegDevice) Close() error {
	sess := d.session
	if sess == nil {
		return nil
	}
	d.session = nil
	d.pending = nil

	sess.cancel()
	// エラーは無視（キャンセルによる終了のため）
	_ = sess.cmd.Wait()
	return nil
}

// readFrames は stdout を読み取り、完成したフレームを frames に送る
func (s *ffmpegSession) readFrames(ctx context.Context, r io.Reader) {
	defer close(s.frames)

	var splitter jpegSplitter
	buffer := make([]byte, 256*1024)

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			for _, frame := range splitter.Feed(buffer[:n]) {
				select {
				case s.frames <- frame:
				case <-ctx.Done():
					s.err = ctx.Err()
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			s.err = err
			return
		}
	}
}

// failure は終了理由を stderr の末尾とあわせて返す
func (s *ffmpegSession) failure() error {
	err := s.err
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	if msg := bytes.TrimSpace(s.stderr.Bytes()); len(msg) > 0 {
		return fmt.Errorf("%w (stderr: %s)", err, msg)
	}
	return err
}

// jpegSplitter は連結されたJPEGのバイト列をフレーム単位に分割する
type jpegSplitter struct {
	buf []byte
}

// Feed はデータを追加し、完成したフレームを返す
// 返すスライスは内部バッファと共有しない
func (s *jpegSplitter) Feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)

	var frames [][]byte
	for {
		// JPEGの開始マーカー（FF D8）を探す
		start := bytes.Index(s.buf, jpegSOI)
		if start == -1 {
			// マーカーが分割されている可能性があるので末尾の FF だけ残す
			if n := len(s.buf); n > 0 && s.buf[n-1] == 0xFF {
				s.buf = append(s.buf[:0], 0xFF)
			} else {
				s.buf = s.buf[:0]
			}
			return frames
		}

		// JPEGの終了マーカー（FF D9）を探す
		end := bytes.Index(s.buf[start+2:], jpegEOI)
		if end == -1 {
			// 完全なフレームがまだない。開始位置より前は捨てる
			s.buf = append(s.buf[:0], s.buf[start:]...)
			return frames
		}
		end += start + 2 + len(jpegEOI)

		frame := make([]byte, end-start)
		copy(frame, s.buf[start:end])
		frames = append(frames, frame)

		s.buf = append(s.buf[:0], s.buf[end:]...)
	}
}

// tailBuffer は書き込まれたデータの末尾 limit バイトだけを保持する
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if over := len(b.data) - b.limit; over > 0 {
		b.data = append(b.data[:0], b.data[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

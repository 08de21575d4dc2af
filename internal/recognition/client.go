package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"facewatch/internal/log"
)

const (
	recognizePath = "/api/v1/recognition/recognize"
	// CompreFace が「顔が見つからない」場合に返すコード
	codeNoFaceFound = 28
	maxResponseSize = 10 << 20
)

// ClientConfig は CompreFace クライアントの設定
type ClientConfig struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	MaxRPS           float64 // 0 は無制限
	DetProbThreshold float64
	PredictionCount  int
	FacePlugins      []string
}

// Client は CompreFace の認識APIを呼び出す
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Client が Recognizer を実装していることをコンパイル時に検証する
var _ Recognizer = (*Client)(nil)

// NewClient は新しい Client を作成する
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("無効な認識サービスURL: %q", cfg.BaseURL)
	}
	base.Path += recognizePath

	q := url.Values{}
	if len(cfg.FacePlugins) > 0 {
		q.Set("face_plugins", strings.Join(cfg.FacePlugins, ","))
	}
	if cfg.DetProbThreshold > 0 {
		q.Set("det_prob_threshold", strconv.FormatFloat(cfg.DetProbThreshold, 'f', -1, 64))
	}
	if cfg.PredictionCount > 0 {
		q.Set("prediction_count", strconv.Itoa(cfg.PredictionCount))
	}
	base.RawQuery = q.Encode()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MaxRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), 1)
	}

	return &Client{
		endpoint:   base.String(),
		apiKey:     cfg.APIKey,
		httpClient: newHTTPClient(cfg.Timeout),
		limiter:    limiter,
		logger:     log.With("component", "recognition"),
	}, nil
}

// newHTTPClient は外部API呼び出し用に設定されたHTTPクライアントを作成する
// http.DefaultClient にはタイムアウトがないため使わない
func newHTTPClient(timeout time.Duration) *http.Client {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: t}
}

// Endpoint は呼び出し先のURLを返す
func (c *Client) Endpoint() string {
	return c.endpoint
}

// recognizeResponse は認識APIのレスポンス
type recognizeResponse struct {
	Code            int               `json:"code"`
	Message         string            `json:"message"`
	Result          []Face            `json:"result"`
	PluginsVersions map[string]string `json:"plugins_versions"`
}

// Recognize は JPEG 画像を送信し、検出結果を返す
// サービスがエラーを返した場合は *ServiceError、通信に失敗した場合は *TransportError を返す
func (c *Client) Recognize(ctx context.Context, image []byte) (DetectionSet, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return DetectionSet{}, &TransportError{Err: err}
	}

	body, contentType, err := multipartImage(image)
	if err != nil {
		return DetectionSet{}, &TransportError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return DetectionSet{}, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-api-key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DetectionSet{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return DetectionSet{}, &TransportError{Err: fmt.Errorf("レスポンスの読み込みに失敗: %w", err)}
	}

	var payload recognizeResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		if resp.StatusCode != http.StatusOK {
			return DetectionSet{}, &ServiceError{HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return DetectionSet{}, &TransportError{Err: fmt.Errorf("レスポンスの解析に失敗: %w", err)}
	}

	if payload.Code == codeNoFaceFound {
		c.logger.Debug("顔が検出されませんでした", "elapsed", time.Since(start))
		return DetectionSet{}, nil
	}
	if payload.Code != 0 || resp.StatusCode != http.StatusOK {
		return DetectionSet{}, &ServiceError{Code: payload.Code, Message: payload.Message, HTTPStatus: resp.StatusCode}
	}

	set := DetectionSet{Faces: payload.Result, PluginsVersions: payload.PluginsVersions}
	c.logResponse(set, time.Since(start))
	return set, nil
}

// multipartImage は画像を "file" フィールドに入れたマルチパートのボディを作る
func multipartImage(image []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("マルチパートの作成に失敗: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("画像の書き込みに失敗: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("マルチパートの作成に失敗: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// logResponse は検出結果の詳細をdebugレベルで出力する
func (c *Client) logResponse(set DetectionSet, elapsed time.Duration) {
	if !c.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	c.logger.Debug("認識完了", "faces", len(set.Faces), "elapsed", elapsed, "plugins", set.PluginsVersions)
	for i, face := range set.Faces {
		attrs := []any{
			"index", i,
			"box", fmt.Sprintf("(%d,%d)-(%d,%d)", face.Box.XMin, face.Box.YMin, face.Box.XMax, face.Box.YMax),
			"probability", face.Box.Probability,
		}
		if face.Age != nil {
			attrs = append(attrs, "age", fmt.Sprintf("%d-%d", face.Age.Low, face.Age.High))
		}
		if face.Gender != nil {
			attrs = append(attrs, "gender", face.Gender.Value)
		}
		if face.Mask != nil {
			attrs = append(attrs, "mask", face.Mask.Value)
		}
		if best, ok := face.BestMatch(); ok {
			attrs = append(attrs, "subject", best.Subject, "similarity", best.Similarity)
			if len(face.Subjects) > 1 {
				attrs = append(attrs, "candidates", len(face.Subjects))
			}
		}
		c.logger.Debug("検出した顔", attrs...)
	}
}

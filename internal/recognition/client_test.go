package recognition

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResponse = `{
  "result": [
    {
      "age": {"probability": 0.99, "high": 32, "low": 25},
      "gender": {"probability": 0.98, "value": "female"},
      "mask": {"probability": 0.97, "value": "without_mask"},
      "embedding": [0.1, 0.2],
      "box": {"probability": 0.999, "x_max": 200, "y_max": 220, "x_min": 100, "y_min": 90},
      "subjects": [
        {"similarity": 0.95, "subject": "Alice"},
        {"similarity": 0.40, "subject": "Bob"}
      ],
      "execution_time": {"age": 10.0, "detector": 50.0}
    }
  ],
  "plugins_versions": {"detector": "facenet.FaceDetector", "calculator": "facenet.Calculator"}
}`

func newTestClient(t *testing.T, srv *httptest.Server, mutate ...func(*ClientConfig)) *Client {
	t.Helper()
	cfg := ClientConfig{
		BaseURL:          srv.URL,
		APIKey:           "test-key",
		Timeout:          2 * time.Second,
		DetProbThreshold: 0.8,
		PredictionCount:  1,
		FacePlugins:      []string{"age", "gender", "mask"},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestClient_Recognize(t *testing.T) {
	image := []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/recognition/recognize", r.URL.Path)
		assert.Equal(t, "age,gender,mask", r.URL.Query().Get("face_plugins"))
		assert.Equal(t, "0.8", r.URL.Query().Get("det_prob_threshold"))
		assert.Equal(t, "1", r.URL.Query().Get("prediction_count"))
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "image/jpeg", header.Header.Get("Content-Type"))
		got, _ := io.ReadAll(file)
		assert.Equal(t, image, got)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	set, err := newTestClient(t, srv).Recognize(context.Background(), image)
	require.NoError(t, err)
	require.Len(t, set.Faces, 1)

	face := set.Faces[0]
	assert.Equal(t, Box{XMin: 100, YMin: 90, XMax: 200, YMax: 220, Probability: 0.999}, face.Box)
	require.NotNil(t, face.Age)
	assert.Equal(t, 25, face.Age.Low)
	assert.Equal(t, 32, face.Age.High)
	require.NotNil(t, face.Gender)
	assert.Equal(t, "female", face.Gender.Value)
	require.NotNil(t, face.Mask)
	assert.Equal(t, "without_mask", face.Mask.Value)

	best, ok := face.BestMatch()
	require.True(t, ok)
	assert.Equal(t, "Alice", best.Subject)
	assert.Equal(t, "facenet.FaceDetector", set.PluginsVersions["detector"])
}

func TestClient_Recognize_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantService   bool
		wantTransport bool
		wantEmpty     bool
	}{
		{
			name:        "APIキーが不正",
			status:      http.StatusUnauthorized,
			body:        `{"code": 3, "message": "API key not found"}`,
			wantService: true,
		},
		{
			name:      "顔が見つからない",
			status:    http.StatusBadRequest,
			body:      `{"code": 28, "message": "No face is found in the given image"}`,
			wantEmpty: true,
		},
		{
			name:        "200でもコードがある",
			status:      http.StatusOK,
			body:        `{"code": 11, "message": "internal"}`,
			wantService: true,
		},
		{
			name:        "JSONではないエラー",
			status:      http.StatusBadGateway,
			body:        `<html>bad gateway</html>`,
			wantService: true,
		},
		{
			name:          "壊れたJSON",
			status:        http.StatusOK,
			body:          `{"result": [`,
			wantTransport: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			set, err := newTestClient(t, srv).Recognize(context.Background(), []byte{0xFF, 0xD8})
			if tt.wantEmpty {
				require.NoError(t, err)
				assert.True(t, set.Empty())
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantService, IsServiceError(err), "service error: %v", err)
			assert.Equal(t, tt.wantTransport, IsTransportError(err), "transport error: %v", err)
		})
	}
}

func TestClient_Recognize_ServiceErrorFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code": 3, "message": "API key not found"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Recognize(context.Background(), []byte{0xFF, 0xD8})

	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, se.Code)
	assert.Equal(t, "API key not found", se.Message)
	assert.Equal(t, http.StatusUnauthorized, se.HTTPStatus)
}

func TestClient_Recognize_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.Recognize(context.Background(), []byte{0xFF, 0xD8})
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.False(t, IsServiceError(err))
}

func TestClient_Recognize_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv, func(cfg *ClientConfig) { cfg.Timeout = 50 * time.Millisecond })
	_, err := c.Recognize(context.Background(), []byte{0xFF, 0xD8})
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
}

func TestClient_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result": []}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, func(cfg *ClientConfig) { cfg.MaxRPS = 10 })

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Recognize(context.Background(), []byte{0xFF, 0xD8})
		require.NoError(t, err)
	}
	// バースト1、10rps なので 3回目までに少なくとも約200ms かかる
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestClient_RateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result": []}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, func(cfg *ClientConfig) { cfg.MaxRPS = 0.01 })
	_, err := c.Recognize(context.Background(), []byte{0xFF, 0xD8})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Recognize(ctx, []byte{0xFF, 0xD8})
	assert.Error(t, err)
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "localhost"})
	assert.Error(t, err)
}

func TestClient_Endpoint(t *testing.T) {
	c, err := NewClient(ClientConfig{BaseURL: "http://compreface:8000/", FacePlugins: []string{"age"}})
	require.NoError(t, err)
	assert.Equal(t, "http://compreface:8000/api/v1/recognition/recognize?face_plugins=age", c.Endpoint())
}

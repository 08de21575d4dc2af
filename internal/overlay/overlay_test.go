package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facewatch/internal/recognition"
)

func testFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{A: 0xFF})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))
	return buf.Bytes()
}

func defaultOptions() Options {
	return Options{
		BoxColor:     "0,255,0",
		TextColor:    "0,255,0",
		BoxThickness: 2,
		TextOffsetX:  5,
		LineHeight:   18,
		JPEGQuality:  95,
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in      string
		want    color.RGBA
		wantErr bool
	}{
		{"0,255,0", color.RGBA{G: 255, A: 255}, false},
		{" 255 , 10 , 3 ", color.RGBA{R: 255, G: 10, B: 3, A: 255}, false},
		{"255,0", color.RGBA{}, true},
		{"256,0,0", color.RGBA{}, true},
		{"a,b,c", color.RGBA{}, true},
	}

	for _, tt := range tests {
		got, err := ParseColor(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestLines(t *testing.T) {
	full := recognition.Face{
		Age:    &recognition.AgeRange{Low: 25, High: 32},
		Gender: &recognition.Attribute{Value: "female"},
		Mask:   &recognition.Attribute{Value: "without_mask"},
	}

	tests := []struct {
		name     string
		face     recognition.Face
		subjects []recognition.SubjectMatch
		want     []string
	}{
		{
			name:     "閾値以上",
			face:     full,
			subjects: []recognition.SubjectMatch{{Subject: "Alice", Similarity: 0.95}},
			want:     []string{"Age: 25-32", "Gender: female", "Mask: without_mask", "Name: Alice", "Similarity: 0.9500"},
		},
		{
			name:     "閾値未満はUnknown",
			subjects: []recognition.SubjectMatch{{Subject: "Bob", Similarity: 0.8}},
			want:     []string{"Unknown (0.8000 < 0.90)"},
		},
		{
			name: "候補なし",
			want: []string{"No match"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.face
			f.Subjects = tt.subjects
			assert.Equal(t, tt.want, Lines(f, 0.90))
		})
	}
}

func TestRenderer_DrawEmptySetReturnsInput(t *testing.T) {
	r, err := NewRenderer(defaultOptions())
	require.NoError(t, err)

	frame := testFrame(t, 32, 32)
	out, err := r.Draw(frame, recognition.DetectionSet{}, 0.9)
	require.NoError(t, err)
	assert.Equal(t, frame, out)
}

func TestRenderer_DrawBox(t *testing.T) {
	r, err := NewRenderer(defaultOptions())
	require.NoError(t, err)

	frame := testFrame(t, 200, 120)
	set := recognition.DetectionSet{Faces: []recognition.Face{{
		Box:      recognition.Box{XMin: 20, YMin: 20, XMax: 80, YMax: 100},
		Subjects: []recognition.SubjectMatch{{Subject: "Alice", Similarity: 0.95}},
	}}}

	out, err := r.Draw(frame, set, 0.9)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 200, 120), img.Bounds())

	// 枠の上辺は緑、枠の内側は黒のまま
	rr, g, b, _ := img.At(50, 20).RGBA()
	assert.Greater(t, g>>8, uint32(180), "edge pixel should be green")
	assert.Less(t, rr>>8, uint32(80))
	assert.Less(t, b>>8, uint32(80))

	_, g, _, _ = img.At(50, 60).RGBA()
	assert.Less(t, g>>8, uint32(60), "inside pixel should stay dark")
}

func TestRenderer_DrawBoxOutsideImage(t *testing.T) {
	r, err := NewRenderer(defaultOptions())
	require.NoError(t, err)

	frame := testFrame(t, 40, 40)
	set := recognition.DetectionSet{Faces: []recognition.Face{{
		Box: recognition.Box{XMin: -10, YMin: -10, XMax: 500, YMax: 500},
	}}}
	_, err = r.Draw(frame, set, 0.9)
	assert.NoError(t, err)
}

func TestRenderer_DrawInvalidJPEG(t *testing.T) {
	r, err := NewRenderer(defaultOptions())
	require.NoError(t, err)

	set := recognition.DetectionSet{Faces: []recognition.Face{{}}}
	_, err = r.Draw([]byte("not a jpeg"), set, 0.9)
	assert.Error(t, err)
}

func TestNewRenderer_InvalidOptions(t *testing.T) {
	opts := defaultOptions()
	opts.BoxColor = "green"
	_, err := NewRenderer(opts)
	assert.Error(t, err)

	opts = defaultOptions()
	opts.FontPath = filepath.Join(t.TempDir(), "missing.ttf")
	_, err = NewRenderer(opts)
	assert.Error(t, err)
}

func TestLoadFace_InvalidFont(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.ttf")
	require.NoError(t, os.WriteFile(path, []byte("not a font"), 0o600))
	_, err := LoadFace(path, 15)
	assert.Error(t, err)
}

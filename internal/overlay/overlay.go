// Package overlay は検出結果をフレームに描画する
//
// 顔の矩形と、その右側に年齢・性別・マスク・名前・類似度の行を描く。
// 入出力はJPEGのバイト列で、I/Oは行わない。
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"facewatch/internal/recognition"
)

// Options は描画の設定
type Options struct {
	FontPath     string // 空ならbasicfontを使う
	FontSize     int
	BoxColor     string // "R,G,B"
	TextColor    string // "R,G,B"
	BoxThickness int
	TextOffsetX  int
	TextOffsetY  int
	LineHeight   int
	JPEGQuality  int
}

// Renderer は検出結果をJPEGフレームに描画する
type Renderer struct {
	boxColor  color.RGBA
	textColor color.RGBA
	thickness int
	offsetX   int
	offsetY   int
	lineH     int
	quality   int

	// font.Face は並行利用できないため描画中はロックする
	fontMu sync.Mutex
	face   font.Face
}

// NewRenderer は新しい Renderer を作成する
func NewRenderer(opts Options) (*Renderer, error) {
	boxColor, err := ParseColor(opts.BoxColor)
	if err != nil {
		return nil, fmt.Errorf("枠の色: %w", err)
	}
	textColor, err := ParseColor(opts.TextColor)
	if err != nil {
		return nil, fmt.Errorf("文字の色: %w", err)
	}

	face := font.Face(basicfont.Face7x13)
	if opts.FontPath != "" {
		face, err = LoadFace(opts.FontPath, float64(opts.FontSize))
		if err != nil {
			return nil, err
		}
	}

	r := &Renderer{
		boxColor:  boxColor,
		textColor: textColor,
		thickness: max(opts.BoxThickness, 1),
		offsetX:   opts.TextOffsetX,
		offsetY:   opts.TextOffsetY,
		lineH:     opts.LineHeight,
		quality:   opts.JPEGQuality,
		face:      face,
	}
	if r.lineH <= 0 {
		r.lineH = face.Metrics().Height.Ceil()
	}
	if r.quality <= 0 {
		r.quality = jpeg.DefaultQuality
	}
	return r, nil
}

// LoadFace はTTF/OTF/TTCファイルからフォントを読み込む
// TTCの場合は最初のフォントを使う
func LoadFace(path string, size float64) (font.Face, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("フォントの読み込みに失敗: %w", err)
	}
	if size <= 0 {
		size = 15
	}

	var f *opentype.Font
	if strings.EqualFold(filepath.Ext(path), ".ttc") {
		coll, err := opentype.ParseCollection(data)
		if err != nil {
			return nil, fmt.Errorf("フォントコレクションの解析に失敗: %w", err)
		}
		if f, err = coll.Font(0); err != nil {
			return nil, fmt.Errorf("フォントコレクションの解析に失敗: %w", err)
		}
	} else if f, err = opentype.Parse(data); err != nil {
		return nil, fmt.Errorf("フォントの解析に失敗: %w", err)
	}

	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("フォントフェイスの作成に失敗: %w", err)
	}
	return face, nil
}

// ParseColor は "R,G,B" 形式の文字列を色に変換する
func ParseColor(s string) (color.RGBA, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return color.RGBA{}, fmt.Errorf("色は R,G,B 形式で指定してください: %q", s)
	}
	var rgb [3]uint8
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 || v > 255 {
			return color.RGBA{}, fmt.Errorf("無効な色の値: %q", s)
		}
		rgb[i] = uint8(v)
	}
	return color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 0xFF}, nil
}

// Draw は検出結果を描画したJPEGを返す
// 顔が無い場合は入力をそのまま返す
func (r *Renderer) Draw(frame []byte, set recognition.DetectionSet, threshold float64) ([]byte, error) {
	if set.Empty() {
		return frame, nil
	}

	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("JPEGのデコードに失敗: %w", err)
	}
	img := image.NewRGBA(src.Bounds())
	draw.Draw(img, img.Bounds(), src, src.Bounds().Min, draw.Src)

	// 先に枠をすべて描いてから文字を重ねる
	for _, f := range set.Faces {
		r.drawBox(img, f.Box)
	}

	r.fontMu.Lock()
	for _, f := range set.Faces {
		r.drawLines(img, f, threshold)
	}
	r.fontMu.Unlock()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.quality}); err != nil {
		return nil, fmt.Errorf("JPEGのエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// drawBox は thickness ピクセル幅の枠を描く。画像外は切り捨てる
func (r *Renderer) drawBox(img *image.RGBA, b recognition.Box) {
	rect := image.Rect(b.XMin, b.YMin, b.XMax, b.YMax)
	if rect.Empty() {
		return
	}
	uni := image.NewUniform(r.boxColor)
	t := r.thickness

	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+t), // 上
		image.Rect(rect.Min.X, rect.Max.Y-t, rect.Max.X, rect.Max.Y), // 下
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+t, rect.Max.Y), // 左
		image.Rect(rect.Max.X-t, rect.Min.Y, rect.Max.X, rect.Max.Y), // 右
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(img.Bounds()), uni, image.Point{}, draw.Src)
	}
}

// drawLines は枠の右上から下に向かって情報を書く
func (r *Renderer) drawLines(img *image.RGBA, f recognition.Face, threshold float64) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(r.textColor),
		Face: r.face,
	}
	ascent := r.face.Metrics().Ascent.Ceil()

	x := f.Box.XMax + r.offsetX
	y := f.Box.YMin + r.offsetY
	for _, line := range Lines(f, threshold) {
		d.Dot = fixed.P(x, y+ascent)
		d.DrawString(line)
		y += r.lineH
	}
}

// Lines は1つの顔について描画する文字列を返す
func Lines(f recognition.Face, threshold float64) []string {
	var lines []string
	if f.Age != nil {
		lines = append(lines, fmt.Sprintf("Age: %d-%d", f.Age.Low, f.Age.High))
	}
	if f.Gender != nil {
		lines = append(lines, "Gender: "+f.Gender.Value)
	}
	if f.Mask != nil {
		lines = append(lines, "Mask: "+f.Mask.Value)
	}

	best, ok := f.BestMatch()
	switch {
	case !ok:
		lines = append(lines, "No match")
	case best.Similarity >= threshold:
		lines = append(lines,
			"Name: "+best.Subject,
			fmt.Sprintf("Similarity: %.4f", best.Similarity),
		)
	default:
		lines = append(lines, fmt.Sprintf("Unknown (%.4f < %.2f)", best.Similarity, threshold))
	}
	return lines
}

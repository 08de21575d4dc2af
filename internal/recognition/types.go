// Package recognition は外部の顔認識サービスとのやり取りを担う
package recognition

import "context"

// Recognizer は画像から顔を検出・識別する
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (DetectionSet, error)
}

// Box は検出された顔の矩形と検出の確信度
type Box struct {
	XMin        int     `json:"x_min"`
	YMin        int     `json:"y_min"`
	XMax        int     `json:"x_max"`
	YMax        int     `json:"y_max"`
	Probability float64 `json:"probability"`
}

// SubjectMatch は識別候補1件
type SubjectMatch struct {
	Subject    string  `json:"subject"`
	Similarity float64 `json:"similarity"`
}

// AgeRange は推定年齢の範囲
type AgeRange struct {
	Low         int     `json:"low"`
	High        int     `json:"high"`
	Probability float64 `json:"probability"`
}

// Attribute は性別やマスク着用などの推定値
type Attribute struct {
	Value       string  `json:"value"`
	Probability float64 `json:"probability"`
}

// Face は1つの検出結果
type Face struct {
	Box      Box            `json:"box"`
	Subjects []SubjectMatch `json:"subjects"`
	Age      *AgeRange      `json:"age,omitempty"`
	Gender   *Attribute     `json:"gender,omitempty"`
	Mask     *Attribute     `json:"mask,omitempty"`
}

// BestMatch は類似度が最大の候補を返す。同値の場合は先に現れたものを優先する
func (f Face) BestMatch() (SubjectMatch, bool) {
	if len(f.Subjects) == 0 {
		return SubjectMatch{}, false
	}
	best := f.Subjects[0]
	for _, s := range f.Subjects[1:] {
		if s.Similarity > best.Similarity {
			best = s
		}
	}
	return best, true
}

// DetectionSet は1回の認識呼び出しの結果
// 作成後に変更しない
type DetectionSet struct {
	Faces           []Face            `json:"faces"`
	PluginsVersions map[string]string `json:"plugins_versions,omitempty"`
}

// Empty は顔が1つも無いかを返す
func (d DetectionSet) Empty() bool {
	return len(d.Faces) == 0
}

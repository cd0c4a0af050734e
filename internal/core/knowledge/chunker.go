package knowledge

import (
	"errors"
	"fmt"
	"iter"
	"strings"
)

// ErrInvalidChunkConfig はチャンクサイズ設定が不正な場合のエラー。
// size <= overlap だとストライドが非正になり無限ループするため、即座に失敗させる。
var ErrInvalidChunkConfig = errors.New("チャンク設定が不正です（size > overlap >= 0 が必要）")

// Chunks はテキストを長さ size のウィンドウで stride = size - overlap ずつ進めながら
// 切り出す遅延シーケンスを返す。ウィンドウはルーン単位で進むため、
// マルチバイト文字が途中で分断されることはない。
// 各ウィンドウは前後の空白を除去し、空白のみのウィンドウは捨てる。
// テキストが size より短い場合はトリム済みの全文が 1 チャンクになる。
func Chunks(text string, size, overlap int) (iter.Seq[string], error) {
	if overlap < 0 || size <= overlap {
		return nil, fmt.Errorf("%w: size=%d, overlap=%d", ErrInvalidChunkConfig, size, overlap)
	}

	runes := []rune(text)
	stride := size - overlap

	return func(yield func(string) bool) {
		for start := 0; start < len(runes); start += stride {
			end := min(start+size, len(runes))
			window := strings.TrimSpace(string(runes[start:end]))
			if window == "" {
				continue
			}
			if !yield(window) {
				return
			}
		}
	}, nil
}

// SplitDocument はドキュメントをチャンク列に変換する。
func SplitDocument(doc Document, size, overlap int) ([]Chunk, error) {
	seq, err := Chunks(doc.Text, size, overlap)
	if err != nil {
		return nil, err
	}

	var chunks []Chunk
	ordinal := 0
	for text := range seq {
		chunks = append(chunks, Chunk{
			DocumentID: doc.ID,
			Ordinal:    ordinal,
			Text:       text,
		})
		ordinal++
	}
	return chunks, nil
}

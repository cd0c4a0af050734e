package knowledge

import "fmt"

// Document は取り込み対象のドキュメントを表す。
// ファイルから抽出された時点で不変となり、チャンク化後は破棄される。
type Document struct {
	ID         string // ソースファイル名から導出される安定 ID
	SourceName string // 元ファイル名（メタデータとして保存される）
	Text       string // 抽出済みの本文テキスト
	MimeKind   string // 抽出に使用したファイル種別
}

// Chunk はドキュメントから切り出された固定長・オーバーラップ付きの部分テキストを表す。
// Embedding と検索の最小単位。
type Chunk struct {
	DocumentID string
	Ordinal    int
	Text       string
}

// Key はチャンクの一意キーを返す。
// 形式: {documentID}_{ordinal}。再取り込み時に同一キーへ上書きされる。
func (c Chunk) Key() string {
	return fmt.Sprintf("%s_%d", c.DocumentID, c.Ordinal)
}

// VectorRecord はベクトルインデックスに保存されるレコードを表す。
// Vector の次元数はインデックス全体で常に Embedding モデルの次元数と一致しなければならない。
type VectorRecord struct {
	ID       string
	Vector   []float32
	Metadata RecordMetadata
}

// RecordMetadata はベクトルレコードに付随するメタデータ。
type RecordMetadata struct {
	SourceName string `json:"source_name"`
	Text       string `json:"text"`
}

// QueryMatch はベクトル検索の 1 件のヒットを表す。検索呼び出しごとに生成され、永続化されない。
type QueryMatch struct {
	Score      float64
	Text       string
	SourceName string
}

// PartialUpsertError はバッチ upsert が途中で失敗した場合のエラー。
// 書き込み済み件数を保持し、オペレータがゼロからやり直さずに再開できるようにする。
type PartialUpsertError struct {
	Written   int
	Attempted int
	Err       error
}

func (e *PartialUpsertError) Error() string {
	return fmt.Sprintf("upsert が途中で失敗しました（%d/%d 件書き込み済み）: %v", e.Written, e.Attempted, e.Err)
}

func (e *PartialUpsertError) Unwrap() error {
	return e.Err
}

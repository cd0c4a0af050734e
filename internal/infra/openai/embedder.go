package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/jinford/avatar-kb/internal/core/ingestion"
	"github.com/jinford/avatar-kb/internal/core/retrieval"
)

const (
	// DefaultModel はモデル未指定時のデフォルト Embedding モデル
	DefaultModel = "text-embedding-3-small"
	// DefaultDimension は text-embedding-3-small のデフォルト次元
	DefaultDimension = 1536
	// DefaultTimeout は API 呼び出しのデフォルトタイムアウト
	DefaultTimeout = 30 * time.Second
	// maxBatchSize は OpenAI Embeddings API の最大バッチサイズ
	maxBatchSize = 100
)

// ErrAPIKeyNotSet は API キーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("OpenAI API key が設定されていません")

// Embedder は OpenAI API を使用してテキストをベクトルに変換する。
// 1 つのインデックスに対してモデルを混在させてはならない
// （次元の一貫性が壊れると復旧不能になる）。
type Embedder struct {
	client    openai.Client
	model     string
	dimension int
	timeout   time.Duration
}

type embedderOptions struct {
	model     string
	dimension int
	timeout   time.Duration
}

// EmbedderOption は Embedder のオプション設定
type EmbedderOption func(*embedderOptions)

// WithModel はモデル名を上書きする
func WithModel(model string) EmbedderOption {
	return func(o *embedderOptions) {
		o.model = model
	}
}

// WithDimension はベクトル次元を上書きする
func WithDimension(dimension int) EmbedderOption {
	return func(o *embedderOptions) {
		o.dimension = dimension
	}
}

// WithTimeout は API 呼び出しのタイムアウトを上書きする
func WithTimeout(timeout time.Duration) EmbedderOption {
	return func(o *embedderOptions) {
		o.timeout = timeout
	}
}

// NewEmbedder は新しい Embedder を作成する
func NewEmbedder(apiKey string, opts ...EmbedderOption) (*Embedder, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := embedderOptions{
		model:     DefaultModel,
		dimension: DefaultDimension,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Embedder{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     options.model,
		dimension: options.dimension,
		timeout:   options.timeout,
	}, nil
}

// Embed は単一テキストの Embedding を生成する。
// 失敗時はエラーを返す。呼び出し側がゼロベクトルで代替してはならない
// （類似度スコアリングが壊れる）。
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.BatchEmbed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedding が生成されませんでした")
	}
	return vectors[0], nil
}

// BatchEmbed はバッチで Embedding を生成する（最大 100 件）
func (e *Embedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("入力テキストがありません")
	}
	if len(texts) > maxBatchSize {
		return nil, fmt.Errorf("バッチサイズが上限 %d を超えています: %d", maxBatchSize, len(texts))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
	}
	if len(texts) == 1 {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(texts[0]),
		}
	} else {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		}
	}
	if e.dimension > 0 {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("embedding の生成に失敗: %w", err)
	}

	vectors := make([][]float32, 0, len(resp.Data))
	for _, data := range resp.Data {
		vector := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			vector[i] = float32(v)
		}
		vectors = append(vectors, vector)
	}
	return vectors, nil
}

// ModelName はモデル名を返す
func (e *Embedder) ModelName() string {
	return e.model
}

// Dimension はベクトル次元数を返す
func (e *Embedder) Dimension() int {
	return e.dimension
}

// MaxBatchSize はバッチ処理の最大サイズを返す
func (e *Embedder) MaxBatchSize() int {
	return maxBatchSize
}

// インターフェース実装の確認
var (
	_ ingestion.Embedder = (*Embedder)(nil)
	_ retrieval.Embedder = (*Embedder)(nil)
)

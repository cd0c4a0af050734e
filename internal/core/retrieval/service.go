package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jinford/avatar-kb/internal/core/knowledge"
)

const (
	// DefaultTopK はベクトル検索で取得する最大件数
	DefaultTopK = 3
	// DefaultScoreThreshold はこの値未満のマッチをノイズとして除外する閾値
	DefaultScoreThreshold = 0.1
	// DefaultMaxContextLength は連結後のコンテキスト文字列の最大長（文字数）
	DefaultMaxContextLength = 500
	// DefaultTimeout は Embedding・ベクトル検索それぞれの上限時間
	DefaultTimeout = 10 * time.Second
)

// Embedder はクエリの Embedding 生成インターフェース
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore は検索側が利用するベクトルストアの操作
type VectorStore interface {
	// Query は類似度の降順で最大 topK 件のマッチを返す
	Query(ctx context.Context, vector []float32, topK int) ([]knowledge.QueryMatch, error)
}

// Result は知識検索の結果を表す。
// 検索はベストエフォートであり、内部エラーは Success=false の「ソフト失敗」として返す。
// 呼び出し側にエラーを伝播させて会話を壊すことはない。
type Result struct {
	Success bool
	Context string
	Matches []knowledge.QueryMatch
}

// Config は検索サービスの設定
type Config struct {
	TopK             int
	ScoreThreshold   float64
	MaxContextLength int
	Timeout          time.Duration
}

// DefaultConfig はデフォルトの検索設定を返す
func DefaultConfig() Config {
	return Config{
		TopK:             DefaultTopK,
		ScoreThreshold:   DefaultScoreThreshold,
		MaxContextLength: DefaultMaxContextLength,
		Timeout:          DefaultTimeout,
	}
}

// Service はクエリから関連知識のコンテキスト文字列を組み立てる検索サービス
type Service struct {
	embedder Embedder
	store    VectorStore
	config   Config
	logger   *slog.Logger
}

type serviceOptions struct {
	config Config
	logger *slog.Logger
}

// Option は Service のオプション設定
type Option func(*serviceOptions)

// WithConfig は検索設定を上書きする
func WithConfig(cfg Config) Option {
	return func(o *serviceOptions) {
		o.config = cfg
	}
}

// WithLogger は Service にロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// NewService は新しい Service を作成する
func NewService(embedder Embedder, store VectorStore, opts ...Option) *Service {
	options := serviceOptions{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.config.TopK <= 0 {
		options.config.TopK = DefaultTopK
	}
	if options.config.MaxContextLength <= 0 {
		options.config.MaxContextLength = DefaultMaxContextLength
	}
	if options.config.Timeout <= 0 {
		options.config.Timeout = DefaultTimeout
	}

	return &Service{
		embedder: embedder,
		store:    store,
		config:   options.config,
		logger:   options.logger,
	}
}

// Retrieve はクエリに関連する知識を検索し、サイズ上限付きのコンテキスト文字列を組み立てる。
// 空・空白のみのクエリはネットワーク呼び出しなしで Success=false を返す
// （「知識が不要」は正常系であってエラーではない）。
func (s *Service) Retrieve(ctx context.Context, query string) Result {
	if strings.TrimSpace(query) == "" {
		return Result{Success: false, Context: ""}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	queryVector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("クエリの embedding 生成に失敗", "error", err)
		return Result{Success: false, Context: ""}
	}

	matches, err := s.store.Query(ctx, queryVector, s.config.TopK)
	if err != nil {
		s.logger.Warn("ベクトル検索に失敗", "error", err)
		return Result{Success: false, Context: ""}
	}

	// 閾値未満の低類似度マッチは生成品質を下げるノイズになるため除外する。
	// ストアが返した降順の並びはそのまま維持する。
	filtered := make([]knowledge.QueryMatch, 0, len(matches))
	for _, m := range matches {
		if m.Score >= s.config.ScoreThreshold {
			filtered = append(filtered, m)
		}
	}

	if len(filtered) == 0 {
		return Result{Success: false, Context: "", Matches: nil}
	}

	return Result{
		Success: true,
		Context: s.buildContext(filtered),
		Matches: filtered,
	}
}

// buildContext はマッチのテキストを位置マーカー付きで連結し、上限文字数に切り詰める。
// 切り詰めは文の境界を考慮しないハードカットであり、末尾は失われうる。
func (s *Service) buildContext(matches []knowledge.QueryMatch) string {
	var b strings.Builder
	for i, m := range matches {
		b.WriteString(fmt.Sprintf("\n\n【参考情報%d】: %s", i+1, m.Text))
	}

	runes := []rune(b.String())
	if len(runes) > s.config.MaxContextLength {
		return string(runes[:s.config.MaxContextLength])
	}
	return b.String()
}

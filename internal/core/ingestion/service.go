package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jinford/avatar-kb/internal/core/knowledge"
)

const (
	// DefaultChunkSize はデフォルトのチャンクサイズ（文字数）
	DefaultChunkSize = 1000
	// DefaultChunkOverlap はデフォルトのオーバーラップ（文字数）
	DefaultChunkOverlap = 100
	// DefaultUpsertBatchSize はベクトルストアへのデフォルトバッチサイズ
	DefaultUpsertBatchSize = 100
	// DefaultMaxChunkTokens は Embedding モデルへ渡すチャンクの最大トークン数
	DefaultMaxChunkTokens = 8192
)

// Embedder はテキストの Embedding 生成インターフェース
type Embedder interface {
	// BatchEmbed は複数テキストの Embedding をまとめて生成する
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension は生成されるベクトルの次元数を返す
	Dimension() int
	// MaxBatchSize はバッチ処理の最大サイズを返す
	MaxBatchSize() int
}

// VectorStore は取り込み側が利用するベクトルストアの操作
type VectorStore interface {
	// EnsureIndex はインデックスの存在を保証する（冪等）。
	// 新規作成した場合はストアが ready を報告するまで待機する。
	EnsureIndex(ctx context.Context, dimension int) error
	// Upsert はレコードを ID 上書きセマンティクスで書き込む
	Upsert(ctx context.Context, records []knowledge.VectorRecord) error
}

// Config は取り込みパイプラインの設定
type Config struct {
	ChunkSize      int
	ChunkOverlap   int
	BatchSize      int
	MaxChunkTokens int
	// FailOnEmbedError が true の場合、1 バッチでも Embedding に失敗すると
	// 実行全体を中断する（明示的な運用判断なしに部分的なコーパスを作らない）。
	// false の場合は失敗バッチをスキップして続行する。
	FailOnEmbedError bool
}

// DefaultConfig はデフォルトの取り込み設定を返す
func DefaultConfig() Config {
	return Config{
		ChunkSize:        DefaultChunkSize,
		ChunkOverlap:     DefaultChunkOverlap,
		BatchSize:        DefaultUpsertBatchSize,
		MaxChunkTokens:   DefaultMaxChunkTokens,
		FailOnEmbedError: true,
	}
}

// Stats は取り込み処理の統計情報
type Stats struct {
	ProcessedDocuments int // 正常に処理されたドキュメント数
	SkippedFiles       int // 未対応種別でスキップしたファイル数
	FailedDocuments    int // 抽出に失敗したドキュメント数
	FailedEmbeddings   int // Embedding 失敗によりスキップしたチャンク数
	TruncatedChunks    int // トークン上限で切り詰めたチャンク数
	ChunksWritten      int // ストアへ書き込んだチャンク数
	Duration           time.Duration
}

// Service はドキュメントフォルダをベクトルレコードへ変換する取り込みパイプライン
type Service struct {
	embedder Embedder
	store    VectorStore
	encoder  *tiktoken.Tiktoken
	config   Config
	logger   *slog.Logger
}

type serviceOptions struct {
	config Config
	logger *slog.Logger
}

// Option は Service のオプション設定
type Option func(*serviceOptions)

// WithConfig は取り込み設定を上書きする
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

// NewService は新しい Service を作成する。
// チャンク設定が不正な場合は起動時エラーとして即座に失敗する。
func NewService(embedder Embedder, store VectorStore, opts ...Option) (*Service, error) {
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

	// 設定エラーはここで fail fast する
	if _, err := knowledge.Chunks("", options.config.ChunkSize, options.config.ChunkOverlap); err != nil {
		return nil, err
	}

	// cl100k_base は text-embedding-3-small と互換のエンコーダ
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("tiktoken エンコーダの取得に失敗: %w", err)
	}

	batchSize := options.config.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultUpsertBatchSize
	}
	if maxBatch := embedder.MaxBatchSize(); maxBatch > 0 && batchSize > maxBatch {
		batchSize = maxBatch
	}
	options.config.BatchSize = batchSize

	if options.config.MaxChunkTokens <= 0 {
		options.config.MaxChunkTokens = DefaultMaxChunkTokens
	}

	return &Service{
		embedder: embedder,
		store:    store,
		encoder:  encoder,
		config:   options.config,
		logger:   options.logger,
	}, nil
}

// IngestDir はディレクトリ配下のドキュメントを抽出・チャンク化・Embedding してストアへ書き込む。
// 個別ドキュメントの抽出失敗は隔離され、残りの処理を中断しない。
// チャンク 0 件での完了は正常（ただし警告ログを出す）。
func (s *Service) IngestDir(ctx context.Context, dir string) (*Stats, error) {
	startTime := time.Now()
	stats := &Stats{}

	s.logger.Info("取り込みを開始", "dir", dir)

	if err := s.store.EnsureIndex(ctx, s.embedder.Dimension()); err != nil {
		return stats, fmt.Errorf("インデックスの準備に失敗: %w", err)
	}

	var chunks []knowledge.Chunk
	sourceNames := make(map[string]string) // documentID -> 元ファイル名
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}

		doc, extractErr := s.extractDocument(path)
		if extractErr != nil {
			if errors.Is(extractErr, ErrUnsupportedKind) {
				s.logger.Debug("未対応のファイル種別をスキップ", "file", d.Name())
				stats.SkippedFiles++
				return nil
			}
			// 抽出失敗は当該ドキュメントのみをスキップする
			s.logger.Warn("ドキュメントの抽出に失敗", "file", d.Name(), "error", extractErr)
			stats.FailedDocuments++
			return nil
		}

		docChunks, chunkErr := knowledge.SplitDocument(doc, s.config.ChunkSize, s.config.ChunkOverlap)
		if chunkErr != nil {
			return chunkErr
		}

		chunks = append(chunks, docChunks...)
		sourceNames[doc.ID] = doc.SourceName
		stats.ProcessedDocuments++
		s.logger.Info("ドキュメントを処理",
			"file", d.Name(),
			"kind", doc.MimeKind,
			"chunks", len(docChunks),
		)
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("ドキュメントの走査に失敗: %w", err)
	}

	if err := s.writeChunks(ctx, chunks, sourceNames, stats); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(startTime)

	if stats.ChunksWritten == 0 {
		s.logger.Warn("書き込まれたチャンクが 0 件です（ソースフォルダが空の可能性）", "dir", dir)
	}
	s.logger.Info("取り込みが完了",
		"processedDocuments", stats.ProcessedDocuments,
		"skippedFiles", stats.SkippedFiles,
		"failedDocuments", stats.FailedDocuments,
		"failedEmbeddings", stats.FailedEmbeddings,
		"chunksWritten", stats.ChunksWritten,
		"duration", stats.Duration,
	)

	return stats, nil
}

// extractDocument はファイルからドキュメントを組み立てる
func (s *Service) extractDocument(path string) (knowledge.Document, error) {
	text, kind, err := extractText(path)
	if err != nil {
		return knowledge.Document{}, err
	}

	sourceName := filepath.Base(path)
	return knowledge.Document{
		ID:         documentID(sourceName),
		SourceName: sourceName,
		Text:       text,
		MimeKind:   kind,
	}, nil
}

// writeChunks はチャンクをバッチ単位で Embedding してストアへ書き込む
func (s *Service) writeChunks(ctx context.Context, chunks []knowledge.Chunk, sourceNames map[string]string, stats *Stats) error {
	for start := 0; start < len(chunks); start += s.config.BatchSize {
		end := min(start+s.config.BatchSize, len(chunks))
		batch := chunks[start:end]

		// 切り詰めはベクトルとメタデータの両方に適用する。
		// 保存したテキストと embedding の表す内容がずれてはならない。
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = s.clipToTokenLimit(c.Text, stats)
		}

		vectors, err := s.embedder.BatchEmbed(ctx, texts)
		if err != nil {
			if s.config.FailOnEmbedError {
				return fmt.Errorf("embedding の生成に失敗: %w", err)
			}
			s.logger.Warn("embedding の生成に失敗したバッチをスキップ",
				"batchSize", len(batch),
				"error", err,
			)
			stats.FailedEmbeddings += len(batch)
			continue
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embedding ベクトル数が入力と一致しません: expected=%d actual=%d", len(batch), len(vectors))
		}

		records := make([]knowledge.VectorRecord, len(batch))
		for i, c := range batch {
			records[i] = knowledge.VectorRecord{
				ID:     c.Key(),
				Vector: vectors[i],
				Metadata: knowledge.RecordMetadata{
					SourceName: sourceNames[c.DocumentID],
					Text:       texts[i],
				},
			}
		}

		if err := s.store.Upsert(ctx, records); err != nil {
			var partial *knowledge.PartialUpsertError
			if errors.As(err, &partial) {
				stats.ChunksWritten += partial.Written
			}
			return fmt.Errorf("ベクトルストアへの書き込みに失敗: %w", err)
		}
		stats.ChunksWritten += len(records)
	}
	return nil
}

// clipToTokenLimit はチャンクを Embedding モデルのトークン上限内に収める
func (s *Service) clipToTokenLimit(text string, stats *Stats) string {
	tokens := s.encoder.Encode(text, nil, nil)
	if len(tokens) <= s.config.MaxChunkTokens {
		return text
	}
	stats.TruncatedChunks++
	s.logger.Warn("トークン上限を超えたチャンクを切り詰め",
		"tokens", len(tokens),
		"limit", s.config.MaxChunkTokens,
	)
	return s.encoder.Decode(tokens[:s.config.MaxChunkTokens])
}

// documentID はファイル名から安定したドキュメント ID を導出する。
// 再取り込み時に同じ ID になることで upsert の上書きが機能する。
func documentID(sourceName string) string {
	base := strings.TrimSuffix(sourceName, filepath.Ext(sourceName))
	return strings.Join(strings.Fields(base), "-")
}

package pgvector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvec "github.com/pgvector/pgvector-go"

	"github.com/jinford/avatar-kb/internal/core/ingestion"
	"github.com/jinford/avatar-kb/internal/core/knowledge"
	"github.com/jinford/avatar-kb/internal/core/retrieval"
)

// maxUpsertBatch は 1 トランザクションで書き込む最大レコード数
const maxUpsertBatch = 100

// Store は pgvector 拡張を使った PostgreSQL ベクトルストア。
// マネージドストアを使わないセルフホスト構成向けの実装。
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore は新しい Store を作成する
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Connect は DSN から接続プールを作成して Store を返す
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("データベース接続の確認に失敗: %w", err)
	}
	return NewStore(pool, logger), nil
}

// Close は接続プールを閉じる
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureIndex はテーブルと HNSW インデックスの存在を保証する（冪等）。
// pgvector の次元はテーブル定義に固定されるため、既存テーブルとの
// 次元不一致は最初の書き込みでエラーとして検出される。
func (s *Store) EnsureIndex(ctx context.Context, dimension int) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id          text PRIMARY KEY,
			source_name text NOT NULL,
			content     text NOT NULL,
			embedding   vector(%d) NOT NULL
		)`, dimension),
		`CREATE INDEX IF NOT EXISTS knowledge_chunks_embedding_idx
			ON knowledge_chunks USING hnsw (embedding vector_cosine_ops)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("スキーマの準備に失敗: %w", err)
		}
	}
	return nil
}

// Upsert はレコードを ID 上書きセマンティクスで書き込む。
// バッチ単位で書き込み、途中で失敗した場合は書き込み済み件数付きのエラーを返す。
func (s *Store) Upsert(ctx context.Context, records []knowledge.VectorRecord) error {
	written := 0
	for start := 0; start < len(records); start += maxUpsertBatch {
		end := min(start+maxUpsertBatch, len(records))

		batch := &pgx.Batch{}
		for _, rec := range records[start:end] {
			batch.Queue(
				`INSERT INTO knowledge_chunks (id, source_name, content, embedding)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (id) DO UPDATE SET
					source_name = EXCLUDED.source_name,
					content     = EXCLUDED.content,
					embedding   = EXCLUDED.embedding`,
				rec.ID, rec.Metadata.SourceName, rec.Metadata.Text, pgvec.NewVector(rec.Vector),
			)
		}

		if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
			return &knowledge.PartialUpsertError{Written: written, Attempted: len(records), Err: err}
		}
		written += end - start
	}

	s.logger.Debug("レコードを書き込み", "count", written)
	return nil
}

// Query はコサイン距離の昇順（スコア降順）で最大 topK 件のマッチを返す。
// score = 1 - cosine_distance で [-1, 1] に正規化される。
func (s *Store) Query(ctx context.Context, vector []float32, topK int) ([]knowledge.QueryMatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_name, content, 1 - (embedding <=> $1) AS score
		 FROM knowledge_chunks
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		pgvec.NewVector(vector), topK,
	)
	if err != nil {
		return nil, fmt.Errorf("ベクトル検索に失敗: %w", err)
	}
	defer rows.Close()

	var matches []knowledge.QueryMatch
	for rows.Next() {
		var m knowledge.QueryMatch
		if err := rows.Scan(&m.SourceName, &m.Text, &m.Score); err != nil {
			return nil, fmt.Errorf("検索結果の読み取りに失敗: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("検索結果の読み取りに失敗: %w", err)
	}
	return matches, nil
}

// インターフェース実装の確認
var (
	_ ingestion.VectorStore = (*Store)(nil)
	_ retrieval.VectorStore = (*Store)(nil)
)

package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/avatar-kb/internal/core/ingestion"
	"github.com/jinford/avatar-kb/internal/core/retrieval"
	"github.com/jinford/avatar-kb/internal/infra/openai"
	"github.com/jinford/avatar-kb/internal/infra/pgvector"
	"github.com/jinford/avatar-kb/internal/infra/pinecone"
	"github.com/jinford/avatar-kb/internal/platform/config"
	"github.com/jinford/avatar-kb/internal/platform/logger"
)

// VectorStore は取り込みと検索の両方を提供するストア。
// Pinecone と pgvector のどちらのバックエンドもこれを満たす
type VectorStore interface {
	ingestion.VectorStore
	retrieval.VectorStore
}

// AppContext はコマンド実行に必要な共通コンテキストを保持する。
// 外部クライアントは ConnectClients を呼ぶまで構築されない。
// 設定不足を致命的エラーにするかはコマンド側の判断に委ねる
// （ingest は即エラー、serve は検索機能を無効にして起動を続行する）。
type AppContext struct {
	Config   *config.Config
	Logger   *slog.Logger
	Embedder *openai.Embedder
	Store    VectorStore

	closers []func()
}

// NewAppContext は設定とロガーを初期化して AppContext を作成する
func NewAppContext(ctx context.Context, envFile string) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	})

	return &AppContext{
		Config: cfg,
		Logger: appLogger,
	}, nil
}

// ConnectClients は Embedding クライアントとベクトルストアを構築する
func (ac *AppContext) ConnectClients(ctx context.Context) error {
	embedder, err := openai.NewEmbedder(ac.Config.OpenAI.APIKey,
		openai.WithModel(ac.Config.OpenAI.EmbeddingModel),
		openai.WithDimension(ac.Config.OpenAI.EmbeddingDimension),
		openai.WithTimeout(ac.Config.OpenAI.Timeout),
	)
	if err != nil {
		return fmt.Errorf("Embeddingクライアントの初期化に失敗: %w", err)
	}

	store, err := ac.newVectorStore(ctx)
	if err != nil {
		return err
	}

	ac.Embedder = embedder
	ac.Store = store
	return nil
}

func (ac *AppContext) newVectorStore(ctx context.Context) (VectorStore, error) {
	cfg := ac.Config
	switch cfg.VectorStore.Backend {
	case config.BackendPinecone:
		client, err := pinecone.NewClient(pinecone.Config{
			APIKey:    cfg.VectorStore.Pinecone.APIKey,
			IndexName: cfg.VectorStore.Pinecone.Index,
			Metric:    cfg.VectorStore.Pinecone.Metric,
			Cloud:     cfg.VectorStore.Pinecone.Cloud,
			Region:    cfg.VectorStore.Pinecone.Region,
			Timeout:   cfg.VectorStore.Pinecone.Timeout,
		}, ac.Logger)
		if err != nil {
			return nil, fmt.Errorf("Pineconeクライアントの初期化に失敗: %w", err)
		}
		return client, nil

	case config.BackendPgvector:
		store, err := pgvector.Connect(ctx, cfg.VectorStore.Database.DSN(), ac.Logger)
		if err != nil {
			return nil, fmt.Errorf("pgvectorストアの初期化に失敗: %w", err)
		}
		ac.closers = append(ac.closers, store.Close)
		return store, nil

	default:
		return nil, fmt.Errorf("未対応のベクトルストア: %s", cfg.VectorStore.Backend)
	}
}

// Close はAppContextが保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	for _, close := range ac.closers {
		close()
	}
}

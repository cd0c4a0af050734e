package commands

import (
	"context"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jinford/avatar-kb/internal/core/retrieval"
	httpiface "github.com/jinford/avatar-kb/internal/interface/http"
)

// ServeAction はナレッジ検索HTTPサーバを起動するコマンドのアクション。
// 検索に必要な設定が不足していてもサーバ自体は起動し、検索機能のみ無効にする
func ServeAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	port := cmd.Int("port")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if port > 0 {
		appCtx.Config.Server.Port = port
	}

	srv := httpiface.NewServer(appCtx.Config.Server.Addr(), buildRetriever(ctx, appCtx),
		httpiface.WithServerLogger(appCtx.Logger),
	)
	return srv.Run(ctx)
}

// buildRetriever は検索サービスを構築する。
// 設定不足やクライアント初期化の失敗では nil を返し、サーバは検索無効で起動を続行する。
func buildRetriever(ctx context.Context, appCtx *AppContext) httpiface.Retriever {
	cfg := appCtx.Config

	if !cfg.RetrievalEnabled() {
		slog.Warn("ナレッジ検索に必要な設定が不足しているため、検索機能を無効にして起動します",
			"backend", cfg.VectorStore.Backend,
		)
		return nil
	}

	if err := appCtx.ConnectClients(ctx); err != nil {
		slog.Warn("外部クライアントの初期化に失敗したため、検索機能を無効にして起動します",
			"backend", cfg.VectorStore.Backend,
			"error", err,
		)
		return nil
	}

	return retrieval.NewService(appCtx.Embedder, appCtx.Store,
		retrieval.WithConfig(retrieval.Config{
			TopK:             cfg.Retrieval.TopK,
			ScoreThreshold:   cfg.Retrieval.ScoreThreshold,
			MaxContextLength: cfg.Retrieval.MaxContextLength,
			Timeout:          cfg.Retrieval.Timeout,
		}),
		retrieval.WithLogger(appCtx.Logger),
	)
}

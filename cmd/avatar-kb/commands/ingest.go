package commands

import (
	"context"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jinford/avatar-kb/internal/core/ingestion"
)

// IngestAction はドキュメントフォルダを取り込むコマンドのアクション
func IngestAction(ctx context.Context, cmd *cli.Command) error {
	dir := cmd.String("dir")
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	// 取り込みはオフラインジョブなので設定不足は即エラー
	if err := appCtx.Config.ValidateForIngest(); err != nil {
		return err
	}
	if err := appCtx.ConnectClients(ctx); err != nil {
		return err
	}

	slog.Info("取り込みを開始", "dir", dir, "backend", appCtx.Config.VectorStore.Backend)

	service, err := ingestion.NewService(appCtx.Embedder, appCtx.Store,
		ingestion.WithConfig(ingestion.Config{
			ChunkSize:        appCtx.Config.Chunking.Size,
			ChunkOverlap:     appCtx.Config.Chunking.Overlap,
			BatchSize:        appCtx.Config.Ingest.BatchSize,
			MaxChunkTokens:   appCtx.Config.Chunking.MaxChunkTokens,
			FailOnEmbedError: appCtx.Config.Ingest.FailOnEmbedError,
		}),
		ingestion.WithLogger(appCtx.Logger),
	)
	if err != nil {
		return err
	}

	stats, err := service.IngestDir(ctx, dir)
	if err != nil {
		slog.Error("取り込みに失敗しました", "error", err)
		return err
	}

	slog.Info("取り込みが完了しました",
		"processed_documents", stats.ProcessedDocuments,
		"skipped_files", stats.SkippedFiles,
		"failed_documents", stats.FailedDocuments,
		"failed_embeddings", stats.FailedEmbeddings,
		"truncated_chunks", stats.TruncatedChunks,
		"chunks_written", stats.ChunksWritten,
		"duration", stats.Duration.String(),
	)
	return nil
}

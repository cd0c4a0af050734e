package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/avatar-kb/internal/core/knowledge"
)

type stubEmbedder struct {
	dimension int
	batches   int
	embedded  []string // BatchEmbed に渡された全テキスト
	err       error
}

func (e *stubEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	e.batches++
	e.embedded = append(e.embedded, texts...)
	if e.err != nil {
		return nil, e.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = make([]float32, e.dimension)
	}
	return vectors, nil
}

func (e *stubEmbedder) Dimension() int    { return e.dimension }
func (e *stubEmbedder) MaxBatchSize() int { return 100 }

type stubStore struct {
	ensured   bool
	dimension int
	records   []knowledge.VectorRecord
	upsertErr error
}

func (s *stubStore) EnsureIndex(ctx context.Context, dimension int) error {
	s.ensured = true
	s.dimension = dimension
	return nil
}

func (s *stubStore) Upsert(ctx context.Context, records []knowledge.VectorRecord) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.records = append(s.records, records...)
	return nil
}

func newTestService(t *testing.T, embedder *stubEmbedder, store *stubStore, cfg Config) *Service {
	t.Helper()
	svc, err := NewService(embedder, store, WithConfig(cfg))
	require.NoError(t, err)
	return svc
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestNewServiceRejectsInvalidChunkConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 10
	cfg.ChunkOverlap = 10

	_, err := NewService(&stubEmbedder{dimension: 4}, &stubStore{}, WithConfig(cfg))
	assert.ErrorIs(t, err, knowledge.ErrInvalidChunkConfig)
}

func TestIngestDirSkipsUnsupportedKind(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "manual.txt", "アバターの操作マニュアルです。電源を入れてから接続してください。")
	writeFile(t, dir, "archive.bin", string([]byte{0x00, 0x01, 0x02, 0xFF, 0xFE}))

	embedder := &stubEmbedder{dimension: 8}
	store := &stubStore{}
	svc := newTestService(t, embedder, store, DefaultConfig())

	stats, err := svc.IngestDir(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ProcessedDocuments)
	assert.Equal(t, 1, stats.SkippedFiles)
	assert.True(t, store.ensured)
	assert.Equal(t, 8, store.dimension)
	require.NotEmpty(t, store.records)
	for _, rec := range store.records {
		assert.Equal(t, "manual.txt", rec.Metadata.SourceName)
		assert.Len(t, rec.Vector, 8)
	}
}

func TestIngestDirRecordIDsAreStable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "faq.md", "Q: これは何ですか？ A: ナレッジベースです。")

	embedder := &stubEmbedder{dimension: 4}
	store := &stubStore{}
	svc := newTestService(t, embedder, store, DefaultConfig())

	_, err := svc.IngestDir(context.Background(), dir)
	require.NoError(t, err)
	require.NotEmpty(t, store.records)
	assert.Equal(t, "faq_0", store.records[0].ID)
}

func TestIngestDirEmptyFolderIsValid(t *testing.T) {
	embedder := &stubEmbedder{dimension: 4}
	store := &stubStore{}
	svc := newTestService(t, embedder, store, DefaultConfig())

	stats, err := svc.IngestDir(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, stats.ChunksWritten)
	assert.Zero(t, embedder.batches)
}

func TestIngestDirEmbedErrorIsFatalByDefault(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "doc.txt", "some knowledge")

	embedder := &stubEmbedder{dimension: 4, err: errors.New("embedding service down")}
	store := &stubStore{}
	svc := newTestService(t, embedder, store, DefaultConfig())

	_, err := svc.IngestDir(context.Background(), dir)
	assert.Error(t, err)
	assert.Empty(t, store.records)
}

func TestIngestDirEmbedErrorSkippedWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "doc.txt", "some knowledge")

	cfg := DefaultConfig()
	cfg.FailOnEmbedError = false

	embedder := &stubEmbedder{dimension: 4, err: errors.New("embedding service down")}
	store := &stubStore{}
	svc := newTestService(t, embedder, store, cfg)

	stats, err := svc.IngestDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Zero(t, stats.ChunksWritten)
	assert.Positive(t, stats.FailedEmbeddings)
}

func TestIngestDirReportsPartialUpsert(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "doc.txt", "some knowledge")

	partial := &knowledge.PartialUpsertError{Written: 0, Attempted: 1, Err: errors.New("store unavailable")}
	embedder := &stubEmbedder{dimension: 4}
	store := &stubStore{upsertErr: partial}
	svc := newTestService(t, embedder, store, DefaultConfig())

	stats, err := svc.IngestDir(context.Background(), dir)
	require.Error(t, err)

	var got *knowledge.PartialUpsertError
	assert.ErrorAs(t, err, &got)
	assert.Equal(t, 0, stats.ChunksWritten)
}

func TestIngestDirSplitsLongDocumentWithOverlap(t *testing.T) {
	dir := t.TempDir()
	long := ""
	for i := 0; i < 50; i++ {
		long += "ナレッジベースに登録する長いドキュメントの本文。"
	}
	writeFile(t, dir, "long.txt", long)

	cfg := DefaultConfig()
	cfg.ChunkSize = 200
	cfg.ChunkOverlap = 50

	embedder := &stubEmbedder{dimension: 4}
	store := &stubStore{}
	svc := newTestService(t, embedder, store, cfg)

	stats, err := svc.IngestDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Greater(t, stats.ChunksWritten, 1)

	// 連番 ordinal がレコード ID に反映されている
	assert.Equal(t, "long_0", store.records[0].ID)
	assert.Equal(t, "long_1", store.records[1].ID)
}

func TestIngestDirStoresClippedChunkText(t *testing.T) {
	dir := t.TempDir()
	original := "The avatar knowledge base stores documents as overlapping text chunks for retrieval."
	writeFile(t, dir, "doc.txt", original)

	cfg := DefaultConfig()
	cfg.MaxChunkTokens = 5

	embedder := &stubEmbedder{dimension: 4}
	store := &stubStore{}
	svc := newTestService(t, embedder, store, cfg)

	stats, err := svc.IngestDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Positive(t, stats.TruncatedChunks)

	// 保存されるテキストは embedding の入力と同じ切り詰め済みテキストであること。
	// 未切り詰めの本文を保存するとベクトルが表す内容と食い違う。
	require.Len(t, store.records, 1)
	require.Len(t, embedder.embedded, 1)
	stored := store.records[0].Metadata.Text
	assert.Equal(t, embedder.embedded[0], stored)
	assert.Less(t, len(stored), len(original))
}

func TestDocumentIDNormalisesFileName(t *testing.T) {
	assert.Equal(t, "product-guide", documentID("product guide.pdf"))
	assert.Equal(t, "faq", documentID("faq.txt"))
}

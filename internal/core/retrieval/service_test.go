package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/avatar-kb/internal/core/knowledge"
)

type stubEmbedder struct {
	calls int
	err   error
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type stubStore struct {
	calls   int
	matches []knowledge.QueryMatch
	err     error
	topK    int
}

func (s *stubStore) Query(ctx context.Context, vector []float32, topK int) ([]knowledge.QueryMatch, error) {
	s.calls++
	s.topK = topK
	if s.err != nil {
		return nil, s.err
	}
	return s.matches, nil
}

func TestRetrieveEmptyQueryShortCircuits(t *testing.T) {
	embedder := &stubEmbedder{}
	store := &stubStore{}
	svc := NewService(embedder, store)

	for _, query := range []string{"", "   ", "\n\t"} {
		res := svc.Retrieve(context.Background(), query)
		assert.False(t, res.Success)
		assert.Empty(t, res.Context)
	}
	// ネットワーク呼び出しが一切発生しないこと
	assert.Zero(t, embedder.calls)
	assert.Zero(t, store.calls)
}

func TestRetrieveBuildsRankedContext(t *testing.T) {
	store := &stubStore{matches: []knowledge.QueryMatch{
		{Score: 0.82, Text: "X is a streaming avatar platform.", SourceName: "product.txt"},
		{Score: 0.54, Text: "Y is the pricing plan.", SourceName: "pricing.txt"},
	}}
	svc := NewService(&stubEmbedder{}, store)

	res := svc.Retrieve(context.Background(), "What is X?")
	require.True(t, res.Success)
	assert.Equal(t, DefaultTopK, store.topK)
	assert.Equal(t,
		"\n\n【参考情報1】: X is a streaming avatar platform.\n\n【参考情報2】: Y is the pricing plan.",
		res.Context,
	)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, 0.82, res.Matches[0].Score)
}

func TestRetrieveFiltersBelowThreshold(t *testing.T) {
	store := &stubStore{matches: []knowledge.QueryMatch{
		{Score: 0.82, Text: "relevant", SourceName: "a.txt"},
		{Score: 0.05, Text: "noise", SourceName: "b.txt"},
	}}
	svc := NewService(&stubEmbedder{}, store)

	res := svc.Retrieve(context.Background(), "query")
	require.True(t, res.Success)
	require.Len(t, res.Matches, 1)
	for _, m := range res.Matches {
		assert.GreaterOrEqual(t, m.Score, DefaultScoreThreshold)
	}
	assert.NotContains(t, res.Context, "noise")
}

func TestRetrieveAllMatchesBelowThreshold(t *testing.T) {
	store := &stubStore{matches: []knowledge.QueryMatch{
		{Score: 0.02, Text: "noise", SourceName: "b.txt"},
	}}
	svc := NewService(&stubEmbedder{}, store)

	res := svc.Retrieve(context.Background(), "query")
	assert.False(t, res.Success)
	assert.Empty(t, res.Context)
}

func TestRetrieveTruncatesContext(t *testing.T) {
	store := &stubStore{matches: []knowledge.QueryMatch{
		{Score: 0.9, Text: strings.Repeat(" 長い参考テキスト。", 200), SourceName: "long.txt"},
	}}
	svc := NewService(&stubEmbedder{}, store)

	res := svc.Retrieve(context.Background(), "query")
	require.True(t, res.Success)
	assert.LessOrEqual(t, len([]rune(res.Context)), DefaultMaxContextLength)
}

func TestRetrieveSoftFailsOnEmbedError(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("embedding timeout")}
	store := &stubStore{}
	svc := NewService(embedder, store)

	res := svc.Retrieve(context.Background(), "query")
	assert.False(t, res.Success)
	assert.Empty(t, res.Context)
	assert.Zero(t, store.calls)
}

func TestRetrieveSoftFailsOnStoreError(t *testing.T) {
	store := &stubStore{err: errors.New("index unavailable")}
	svc := NewService(&stubEmbedder{}, store)

	res := svc.Retrieve(context.Background(), "query")
	assert.False(t, res.Success)
	assert.Empty(t, res.Context)
}

func TestRetrieveEndToEndScenario(t *testing.T) {
	// 次元 1536 のインデックスに対して "What is X?" が score 0.82 でヒットするシナリオ
	store := &stubStore{matches: []knowledge.QueryMatch{
		{Score: 0.82, Text: "X is ...", SourceName: "x.txt"},
	}}
	svc := NewService(&stubEmbedder{}, store)

	res := svc.Retrieve(context.Background(), "What is X?")
	require.True(t, res.Success)
	assert.Equal(t, "\n\n【参考情報1】: X is ...", res.Context)
}

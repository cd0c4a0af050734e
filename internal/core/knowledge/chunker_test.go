package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunksInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		overlap int
	}{
		{name: "overlap が負", size: 10, overlap: -1},
		{name: "size と overlap が等しい", size: 10, overlap: 10},
		{name: "overlap が size より大きい", size: 10, overlap: 20},
		{name: "size がゼロ", size: 0, overlap: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Chunks("some text", tt.size, tt.overlap)
			assert.ErrorIs(t, err, ErrInvalidChunkConfig)
		})
	}
}

func TestChunksShortTextYieldsSingleChunk(t *testing.T) {
	seq, err := Chunks("  hello world  ", 100, 10)
	require.NoError(t, err)

	chunks := collect(seq)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello world", chunks[0])
}

func TestChunksEmptyAndWhitespaceText(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t\n"} {
		seq, err := Chunks(text, 10, 2)
		require.NoError(t, err)
		assert.Empty(t, collect(seq))
	}
}

func TestChunksOverlapReconstructsOriginal(t *testing.T) {
	text := strings.Repeat("abcdefghij", 10) // 100 文字、空白なし
	size, overlap := 30, 5

	seq, err := Chunks(text, size, overlap)
	require.NoError(t, err)
	chunks := collect(seq)
	require.NotEmpty(t, chunks)

	// 各チャンクの先頭 overlap 文字を重複分として取り除いて連結すると元のテキストに戻る
	var b strings.Builder
	b.WriteString(chunks[0])
	for _, c := range chunks[1:] {
		runes := []rune(c)
		if len(runes) > overlap {
			b.WriteString(string(runes[overlap:]))
		}
	}
	assert.Equal(t, text, b.String())
}

func TestChunksMultibyteNotSplitMidRune(t *testing.T) {
	text := strings.Repeat("これは日本語のテキストです。", 20)
	seq, err := Chunks(text, 50, 10)
	require.NoError(t, err)

	for chunk := range seq {
		assert.True(t, strings.ContainsRune(text, []rune(chunk)[0]))
		assert.LessOrEqual(t, len([]rune(chunk)), 50)
	}
}

func TestChunksSequenceIsRestartable(t *testing.T) {
	seq, err := Chunks("one two three four five six seven eight nine ten", 20, 5)
	require.NoError(t, err)

	first := collect(seq)
	second := collect(seq)
	assert.Equal(t, first, second)
}

func TestSplitDocumentAssignsOrdinals(t *testing.T) {
	doc := Document{
		ID:         "guide",
		SourceName: "guide.txt",
		Text:       strings.Repeat("0123456789", 5),
	}

	chunks, err := SplitDocument(doc, 20, 4)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for i, c := range chunks {
		assert.Equal(t, "guide", c.DocumentID)
		assert.Equal(t, i, c.Ordinal)
	}
	assert.Equal(t, "guide_0", chunks[0].Key())
}

func collect(seq func(yield func(string) bool)) []string {
	var out []string
	for s := range seq {
		out = append(out, s)
	}
	return out
}

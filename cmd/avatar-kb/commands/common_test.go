package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/avatar-kb/internal/infra/openai"
)

// clearRetrievalEnv は検索に必要な認証情報をすべて未設定にする
func clearRetrievalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("PINECONE_API_KEY", "")
	t.Setenv("VECTOR_STORE", "pinecone")
}

func TestNewAppContextSucceedsWithoutCredentials(t *testing.T) {
	clearRetrievalEnv(t)

	appCtx, err := NewAppContext(context.Background(), "")
	require.NoError(t, err)
	defer appCtx.Close()

	// クライアントは ConnectClients を呼ぶまで構築されない
	assert.Nil(t, appCtx.Embedder)
	assert.Nil(t, appCtx.Store)
	assert.False(t, appCtx.Config.RetrievalEnabled())
}

func TestConnectClientsFailsWithoutAPIKey(t *testing.T) {
	clearRetrievalEnv(t)

	appCtx, err := NewAppContext(context.Background(), "")
	require.NoError(t, err)
	defer appCtx.Close()

	err = appCtx.ConnectClients(context.Background())
	assert.ErrorIs(t, err, openai.ErrAPIKeyNotSet)
}

func TestConnectClientsWithCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "dummy-openai-key")
	t.Setenv("PINECONE_API_KEY", "dummy-pinecone-key")
	t.Setenv("VECTOR_STORE", "pinecone")

	appCtx, err := NewAppContext(context.Background(), "")
	require.NoError(t, err)
	defer appCtx.Close()

	require.NoError(t, appCtx.ConnectClients(context.Background()))
	assert.NotNil(t, appCtx.Embedder)
	assert.NotNil(t, appCtx.Store)
}

func TestBuildRetrieverDisabledWithoutCredentials(t *testing.T) {
	clearRetrievalEnv(t)

	appCtx, err := NewAppContext(context.Background(), "")
	require.NoError(t, err)
	defer appCtx.Close()

	// 設定不足では nil（検索無効）を返し、サーバ起動自体は妨げない
	assert.Nil(t, buildRetriever(context.Background(), appCtx))
}

func TestBuildRetrieverWithCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "dummy-openai-key")
	t.Setenv("PINECONE_API_KEY", "dummy-pinecone-key")
	t.Setenv("VECTOR_STORE", "pinecone")

	appCtx, err := NewAppContext(context.Background(), "")
	require.NoError(t, err)
	defer appCtx.Close()

	assert.NotNil(t, buildRetriever(context.Background(), appCtx))
}

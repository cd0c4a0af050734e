package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ベクトルストアのバックエンド種別
const (
	BackendPinecone = "pinecone"
	BackendPgvector = "pgvector"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// OpenAI設定（Embeddings用）
	OpenAI OpenAIConfig

	// ベクトルストア設定
	VectorStore VectorStoreConfig

	// チャンキング設定
	Chunking ChunkingConfig

	// 取り込みジョブ設定
	Ingest IngestConfig

	// ナレッジ検索設定
	Retrieval RetrievalConfig

	// HTTPサーバー設定
	Server ServerConfig

	// ログ設定
	Log LogConfig
}

// OpenAIConfig はOpenAI API設定
type OpenAIConfig struct {
	APIKey             string
	EmbeddingModel     string
	EmbeddingDimension int
	Timeout            time.Duration
}

// VectorStoreConfig はベクトルストアの選択と接続設定
type VectorStoreConfig struct {
	// Backend は "pinecone" または "pgvector"
	Backend  string
	Pinecone PineconeConfig
	Database DatabaseConfig
}

// PineconeConfig はPinecone接続設定
type PineconeConfig struct {
	APIKey  string
	Index   string
	Metric  string
	Cloud   string
	Region  string
	Timeout time.Duration
}

// DatabaseConfig はpgvector用のPostgreSQL接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN は接続文字列を返します
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// ChunkingConfig はドキュメント分割設定
type ChunkingConfig struct {
	Size           int
	Overlap        int
	MaxChunkTokens int
}

// IngestConfig は取り込みジョブ設定
type IngestConfig struct {
	BatchSize int
	// FailOnEmbedError が true の場合、1バッチでも埋め込みに失敗すると
	// 取り込み全体を中断します（既定）。false の場合は失敗したバッチの
	// チャンクのみスキップして続行します
	FailOnEmbedError bool
}

// RetrievalConfig はナレッジ検索設定
type RetrievalConfig struct {
	TopK             int
	ScoreThreshold   float64
	MaxContextLength int
	Timeout          time.Duration
}

// ServerConfig はHTTPサーバー設定
type ServerConfig struct {
	Host string
	Port int
}

// Addr はListenアドレスを返します
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig はログ出力設定
type LogConfig struct {
	Level  string
	Format string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		OpenAI: OpenAIConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
			Timeout:            getEnvAsDuration("OPENAI_TIMEOUT", 30*time.Second),
		},
		VectorStore: VectorStoreConfig{
			Backend: getEnv("VECTOR_STORE", BackendPinecone),
			Pinecone: PineconeConfig{
				APIKey:  getEnv("PINECONE_API_KEY", ""),
				Index:   getEnv("PINECONE_INDEX", "avatar-kb"),
				Metric:  getEnv("PINECONE_METRIC", "cosine"),
				Cloud:   getEnv("PINECONE_CLOUD", "aws"),
				Region:  getEnv("PINECONE_REGION", "us-east-1"),
				Timeout: getEnvAsDuration("PINECONE_TIMEOUT", 30*time.Second),
			},
			Database: DatabaseConfig{
				Host:     getEnv("DB_HOST", "localhost"),
				Port:     getEnvAsInt("DB_PORT", 5432),
				User:     getEnv("DB_USER", "avatarkb"),
				Password: getEnv("DB_PASSWORD", ""),
				DBName:   getEnv("DB_NAME", "avatarkb"),
				SSLMode:  getEnv("DB_SSLMODE", "disable"),
			},
		},
		Chunking: ChunkingConfig{
			Size:           getEnvAsInt("CHUNK_SIZE", 1000),
			Overlap:        getEnvAsInt("CHUNK_OVERLAP", 100),
			MaxChunkTokens: getEnvAsInt("CHUNK_MAX_TOKENS", 8192),
		},
		Ingest: IngestConfig{
			BatchSize:        getEnvAsInt("INGEST_BATCH_SIZE", 100),
			FailOnEmbedError: getEnvAsBool("INGEST_FAIL_ON_EMBED_ERROR", true),
		},
		Retrieval: RetrievalConfig{
			TopK:             getEnvAsInt("RETRIEVAL_TOP_K", 3),
			ScoreThreshold:   getEnvAsFloat("RETRIEVAL_SCORE_THRESHOLD", 0.1),
			MaxContextLength: getEnvAsInt("RETRIEVAL_MAX_CONTEXT_LENGTH", 500),
			Timeout:          getEnvAsDuration("RETRIEVAL_TIMEOUT", 10*time.Second),
		},
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

// ValidateForIngest は取り込みジョブの実行に必要な設定を検証します。
// 取り込みはオフラインジョブなので設定不足は即エラーにします
func (c *Config) ValidateForIngest() error {
	if c.OpenAI.APIKey == "" {
		return errors.New("OPENAI_API_KEYが設定されていません")
	}
	switch c.VectorStore.Backend {
	case BackendPinecone:
		if c.VectorStore.Pinecone.APIKey == "" {
			return errors.New("PINECONE_API_KEYが設定されていません")
		}
	case BackendPgvector:
		// DSNの妥当性は接続時に検証される
	default:
		return fmt.Errorf("未対応のベクトルストア: %s", c.VectorStore.Backend)
	}
	return nil
}

// RetrievalEnabled はナレッジ検索機能が利用可能かを返します。
// サーバーは設定不足でも起動し、検索機能のみ無効にします
func (c *Config) RetrievalEnabled() bool {
	return c.ValidateForIngest() == nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を時間として取得します（例: "30s", "1m"）
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

package pinecone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/samber/mo"

	"github.com/jinford/avatar-kb/internal/core/ingestion"
	"github.com/jinford/avatar-kb/internal/core/knowledge"
	"github.com/jinford/avatar-kb/internal/core/retrieval"
)

const (
	// DefaultControlPlaneURL は Pinecone コントロールプレーンのベース URL
	DefaultControlPlaneURL = "https://api.pinecone.io"
	// DefaultMetric はデフォルトの類似度メトリクス
	DefaultMetric = "cosine"
	// DefaultCloud はサーバレスインデックスのデフォルトクラウド
	DefaultCloud = "aws"
	// DefaultRegion はサーバレスインデックスのデフォルトリージョン
	DefaultRegion = "us-east-1"
	// DefaultTimeout は API 呼び出しのデフォルトタイムアウト
	DefaultTimeout = 15 * time.Second
	// DefaultReadyTimeout は新規作成したインデックスの ready 待ちの上限
	DefaultReadyTimeout = 2 * time.Minute

	// maxUpsertBatch は 1 回の upsert で送る最大レコード数（プロバイダ制限）
	maxUpsertBatch = 100
	// readyPollInterval は ready 待ちのポーリング間隔
	readyPollInterval = 2 * time.Second
)

// ErrAPIKeyNotSet は API キーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("Pinecone API key が設定されていません")

// ErrDimensionMismatch は既存インデックスの次元が Embedding モデルと一致しない場合のエラー。
// 次元の混在は復旧不能な整合性違反のため、書き込み前に検出して停止する。
var ErrDimensionMismatch = errors.New("インデックスの次元が embedding モデルと一致しません")

// IndexInfo はインデックスの記述情報
type IndexInfo struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
	Host      string `json:"host"`
	Status    struct {
		Ready bool   `json:"ready"`
		State string `json:"state"`
	} `json:"status"`
}

// Config は Pinecone クライアントの設定
type Config struct {
	APIKey       string
	IndexName    string
	Metric       string
	Cloud        string
	Region       string
	Timeout      time.Duration
	ReadyTimeout time.Duration
	// ControlPlaneURL はテスト時の差し替え用。空ならデフォルトを使う。
	ControlPlaneURL string
	// DataPlaneURL はテスト時の差し替え用。空なら DescribeIndex の host を使う。
	DataPlaneURL string
}

// Client は Pinecone のサーバレスインデックスに対する REST クライアント
type Client struct {
	control   *resty.Client
	indexName string
	metric    string
	cloud     string
	region    string
	timeout   time.Duration
	readyWait time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	dataBase string
	data     *resty.Client
}

// NewClient は新しい Client を作成する
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if cfg.IndexName == "" {
		return nil, errors.New("インデックス名が設定されていません")
	}
	if logger == nil {
		logger = slog.Default()
	}

	controlURL := cfg.ControlPlaneURL
	if controlURL == "" {
		controlURL = DefaultControlPlaneURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	readyWait := cfg.ReadyTimeout
	if readyWait <= 0 {
		readyWait = DefaultReadyTimeout
	}
	metric := cfg.Metric
	if metric == "" {
		metric = DefaultMetric
	}
	cloud := cfg.Cloud
	if cloud == "" {
		cloud = DefaultCloud
	}
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}

	control := resty.New().
		SetBaseURL(controlURL).
		SetHeader("Api-Key", cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)

	c := &Client{
		control:   control,
		indexName: cfg.IndexName,
		metric:    metric,
		cloud:     cloud,
		region:    region,
		timeout:   timeout,
		readyWait: readyWait,
		logger:    logger,
	}
	if cfg.DataPlaneURL != "" {
		c.setDataBase(cfg.DataPlaneURL)
	}
	return c, nil
}

// ListIndexes はインデックス名の一覧を返す
func (c *Client) ListIndexes(ctx context.Context) ([]string, error) {
	var out struct {
		Indexes []IndexInfo `json:"indexes"`
	}
	resp, err := c.control.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/indexes")
	if err != nil {
		return nil, fmt.Errorf("インデックス一覧の取得に失敗: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("インデックス一覧の取得に失敗: status=%d body=%s", resp.StatusCode(), resp.String())
	}

	names := make([]string, 0, len(out.Indexes))
	for _, idx := range out.Indexes {
		names = append(names, idx.Name)
	}
	return names, nil
}

// DescribeIndex はインデックスの記述情報を返す。存在しない場合は None を返す。
func (c *Client) DescribeIndex(ctx context.Context) (mo.Option[IndexInfo], error) {
	var info IndexInfo
	resp, err := c.control.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/indexes/" + c.indexName)
	if err != nil {
		return mo.None[IndexInfo](), fmt.Errorf("インデックスの取得に失敗: %w", err)
	}
	if resp.StatusCode() == 404 {
		return mo.None[IndexInfo](), nil
	}
	if resp.IsError() {
		return mo.None[IndexInfo](), fmt.Errorf("インデックスの取得に失敗: status=%d body=%s", resp.StatusCode(), resp.String())
	}
	return mo.Some(info), nil
}

// CreateIndex はサーバレスインデックスを作成する
func (c *Client) CreateIndex(ctx context.Context, dimension int) (IndexInfo, error) {
	body := map[string]any{
		"name":      c.indexName,
		"dimension": dimension,
		"metric":    c.metric,
		"spec": map[string]any{
			"serverless": map[string]any{
				"cloud":  c.cloud,
				"region": c.region,
			},
		},
	}

	var info IndexInfo
	resp, err := c.control.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&info).
		Post("/indexes")
	if err != nil {
		return IndexInfo{}, fmt.Errorf("インデックスの作成に失敗: %w", err)
	}
	if resp.IsError() {
		return IndexInfo{}, fmt.Errorf("インデックスの作成に失敗: status=%d body=%s", resp.StatusCode(), resp.String())
	}
	return info, nil
}

// EnsureIndex はインデックスの存在を保証する（冪等）。
// 既存インデックスは次元の一致のみ検証し、新規作成した場合は
// ストアが ready を報告するまでポーリングで待機する。
func (c *Client) EnsureIndex(ctx context.Context, dimension int) error {
	existing, err := c.DescribeIndex(ctx)
	if err != nil {
		return err
	}

	if info, present := existing.Get(); present {
		if info.Dimension != dimension {
			return fmt.Errorf("%w: index=%d embedder=%d", ErrDimensionMismatch, info.Dimension, dimension)
		}
		if info.Host != "" {
			c.setDataBase("https://" + info.Host)
		}
		if info.Status.Ready {
			return nil
		}
		return c.waitUntilReady(ctx)
	}

	c.logger.Info("インデックスを新規作成",
		"index", c.indexName,
		"dimension", dimension,
		"metric", c.metric,
		"region", c.region,
	)
	if _, err := c.CreateIndex(ctx, dimension); err != nil {
		return err
	}
	return c.waitUntilReady(ctx)
}

// waitUntilReady はインデックスが ready になるまでポーリングする
func (c *Client) waitUntilReady(ctx context.Context) error {
	deadline := time.Now().Add(c.readyWait)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		info, err := c.DescribeIndex(ctx)
		if err != nil {
			return err
		}
		if i, present := info.Get(); present && i.Status.Ready {
			if i.Host != "" {
				c.setDataBase("https://" + i.Host)
			}
			c.logger.Info("インデックスが ready になりました", "index", c.indexName)
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("インデックスが ready になりません: %s", c.indexName)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type upsertVector struct {
	ID       string                   `json:"id"`
	Values   []float32                `json:"values"`
	Metadata knowledge.RecordMetadata `json:"metadata"`
}

// Upsert はレコードを ID 上書きセマンティクスで書き込む。
// プロバイダ制限に合わせて最大 100 件ずつのバッチに分割し、
// 途中のバッチが失敗した場合は書き込み済み件数付きのエラーを返す。
func (c *Client) Upsert(ctx context.Context, records []knowledge.VectorRecord) error {
	data, err := c.dataClient(ctx)
	if err != nil {
		return err
	}

	written := 0
	for start := 0; start < len(records); start += maxUpsertBatch {
		end := min(start+maxUpsertBatch, len(records))
		batch := records[start:end]

		vectors := make([]upsertVector, len(batch))
		for i, rec := range batch {
			vectors[i] = upsertVector{ID: rec.ID, Values: rec.Vector, Metadata: rec.Metadata}
		}

		resp, reqErr := data.R().
			SetContext(ctx).
			SetBody(map[string]any{"vectors": vectors}).
			Post("/vectors/upsert")
		if reqErr != nil {
			return &knowledge.PartialUpsertError{Written: written, Attempted: len(records), Err: reqErr}
		}
		if resp.IsError() {
			return &knowledge.PartialUpsertError{
				Written:   written,
				Attempted: len(records),
				Err:       fmt.Errorf("status=%d body=%s", resp.StatusCode(), resp.String()),
			}
		}
		written += len(batch)
	}

	c.logger.Debug("レコードを書き込み", "count", written)
	return nil
}

// Query はクエリベクトルに対する上位 topK 件のマッチをスコア降順で返す。
// ストアが返した並びはそのまま維持する。
func (c *Client) Query(ctx context.Context, vector []float32, topK int) ([]knowledge.QueryMatch, error) {
	data, err := c.dataClient(ctx)
	if err != nil {
		return nil, err
	}

	var out struct {
		Matches []struct {
			ID       string                   `json:"id"`
			Score    float64                  `json:"score"`
			Metadata knowledge.RecordMetadata `json:"metadata"`
		} `json:"matches"`
	}

	resp, err := data.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"vector":          vector,
			"topK":            topK,
			"includeMetadata": true,
		}).
		SetResult(&out).
		Post("/query")
	if err != nil {
		return nil, fmt.Errorf("ベクトル検索に失敗: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ベクトル検索に失敗: status=%d body=%s", resp.StatusCode(), resp.String())
	}

	matches := make([]knowledge.QueryMatch, 0, len(out.Matches))
	for _, m := range out.Matches {
		matches = append(matches, knowledge.QueryMatch{
			Score:      m.Score,
			Text:       m.Metadata.Text,
			SourceName: m.Metadata.SourceName,
		})
	}
	return matches, nil
}

// dataClient はデータプレーンのクライアントを返す。
// ホストが未解決の場合は DescribeIndex で解決する。
func (c *Client) dataClient(ctx context.Context) (*resty.Client, error) {
	c.mu.Lock()
	if c.data != nil {
		defer c.mu.Unlock()
		return c.data, nil
	}
	c.mu.Unlock()

	info, err := c.DescribeIndex(ctx)
	if err != nil {
		return nil, err
	}
	i, present := info.Get()
	if !present || i.Host == "" {
		return nil, fmt.Errorf("インデックスのホストが解決できません: %s", c.indexName)
	}

	c.setDataBase("https://" + i.Host)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data, nil
}

func (c *Client) setDataBase(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data != nil && c.dataBase == baseURL {
		return
	}
	c.dataBase = baseURL
	c.data = resty.New().
		SetBaseURL(baseURL).
		SetHeader("Api-Key", c.control.Header.Get("Api-Key")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(c.timeout)
}

// インターフェース実装の確認
var (
	_ ingestion.VectorStore = (*Client)(nil)
	_ retrieval.VectorStore = (*Client)(nil)
)

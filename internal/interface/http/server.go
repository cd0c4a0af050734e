package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jinford/avatar-kb/internal/core/retrieval"
)

// Retriever はナレッジ検索の呼び出し側インターフェース
type Retriever interface {
	Retrieve(ctx context.Context, query string) retrieval.Result
}

// Server はナレッジ検索エンドポイントを公開する HTTP サーバー。
// retriever が nil の場合、検索機能は無効として常に success=false を返す
// （設定不足でサーバー自体を落とさないため）。
type Server struct {
	addr      string
	retriever Retriever
	logger    *slog.Logger
	engine    *gin.Engine
}

type serverOption func(*Server)

// WithServerLogger はロガーを設定する
func WithServerLogger(logger *slog.Logger) serverOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer は新しい Server を作成する
func NewServer(addr string, retriever Retriever, opts ...serverOption) *Server {
	s := &Server{
		addr:      addr,
		retriever: retriever,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.handleHealthz)
	engine.POST("/knowledge-search", s.handleKnowledgeSearch)
	s.engine = engine

	return s
}

// Handler はルーティング済みのハンドラを返す（テスト用）
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run はサーバーを起動し、ctx のキャンセルで graceful shutdown する
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("HTTPサーバーを停止中")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

type knowledgeSearchRequest struct {
	Query string `json:"query"`
}

type knowledgeSearchSource struct {
	Score  float64 `json:"score"`
	Text   string  `json:"text"`
	Source string  `json:"source"`
}

type knowledgeSearchResponse struct {
	Success bool                    `json:"success"`
	Context string                  `json:"context"`
	Sources []knowledgeSearchSource `json:"sources"`
}

// handleKnowledgeSearch はナレッジ検索を実行する。
// 呼び出し側はステータスコードではなくボディの success で分岐する契約の
// ため、内部エラーでも常に 200 を返す。
func (s *Server) handleKnowledgeSearch(c *gin.Context) {
	failed := knowledgeSearchResponse{Success: false, Context: "", Sources: []knowledgeSearchSource{}}

	var req knowledgeSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Warn("リクエストボディの解析に失敗", "error", err)
		c.JSON(http.StatusOK, failed)
		return
	}

	if s.retriever == nil {
		s.logger.Warn("検索機能が無効のためリクエストを拒否")
		c.JSON(http.StatusOK, failed)
		return
	}

	result := s.retriever.Retrieve(c.Request.Context(), req.Query)

	sources := make([]knowledgeSearchSource, 0, len(result.Matches))
	for _, m := range result.Matches {
		sources = append(sources, knowledgeSearchSource{
			Score:  m.Score,
			Text:   m.Text,
			Source: m.SourceName,
		})
	}

	c.JSON(http.StatusOK, knowledgeSearchResponse{
		Success: result.Success,
		Context: result.Context,
		Sources: sources,
	})
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

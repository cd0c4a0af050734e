package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jinford/avatar-kb/internal/core/retrieval"
)

// Retriever は知識検索の呼び出しインターフェース
type Retriever interface {
	Retrieve(ctx context.Context, query string) retrieval.Result
}

// Speaker は音声チャネルへの補助メッセージ送信インターフェース
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Messenger はテキストチャネルへのメッセージ送信インターフェース
type Messenger interface {
	SendText(ctx context.Context, text string) error
}

// Orchestrator はセッションごとのターン状態機械。
// アバタープラットフォームのイベントストリームを消費して発話テキストをキャプチャし、
// 確定したターンごとに最大 1 回だけ知識検索を起動して結果を会話へ合流させる。
type Orchestrator struct {
	id        uuid.UUID
	retriever Retriever
	speaker   Speaker
	messenger Messenger
	voiceMode bool
	logger    *slog.Logger

	mu            sync.Mutex
	connected     bool
	state         TurnState
	turn          *Turn
	seq           uint64 // 最後に割り当てたターン番号
	committedSeq  uint64 // 最後にコミットされたターン番号
	buffer        string // 途中経過トランスクリプトのバッファ（last-write-wins）
	lastCommitted string // 直近で確定した発話テキスト

	wg sync.WaitGroup // 実行中の非同期検索
}

type orchestratorOptions struct {
	voiceMode bool
	logger    *slog.Logger
}

// OrchestratorOption は Orchestrator のオプション設定
type OrchestratorOption func(*orchestratorOptions)

// WithVoiceMode は音声モードを設定する。
// 音声モードでは確定ターンごとに検索結果を音声チャネルへ補助メッセージとして送る。
func WithVoiceMode(enabled bool) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.voiceMode = enabled
	}
}

// WithOrchestratorLogger は Orchestrator にロガーを設定する
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.logger = logger
	}
}

// NewOrchestrator は新しい Orchestrator を作成する
func NewOrchestrator(retriever Retriever, speaker Speaker, messenger Messenger, opts ...OrchestratorOption) *Orchestrator {
	options := orchestratorOptions{
		voiceMode: true,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	id := uuid.New()
	return &Orchestrator{
		id:        id,
		retriever: retriever,
		speaker:   speaker,
		messenger: messenger,
		voiceMode: options.voiceMode,
		logger:    options.logger.With("sessionID", id),
		state:     StateIdle,
	}
}

// ID はセッション ID を返す
func (o *Orchestrator) ID() uuid.UUID {
	return o.id
}

// State は現在のターン状態を返す
func (o *Orchestrator) State() TurnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastCommittedUtterance は直近で確定した発話テキストを返す
func (o *Orchestrator) LastCommittedUtterance() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastCommitted
}

// HandleEvent はセッションイベントを 1 件処理する。
// 前のターンの検索が実行中でもブロックせず、新しいイベントを受け付ける。
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev.Type {
	case EventStreamReady:
		o.connected = true
		o.logger.Info("セッションが接続されました")

	case EventStreamDisconnected:
		o.connected = false
		o.state = StateIdle
		o.turn = nil
		o.buffer = ""
		o.logger.Info("セッションが切断されました")

	case EventUserStart:
		// 発話開始は状態に関わらずバッファを必ずクリアする。
		// CAPTURING 中に届いた場合、前のターンは副作用なしで破棄される。
		if o.state == StateCapturing {
			o.logger.Debug("キャプチャ中のターンを破棄", "seq", o.seq)
		}
		o.buffer = ""
		o.seq++
		o.turn = &Turn{Seq: o.seq}
		o.state = StateCapturing

	case EventUserTalkingMessage:
		if o.state != StateCapturing {
			return
		}
		// 各途中経過ペイロードはその時点までの全文を含むため、連結せず上書きする
		if text, ok := ev.MessageText(); ok {
			o.buffer = text
		}

	case EventUserStop, EventUserEndMessage:
		o.commitLocked(ctx, ev)
	}
}

// commitLocked はターンを確定し、必要なら知識検索を起動する。
// EventUserStop と EventUserEndMessage は同一ターンで両方発火しうるため、
// Processed フラグで 2 回目以降の起動を抑止する（at-most-once）。
// 呼び出し時に o.mu を保持していること。
func (o *Orchestrator) commitLocked(ctx context.Context, ev Event) {
	if o.turn == nil || o.turn.Processed {
		return
	}

	text, ok := ev.MessageText()
	if !ok {
		text = o.buffer
	}

	o.turn.Processed = true
	o.turn.Utterance = text
	o.committedSeq = o.turn.Seq
	o.lastCommitted = text
	o.state = StateCommitted

	if strings.TrimSpace(text) == "" || !o.voiceMode {
		// バッファが空、またはテキスト専用モードなら即座に IDLE へ戻る
		o.state = StateIdle
		return
	}

	seq := o.turn.Seq
	o.logger.Info("ターンを確定、知識検索を起動", "seq", seq, "utterance", text)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		result := o.retriever.Retrieve(ctx, text)
		o.applyRetrieval(ctx, seq, result)
	}()
}

// applyRetrieval は非同期検索の結果を会話へ適用する。
// コミット時に捕捉した seq が現在の確定ターンと一致しない場合、
// 結果は陳腐化しているため破棄する（ソフトキャンセル）。
func (o *Orchestrator) applyRetrieval(ctx context.Context, seq uint64, result retrieval.Result) {
	o.mu.Lock()
	if seq != o.committedSeq {
		o.mu.Unlock()
		o.logger.Debug("新しいターンが確定済みのため検索結果を破棄", "seq", seq)
		return
	}
	if o.state == StateCommitted {
		o.state = StateIdle
	}
	connected := o.connected
	o.mu.Unlock()

	if !result.Success || result.Context == "" {
		return
	}
	if !connected {
		o.logger.Debug("切断済みセッションへの送信をスキップ", "seq", seq)
		return
	}

	// 検索失敗は会話を壊さない。送信失敗もログのみに留める。
	if err := o.speaker.Speak(ctx, result.Context); err != nil {
		o.logger.Warn("補助メッセージの送信に失敗", "seq", seq, "error", err)
	}
}

// SendMessage はテキストモードの送信処理。
// 検索を同期実行し、知識が見つかれば参考情報のラベル付きで本文へ追記する。
// 検索が失敗しても元のメッセージは必ず送信する。
func (o *Orchestrator) SendMessage(ctx context.Context, text string) error {
	outgoing := text

	result := o.retriever.Retrieve(ctx, text)
	if result.Success && result.Context != "" {
		// Context は位置マーカー（【参考情報N】）を含むラベル済みテキスト
		outgoing = text + result.Context
	}

	return o.messenger.SendText(ctx, outgoing)
}

// Wait は実行中の非同期検索がすべて完了するまで待機する。
// セッション破棄時のクリーンアップに使う。
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

package session

// EventType はアバタープラットフォームのセッションイベント種別
type EventType string

const (
	// EventStreamReady はセッション接続完了イベント
	EventStreamReady EventType = "stream_ready"
	// EventStreamDisconnected はセッション切断イベント
	EventStreamDisconnected EventType = "stream_disconnected"
	// EventUserStart は発話開始イベント
	EventUserStart EventType = "user_start"
	// EventUserTalkingMessage は途中経過のトランスクリプトイベント。
	// ペイロードにはその時点までの仮説全文が入る（断片の連結ではない）。
	EventUserTalkingMessage EventType = "user_talking_message"
	// EventUserStop は発話終了イベント
	EventUserStop EventType = "user_stop"
	// EventUserEndMessage はメッセージ確定イベント。
	// 同一ターンに対して EventUserStop と両方発火することがある。
	EventUserEndMessage EventType = "user_end_message"
)

// Event はアバターセッションのイベントストリームから届く 1 件のイベント
type Event struct {
	Type    EventType
	Payload map[string]any
}

// messageKeys はペイロード内でメッセージテキストが入りうるキーの優先順位。
// 上流のイベント仕様が揺れているため、既知のキーを順に探す防御的パースを行う。
// TODO: transcript キーが実際に使われているか上流仕様の確定後に確認する
var messageKeys = []string{"message", "text", "transcript"}

// MessageText はペイロードからメッセージテキストを取り出す。
// 既知のキーを優先順に探し、見つからなければ ok=false を返す
// （その場合、呼び出し側はバッファ済みの途中経過テキストへフォールバックする）。
func (e Event) MessageText() (string, bool) {
	for _, key := range messageKeys {
		if v, found := e.Payload[key]; found {
			if s, isString := v.(string); isString && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

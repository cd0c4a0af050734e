package session

// TurnState はターンの状態
type TurnState int

const (
	// StateIdle は発話待ちの状態
	StateIdle TurnState = iota
	// StateCapturing は発話テキストをキャプチャ中の状態
	StateCapturing
	// StateCommitted は発話が確定し、検索処理の適用待ちの状態
	StateCommitted
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// Turn は 1 回の発話からシステム応答までのサイクルを表す。
// セッションは同時に 1 つのターンのみを所有する。
// Seq はコミット時点の世代比較に、Processed はコミットの二重発火抑止に使う。
type Turn struct {
	Seq       uint64
	Utterance string
	Processed bool
}

package reconnect

// State 为配对发现状态机的状态。
type State string

const (
	// StateIdle 表示没有进行中的配对尝试。
	StateIdle State = "IDLE"
	// StatePolling 表示按固定节奏查询中继，等待钱包批准。
	StatePolling State = "POLLING"
	// StateFound 表示已解析出账户，本次尝试结束。
	StateFound State = "FOUND"
	// StateTimedOut 表示次数用尽仍未观察到会话。
	StateTimedOut State = "TIMED_OUT"
	// StateFailed 表示查询或解析失败，本次尝试结束。
	StateFailed State = "FAILED"
)

func (s State) String() string {
	switch s {
	case StateIdle, StatePolling, StateFound, StateTimedOut, StateFailed:
		return string(s)
	default:
		return "UNKNOWN"
	}
}

// Terminal 报告状态是否为某次尝试的终态。
func (s State) Terminal() bool {
	return s == StateFound || s == StateTimedOut || s == StateFailed
}

// Event 驱动状态迁移。
type Event string

const (
	EventStart            Event = "start"
	EventRestore          Event = "restore"
	EventSessionResolved  Event = "session_resolved"
	EventExtractionFailed Event = "extraction_failed"
	EventQueryFailed      Event = "query_failed"
	EventAttemptsExceeded Event = "attempts_exceeded"
	EventCancel           Event = "cancel"
)

// Transition 为纯迁移函数，ok=false 表示该事件在当前状态下不合法。
// Polling 只能从 Idle 进入，终态要重试必须先回到 Idle。
func Transition(from State, ev Event) (State, bool) {
	switch ev {
	case EventCancel:
		return StateIdle, true
	case EventStart, EventRestore:
		if from == StateIdle {
			return StatePolling, true
		}
	case EventSessionResolved:
		if from == StatePolling {
			return StateFound, true
		}
	case EventExtractionFailed, EventQueryFailed:
		if from == StatePolling {
			return StateFailed, true
		}
	case EventAttemptsExceeded:
		if from == StatePolling {
			return StateTimedOut, true
		}
	}
	return from, false
}

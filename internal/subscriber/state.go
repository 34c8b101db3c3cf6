// internal/subscriber/state.go
package subscriber

// State — фаза жизненного цикла подписчика.
//
// Переходы: Disconnected → Connecting → Subscribed → Streaming →
// (Error | Closing) → Disconnected. Из Error цикл возвращается в
// Connecting после паузы; Closing — только по запросу shutdown.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateStreaming
	StateError
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

package snw

import "fmt"

// Role 区分传输会话的方向。
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// State 是单向传输会话的状态。
type State string

const (
	StateIdle        State = "IDLE"
	StateSending     State = "SENDING"
	StateAwaitingAck State = "AWAITING_ACK"
	StateReceiving   State = "RECEIVING"
	StateComplete    State = "COMPLETE"
	StateAborted     State = "ABORTED"
)

var transitions = map[State][]State{
	StateIdle:        {StateSending, StateReceiving, StateComplete, StateAborted},
	StateSending:     {StateAwaitingAck, StateAborted},
	StateAwaitingAck: {StateSending, StateComplete, StateAborted},
	StateReceiving:   {StateComplete, StateAborted},
}

// Session 记录一次文件传输的瞬时状态，传输结束后仅供调用方读取统计。
type Session struct {
	Role  Role
	State State
	// Total 是发送方产出或接收方期望的总字节数。
	Total int
	// Position 是已确认发送或已接收的字节数。
	Position    int
	Chunks      int
	Acks        int
	Retransmits int
}

func newSession(role Role, total int) *Session {
	return &Session{Role: role, State: StateIdle, Total: total}
}

// Done 表示会话已处于终态。
func (s *Session) Done() bool {
	return s.State == StateComplete || s.State == StateAborted
}

func (s *Session) transition(next State) {
	for _, allowed := range transitions[s.State] {
		if allowed == next {
			s.State = next
			return
		}
	}
	panic(fmt.Sprintf("snw: illegal %s transition %s -> %s", s.Role, s.State, next))
}

func (s *Session) abort() {
	if !s.Done() {
		s.transition(StateAborted)
	}
}

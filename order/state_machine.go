package order

import (
	"fmt"
)

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机，只读，可并发使用
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	legal := []StateTransition{
		// 提交中
		{StatusSubmitting, StatusOpen},
		{StatusSubmitting, StatusFilled}, // 确认前即成交
		{StatusSubmitting, StatusCancelled},
		{StatusSubmitting, StatusUnknown},

		// 挂单中
		{StatusOpen, StatusFilled},
		{StatusOpen, StatusCancelled},
		{StatusOpen, StatusUnknown}, // 撤单超时

		// 待对账
		{StatusUnknown, StatusOpen},
		{StatusUnknown, StatusFilled},
		{StatusUnknown, StatusCancelled},
	}
	for _, t := range legal {
		sm.transitions[t] = true
	}
	return sm
}

// ValidateTransition 验证状态转换是否合法，相同状态视为幂等
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("illegal state transition: %s -> %s", from, to)
	}
	return nil
}

// CanCancel 判断当前状态下是否需要撤单。UNKNOWN 订单可能已挂出，同样尝试撤单。
func (sm *StateMachine) CanCancel(status Status) bool {
	switch status {
	case StatusOpen, StatusUnknown:
		return true
	default:
		return false
	}
}

package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"

	"github.com/langchou/parkgate/internal/models"
)

// 停车会话状态常量
const (
	StateOpen   = string(models.StatusOpen)
	StateClosed = string(models.StatusClosed)
	StatePriced = string(models.StatusPriced)
)

// 事件常量
const (
	EventClose = "close" // 出场，写入 time_out
	EventPrice = "price" // 计费，写入 paid_amount
)

// Machine 停车会话状态机：open -> closed -> priced，不可回退
type Machine struct {
	mu            sync.RWMutex
	sessionID     int64
	fsm           *fsm.FSM
	onStateChange func(sessionID int64, from, to string)
}

// NewSessionMachine 以会话当前状态创建状态机
func NewSessionMachine(session *models.ParkingSession, onStateChange func(sessionID int64, from, to string)) *Machine {
	m := &Machine{
		sessionID:     session.ID,
		onStateChange: onStateChange,
	}

	m.fsm = fsm.NewFSM(
		string(session.Status()),
		fsm.Events{
			{Name: EventClose, Src: []string{StateOpen}, Dst: StateClosed},
			{Name: EventPrice, Src: []string{StateClosed}, Dst: StatePriced},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.sessionID, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Trigger 触发事件
func (m *Machine) Trigger(ctx context.Context, event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(ctx, event); err != nil {
		return fmt.Errorf("session %d: trigger event %s: %w", m.sessionID, event, err)
	}
	return nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

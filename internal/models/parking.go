package models

import "time"

// SessionStatus 停车会话状态（由 time_out / paid_amount 推导，不落库）
type SessionStatus string

const (
	StatusOpen   SessionStatus = "open"   // 场内，未出场
	StatusClosed SessionStatus = "closed" // 已出场，尚未计费
	StatusPriced SessionStatus = "priced" // 已出场并计费
)

// ParkingSession 停车记录，一次入场对应一行
type ParkingSession struct {
	ID         int64      `json:"id" db:"id"`
	UID        string     `json:"uid" db:"uid"`
	TimeIn     time.Time  `json:"time_in" db:"time_in"`
	TimeOut    *time.Time `json:"time_out" db:"time_out"`       // nil 表示仍在场内
	PaidAmount *int64     `json:"paid_amount" db:"paid_amount"` // 出场计费后写入
}

// Status 推导当前状态
func (s *ParkingSession) Status() SessionStatus {
	switch {
	case s.TimeOut == nil:
		return StatusOpen
	case s.PaidAmount == nil:
		return StatusClosed
	default:
		return StatusPriced
	}
}

// IsOpen 是否为进行中的停车
func (s *ParkingSession) IsOpen() bool {
	return s.TimeOut == nil
}

// Clone 深拷贝
func (s *ParkingSession) Clone() *ParkingSession {
	c := *s
	if s.TimeOut != nil {
		t := *s.TimeOut
		c.TimeOut = &t
	}
	if s.PaidAmount != nil {
		p := *s.PaidAmount
		c.PaidAmount = &p
	}
	return &c
}

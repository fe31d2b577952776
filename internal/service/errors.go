package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidUID 请求未携带卡号
	ErrInvalidUID = errors.New("uid is required")

	// ErrNoOpenSession 该卡没有进行中的停车
	ErrNoOpenSession = errors.New("no open parking session for uid")

	// ErrAlreadyParked 该卡已在场内，拒绝重复入场
	ErrAlreadyParked = errors.New("uid already has an open parking session")

	// ErrSessionNotFound 停车记录不存在
	ErrSessionNotFound = errors.New("parking session not found")
)

// StoreError 存储层失败（连接、查询、约束等）
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeError(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// IsStoreError 判断是否为存储层错误
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/langchou/parkgate/internal/models"
)

// ErrNotFound 记录不存在（包括该卡没有进行中的停车）
var ErrNotFound = errors.New("record not found")

// ErrDuplicateOpen 同一卡号已有进行中的停车记录
var ErrDuplicateOpen = errors.New("uid already has an open session")

// SessionTx 事务内可用的停车记录操作
type SessionTx interface {
	// FindOpenByUID 查找该卡最近一条未出场记录并加行锁
	FindOpenByUID(ctx context.Context, uid string) (*models.ParkingSession, error)
	// SetExit 以存储端当前时间写入 time_out，仅对未出场记录生效
	SetExit(ctx context.Context, id int64) (time.Time, error)
	// ComputeDurationSeconds 存储端计算停车秒数
	ComputeDurationSeconds(ctx context.Context, id int64) (int64, error)
	SetPaidAmount(ctx context.Context, id int64, amount int64) error
}

// TxFunc 事务回调，返回错误时回滚
type TxFunc func(tx SessionTx) error

package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/langchou/parkgate/internal/models"
)

// MemoryParkingRepository 内存停车仓库，用于本地开发与测试
// 事务通过整库互斥锁串行化，失败时恢复快照
type MemoryParkingRepository struct {
	mu       sync.Mutex
	now      func() time.Time
	nextID   int64
	sessions []*models.ParkingSession
}

// NewMemoryParkingRepository 创建内存仓库，now 为空时使用 time.Now
func NewMemoryParkingRepository(now func() time.Time) *MemoryParkingRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryParkingRepository{now: now}
}

// Insert 入场
func (r *MemoryParkingRepository) Insert(ctx context.Context, uid string) (*models.ParkingSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.UID == uid && s.IsOpen() {
			return nil, ErrDuplicateOpen
		}
	}

	r.nextID++
	session := &models.ParkingSession{
		ID:     r.nextID,
		UID:    uid,
		TimeIn: r.now(),
	}
	r.sessions = append(r.sessions, session)
	return session.Clone(), nil
}

// GetByID 获取停车记录
func (r *MemoryParkingRepository) GetByID(ctx context.Context, id int64) (*models.ParkingSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.find(id); s != nil {
		return s.Clone(), nil
	}
	return nil, ErrNotFound
}

// ListAll 按入场时间倒序返回全部记录
func (r *MemoryParkingRepository) ListAll(ctx context.Context) ([]*models.ParkingSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.ParkingSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TimeIn.Equal(out[j].TimeIn) {
			return out[i].ID > out[j].ID
		}
		return out[i].TimeIn.After(out[j].TimeIn)
	})
	return out, nil
}

// RunInTx 串行执行 fn，fn 返回错误时回滚
func (r *MemoryParkingRepository) RunInTx(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	backup := make([]*models.ParkingSession, len(r.sessions))
	for i, s := range r.sessions {
		backup[i] = s.Clone()
	}

	if err := fn(&memorySessionTx{repo: r}); err != nil {
		r.sessions = backup
		return err
	}
	return nil
}

// find 调用方需持有锁
func (r *MemoryParkingRepository) find(id int64) *models.ParkingSession {
	for _, s := range r.sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

type memorySessionTx struct {
	repo *MemoryParkingRepository
}

func (t *memorySessionTx) FindOpenByUID(ctx context.Context, uid string) (*models.ParkingSession, error) {
	var latest *models.ParkingSession
	for _, s := range t.repo.sessions {
		if s.UID != uid || !s.IsOpen() {
			continue
		}
		if latest == nil || s.TimeIn.After(latest.TimeIn) || (s.TimeIn.Equal(latest.TimeIn) && s.ID > latest.ID) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}

func (t *memorySessionTx) SetExit(ctx context.Context, id int64) (time.Time, error) {
	s := t.repo.find(id)
	if s == nil || !s.IsOpen() {
		return time.Time{}, ErrNotFound
	}
	now := t.repo.now()
	s.TimeOut = &now
	return now, nil
}

func (t *memorySessionTx) ComputeDurationSeconds(ctx context.Context, id int64) (int64, error) {
	s := t.repo.find(id)
	if s == nil {
		return 0, ErrNotFound
	}
	if s.TimeOut == nil {
		return 0, fmt.Errorf("compute parking duration: session %d has no exit time", id)
	}
	return int64(s.TimeOut.Sub(s.TimeIn) / time.Second), nil
}

func (t *memorySessionTx) SetPaidAmount(ctx context.Context, id int64, amount int64) error {
	s := t.repo.find(id)
	if s == nil || s.TimeOut == nil || s.PaidAmount != nil {
		return fmt.Errorf("set parking paid amount: session %d is not awaiting payment", id)
	}
	s.PaidAmount = &amount
	return nil
}

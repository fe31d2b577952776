package service

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/repository"
	"github.com/langchou/parkgate/internal/state"
	"github.com/langchou/parkgate/pkg/ws"
)

// 停车事件类型
const (
	EventSessionOpened = "session.opened"
	EventSessionClosed = "session.closed"
)

// SessionStore 停车记录存储
type SessionStore interface {
	Insert(ctx context.Context, uid string) (*models.ParkingSession, error)
	GetByID(ctx context.Context, id int64) (*models.ParkingSession, error)
	ListAll(ctx context.Context) ([]*models.ParkingSession, error)
	RunInTx(ctx context.Context, fn repository.TxFunc) error
}

// Broadcaster 推送快照给所有订阅者（本地 Hub 或 Redis 中继）
type Broadcaster interface {
	BroadcastMessage(msgType string, data interface{})
}

// EventPublisher 停车事件流（可选）
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, eventType string, session *models.ParkingSession) error
}

// ParkingService 停车记录生命周期管理：入场开单、出场结算、变更后广播
type ParkingService struct {
	logger      *zap.Logger
	store       SessionStore
	broadcaster Broadcaster
	events      EventPublisher
	tariff      Tariff

	// broadcastMu 读取快照与推送在同一把锁内完成，推送顺序与提交顺序一致
	broadcastMu sync.Mutex
}

// NewParkingService 创建停车服务，events 可为 nil
func NewParkingService(
	logger *zap.Logger,
	store SessionStore,
	broadcaster Broadcaster,
	events EventPublisher,
	tariff Tariff,
) *ParkingService {
	return &ParkingService{
		logger:      logger,
		store:       store,
		broadcaster: broadcaster,
		events:      events,
		tariff:      tariff,
	}
}

// RecordEntry 入场
func (s *ParkingService) RecordEntry(ctx context.Context, uid string) (*models.ParkingSession, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, ErrInvalidUID
	}

	session, err := s.store.Insert(ctx, uid)
	if errors.Is(err, repository.ErrDuplicateOpen) {
		return nil, ErrAlreadyParked
	}
	if err != nil {
		return nil, storeError("insert", err)
	}

	s.logger.Info("Parking entry recorded",
		zap.String("uid", uid),
		zap.Int64("session_id", session.ID),
		zap.Time("time_in", session.TimeIn),
	)

	s.afterMutation(ctx, EventSessionOpened, session)
	return session, nil
}

// RecordExit 出场：关闭该卡最近一条未出场记录并计费，整个过程在一个事务中完成
func (s *ParkingService) RecordExit(ctx context.Context, uid string) (*models.ParkingSession, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, ErrInvalidUID
	}

	var closed *models.ParkingSession
	err := s.store.RunInTx(ctx, func(tx repository.SessionTx) error {
		open, err := tx.FindOpenByUID(ctx, uid)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNoOpenSession
		}
		if err != nil {
			return storeError("find open session", err)
		}

		machine := state.NewSessionMachine(open, s.logTransition)

		if err := machine.Trigger(ctx, state.EventClose); err != nil {
			return err
		}
		timeOut, err := tx.SetExit(ctx, open.ID)
		if errors.Is(err, repository.ErrNotFound) {
			// 并发出场已先一步关闭
			return ErrNoOpenSession
		}
		if err != nil {
			return storeError("set exit", err)
		}

		seconds, err := tx.ComputeDurationSeconds(ctx, open.ID)
		if err != nil {
			return storeError("compute duration", err)
		}
		amount := s.tariff.Fee(seconds)

		if err := machine.Trigger(ctx, state.EventPrice); err != nil {
			return err
		}
		if err := tx.SetPaidAmount(ctx, open.ID, amount); err != nil {
			return storeError("set paid amount", err)
		}

		open.TimeOut = &timeOut
		open.PaidAmount = &amount
		closed = open
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Parking exit recorded",
		zap.String("uid", uid),
		zap.Int64("session_id", closed.ID),
		zap.Int64("paid_amount", *closed.PaidAmount),
	)

	s.afterMutation(ctx, EventSessionClosed, closed)
	return closed, nil
}

// ListRecords 全部停车记录，按入场时间倒序
func (s *ParkingService) ListRecords(ctx context.Context) ([]*models.ParkingSession, error) {
	sessions, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, storeError("list", err)
	}
	if sessions == nil {
		sessions = make([]*models.ParkingSession, 0)
	}
	return sessions, nil
}

// GetRecord 单条停车记录
func (s *ParkingService) GetRecord(ctx context.Context, id int64) (*models.ParkingSession, error) {
	session, err := s.store.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, storeError("get", err)
	}
	return session, nil
}

// Snapshot 新订阅者的初始快照（ws.InitDataProvider），由 Hub 在 SnapshotLock 内调用
func (s *ParkingService) Snapshot(ctx context.Context) (string, interface{}, error) {
	sessions, err := s.ListRecords(ctx)
	if err != nil {
		return "", nil, err
	}
	return ws.MsgTypeParkingData, sessions, nil
}

// SnapshotLock 推送顺序锁，交给 Hub 保证初始快照不晚于已入队的广播
func (s *ParkingService) SnapshotLock() sync.Locker {
	return &s.broadcastMu
}

// afterMutation 变更成功后广播完整快照并发布事件
func (s *ParkingService) afterMutation(ctx context.Context, eventType string, session *models.ParkingSession) {
	s.broadcastSnapshot(ctx)

	if s.events == nil {
		return
	}
	if err := s.events.PublishSessionEvent(ctx, eventType, session); err != nil {
		s.logger.Warn("Failed to publish session event",
			zap.Error(err),
			zap.String("event", eventType),
			zap.Int64("session_id", session.ID),
		)
	}
}

// broadcastSnapshot 广播完整快照，读取失败时只记录日志
func (s *ParkingService) broadcastSnapshot(ctx context.Context) {
	if s.broadcaster == nil {
		return
	}

	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()

	sessions, err := s.ListRecords(ctx)
	if err != nil {
		s.logger.Error("Failed to fetch records for broadcast", zap.Error(err))
		return
	}

	s.broadcaster.BroadcastMessage(ws.MsgTypeParkingData, sessions)
	s.logger.Debug("Broadcasted parking snapshot", zap.Int("records", len(sessions)))
}

func (s *ParkingService) logTransition(sessionID int64, from, to string) {
	s.logger.Debug("Parking session state changed",
		zap.Int64("session_id", sessionID),
		zap.String("from", from),
		zap.String("to", to),
	)
}

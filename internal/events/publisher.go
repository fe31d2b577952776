package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/models"
)

// DefaultQueue 默认停车事件队列
const DefaultQueue = "parking.sessions"

// SessionEvent 停车记录生命周期事件
type SessionEvent struct {
	Type       string     `json:"type"`
	SessionID  int64      `json:"session_id"`
	UID        string     `json:"uid"`
	TimeIn     time.Time  `json:"time_in"`
	TimeOut    *time.Time `json:"time_out"`
	PaidAmount *int64     `json:"paid_amount"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// NewSessionEvent 由停车记录构造事件
func NewSessionEvent(eventType string, session *models.ParkingSession, at time.Time) SessionEvent {
	return SessionEvent{
		Type:       eventType,
		SessionID:  session.ID,
		UID:        session.UID,
		TimeIn:     session.TimeIn,
		TimeOut:    session.TimeOut,
		PaidAmount: session.PaidAmount,
		OccurredAt: at.UTC(),
	}
}

// channel amqp.Channel 中发布所需的部分
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher 将停车事件发布到 RabbitMQ 持久队列
type Publisher struct {
	logger *zap.Logger
	queue  string
	conn   *amqp.Connection
	now    func() time.Time

	mu sync.Mutex
	ch channel
}

// NewPublisher 连接 RabbitMQ 并声明持久队列
func NewPublisher(url, queue string, logger *zap.Logger) (*Publisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	logger.Info("Connected to RabbitMQ", zap.String("queue", queue))

	return &Publisher{
		logger: logger,
		queue:  queue,
		conn:   conn,
		ch:     ch,
		now:    time.Now,
	}, nil
}

// PublishSessionEvent 发布一条持久化 JSON 事件
func (p *Publisher) PublishSessionEvent(ctx context.Context, eventType string, session *models.ParkingSession) error {
	now := p.now()
	body, err := json.Marshal(NewSessionEvent(eventType, session, now))
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now.UTC(),
		Type:         eventType,
		Body:         body,
	}

	// amqp.Channel 不支持并发发布
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx,
		"",      // 默认交换机
		p.queue, // routing key = 队列名
		false,   // mandatory
		false,   // immediate
		msg,
	); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	p.logger.Debug("Published session event",
		zap.String("event", eventType),
		zap.Int64("session_id", session.ID),
	)
	return nil
}

// Close 关闭通道和连接
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			firstErr = err
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

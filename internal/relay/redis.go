package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/pkg/ws"
)

// DefaultChannel 默认 Redis 频道
const DefaultChannel = "parkgate:parkingData"

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
	publishTimeout      = 3 * time.Second
)

// LocalHub 本实例的订阅者中心
type LocalHub interface {
	Broadcast(message []byte)
}

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Relay 通过 Redis Pub/Sub 在多个实例间转发快照
type Relay struct {
	logger  *zap.Logger
	client  *redis.Client
	pub     publisher
	channel string
	hub     LocalHub
}

// NewClient 创建 go-redis 客户端并 PING 校验连接
func NewClient(addr, password string, db int) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis: addr is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// New 创建中继
func New(client *redis.Client, channel string, hub LocalHub, logger *zap.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		logger:  logger,
		client:  client,
		pub:     client,
		channel: channel,
		hub:     hub,
	}
}

// BroadcastMessage 编码并发布到 Redis，所有实例（包括本实例）经订阅收到后推送
// 发布失败时直接推送给本地订阅者
func (r *Relay) BroadcastMessage(msgType string, data interface{}) {
	payload, err := ws.Encode(msgType, data)
	if err != nil {
		r.logger.Error("Failed to marshal relay message", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := r.pub.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("Redis publish failed, broadcasting locally",
			zap.Error(err),
			zap.String("channel", r.channel),
		)
		r.hub.Broadcast(payload)
	}
}

// Start 订阅频道并等待确认，成功后在后台转发给本地 Hub，直到 ctx 取消
// 返回错误时中继不可用，调用方应继续使用本地 Hub
func (r *Relay) Start(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)

	// 等待订阅确认
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("Redis relay subscribed", zap.String("channel", r.channel))

	go func() {
		defer sub.Close()
		r.forward(ctx, sub.Channel())
	}()
	return nil
}

func (r *Relay) forward(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				r.logger.Warn("Redis relay channel closed")
				return
			}
			r.hub.Broadcast([]byte(msg.Payload))
		}
	}
}
